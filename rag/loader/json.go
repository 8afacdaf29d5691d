package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BaSui01/bankrag/rag"
)

// JSONLoader loads .json files. A top-level array yields one Document per
// record; a single object yields one Document. Objects are flattened
// field-by-field into "key: value" lines so nested structure survives
// chunking as readable text.
type JSONLoader struct{}

// NewJSONLoader creates a JSONLoader.
func NewJSONLoader() *JSONLoader {
	return &JSONLoader{}
}

// Load reads a JSON file and returns Documents.
func (l *JSONLoader) Load(ctx context.Context, source string) ([]rag.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("json loader: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return []rag.Document{}, nil
	}

	var items []map[string]any
	if trimmed[0] == '[' {
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return nil, fmt.Errorf("json loader: parsing array in %s: %w", source, err)
		}
	} else {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return nil, fmt.Errorf("json loader: parsing object in %s: %w", source, err)
		}
		items = []map[string]any{obj}
	}

	baseName := filepath.Base(source)
	docs := make([]rag.Document, 0, len(items))
	for i, obj := range items {
		docs = append(docs, rag.Document{
			ID:      fmt.Sprintf("%s#%d", source, i),
			Content: flattenObject("", obj),
			Metadata: map[string]any{
				"source_file":  baseName,
				"source_path":  source,
				"content_type": "application/json",
				"loader":       "json",
				"index":        i,
			},
		})
	}
	return docs, nil
}

// flattenObject renders a JSON object as sorted "key: value" lines,
// recursing into nested objects with dotted key paths.
func flattenObject(prefix string, obj map[string]any) string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var lines []string
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch v := obj[k].(type) {
		case map[string]any:
			if nested := flattenObject(path, v); nested != "" {
				lines = append(lines, nested)
			}
		case []any:
			var parts []string
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					parts = append(parts, flattenObject("", m))
				} else {
					parts = append(parts, fmt.Sprintf("%v", item))
				}
			}
			lines = append(lines, fmt.Sprintf("%s: %s", path, strings.Join(parts, "; ")))
		case nil:
			// skip nulls
		default:
			lines = append(lines, fmt.Sprintf("%s: %v", path, v))
		}
	}
	return strings.Join(lines, "\n")
}

// SupportedTypes returns the extensions handled by JSONLoader.
func (l *JSONLoader) SupportedTypes() []string {
	return []string{".json"}
}
