// Package loader provides per-format document loaders for the ingestion
// pipeline. Loaders are registered by file extension and return rag.Document
// values ready for chunking.
package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/bankrag/rag"
)

// DocumentLoader is the unified interface for loading documents from a file.
type DocumentLoader interface {
	// Load reads the source file and returns documents.
	Load(ctx context.Context, source string) ([]rag.Document, error)

	// SupportedTypes returns the file extensions this loader handles (e.g. ".txt").
	SupportedTypes() []string
}

// Registry routes Load calls to the appropriate DocumentLoader based on
// file extension.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]DocumentLoader // extension (lowercase, with dot) -> loader
}

// NewRegistry creates a registry pre-populated with the built-in loaders.
func NewRegistry() *Registry {
	r := &Registry{loaders: make(map[string]DocumentLoader)}

	builtins := []DocumentLoader{
		NewTextLoader(),
		NewCSVLoader(CSVLoaderConfig{}),
		NewJSONLoader(),
	}
	for _, l := range builtins {
		for _, ext := range l.SupportedTypes() {
			r.loaders[strings.ToLower(ext)] = l
		}
	}
	return r
}

// Register adds or replaces a loader for the given file extension.
// ext should include the leading dot (e.g. ".md").
func (r *Registry) Register(ext string, loader DocumentLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[strings.ToLower(ext)] = loader
}

// Load determines the loader from the source's extension and delegates to it.
func (r *Registry) Load(ctx context.Context, source string) ([]rag.Document, error) {
	ext := strings.ToLower(filepath.Ext(source))
	if ext == "" {
		return nil, fmt.Errorf("loader: cannot determine file type for %q (no extension)", source)
	}

	r.mu.RLock()
	l, ok := r.loaders[ext]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("loader: no loader registered for extension %q", ext)
	}
	return l.Load(ctx, source)
}

// Supports reports whether a loader is registered for the source's extension.
func (r *Registry) Supports(source string) bool {
	ext := strings.ToLower(filepath.Ext(source))
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaders[ext]
	return ok
}

// SupportedTypes returns all registered extensions, sorted.
func (r *Registry) SupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exts := make([]string, 0, len(r.loaders))
	for ext := range r.loaders {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
