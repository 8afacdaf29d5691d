package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTextLoader(t *testing.T) {
	path := writeFile(t, t.TempDir(), "kyc.txt", "KYC is Know Your Customer.\nIt is a compliance process.")

	docs, err := NewTextLoader().Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Content, "Know Your Customer")
	assert.Equal(t, "text", docs[0].Metadata["loader"])
}

func TestCSVLoaderKeepsHeaderContext(t *testing.T) {
	csvData := "account_id,amount,status\nACC-001,1500.00,flagged\nACC-002,75.20,cleared\n"
	path := writeFile(t, t.TempDir(), "alerts.csv", csvData)

	docs, err := NewCSVLoader(CSVLoaderConfig{}).Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	// Every row document carries its column names.
	assert.Contains(t, docs[0].Content, "account_id: ACC-001")
	assert.Contains(t, docs[0].Content, "amount: 1500.00")
	assert.Contains(t, docs[1].Content, "status: cleared")
	assert.Equal(t, 0, docs[0].Metadata["row_start"])
}

func TestCSVLoaderHeaderOnly(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.csv", "a,b,c\n")

	docs, err := NewCSVLoader(CSVLoaderConfig{}).Load(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestJSONLoaderArray(t *testing.T) {
	jsonData := `[
		{"use_case": "fraud", "description": "Detect suspicious transfers", "limits": {"daily": 10000}},
		{"use_case": "kyc", "description": "Verify customer identity"}
	]`
	path := writeFile(t, t.TempDir(), "cases.json", jsonData)

	docs, err := NewJSONLoader().Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Contains(t, docs[0].Content, "use_case: fraud")
	assert.Contains(t, docs[0].Content, "limits.daily: 10000")
	assert.Contains(t, docs[1].Content, "description: Verify customer identity")
}

func TestJSONLoaderSingleObject(t *testing.T) {
	path := writeFile(t, t.TempDir(), "one.json", `{"name": "aml", "threshold": 0.8}`)

	docs, err := NewJSONLoader().Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Content, "name: aml")
}

func TestRegistryRouting(t *testing.T) {
	dir := t.TempDir()
	txt := writeFile(t, dir, "a.txt", "hello world")
	reg := NewRegistry()

	docs, err := reg.Load(context.Background(), txt)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	assert.True(t, reg.Supports("x.csv"))
	assert.True(t, reg.Supports("x.JSON"))
	assert.False(t, reg.Supports("x.pdf"))

	_, err = reg.Load(context.Background(), filepath.Join(dir, "x.pdf"))
	assert.Error(t, err)

	_, err = reg.Load(context.Background(), "noextension")
	assert.Error(t, err)
}
