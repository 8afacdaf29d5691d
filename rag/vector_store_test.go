package rag

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// storeFactory 同一套行为断言跑在两个后端上
type storeFactory struct {
	name string
	open func(t *testing.T, dir string) VectorStore
}

var storeFactories = []storeFactory{
	{
		name: "indexed",
		open: func(t *testing.T, dir string) VectorStore {
			store, err := NewIndexedStore(dir, zap.NewNop())
			require.NoError(t, err)
			return store
		},
	},
	{
		name: "relational",
		open: func(t *testing.T, dir string) VectorStore {
			store, err := NewSQLiteStore(filepath.Join(dir, "vectors.db"), zap.NewNop())
			require.NoError(t, err)
			return store
		},
	},
}

func record(id, text, source, useCase string, vec []float64) VectorRecord {
	return VectorRecord{
		Chunk: Chunk{
			ID:         id,
			Collection: useCase,
			Text:       text,
			Metadata:   ChunkMetadata{SourcePath: source, UseCase: useCase},
		},
		Embedding: Embedding{Vector: vec, Dim: len(vec), Model: "test", Tier: TierTFIDF},
		CreatedAt: time.Now(),
	}
}

func TestVectorStore_RoundTrip(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			store := f.open(t, t.TempDir())
			defer store.Close()
			ctx := context.Background()

			records := []VectorRecord{
				record("c1", "alpha", "a.txt", "loans", []float64{1, 0, 0}),
				record("c2", "beta", "a.txt", "loans", []float64{0, 1, 0}),
				record("c3", "gamma", "b.txt", "loans", []float64{0, 0, 1}),
			}
			n, err := store.AddDocuments(ctx, records, "loans")
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			// 以己查己：top-1 必是自己，相似度 ~1.0
			results, err := store.Search(ctx, []float64{1, 0, 0}, 2, "loans", nil)
			require.NoError(t, err)
			require.NotEmpty(t, results)
			assert.Equal(t, "c1", results[0].Chunk.ID)
			assert.InDelta(t, 1.0, results[0].Score, 1e-9)
		})
	}
}

func TestVectorStore_UpsertIdempotent(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			store := f.open(t, t.TempDir())
			defer store.Close()
			ctx := context.Background()

			rec := record("c1", "alpha", "a.txt", "loans", []float64{1, 0})
			_, err := store.AddDocuments(ctx, []VectorRecord{rec}, "loans")
			require.NoError(t, err)
			_, err = store.AddDocuments(ctx, []VectorRecord{rec}, "loans")
			require.NoError(t, err)

			stats, err := store.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Collections["loans"].Count, "same chunk ID twice is one record")
		})
	}
}

func TestVectorStore_TieBreakByInsertionOrder(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			store := f.open(t, t.TempDir())
			defer store.Close()
			ctx := context.Background()

			// 同一向量：分数打平时按入库顺序返回
			records := []VectorRecord{
				record("first", "one", "a.txt", "loans", []float64{1, 0}),
				record("second", "two", "a.txt", "loans", []float64{1, 0}),
				record("third", "three", "a.txt", "loans", []float64{1, 0}),
			}
			_, err := store.AddDocuments(ctx, records, "loans")
			require.NoError(t, err)

			results, err := store.Search(ctx, []float64{1, 0}, 3, "loans", nil)
			require.NoError(t, err)
			require.Len(t, results, 3)
			assert.Equal(t, "first", results[0].Chunk.ID)
			assert.Equal(t, "second", results[1].Chunk.ID)
			assert.Equal(t, "third", results[2].Chunk.ID)
		})
	}
}

func TestVectorStore_TieOrderSurvivesUpsert(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			store := f.open(t, t.TempDir())
			defer store.Close()
			ctx := context.Background()

			_, err := store.AddDocuments(ctx, []VectorRecord{
				record("first", "one", "a.txt", "loans", []float64{1, 0}),
				record("second", "two", "a.txt", "loans", []float64{1, 0}),
			}, "loans")
			require.NoError(t, err)

			// 重新入库第一条不应把它挤到后面
			_, err = store.AddDocuments(ctx, []VectorRecord{
				record("first", "one updated", "a.txt", "loans", []float64{1, 0}),
			}, "loans")
			require.NoError(t, err)

			results, err := store.Search(ctx, []float64{1, 0}, 2, "loans", nil)
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Equal(t, "first", results[0].Chunk.ID)
			assert.Equal(t, "one updated", results[0].Chunk.Text)
		})
	}
}

func TestVectorStore_Filters(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			store := f.open(t, t.TempDir())
			defer store.Close()
			ctx := context.Background()

			_, err := store.AddDocuments(ctx, []VectorRecord{
				record("c1", "alpha", "a.txt", "loans", []float64{1, 0}),
				record("c2", "beta", "b.txt", "loans", []float64{1, 0}),
			}, "loans")
			require.NoError(t, err)

			results, err := store.Search(ctx, []float64{1, 0}, 10, "loans", Filters{"source_path": "b.txt"})
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "c2", results[0].Chunk.ID)

			// 未知过滤键不放行任何记录
			results, err = store.Search(ctx, []float64{1, 0}, 10, "loans", Filters{"department": "risk"})
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}
}

func TestVectorStore_DeleteBySource(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			store := f.open(t, t.TempDir())
			defer store.Close()
			ctx := context.Background()

			_, err := store.AddDocuments(ctx, []VectorRecord{
				record("c1", "alpha", "a.txt", "loans", []float64{1, 0}),
				record("c2", "beta", "b.txt", "loans", []float64{0, 1}),
			}, "loans")
			require.NoError(t, err)

			deleted, err := store.DeleteBySource(ctx, "loans", "a.txt")
			require.NoError(t, err)
			assert.Equal(t, 1, deleted)

			results, err := store.Search(ctx, []float64{1, 0}, 10, "loans", nil)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "c2", results[0].Chunk.ID)
		})
	}
}

func TestVectorStore_EmptyCollection(t *testing.T) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			store := f.open(t, t.TempDir())
			defer store.Close()

			results, err := store.Search(context.Background(), []float64{1, 0}, 5, "missing", nil)
			require.NoError(t, err, "searching an empty collection is not an error")
			assert.Empty(t, results)
		})
	}
}

func TestIndexedStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewIndexedStore(dir, zap.NewNop())
	require.NoError(t, err)
	_, err = store.AddDocuments(ctx, []VectorRecord{
		record("c1", "alpha content", "a.txt", "loans", []float64{1, 0}),
		record("c2", "beta content", "a.txt", "loans", []float64{1, 0}),
	}, "loans")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewIndexedStore(dir, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	results, err := reopened.Search(ctx, []float64{1, 0}, 5, "loans", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// 入库顺序在重启后保持
	assert.Equal(t, "c1", results[0].Chunk.ID)
	assert.Equal(t, "alpha content", results[0].Chunk.Text)
}

func TestNewVectorStore_Factory(t *testing.T) {
	ctx := context.Background()

	store, err := NewVectorStore(ctx, VectorStoreConfig{Engine: "indexed", Path: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &IndexedStore{}, store)
	store.Close()

	store, err = NewVectorStore(ctx, VectorStoreConfig{Engine: "relational", Path: filepath.Join(t.TempDir(), "v.db")}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
	store.Close()

	_, err = NewVectorStore(ctx, VectorStoreConfig{Engine: "quantum"}, zap.NewNop())
	require.Error(t, err)
}

func TestNewVectorStore_DocumentDBFallsBackToRelational(t *testing.T) {
	// 连不上的 Mongo：探测失败降级 relational
	store, err := NewVectorStore(context.Background(), VectorStoreConfig{
		Engine:   "document-db",
		Path:     filepath.Join(t.TempDir(), "v.db"),
		MongoURI: "mongodb://127.0.0.1:1",
	}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &SQLiteStore{}, store)
}
