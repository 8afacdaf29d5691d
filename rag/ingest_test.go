package rag

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/bankrag/types"
)

// plainTextLoader .txt 加载器，避免测试依赖 rag/loader 形成环
type plainTextLoader struct{}

func (plainTextLoader) Supports(source string) bool {
	return filepath.Ext(source) == ".txt"
}

func (plainTextLoader) Load(ctx context.Context, source string) ([]Document, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, err
	}
	return []Document{{ID: source, Content: string(data)}}, nil
}

type ingestHarness struct {
	scheduler *IngestionScheduler
	store     *IndexedStore
	basePath  string
}

func newIngestHarness(t *testing.T) *ingestHarness {
	t.Helper()
	basePath := t.TempDir()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "jobs.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	store, err := NewIndexedStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	chunker := NewDocumentChunker(DefaultChunkingConfig(), EstimateTokenizer{}, nil, zap.NewNop())
	chunker.SetFileLoader(plainTextLoader{})

	pipeline := NewEmbeddingPipeline(context.Background(), EmbeddingPipelineConfig{Model: "test", Workers: 2},
		[]EmbeddingBackend{NewTFIDFBackend(64)}, nil, zap.NewNop())

	scheduler, err := NewIngestionScheduler(IngestionSchedulerConfig{
		BasePath:  basePath,
		Frequency: time.Hour,
	}, db, chunker, pipeline, store, plainTextLoader{}, zap.NewNop())
	require.NoError(t, err)

	return &ingestHarness{scheduler: scheduler, store: store, basePath: basePath}
}

func (h *ingestHarness) writeFile(t *testing.T, useCase, name, content string) string {
	t.Helper()
	dir := filepath.Join(h.basePath, useCase)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (h *ingestHarness) collectionCount(t *testing.T, useCase string) int64 {
	t.Helper()
	stats, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	return stats.Collections[useCase].Count
}

func TestIngestionScheduler_FirstRunIngestsEverything(t *testing.T) {
	h := newIngestHarness(t)
	h.writeFile(t, "loans", "rates.txt", "The fixed mortgage rate is 3.5 percent. The variable rate is 2.9 percent.")
	h.writeFile(t, "loans", "fees.txt", "Origination fees are 1 percent of the loan amount.")

	report, err := h.scheduler.RunUseCase(context.Background(), "loans")
	require.NoError(t, err)
	assert.Equal(t, JobStatusSuccess, report.Status)
	assert.Equal(t, 2, report.FilesChanged)
	assert.Zero(t, report.FilesSkipped)
	assert.NotEmpty(t, report.RunID)
	assert.Greater(t, h.collectionCount(t, "loans"), int64(0))
}

func TestIngestionScheduler_UnchangedFilesSkipped(t *testing.T) {
	h := newIngestHarness(t)
	h.writeFile(t, "loans", "rates.txt", "The fixed mortgage rate is 3.5 percent.")

	_, err := h.scheduler.RunUseCase(context.Background(), "loans")
	require.NoError(t, err)

	report, err := h.scheduler.RunUseCase(context.Background(), "loans")
	require.NoError(t, err)
	assert.Equal(t, JobStatusSuccess, report.Status)
	assert.Zero(t, report.FilesChanged)
	assert.Equal(t, 1, report.FilesSkipped)
}

func TestIngestionScheduler_ChangedFileReingested(t *testing.T) {
	h := newIngestHarness(t)
	path := h.writeFile(t, "loans", "rates.txt", "Old rate content here.")
	_, err := h.scheduler.RunUseCase(context.Background(), "loans")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("New rate content entirely different."), 0o644))
	report, err := h.scheduler.RunUseCase(context.Background(), "loans")
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesChanged)

	// 旧内容的向量不残留
	results, err := h.store.Search(context.Background(), mustEmbed(t, h.scheduler.embedder, "rate"), 10, "loans", nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotContains(t, r.Chunk.Text, "Old rate")
	}
}

func TestIngestionScheduler_RemovedFileCleanedUp(t *testing.T) {
	h := newIngestHarness(t)
	keep := h.writeFile(t, "loans", "keep.txt", "Keep this loan document around.")
	remove := h.writeFile(t, "loans", "remove.txt", "Remove this loan document later.")
	_ = keep

	_, err := h.scheduler.RunUseCase(context.Background(), "loans")
	require.NoError(t, err)
	before := h.collectionCount(t, "loans")

	require.NoError(t, os.Remove(remove))
	report, err := h.scheduler.RunUseCase(context.Background(), "loans")
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesRemoved)
	assert.Less(t, h.collectionCount(t, "loans"), before)
}

func TestIngestionScheduler_SingleFlight(t *testing.T) {
	h := newIngestHarness(t)
	h.writeFile(t, "loans", "rates.txt", "content")

	h.scheduler.mu.Lock()
	h.scheduler.running["loans"] = true
	h.scheduler.mu.Unlock()

	_, err := h.scheduler.RunUseCase(context.Background(), "loans")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrIngestion))

	h.scheduler.mu.Lock()
	delete(h.scheduler.running, "loans")
	h.scheduler.mu.Unlock()

	// 解除后可以正常运行
	_, err = h.scheduler.RunUseCase(context.Background(), "loans")
	assert.NoError(t, err)
}

func TestIngestionScheduler_RunAll(t *testing.T) {
	h := newIngestHarness(t)
	h.writeFile(t, "loans", "a.txt", "loan corpus document")
	h.writeFile(t, "cards", "b.txt", "card corpus document")

	reports, err := h.scheduler.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "cards", reports[0].UseCase)
	assert.Equal(t, "loans", reports[1].UseCase)
	for _, r := range reports {
		assert.Equal(t, JobStatusSuccess, r.Status)
	}

	jobs, err := h.scheduler.Jobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Equal(t, time.Hour, job.Frequency)
		assert.WithinDuration(t, job.LastIngested.Add(time.Hour), job.NextScheduled, time.Second)
	}
}

func TestIngestionScheduler_ConcurrentSameUseCase(t *testing.T) {
	h := newIngestHarness(t)
	h.writeFile(t, "loans", "a.txt", "loan corpus document text for chunking")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.scheduler.RunUseCase(context.Background(), "loans")
		}(i)
	}
	wg.Wait()

	// 至少一个成功；其余要么成功（串行调度时）要么拿到"运行中"错误
	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, types.IsCode(err, types.ErrIngestion))
		}
	}
	assert.GreaterOrEqual(t, succeeded, 1)
}

func mustEmbed(t *testing.T, p *EmbeddingPipeline, text string) []float64 {
	t.Helper()
	emb, err := p.EmbedText(context.Background(), text)
	require.NoError(t, err)
	return emb.Vector
}
