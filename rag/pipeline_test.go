package rag

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/bankrag/internal/metrics"
	"github.com/BaSui01/bankrag/types"
)

type fakeLLM struct {
	answer string
	err    error
	calls  int
}

func (f *fakeLLM) Generate(ctx context.Context, prompt, model string) (string, error) {
	f.calls++
	return f.answer, f.err
}

func (f *fakeLLM) Embed(ctx context.Context, text, model string) ([]float64, error) {
	return nil, types.NewError(types.ErrServiceUnavailable, "not implemented")
}

func (f *fakeLLM) IsAvailable(ctx context.Context) bool { return f.err == nil }

type pipelineHarness struct {
	pipeline *Pipeline
	store    *IndexedStore
	embedder *EmbeddingPipeline
	llm      *fakeLLM
}

func newPipelineHarness(t *testing.T, client *fakeLLM, cache *CacheStore) *pipelineHarness {
	t.Helper()

	store, err := NewIndexedStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	embedder := NewEmbeddingPipeline(context.Background(), EmbeddingPipelineConfig{Model: "test", Workers: 2},
		[]EmbeddingBackend{NewTFIDFBackend(64)}, nil, zap.NewNop())

	config := DefaultRerankerConfig()
	config.MinRelevance = 0.05
	reranker := NewReranker(config, nil, EstimateTokenizer{}, zap.NewNop())

	p := NewPipeline(PipelineConfig{TopK: 5, GenerateModel: "test-model", QueryTTL: time.Hour},
		embedder, store, cache, reranker, nil, zap.NewNop())
	if client != nil {
		p.llm = client
	}
	return &pipelineHarness{pipeline: p, store: store, embedder: embedder, llm: client}
}

func (h *pipelineHarness) seed(t *testing.T, useCase string, texts ...string) {
	t.Helper()
	ctx := context.Background()
	records := make([]VectorRecord, 0, len(texts))
	for i, text := range texts {
		emb, err := h.embedder.EmbedText(ctx, text)
		require.NoError(t, err)
		chunk := Chunk{
			ID:         ChunkID("seed.txt", useCase, i, text),
			Collection: useCase,
			Text:       text,
			TokenCount: len(text) / 4,
			Metadata:   ChunkMetadata{SourcePath: "seed.txt", UseCase: useCase, ChunkIndex: i},
		}
		records = append(records, VectorRecord{Chunk: chunk, Embedding: emb, CreatedAt: time.Now()})
	}
	_, err := h.store.AddDocuments(ctx, records, useCase)
	require.NoError(t, err)
}

func TestPipeline_Query_Generated(t *testing.T) {
	client := &fakeLLM{answer: "The wire transfer fee is 25 dollars."}
	h := newPipelineHarness(t, client, nil)
	h.seed(t, "fees",
		"The wire transfer fee is 25 dollars for domestic transfers.",
		"International transfers cost 45 dollars per transaction.")

	result, err := h.pipeline.Query(context.Background(), "wire transfer fee", QueryOptions{UseCase: "fees"})
	require.NoError(t, err)
	assert.Equal(t, "The wire transfer fee is 25 dollars.", result.Answer)
	assert.False(t, result.Extractive)
	assert.False(t, result.NoContext)
	assert.False(t, result.Cached)
	assert.Equal(t, TierTFIDF, result.Tier)
	assert.Contains(t, result.Sources, "seed.txt")
	assert.Equal(t, 1, client.calls)
	assert.Greater(t, result.Scores.Groundedness, 0.0)
}

func TestPipeline_Query_ExtractiveFallbackOnLLMFailure(t *testing.T) {
	client := &fakeLLM{err: types.NewError(types.ErrTimeout, "generation timed out").WithRetryable(true)}
	h := newPipelineHarness(t, client, nil)
	h.seed(t, "fees", "The wire transfer fee is 25 dollars for domestic transfers.")

	result, err := h.pipeline.Query(context.Background(), "wire transfer fee", QueryOptions{UseCase: "fees"})
	require.NoError(t, err, "generation failure must not fail the query")
	assert.True(t, result.Extractive)
	assert.Contains(t, result.Answer, "wire transfer fee is 25 dollars")
}

func TestPipeline_Query_NoLLMIsExtractive(t *testing.T) {
	h := newPipelineHarness(t, nil, nil)
	h.seed(t, "fees", "The wire transfer fee is 25 dollars for domestic transfers.")

	result, err := h.pipeline.Query(context.Background(), "wire transfer fee", QueryOptions{UseCase: "fees"})
	require.NoError(t, err)
	assert.True(t, result.Extractive)
}

func TestPipeline_Query_EmptyCollectionIsNoContext(t *testing.T) {
	h := newPipelineHarness(t, nil, nil)

	result, err := h.pipeline.Query(context.Background(), "anything at all", QueryOptions{UseCase: "empty"})
	require.NoError(t, err, "empty collection is a normal outcome, not an error")
	assert.True(t, result.NoContext)
	assert.Equal(t, NoContextAnswer, result.Answer)
	assert.Empty(t, result.Sources)
}

func TestPipeline_Query_EmptyQueryRejected(t *testing.T) {
	h := newPipelineHarness(t, nil, nil)

	_, err := h.pipeline.Query(context.Background(), "   ", QueryOptions{})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestPipeline_Query_CacheRoundTrip(t *testing.T) {
	cache, err := NewCacheStore(CacheStoreConfig{
		DBPath:     filepath.Join(t.TempDir(), "cache.db"),
		DefaultTTL: time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	defer cache.Close()

	client := &fakeLLM{answer: "cached answer"}
	h := newPipelineHarness(t, client, cache)
	h.seed(t, "fees", "The wire transfer fee is 25 dollars.")

	first, err := h.pipeline.Query(context.Background(), "wire transfer fee", QueryOptions{UseCase: "fees"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := h.pipeline.Query(context.Background(), "wire transfer fee", QueryOptions{UseCase: "fees"})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, 1, client.calls, "cached hit must not call the model again")

	// SkipCache 强制全量执行
	third, err := h.pipeline.Query(context.Background(), "wire transfer fee", QueryOptions{UseCase: "fees", SkipCache: true})
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, client.calls)
}

func TestPipeline_Query_AllCollectionsWhenNoFilter(t *testing.T) {
	h := newPipelineHarness(t, nil, nil)
	h.seed(t, "fees", "The wire transfer fee is 25 dollars.")
	h.seed(t, "loans", "The mortgage rate is 3.5 percent annually.")

	result, err := h.pipeline.Query(context.Background(), "mortgage rate", QueryOptions{})
	require.NoError(t, err)
	assert.False(t, result.NoContext)
	assert.Contains(t, result.Answer, "mortgage")
}

func TestPipeline_Query_CachesQueryEmbedding(t *testing.T) {
	cache, err := NewCacheStore(CacheStoreConfig{
		DBPath:     filepath.Join(t.TempDir(), "cache.db"),
		DefaultTTL: time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	defer cache.Close()

	h := newPipelineHarness(t, &fakeLLM{answer: "answer"}, cache)
	h.seed(t, "fees", "The wire transfer fee is 25 dollars.")

	_, err = h.pipeline.Query(context.Background(), "wire transfer fee", QueryOptions{UseCase: "fees"})
	require.NoError(t, err)

	// 查询向量随应答一起落进缓存
	filters := Filters{"use_case": "fees"}
	cached, ok := cache.GetQuery(context.Background(), "wire transfer fee", filters, 5)
	require.True(t, ok)
	assert.NotEmpty(t, cached.Embedding)
}

func TestPipeline_Query_RecordsCacheMetrics(t *testing.T) {
	cache, err := NewCacheStore(CacheStoreConfig{
		DBPath:     filepath.Join(t.TempDir(), "cache.db"),
		DefaultTTL: time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	defer cache.Close()

	h := newPipelineHarness(t, &fakeLLM{answer: "answer"}, cache)
	h.pipeline.SetMetrics(metrics.NewCollector("bankrag_pipeline_metrics_test", zap.NewNop()))
	h.seed(t, "fees", "The wire transfer fee is 25 dollars.")

	_, err = h.pipeline.Query(context.Background(), "wire transfer fee", QueryOptions{UseCase: "fees"})
	require.NoError(t, err)
	_, err = h.pipeline.Query(context.Background(), "wire transfer fee", QueryOptions{UseCase: "fees"})
	require.NoError(t, err)

	ns := "bankrag_pipeline_metrics_test"
	// 首次未命中、二次命中各记一次；检索产出的嵌入按层级计数
	assert.Equal(t, 1.0, counterValue(t, ns+"_cache_misses_total", map[string]string{"cache": "query"}))
	assert.Equal(t, 1.0, counterValue(t, ns+"_cache_hits_total", map[string]string{"cache": "query"}))
	assert.Greater(t, counterValue(t, ns+"_embeddings_total", map[string]string{"tier": "tfidf"}), 0.0)
}

// counterValue 从默认注册表读取带标签计数器的当前值，无匹配返回 0
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if matchLabels(m.GetLabel(), labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	for k, v := range want {
		found := false
		for _, lp := range pairs {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
