// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 查询指标
	queryTotal    *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec

	// 检索指标
	chunksRetrieved prometheus.Histogram

	// 嵌入指标
	embeddingTotal    *prometheus.CounterVec
	embeddingDuration *prometheus.HistogramVec

	// 生成指标
	generationTotal *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 采集指标
	ingestionRuns     *prometheus.CounterVec
	ingestionDuration *prometheus.HistogramVec
	ingestedChunks    prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 查询指标
	c.queryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of RAG queries by intent and outcome",
		},
		[]string{"intent", "outcome"},
	)
	c.queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "End-to-end query latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"intent"},
	)

	// 检索指标
	c.chunksRetrieved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunks_retrieved",
			Help:      "Number of chunks surviving post-retrieval per query",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	// 嵌入指标
	c.embeddingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embeddings_total",
			Help:      "Total embeddings produced by tier",
		},
		[]string{"tier"},
	)
	c.embeddingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_duration_seconds",
			Help:      "Embedding latency by tier",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"tier"},
	)

	// 生成指标
	c.generationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total answer generations by mode (generated, extractive, no_context)",
		},
		[]string{"mode"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total cache hits",
		},
		[]string{"cache"},
	)
	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total cache misses",
		},
		[]string{"cache"},
	)

	// 采集指标
	c.ingestionRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_runs_total",
			Help:      "Total ingestion runs by use case and status",
		},
		[]string{"use_case", "status"},
	)
	c.ingestionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingestion_duration_seconds",
			Help:      "Ingestion run duration by use case",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"use_case"},
	)
	c.ingestedChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_chunks_total",
			Help:      "Total chunks written to the vector store",
		},
	)

	return c
}

// =============================================================================
// 📈 记录方法
// =============================================================================

// RecordQuery 记录一次查询
func (c *Collector) RecordQuery(intent, outcome string, duration time.Duration) {
	c.queryTotal.WithLabelValues(intent, outcome).Inc()
	c.queryDuration.WithLabelValues(intent).Observe(duration.Seconds())
}

// RecordRetrieval 记录后检索存活的块数
func (c *Collector) RecordRetrieval(chunks int) {
	c.chunksRetrieved.Observe(float64(chunks))
}

// RecordEmbedding 记录一次嵌入
func (c *Collector) RecordEmbedding(tier string, duration time.Duration) {
	c.embeddingTotal.WithLabelValues(tier).Inc()
	c.embeddingDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// RecordGeneration 记录应答来源：generated / extractive / no_context
func (c *Collector) RecordGeneration(mode string) {
	c.generationTotal.WithLabelValues(mode).Inc()
}

// RecordCacheHit 记录缓存命中。cache 取值 query / embedding。
func (c *Collector) RecordCacheHit(cache string) {
	c.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cache string) {
	c.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordIngestion 记录一次采集运行
func (c *Collector) RecordIngestion(useCase, status string, duration time.Duration, chunks int) {
	c.ingestionRuns.WithLabelValues(useCase, status).Inc()
	c.ingestionDuration.WithLabelValues(useCase).Observe(duration.Seconds())
	if chunks > 0 {
		c.ingestedChunks.Add(float64(chunks))
	}
}
