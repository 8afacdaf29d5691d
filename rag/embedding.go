package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/bankrag/internal/metrics"
	"github.com/BaSui01/bankrag/llm"
	"github.com/BaSui01/bankrag/types"
)

// EmbeddingBackend 嵌入后端接口。三种命名实现：Local / Remote / TFIDF。
type EmbeddingBackend interface {
	// Embed 计算单条文本的向量
	Embed(ctx context.Context, text string) ([]float64, error)

	// Tier 返回后端层级标识
	Tier() EmbeddingTier

	// Available 构造期可用性探测
	Available(ctx context.Context) bool
}

// ====== 一级后端：本地句向量服务 ======

// LocalBackend 本地句向量服务（HTTP）
type LocalBackend struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewLocalBackend 创建本地句向量后端
func NewLocalBackend(baseURL, model string) *LocalBackend {
	return &LocalBackend{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type localEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type localEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (b *LocalBackend) Tier() EmbeddingTier { return TierLocal }

// Available 探测 /health，2 秒超时。
func (b *LocalBackend) Available(ctx context.Context) bool {
	if b.baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 400
}

// Embed 调用 /embed 计算向量
func (b *LocalBackend) Embed(ctx context.Context, text string) ([]float64, error) {
	data, err := json.Marshal(localEmbedRequest{Model: b.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/embed", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local embed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("local embed service returned %d", resp.StatusCode)
	}

	var out localEmbedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("local embed service returned empty vector")
	}
	return out.Embedding, nil
}

// ====== 二级后端：推理服务嵌入端点 ======

// RemoteBackend 经 llm.Client 调用推理服务的嵌入端点
type RemoteBackend struct {
	client llm.Client
	model  string
}

// NewRemoteBackend 创建远端嵌入后端
func NewRemoteBackend(client llm.Client, model string) *RemoteBackend {
	return &RemoteBackend{client: client, model: model}
}

func (b *RemoteBackend) Tier() EmbeddingTier { return TierRemote }

func (b *RemoteBackend) Available(ctx context.Context) bool {
	return b.client != nil && b.client.IsAvailable(ctx)
}

func (b *RemoteBackend) Embed(ctx context.Context, text string) ([]float64, error) {
	return b.client.Embed(ctx, text, b.model)
}

// ====== 三级后端：TF-IDF 兜底 ======

// TFIDFBackend 进程内 TF-IDF 兜底，永远可用
type TFIDFBackend struct {
	vectorizer *TFIDFVectorizer
}

// NewTFIDFBackend 创建 TF-IDF 后端
func NewTFIDFBackend(dim int) *TFIDFBackend {
	return &TFIDFBackend{vectorizer: NewTFIDFVectorizer(dim)}
}

func (b *TFIDFBackend) Tier() EmbeddingTier { return TierTFIDF }

func (b *TFIDFBackend) Available(ctx context.Context) bool { return true }

func (b *TFIDFBackend) Embed(ctx context.Context, text string) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// 先并入语料再向量化：IDF 随见过的文本增长
	b.vectorizer.Fit(text)
	return b.vectorizer.Vectorize(text), nil
}

// ====== 嵌入管线 ======

// EmbeddingCache 嵌入缓存的窄接口（CacheStore 实现）。
// 层级随向量一起缓存，命中时还原产出该向量的后端层级。
// 缓存故障必须表现为未命中，不得上抛。
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, text, model string) ([]float64, EmbeddingTier, bool)
	PutEmbedding(ctx context.Context, text, model string, vector []float64, tier EmbeddingTier)
}

// EmbeddingPipelineConfig 管线配置
type EmbeddingPipelineConfig struct {
	Model string `json:"model"`

	// Workers 批量嵌入并发上限
	Workers int `json:"workers"`
}

// EmbeddingPipeline 带缓存与逐级回退的嵌入管线。
// 后端在构造期按顺序探测一次，选中后不再每次调用重新探测；
// 运行期选中后端失败时仍逐级下探，全部失败返回 EMBEDDING_UNAVAILABLE。
type EmbeddingPipeline struct {
	config   EmbeddingPipelineConfig
	backends []EmbeddingBackend // 探测通过的后端，按优先级排列
	cache    EmbeddingCache
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewEmbeddingPipeline 创建管线并完成一次性后端探测。
// candidates 按优先级给出；cache 可为 nil。
func NewEmbeddingPipeline(ctx context.Context, config EmbeddingPipelineConfig, candidates []EmbeddingBackend, cache EmbeddingCache, logger *zap.Logger) *EmbeddingPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "embedding"))
	if config.Workers <= 0 {
		config.Workers = 4
	}

	var available []EmbeddingBackend
	for _, b := range candidates {
		if b.Available(ctx) {
			available = append(available, b)
			logger.Info("embedding backend available", zap.String("tier", string(b.Tier())))
		} else {
			logger.Warn("embedding backend unavailable, skipping", zap.String("tier", string(b.Tier())))
		}
	}

	return &EmbeddingPipeline{
		config:   config,
		backends: available,
		cache:    cache,
		logger:   logger,
	}
}

// SetMetrics 挂接指标收集器，nil 时不记录
func (p *EmbeddingPipeline) SetMetrics(collector *metrics.Collector) {
	p.metrics = collector
}

// Tier 返回当前首选后端层级，无可用后端返回空。
func (p *EmbeddingPipeline) Tier() EmbeddingTier {
	if len(p.backends) == 0 {
		return ""
	}
	return p.backends[0].Tier()
}

// EmbedText 嵌入单条文本：先查缓存，未命中时按层级调用后端。
func (p *EmbeddingPipeline) EmbedText(ctx context.Context, text string) (Embedding, error) {
	if p.cache != nil {
		if vec, tier, ok := p.cache.GetEmbedding(ctx, text, p.config.Model); ok {
			if tier == "" {
				// 旧缓存行没存层级，退回当前首选层级
				tier = p.Tier()
			}
			if p.metrics != nil {
				p.metrics.RecordCacheHit("embedding")
			}
			return Embedding{Vector: vec, Dim: len(vec), Model: p.config.Model, Tier: tier}, nil
		}
		if p.metrics != nil {
			p.metrics.RecordCacheMiss("embedding")
		}
	}

	start := time.Now()
	var lastErr error
	for _, backend := range p.backends {
		vec, err := backend.Embed(ctx, text)
		if err != nil {
			if ctx.Err() != nil {
				return Embedding{}, ctx.Err()
			}
			p.logger.Warn("embedding tier failed, trying next",
				zap.String("tier", string(backend.Tier())), zap.Error(err))
			lastErr = err
			continue
		}

		if p.cache != nil {
			p.cache.PutEmbedding(ctx, text, p.config.Model, vec, backend.Tier())
		}
		if p.metrics != nil {
			p.metrics.RecordEmbedding(string(backend.Tier()), time.Since(start))
		}
		return Embedding{Vector: vec, Dim: len(vec), Model: p.config.Model, Tier: backend.Tier()}, nil
	}

	return Embedding{}, types.NewError(types.ErrEmbeddingUnavailable, "all embedding tiers exhausted").
		WithCause(lastErr).WithComponent("embedding")
}

// EmbedBatch 批量嵌入，受信号量约束的有界并发，单条失败即整体失败
// （失败只终止本次操作，不影响其它采集工作）。
func (p *EmbeddingPipeline) EmbedBatch(ctx context.Context, texts []string) ([]Embedding, error) {
	results := make([]Embedding, len(texts))
	sem := semaphore.NewWeighted(int64(p.config.Workers))
	errCh := make(chan error, len(texts))

	for i, text := range texts {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func(i int, text string) {
			defer sem.Release(1)
			emb, err := p.EmbedText(ctx, text)
			if err != nil {
				errCh <- fmt.Errorf("embed batch item %d: %w", i, err)
				return
			}
			results[i] = emb
		}(i, text)
	}

	// 等待全部 worker 退出
	if err := sem.Acquire(ctx, int64(p.config.Workers)); err != nil {
		return nil, err
	}
	sem.Release(int64(p.config.Workers))

	select {
	case err := <-errCh:
		return nil, err
	default:
	}
	return results, nil
}

// Similarity 两段向量的余弦相似度
func (p *EmbeddingPipeline) Similarity(a, b []float64) float64 {
	return CosineSimilarity(a, b)
}
