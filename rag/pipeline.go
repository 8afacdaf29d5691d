package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/bankrag/internal/metrics"
	"github.com/BaSui01/bankrag/llm"
	"github.com/BaSui01/bankrag/types"
)

// NoContextAnswer 检索不到任何相关内容时的固定应答
const NoContextAnswer = "No relevant documents were found for this query. Please rephrase or ingest the relevant corpus first."

// PipelineConfig 查询管线配置
type PipelineConfig struct {
	// TopK 每次检索返回的候选数
	TopK int `json:"top_k"`

	// GenerateModel 生成模型名，传给推理服务
	GenerateModel string `json:"generate_model"`

	// QueryTTL 查询缓存 TTL
	QueryTTL time.Duration `json:"query_ttl"`
}

// QueryOptions 单次查询的可选参数
type QueryOptions struct {
	// UseCase 限定检索集合，为空时跨全部集合检索
	UseCase string `json:"use_case"`

	// TopK 覆盖默认候选数，<=0 用配置值
	TopK int `json:"top_k"`

	// SkipCache 跳过查询缓存（评估基准用）
	SkipCache bool `json:"skip_cache"`
}

// QueryResult 查询管线的完整产出
type QueryResult struct {
	Answer     string           `json:"answer"`
	Sources    []string         `json:"sources"`
	Intent     QueryIntent      `json:"intent"`
	Scores     EvaluationScores `json:"scores"`
	Tier       EmbeddingTier    `json:"tier"`
	NoContext  bool             `json:"no_context"`
	Extractive bool             `json:"extractive"`
	Cached     bool             `json:"cached"`
	Duration   time.Duration    `json:"duration"`
}

// Pipeline 查询管线：缓存 → 预检索 → 嵌入 → 向量检索 → 后检索 →
// 生成（或抽取式降级）→ 评估 → 回写缓存。
// llm 与 cache 均可为 nil：无 llm 时直接抽取式应答，无 cache 时每次全量执行。
type Pipeline struct {
	config      PipelineConfig
	embedder    *EmbeddingPipeline
	store       VectorStore
	cache       *CacheStore
	transformer *QueryTransformer
	reranker    *Reranker
	evaluator   *OutputEvaluator
	llm         llm.Client
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// NewPipeline 组装查询管线
func NewPipeline(config PipelineConfig, embedder *EmbeddingPipeline, store VectorStore, cache *CacheStore, reranker *Reranker, client llm.Client, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.QueryTTL <= 0 {
		config.QueryTTL = time.Hour
	}
	return &Pipeline{
		config:      config,
		embedder:    embedder,
		store:       store,
		cache:       cache,
		transformer: NewQueryTransformer(),
		reranker:    reranker,
		evaluator:   NewOutputEvaluator(logger),
		llm:         client,
		logger:      logger.With(zap.String("component", "pipeline")),
	}
}

// SetMetrics 挂接指标收集器并透传给嵌入管线，nil 时不记录
func (p *Pipeline) SetMetrics(collector *metrics.Collector) {
	p.metrics = collector
	if p.embedder != nil {
		p.embedder.SetMetrics(collector)
	}
}

// Query 执行一次端到端查询
func (p *Pipeline) Query(ctx context.Context, query string, opts QueryOptions) (*QueryResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "empty query").WithComponent("pipeline")
	}
	start := time.Now()

	topK := opts.TopK
	if topK <= 0 {
		topK = p.config.TopK
	}
	explicit := Filters{}
	if opts.UseCase != "" {
		explicit["use_case"] = opts.UseCase
	}
	transformed := p.transformer.Transform(query, explicit)

	if p.cache != nil && !opts.SkipCache {
		if cached, ok := p.cache.GetQuery(ctx, query, transformed.Filters, topK); ok {
			var result QueryResult
			if err := json.Unmarshal([]byte(cached.Response), &result); err == nil {
				result.Cached = true
				result.Duration = time.Since(start)
				if p.metrics != nil {
					p.metrics.RecordCacheHit("query")
					p.metrics.RecordQuery(string(result.Intent), "cached", result.Duration)
				}
				p.logger.Debug("query served from cache", zap.String("intent", string(result.Intent)))
				return &result, nil
			}
		}
		if p.metrics != nil {
			p.metrics.RecordCacheMiss("query")
		}
	}

	candidates, tier, queryVec, err := p.retrieve(ctx, transformed, topK)
	if err != nil {
		return nil, err
	}

	processed := p.reranker.Process(ctx, query, candidates)
	if len(processed) == 0 {
		// 无上下文是正常结果而不是错误
		result := &QueryResult{
			Answer:    NoContextAnswer,
			Intent:    transformed.Intent,
			Tier:      tier,
			NoContext: true,
			Duration:  time.Since(start),
		}
		result.Scores = p.evaluator.Evaluate(query, result.Answer, "")
		if p.metrics != nil {
			p.metrics.RecordQuery(string(transformed.Intent), "no_context", result.Duration)
			p.metrics.RecordGeneration("no_context")
		}
		return result, nil
	}

	assembled := p.reranker.BuildContext(processed)

	answer, extractive := p.generate(ctx, query, assembled.Text, processed)

	result := &QueryResult{
		Answer:     answer,
		Sources:    assembled.Sources,
		Intent:     transformed.Intent,
		Tier:       tier,
		Extractive: extractive,
		Duration:   time.Since(start),
	}
	result.Scores = p.evaluator.Evaluate(query, answer, assembled.Text)

	if p.cache != nil && !opts.SkipCache {
		if data, err := json.Marshal(result); err == nil {
			p.cache.PutQuery(ctx, query, transformed.Filters, topK, string(data), queryVec, p.config.QueryTTL)
		}
	}

	if p.metrics != nil {
		p.metrics.RecordQuery(string(transformed.Intent), "ok", result.Duration)
		p.metrics.RecordRetrieval(len(processed))
		mode := "generated"
		if extractive {
			mode = "extractive"
		}
		p.metrics.RecordGeneration(mode)
	}

	p.logger.Info("query completed",
		zap.String("intent", string(transformed.Intent)),
		zap.String("tier", string(tier)),
		zap.Int("sources", len(result.Sources)),
		zap.Bool("extractive", extractive),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// retrieve 对原始查询及其扩展逐条嵌入检索，按块 ID 合并取最高分。
// 返回的向量是原始查询的嵌入，供缓存回写使用。
func (p *Pipeline) retrieve(ctx context.Context, transformed TransformedQuery, topK int) ([]ScoredChunk, EmbeddingTier, []float64, error) {
	collections, err := p.targetCollections(ctx, transformed.Filters)
	if err != nil {
		return nil, "", nil, err
	}

	best := map[string]ScoredChunk{}
	order := []string{}
	var tier EmbeddingTier
	var queryVec []float64

	for _, q := range transformed.Expansions {
		emb, err := p.embedder.EmbedText(ctx, q)
		if err != nil {
			// 首条（原始查询）嵌入失败是硬错误，扩展失败可忽略
			if len(best) == 0 && q == transformed.Original {
				return nil, "", nil, err
			}
			p.logger.Debug("expansion embedding failed", zap.String("query", q), zap.Error(err))
			continue
		}
		tier = emb.Tier
		if q == transformed.Original {
			queryVec = emb.Vector
		}

		for _, collection := range collections {
			results, err := p.store.Search(ctx, emb.Vector, topK, collection, transformed.Filters)
			if err != nil {
				return nil, "", nil, err
			}
			for _, sc := range results {
				existing, ok := best[sc.Chunk.ID]
				if !ok {
					order = append(order, sc.Chunk.ID)
					best[sc.Chunk.ID] = sc
				} else if sc.Score > existing.Score {
					best[sc.Chunk.ID] = sc
				}
			}
		}
	}

	merged := make([]ScoredChunk, 0, len(best))
	for _, id := range order {
		merged = append(merged, best[id])
	}
	// 合并后重新按分数截断到 topK，同分保持首次出现顺序
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, tier, queryVec, nil
}

// targetCollections 过滤条件限定了 use_case 就只查该集合，否则查全部
func (p *Pipeline) targetCollections(ctx context.Context, filters Filters) ([]string, error) {
	if uc, ok := filters["use_case"]; ok && uc != "" {
		return []string{uc}, nil
	}
	stats, err := p.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(stats.Collections))
	for name := range stats.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// generate 调用推理服务生成应答；服务缺席、超时或不可用时降级为
// 抽取式应答，绝不让查询因生成失败而整体失败。
func (p *Pipeline) generate(ctx context.Context, query, contextText string, chunks []ScoredChunk) (string, bool) {
	if p.llm == nil {
		return extractiveAnswer(chunks), true
	}

	prompt := buildPrompt(query, contextText)
	answer, err := p.llm.Generate(ctx, prompt, p.config.GenerateModel)
	if err != nil {
		if types.IsCode(err, types.ErrTimeout) || types.IsCode(err, types.ErrServiceUnavailable) || types.IsCode(err, types.ErrGenerationUnavailable) {
			p.logger.Warn("generation unavailable, falling back to extractive answer", zap.Error(err))
			return extractiveAnswer(chunks), true
		}
		p.logger.Warn("generation failed, falling back to extractive answer", zap.Error(err))
		return extractiveAnswer(chunks), true
	}
	if strings.TrimSpace(answer) == "" {
		return extractiveAnswer(chunks), true
	}
	return answer, false
}

// buildPrompt 生成提示词：上下文在前，指令约束回答必须落在上下文内
func buildPrompt(query, contextText string) string {
	return fmt.Sprintf(`You are a banking domain assistant. Answer the question using only the context below. If the context does not contain the answer, say so explicitly.

Context:
%s

Question: %s

Answer:`, contextText, query)
}

// extractiveAnswer 抽取式降级：取排名最高块的前几句拼成应答
func extractiveAnswer(chunks []ScoredChunk) string {
	if len(chunks) == 0 {
		return NoContextAnswer
	}
	sentences := splitSentences(chunks[0].Chunk.Text)
	limit := 3
	if len(sentences) < limit {
		limit = len(sentences)
	}
	answer := strings.TrimSpace(strings.Join(sentences[:limit], " "))
	if answer == "" {
		return NoContextAnswer
	}
	return "Based on the retrieved documents: " + answer
}

// Evaluator 暴露评估器，批量评估命令用
func (p *Pipeline) Evaluator() *OutputEvaluator {
	return p.evaluator
}
