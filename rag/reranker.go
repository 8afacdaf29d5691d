package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// RerankProvider 外部重排服务。注入后 Reranker 优先使用其打分，
// 调用失败时回退到内置词法混合打分。
type RerankProvider interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// RerankerConfig 后检索配置
type RerankerConfig struct {
	// MinRelevance 低于该分数的块被过滤
	MinRelevance float64 `json:"min_relevance"`

	// DedupThreshold 相似度超过该值视为重复
	DedupThreshold float64 `json:"dedup_threshold"`

	// MaxContextTokens 上下文组装的令牌预算
	MaxContextTokens int `json:"max_context_tokens"`
}

// DefaultRerankerConfig 默认后检索配置
func DefaultRerankerConfig() RerankerConfig {
	return RerankerConfig{
		MinRelevance:     0.3,
		DedupThreshold:   0.92,
		MaxContextTokens: 2048,
	}
}

// Reranker 后检索处理器：重排 → 过滤 → 去重 → 上下文组装。
// 各步骤都是纯内存操作，provider 缺席时完全离线可用。
type Reranker struct {
	config    RerankerConfig
	provider  RerankProvider
	tokenizer Tokenizer
	logger    *zap.Logger
}

// NewReranker 构造后检索处理器。provider 可为 nil。
func NewReranker(config RerankerConfig, provider RerankProvider, tokenizer Tokenizer, logger *zap.Logger) *Reranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tokenizer == nil {
		tokenizer = NewDefaultTokenizer(logger)
	}
	return &Reranker{
		config:    config,
		provider:  provider,
		tokenizer: tokenizer,
		logger:    logger.With(zap.String("component", "reranker")),
	}
}

// Process 按序执行全部后检索步骤
func (r *Reranker) Process(ctx context.Context, query string, chunks []ScoredChunk) []ScoredChunk {
	reranked := r.Rerank(ctx, query, chunks)
	filtered := r.FilterIrrelevant(reranked)
	return r.Deduplicate(filtered)
}

// Rerank 重新打分并按新分数稳定排序。provider 可用时用其打分，
// 否则 0.5 词法重合 + 0.5 向量相似度混合。
func (r *Reranker) Rerank(ctx context.Context, query string, chunks []ScoredChunk) []ScoredChunk {
	if len(chunks) == 0 {
		return chunks
	}

	out := make([]ScoredChunk, len(chunks))
	copy(out, chunks)

	scores, err := r.providerScores(ctx, query, out)
	if err != nil {
		r.logger.Warn("rerank provider failed, falling back to lexical blend", zap.Error(err))
		scores = nil
	}
	if scores == nil {
		scores = make([]float64, len(out))
		for i, sc := range out {
			scores[i] = 0.5*lexicalOverlap(query, sc.Chunk.Text) + 0.5*sc.Score
		}
	}
	for i := range out {
		out[i].Score = scores[i]
	}

	// 稳定排序：同分保持检索顺序
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (r *Reranker) providerScores(ctx context.Context, query string, chunks []ScoredChunk) ([]float64, error) {
	if r.provider == nil {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, sc := range chunks {
		texts[i] = sc.Chunk.Text
	}
	scores, err := r.provider.Score(ctx, query, texts)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(chunks) {
		return nil, fmt.Errorf("provider returned %d scores for %d chunks", len(scores), len(chunks))
	}
	return scores, nil
}

// lexicalOverlap 查询词在块中的覆盖率，[0,1]
func lexicalOverlap(query, text string) float64 {
	queryTerms := termSet(query)
	if len(queryTerms) == 0 {
		return 0
	}
	textTerms := termSet(text)
	matched := 0
	for term := range queryTerms {
		if textTerms[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

func termSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, f := range strings.Fields(strings.ToLower(text)) {
		if t := strings.Trim(f, ".,!?;:()\"'"); t != "" {
			set[t] = true
		}
	}
	return set
}

// FilterIrrelevant 剔除低于 min_relevance 的块。全部被滤掉返回空切片，
// 由上层决定降级为"无上下文"应答。
func (r *Reranker) FilterIrrelevant(chunks []ScoredChunk) []ScoredChunk {
	filtered := make([]ScoredChunk, 0, len(chunks))
	for _, sc := range chunks {
		if sc.Score >= r.config.MinRelevance {
			filtered = append(filtered, sc)
		}
	}
	return filtered
}

// Deduplicate 贪心去重：从左到右扫描，与任一已保留块相似度超阈值则丢弃。
// 排在前面（分高）的块总是胜出。有向量用余弦，否则退到词集 Jaccard。
func (r *Reranker) Deduplicate(chunks []ScoredChunk) []ScoredChunk {
	kept := make([]ScoredChunk, 0, len(chunks))
	for _, candidate := range chunks {
		duplicate := false
		for _, existing := range kept {
			if r.chunkSimilarity(candidate, existing) > r.config.DedupThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, candidate)
		}
	}
	return kept
}

func (r *Reranker) chunkSimilarity(a, b ScoredChunk) float64 {
	if len(a.Vector) > 0 && len(b.Vector) > 0 {
		return CosineSimilarity(a.Vector, b.Vector)
	}
	return jaccardSimilarity(a.Chunk.Text, b.Chunk.Text)
}

// AssembledContext 上下文组装结果
type AssembledContext struct {
	Text       string   `json:"text"`
	Sources    []string `json:"sources"`
	TokenCount int      `json:"token_count"`
	Included   int      `json:"included"`
	Skipped    int      `json:"skipped"`
}

// BuildContext 在令牌预算内贪心组装上下文。装不下的块整块跳过而
// 不截断，继续尝试后面的块。每块带来源标注。
func (r *Reranker) BuildContext(chunks []ScoredChunk) AssembledContext {
	var (
		builder strings.Builder
		result  AssembledContext
		seen    = map[string]bool{}
	)
	budget := r.config.MaxContextTokens

	for _, sc := range chunks {
		source := sc.Chunk.Metadata.SourcePath
		if source == "" {
			source = "unknown"
		}
		section := fmt.Sprintf("[Source: %s]\n%s\n\n", source, sc.Chunk.Text)
		cost := r.tokenizer.CountTokens(section)
		if result.TokenCount+cost > budget {
			result.Skipped++
			continue
		}
		builder.WriteString(section)
		result.TokenCount += cost
		result.Included++
		if !seen[source] {
			seen[source] = true
			result.Sources = append(result.Sources, source)
		}
	}

	result.Text = strings.TrimSuffix(builder.String(), "\n")
	return result
}
