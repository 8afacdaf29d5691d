package rag

import (
	"math"
	"strings"

	"go.uber.org/zap"
)

// EvaluationScores 单次应答的质量评分，全部落在 [0,1]。
// Hallucination 恒等于 1 - Groundedness，分高表示幻觉风险高。
type EvaluationScores struct {
	Relevance     float64 `json:"relevance"`
	Groundedness  float64 `json:"groundedness"`
	Hallucination float64 `json:"hallucination"`
	Completeness  float64 `json:"completeness"`
	Coherence     float64 `json:"coherence"`
	Overall       float64 `json:"overall"`
}

// EvaluationSample 批量评估的一条样本
type EvaluationSample struct {
	Query   string `json:"query"`
	Answer  string `json:"answer"`
	Context string `json:"context"`
}

// MetricSummary 批量评估中单项指标的聚合
type MetricSummary struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// BatchEvaluation 批量评估结果
type BatchEvaluation struct {
	Samples []EvaluationScores       `json:"samples"`
	Summary map[string]MetricSummary `json:"summary"`
}

// OutputEvaluator 词法级应答评估器。不调用模型，打分只依赖查询、
// 应答与检索上下文之间的词项关系，保证评估与生成路径互相独立。
type OutputEvaluator struct {
	logger *zap.Logger
}

// NewOutputEvaluator 构造评估器
func NewOutputEvaluator(logger *zap.Logger) *OutputEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutputEvaluator{logger: logger.With(zap.String("component", "evaluator"))}
}

// Evaluate 对单条应答计算全部评分
func (e *OutputEvaluator) Evaluate(query, answer, context string) EvaluationScores {
	scores := EvaluationScores{
		Relevance:    e.relevance(query, answer),
		Groundedness: e.groundedness(answer, context),
		Completeness: e.completeness(query, answer),
		Coherence:    e.coherence(answer),
	}
	scores.Hallucination = 1 - scores.Groundedness
	scores.Overall = (scores.Relevance + scores.Groundedness + scores.Completeness + scores.Coherence) / 4
	return scores
}

// relevance 查询词项在应答中的覆盖率
func (e *OutputEvaluator) relevance(query, answer string) float64 {
	queryTerms := termSet(query)
	if len(queryTerms) == 0 || answer == "" {
		return 0
	}
	answerTerms := termSet(answer)
	matched := 0
	for term := range queryTerms {
		if answerTerms[term] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

// groundedness 应答词项被检索上下文覆盖的比例。上下文为空时为 0：
// 没有依据的应答默认视为全部未经证实。
func (e *OutputEvaluator) groundedness(answer, context string) float64 {
	answerTerms := termSet(answer)
	if len(answerTerms) == 0 {
		return 0
	}
	if context == "" {
		return 0
	}
	contextTerms := termSet(context)
	grounded := 0
	for term := range answerTerms {
		if contextTerms[term] {
			grounded++
		}
	}
	return float64(grounded) / float64(len(answerTerms))
}

// completeness 应答长度相对查询复杂度的充分性。查询词越多，期望的
// 应答越长；超出期望封顶 1。
func (e *OutputEvaluator) completeness(query, answer string) float64 {
	queryWords := len(strings.Fields(query))
	answerWords := len(strings.Fields(answer))
	if answerWords == 0 {
		return 0
	}
	expected := queryWords * 3
	if expected < 10 {
		expected = 10
	}
	ratio := float64(answerWords) / float64(expected)
	if ratio > 1 {
		return 1
	}
	return ratio
}

// coherence 句子结构启发式：有完整句、句长适中、无连续重复句得高分
func (e *OutputEvaluator) coherence(answer string) float64 {
	sentences := splitSentences(answer)
	if len(sentences) == 0 {
		return 0
	}

	score := 1.0
	totalWords := 0
	for i, s := range sentences {
		words := len(strings.Fields(s))
		totalWords += words
		// 连续重复句扣分
		if i > 0 && strings.TrimSpace(s) == strings.TrimSpace(sentences[i-1]) {
			score -= 0.3
		}
	}

	avg := float64(totalWords) / float64(len(sentences))
	// 平均句长落在 [5,40] 词之外按比例扣分
	switch {
	case avg < 5:
		score -= (5 - avg) / 5 * 0.5
	case avg > 40:
		score -= math.Min((avg-40)/40, 1) * 0.5
	}

	if score < 0 {
		return 0
	}
	return score
}

// BatchEvaluate 逐样本评估并聚合均值、标准差、极值
func (e *OutputEvaluator) BatchEvaluate(samples []EvaluationSample) BatchEvaluation {
	result := BatchEvaluation{
		Samples: make([]EvaluationScores, 0, len(samples)),
		Summary: map[string]MetricSummary{},
	}
	for _, s := range samples {
		result.Samples = append(result.Samples, e.Evaluate(s.Query, s.Answer, s.Context))
	}

	metrics := map[string]func(EvaluationScores) float64{
		"relevance":     func(s EvaluationScores) float64 { return s.Relevance },
		"groundedness":  func(s EvaluationScores) float64 { return s.Groundedness },
		"hallucination": func(s EvaluationScores) float64 { return s.Hallucination },
		"completeness":  func(s EvaluationScores) float64 { return s.Completeness },
		"coherence":     func(s EvaluationScores) float64 { return s.Coherence },
		"overall":       func(s EvaluationScores) float64 { return s.Overall },
	}
	for name, get := range metrics {
		values := make([]float64, len(result.Samples))
		for i, s := range result.Samples {
			values[i] = get(s)
		}
		result.Summary[name] = summarize(values)
	}
	return result
}

func summarize(values []float64) MetricSummary {
	if len(values) == 0 {
		return MetricSummary{}
	}
	sum := 0.0
	min, max := values[0], values[0]
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return MetricSummary{Mean: mean, StdDev: math.Sqrt(variance), Min: min, Max: max}
}
