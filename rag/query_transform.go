package rag

import (
	"regexp"
	"strings"
)

// QueryIntent 查询意图类别
type QueryIntent string

const (
	IntentFactual     QueryIntent = "factual"     // 事实型：查定义、数值、单条规定
	IntentAnalytical  QueryIntent = "analytical"  // 分析型：解释原因、评估影响
	IntentComparative QueryIntent = "comparative" // 比较型：多对象对比
	IntentProcedural  QueryIntent = "procedural"  // 流程型：操作步骤
)

// QueryEntities 从查询中抽取的银行业务实体
type QueryEntities struct {
	AccountNumbers []string `json:"account_numbers,omitempty"`
	Amounts        []string `json:"amounts,omitempty"`
	Dates          []string `json:"dates,omitempty"`
	UseCaseCodes   []string `json:"use_case_codes,omitempty"`
}

// TransformedQuery 预检索阶段的产物：意图、实体、扩展查询、推导过滤条件
type TransformedQuery struct {
	Original   string        `json:"original"`
	Intent     QueryIntent   `json:"intent"`
	Entities   QueryEntities `json:"entities"`
	Expansions []string      `json:"expansions"`
	Filters    Filters       `json:"filters"`
}

// QueryTransformer 预检索查询变换器。纯词法实现，不依赖外部服务，
// 检索路径上必须始终可用。
type QueryTransformer struct {
	synonyms map[string][]string
}

// NewQueryTransformer 构造变换器，内置银行领域同义词表
func NewQueryTransformer() *QueryTransformer {
	return &QueryTransformer{synonyms: bankingSynonyms}
}

// bankingSynonyms 银行术语同义词，小写词 → 扩展替换词
var bankingSynonyms = map[string][]string{
	"rate":        {"interest rate", "apr"},
	"fee":         {"charge", "commission"},
	"loan":        {"credit", "lending"},
	"account":     {"deposit account"},
	"transfer":    {"payment", "remittance"},
	"mortgage":    {"home loan"},
	"overdraft":   {"credit line"},
	"withdrawal":  {"cash out"},
	"statement":   {"account summary"},
	"beneficiary": {"payee", "recipient"},
}

var (
	// 8-17 位连续数字视为账号
	accountNumberRe = regexp.MustCompile(`\b\d{8,17}\b`)
	// 货币金额：$1,234.56 / 1234.56 USD / EUR 99
	amountRe = regexp.MustCompile(`(?i)(?:[$€£¥]\s?\d[\d,]*(?:\.\d+)?|\d[\d,]*(?:\.\d+)?\s?(?:usd|eur|gbp|cny|jpy|dollars?|euros?))`)
	// 日期：2024-01-15 / 15/01/2024 / January 15, 2024
	dateRe = regexp.MustCompile(`(?i)\b(?:\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}|(?:january|february|march|april|may|june|july|august|september|october|november|december)\s+\d{1,2}(?:,\s*\d{4})?)\b`)
	// 用例编码 UC-XXX-99
	useCaseCodeRe = regexp.MustCompile(`\bUC-[A-Z]+-\d+\b`)
)

// 意图关键词，按优先级匹配：比较 > 流程 > 分析 > 事实（兜底）
var (
	comparativeMarkers = []string{"compare", "versus", " vs ", "difference between", "better than", "which is"}
	proceduralMarkers  = []string{"how do i", "how to", "steps to", "process for", "procedure", "apply for", "open a", "close a"}
	analyticalMarkers  = []string{"why", "explain", "analyze", "impact of", "effect of", "implications", "evaluate", "assess"}
)

// Transform 对查询执行全部预检索变换
func (t *QueryTransformer) Transform(query string, explicit Filters) TransformedQuery {
	entities := t.ExtractEntities(query)
	return TransformedQuery{
		Original:   query,
		Intent:     t.ClassifyIntent(query),
		Entities:   entities,
		Expansions: t.ExpandQuery(query),
		Filters:    t.BuildFilters(entities, explicit),
	}
}

// ClassifyIntent 基于关键词的意图分类。无任何标记词时兜底为事实型。
func (t *QueryTransformer) ClassifyIntent(query string) QueryIntent {
	lower := " " + strings.ToLower(query) + " "

	for _, m := range comparativeMarkers {
		if strings.Contains(lower, m) {
			return IntentComparative
		}
	}
	for _, m := range proceduralMarkers {
		if strings.Contains(lower, m) {
			return IntentProcedural
		}
	}
	for _, m := range analyticalMarkers {
		if strings.Contains(lower, m) {
			return IntentAnalytical
		}
	}
	return IntentFactual
}

// ExtractEntities 正则抽取账号、金额、日期与用例编码
func (t *QueryTransformer) ExtractEntities(query string) QueryEntities {
	entities := QueryEntities{
		Amounts:      amountRe.FindAllString(query, -1),
		Dates:        dateRe.FindAllString(query, -1),
		UseCaseCodes: useCaseCodeRe.FindAllString(query, -1),
	}
	// 账号匹配要剔除已被金额或日期占用的数字串
	for _, candidate := range accountNumberRe.FindAllString(query, -1) {
		if containsSubstring(entities.Amounts, candidate) || containsSubstring(entities.Dates, candidate) {
			continue
		}
		entities.AccountNumbers = append(entities.AccountNumbers, candidate)
	}
	return entities
}

func containsSubstring(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.Contains(h, needle) {
			return true
		}
	}
	return false
}

// ExpandQuery 同义词扩展。原始查询永远排在首位，扩展数量上限 3，
// 去重后返回。
func (t *QueryTransformer) ExpandQuery(query string) []string {
	expansions := []string{query}
	seen := map[string]bool{query: true}

	lower := strings.ToLower(query)
	words := strings.Fields(lower)
	for _, word := range words {
		trimmed := strings.Trim(word, ".,!?;:")
		alts, ok := t.synonyms[trimmed]
		if !ok {
			continue
		}
		for _, alt := range alts {
			expanded := replaceWord(lower, trimmed, alt)
			if expanded == "" || seen[expanded] {
				continue
			}
			seen[expanded] = true
			expansions = append(expansions, expanded)
			if len(expansions) >= 4 { // 原始 + 3 个扩展
				return expansions
			}
		}
	}
	return expansions
}

// replaceWord 整词替换，避免 "rate" 命中 "separate"
func replaceWord(text, word, replacement string) string {
	fields := strings.Fields(text)
	replaced := false
	for i, f := range fields {
		if strings.Trim(f, ".,!?;:") == word {
			fields[i] = strings.Replace(f, word, replacement, 1)
			replaced = true
		}
	}
	if !replaced {
		return ""
	}
	return strings.Join(fields, " ")
}

// BuildFilters 由实体推导元数据过滤条件。显式过滤条件永远优先，
// 推导结果只补空缺。
func (t *QueryTransformer) BuildFilters(entities QueryEntities, explicit Filters) Filters {
	merged := Filters{}
	if len(entities.UseCaseCodes) > 0 {
		merged["use_case"] = strings.ToLower(entities.UseCaseCodes[0])
	}
	for k, v := range explicit {
		merged[k] = v
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}
