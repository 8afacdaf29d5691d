package rag

import (
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// TFIDFVectorizer 特征哈希 TF-IDF 向量化器，嵌入链路的最终兜底。
// 词项经 FNV 哈希落入固定 dim 个桶，因此词表增长不改变向量维度，
// 同一集合内的 TF-IDF 向量始终同维。
type TFIDFVectorizer struct {
	dim int

	mu       sync.RWMutex
	docCount int
	docFreq  map[uint32]int // bucket -> 出现过该词项的文档数
}

// NewTFIDFVectorizer 创建向量化器。dim <= 0 时使用 512。
func NewTFIDFVectorizer(dim int) *TFIDFVectorizer {
	if dim <= 0 {
		dim = 512
	}
	return &TFIDFVectorizer{
		dim:     dim,
		docFreq: make(map[uint32]int),
	}
}

// Dim 返回固定向量维度
func (v *TFIDFVectorizer) Dim() int {
	return v.dim
}

// Fit 将文本并入语料统计。每个被嵌入的文本都应先 Fit，IDF 随语料增长。
func (v *TFIDFVectorizer) Fit(text string) {
	terms := tokenizeTerms(text)
	if len(terms) == 0 {
		return
	}

	seen := make(map[uint32]bool)
	for _, term := range terms {
		seen[v.bucket(term)] = true
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.docCount++
	for b := range seen {
		v.docFreq[b]++
	}
}

// Vectorize 计算文本的 L2 归一化 TF-IDF 向量。
func (v *TFIDFVectorizer) Vectorize(text string) []float64 {
	vec := make([]float64, v.dim)
	terms := tokenizeTerms(text)
	if len(terms) == 0 {
		return vec
	}

	tf := make(map[uint32]float64)
	for _, term := range terms {
		tf[v.bucket(term)]++
	}

	v.mu.RLock()
	docCount := v.docCount
	for b, count := range tf {
		idf := 1.0
		if docCount > 0 {
			// 平滑 IDF，避免除零与负值
			idf = math.Log(float64(1+docCount)/float64(1+v.docFreq[b])) + 1
		}
		vec[b%uint32(v.dim)] = (count / float64(len(terms))) * idf
	}
	v.mu.RUnlock()

	// L2 归一化，使余弦相似度直接可比
	var norm float64
	for _, x := range vec {
		norm += x * x
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// bucket 词项到特征桶的哈希
func (v *TFIDFVectorizer) bucket(term string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(term))
	return h.Sum32() % uint32(v.dim)
}

// tokenizeTerms 小写字母数字词项切分
func tokenizeTerms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
