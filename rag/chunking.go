package rag

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// ChunkingStrategy 分块策略
type ChunkingStrategy string

const (
	ChunkingFixed     ChunkingStrategy = "fixed"     // 固定 token 滑动窗口
	ChunkingRecursive ChunkingStrategy = "recursive" // 结构分隔符递归分块
	ChunkingSentence  ChunkingStrategy = "sentence"  // 整句贪心打包
	ChunkingSemantic  ChunkingStrategy = "semantic"  // 句间相似度分块
)

// ChunkingConfig 分块配置
type ChunkingConfig struct {
	Strategy     ChunkingStrategy `json:"strategy"`
	ChunkSize    int              `json:"chunk_size"`    // 块大小（tokens）
	ChunkOverlap int              `json:"chunk_overlap"` // 相邻块重叠（tokens）
	MinChunkSize int              `json:"min_chunk_size"`

	// CohesionThreshold 语义分块的句间凝聚度阈值。
	// 有嵌入器时为余弦相似度（默认 0.75），否则为词面 Jaccard（默认 0.35）。
	// 该阈值是可调实现选择，不是从原系统逐字还原的常量。
	CohesionThreshold float64 `json:"cohesion_threshold"`
}

// DefaultChunkingConfig 默认分块配置
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		Strategy:     ChunkingRecursive,
		ChunkSize:    512,
		ChunkOverlap: 50,
		MinChunkSize: 10,
	}
}

// SentenceEmbedder 语义分块使用的句向量接口（可选）
type SentenceEmbedder interface {
	EmbedText(ctx context.Context, text string) (Embedding, error)
}

// DocumentChunker 文档分块器
type DocumentChunker struct {
	config    ChunkingConfig
	tokenizer Tokenizer
	embedder  SentenceEmbedder
	loader    FileLoader
	logger    *zap.Logger
}

// NewDocumentChunker 创建分块器。embedder 仅语义策略需要，可为 nil。
func NewDocumentChunker(config ChunkingConfig, tokenizer Tokenizer, embedder SentenceEmbedder, logger *zap.Logger) *DocumentChunker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MinChunkSize <= 0 {
		config.MinChunkSize = 10
	}
	return &DocumentChunker{
		config:    config,
		tokenizer: tokenizer,
		embedder:  embedder,
		logger:    logger.With(zap.String("component", "chunker")),
	}
}

// rawChunk 策略输出的中间结果，finalize 阶段补齐元数据与 ID
type rawChunk struct {
	text   string
	offset int
}

// ChunkText 按配置的策略分块文本。
func (c *DocumentChunker) ChunkText(ctx context.Context, text string, meta ChunkMetadata) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var raw []rawChunk
	switch c.config.Strategy {
	case ChunkingFixed:
		raw = c.fixedChunks(text)
	case ChunkingSentence:
		raw = c.sentenceChunks(text)
	case ChunkingSemantic:
		raw = c.semanticChunks(ctx, text)
	case ChunkingRecursive:
		raw = c.recursiveChunks(text)
	default:
		raw = c.recursiveChunks(text)
	}

	return c.finalize(raw, meta)
}

// finalize 补齐元数据、token 数与确定性 ID。
func (c *DocumentChunker) finalize(raw []rawChunk, meta ChunkMetadata) []Chunk {
	chunks := make([]Chunk, 0, len(raw))
	for i, rc := range raw {
		text := strings.TrimSpace(rc.text)
		if text == "" {
			continue
		}
		m := meta
		m.Offset = rc.offset
		m.ChunkIndex = i
		chunks = append(chunks, Chunk{
			ID:         ChunkID(m.SourcePath, m.UseCase, i, text),
			Collection: m.UseCase,
			Text:       text,
			TokenCount: c.tokenizer.CountTokens(text),
			Metadata:   m,
		})
	}

	c.logger.Debug("chunking completed",
		zap.String("strategy", string(c.config.Strategy)),
		zap.String("source", meta.SourcePath),
		zap.Int("chunks", len(chunks)))
	return chunks
}

// canDecode 判断分词器是否支持真实的 token 级还原
func (c *DocumentChunker) canDecode() bool {
	return c.tokenizer.Decode([]int{0}) != "" || c.tokenizer.Decode(c.tokenizer.Encode("a")) != ""
}

// fixedChunks token 级滑动窗口：步长 = ChunkSize - ChunkOverlap，
// 相邻块共享恰好 ChunkOverlap 个 tokens。
func (c *DocumentChunker) fixedChunks(text string) []rawChunk {
	if !c.canDecode() {
		return c.fixedCharChunks(text)
	}

	tokens := c.tokenizer.Encode(text)
	if len(tokens) == 0 {
		return nil
	}

	step := c.config.ChunkSize - c.config.ChunkOverlap
	if step <= 0 {
		step = c.config.ChunkSize
	}

	var chunks []rawChunk
	offset := 0
	for start := 0; start < len(tokens); start += step {
		end := start + c.config.ChunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		piece := c.tokenizer.Decode(tokens[start:end])
		chunks = append(chunks, rawChunk{text: piece, offset: offset})
		if end == len(tokens) {
			break
		}
		// 下一块起点只前进步长对应的文本，重叠区不重复计入偏移
		offset += len([]rune(c.tokenizer.Decode(tokens[start : start+step])))
	}
	return chunks
}

// fixedCharChunks 估算分词器下的字符窗口回退（~4 字符/token）
func (c *DocumentChunker) fixedCharChunks(text string) []rawChunk {
	runes := []rune(text)
	size := c.config.ChunkSize * 4
	overlap := c.config.ChunkOverlap * 4
	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []rawChunk
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, rawChunk{text: string(runes[start:end]), offset: start})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// recursiveSeparators 分隔符优先级：章节 > 段落 > 句子
var recursiveSeparators = []string{"\n\n", "\n", ". ", "! ", "? "}

// recursiveChunks 在递减粒度的结构分隔符上切分，单元仍超限时回退固定窗口。
func (c *DocumentChunker) recursiveChunks(text string) []rawChunk {
	return c.recursiveSplit(text, recursiveSeparators, 0)
}

func (c *DocumentChunker) recursiveSplit(text string, separators []string, offset int) []rawChunk {
	if c.tokenizer.CountTokens(text) <= c.config.ChunkSize {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []rawChunk{{text: text, offset: offset}}
	}

	if len(separators) == 0 {
		// 无法再按结构切分，回退固定窗口
		sub := c.fixedChunks(text)
		for i := range sub {
			sub[i].offset += offset
		}
		return sub
	}

	sep := separators[0]
	parts := strings.SplitAfter(text, sep)
	if len(parts) == 1 {
		return c.recursiveSplit(text, separators[1:], offset)
	}

	var chunks []rawChunk
	current := ""
	currentStart := offset
	pos := offset

	flush := func() {
		if strings.TrimSpace(current) == "" {
			current = ""
			return
		}
		if c.tokenizer.CountTokens(current) > c.config.ChunkSize {
			chunks = append(chunks, c.recursiveSplit(current, separators[1:], currentStart)...)
		} else {
			chunks = append(chunks, rawChunk{text: current, offset: currentStart})
		}
		current = ""
	}

	for _, part := range parts {
		if current != "" && c.tokenizer.CountTokens(current+part) > c.config.ChunkSize {
			flush()
			currentStart = pos
		}
		current += part
		pos += len(part)
	}
	flush()

	return chunks
}

// sentenceChunks 整句贪心打包：下一句会超限时开新块。
func (c *DocumentChunker) sentenceChunks(text string) []rawChunk {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []rawChunk
	current := ""
	currentStart := 0
	pos := 0

	for _, s := range sentences {
		candidate := current
		if candidate != "" {
			candidate += " "
		}
		candidate += s

		if current != "" && c.tokenizer.CountTokens(candidate) > c.config.ChunkSize {
			chunks = append(chunks, rawChunk{text: current, offset: currentStart})
			current = s
			currentStart = pos
		} else {
			current = candidate
		}
		pos += len(s) + 1
	}
	if current != "" {
		chunks = append(chunks, rawChunk{text: current, offset: currentStart})
	}
	return chunks
}

// semanticChunks 句间凝聚度分块：相邻句相似度跌破阈值或块超限时开新块。
func (c *DocumentChunker) semanticChunks(ctx context.Context, text string) []rawChunk {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}
	if len(sentences) == 1 {
		return []rawChunk{{text: sentences[0]}}
	}

	threshold := c.config.CohesionThreshold
	useEmbedder := c.embedder != nil
	if threshold <= 0 {
		if useEmbedder {
			threshold = 0.75
		} else {
			threshold = 0.35
		}
	}

	var chunks []rawChunk
	current := sentences[0]
	currentStart := 0
	pos := len(sentences[0]) + 1

	for i := 1; i < len(sentences); i++ {
		sim := c.adjacentSimilarity(ctx, sentences[i-1], sentences[i], useEmbedder)
		candidate := current + " " + sentences[i]

		if sim < threshold || c.tokenizer.CountTokens(candidate) > c.config.ChunkSize {
			chunks = append(chunks, rawChunk{text: current, offset: currentStart})
			current = sentences[i]
			currentStart = pos
		} else {
			current = candidate
		}
		pos += len(sentences[i]) + 1
	}
	chunks = append(chunks, rawChunk{text: current, offset: currentStart})
	return chunks
}

// adjacentSimilarity 相邻句相似度：嵌入余弦，嵌入失败时回退词面 Jaccard。
func (c *DocumentChunker) adjacentSimilarity(ctx context.Context, a, b string, useEmbedder bool) float64 {
	if useEmbedder {
		ea, errA := c.embedder.EmbedText(ctx, a)
		eb, errB := c.embedder.EmbedText(ctx, b)
		if errA == nil && errB == nil {
			return CosineSimilarity(ea.Vector, eb.Vector)
		}
		c.logger.Debug("sentence embedding failed, using lexical similarity")
	}
	return jaccardSimilarity(a, b)
}

// sentenceEnders 句子结束标记
var sentenceEnders = map[rune]bool{'.': true, '!': true, '?': true, '\n': true, '。': true, '！': true, '？': true}

// splitSentences 按句末标点切分句子
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for _, r := range text {
		current.WriteRune(r)
		if sentenceEnders[r] {
			s := strings.TrimSpace(current.String())
			if s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// jaccardSimilarity 小写词集 Jaccard 相似度
func jaccardSimilarity(a, b string) float64 {
	wordsA := strings.Fields(strings.ToLower(a))
	wordsB := strings.Fields(strings.ToLower(b))
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	setA := make(map[string]bool, len(wordsA))
	for _, w := range wordsA {
		setA[w] = true
	}
	setB := make(map[string]bool, len(wordsB))
	overlap := 0
	for _, w := range wordsB {
		if setB[w] {
			continue
		}
		setB[w] = true
		if setA[w] {
			overlap++
		}
	}

	union := len(setA) + len(setB) - overlap
	if union == 0 {
		return 0
	}
	return float64(overlap) / float64(union)
}
