package rag

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// runeTokenizer 一字符一 token，测试里让 token 数学变得可直接断言
type runeTokenizer struct{}

func (runeTokenizer) CountTokens(text string) int { return len([]rune(text)) }

func (runeTokenizer) Encode(text string) []int {
	runes := []rune(text)
	tokens := make([]int, len(runes))
	for i, r := range runes {
		tokens[i] = int(r)
	}
	return tokens
}

func (runeTokenizer) Decode(tokens []int) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteRune(rune(t))
	}
	return b.String()
}

func newChunker(strategy ChunkingStrategy, size, overlap int) *DocumentChunker {
	return NewDocumentChunker(ChunkingConfig{
		Strategy:     strategy,
		ChunkSize:    size,
		ChunkOverlap: overlap,
	}, runeTokenizer{}, nil, zap.NewNop())
}

var testMeta = ChunkMetadata{SourcePath: "doc.txt", UseCase: "loans"}

func TestChunkText_EmptyInput(t *testing.T) {
	c := newChunker(ChunkingFixed, 10, 2)
	assert.Nil(t, c.ChunkText(context.Background(), "", testMeta))
	assert.Nil(t, c.ChunkText(context.Background(), "   \n\t  ", testMeta))
}

func TestChunkText_ShorterThanChunkSize(t *testing.T) {
	for _, strategy := range []ChunkingStrategy{ChunkingFixed, ChunkingRecursive, ChunkingSentence, ChunkingSemantic} {
		c := newChunker(strategy, 500, 50)
		chunks := c.ChunkText(context.Background(), "Short banking document.", testMeta)
		require.Len(t, chunks, 1, "strategy %s", strategy)
		assert.Equal(t, "Short banking document.", chunks[0].Text)
	}
}

func TestFixedChunks_ExactOverlap(t *testing.T) {
	c := newChunker(ChunkingFixed, 10, 3)
	text := "abcdefghijklmnopqrstuvwxyz0123456789"

	chunks := c.ChunkText(context.Background(), text, testMeta)
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1].Text)
		cur := []rune(chunks[i].Text)
		// 相邻块共享恰好 ChunkOverlap 个 tokens
		assert.Equal(t, string(prev[len(prev)-3:]), string(cur[:3]), "chunks %d/%d", i-1, i)
	}
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 10)
	}
}

func TestFixedChunks_OffsetsMatchSourcePositions(t *testing.T) {
	c := newChunker(ChunkingFixed, 10, 4)
	text := "abcdefghijklmnopqrstuvwxyz0123456789"
	runes := []rune(text)

	chunks := c.ChunkText(context.Background(), text, testMeta)
	require.Greater(t, len(chunks), 2)

	// 每个块的 Offset 都指向它在原文中的真实起点，重叠区不推走偏移
	for i, ch := range chunks {
		start := ch.Metadata.Offset
		end := start + len([]rune(ch.Text))
		require.LessOrEqual(t, end, len(runes), "chunk %d", i)
		assert.Equal(t, ch.Text, string(runes[start:end]), "chunk %d", i)
	}
}

func TestFixedChunks_OverlapGEChunkSize(t *testing.T) {
	// overlap >= size 时步长退化为 size，不得死循环
	c := newChunker(ChunkingFixed, 5, 5)
	chunks := c.ChunkText(context.Background(), "abcdefghijklmnop", testMeta)
	require.NotEmpty(t, chunks)
	total := 0
	for _, ch := range chunks {
		total += len([]rune(ch.Text))
	}
	assert.Equal(t, 16, total, "no overlap when step degenerates")
}

func TestFixedChunks_EstimateTokenizerFallsBackToChars(t *testing.T) {
	c := NewDocumentChunker(ChunkingConfig{Strategy: ChunkingFixed, ChunkSize: 10, ChunkOverlap: 0},
		EstimateTokenizer{}, nil, zap.NewNop())

	text := strings.Repeat("x", 100)
	chunks := c.ChunkText(context.Background(), text, testMeta)
	// 10 tokens ≈ 40 字符窗口
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Text, 40)
}

func TestRecursiveChunks_RespectsStructure(t *testing.T) {
	c := newChunker(ChunkingRecursive, 60, 0)
	text := "First paragraph about loan products and their annual rates.\n\nSecond paragraph about credit card fees and limits.\n\nThird paragraph about wire transfers."

	chunks := c.ChunkText(context.Background(), text, testMeta)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 60)
		// 段落边界切分：块内不跨段
		assert.NotContains(t, ch.Text, "\n\n")
	}
}

func TestRecursiveChunks_OversizedUnitFallsBack(t *testing.T) {
	// 没有任何分隔符的超长词串必须回退到固定窗口而不是返回超限块
	c := newChunker(ChunkingRecursive, 20, 0)
	chunks := c.ChunkText(context.Background(), strings.Repeat("x", 100), testMeta)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 20)
	}
}

func TestSentenceChunks_KeepsSentencesIntact(t *testing.T) {
	c := newChunker(ChunkingSentence, 60, 0)
	text := "The fee is 25 dollars. Transfers settle in two days. International wires cost more. Contact your branch for details."

	chunks := c.ChunkText(context.Background(), text, testMeta)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		// 每块以句末标点结尾：句子不被截断
		assert.True(t, strings.HasSuffix(ch.Text, "."), "chunk %q", ch.Text)
	}
}

func TestSentenceChunks_SingleOversizedSentence(t *testing.T) {
	c := newChunker(ChunkingSentence, 10, 0)
	text := "This single sentence is far longer than the configured chunk size limit."
	chunks := c.ChunkText(context.Background(), text, testMeta)
	// 超限单句独立成块，不丢内容
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
}

func TestSemanticChunks_SplitsOnTopicShift(t *testing.T) {
	c := newChunker(ChunkingSemantic, 500, 0)
	text := "Loan rates depend on loan terms and loan duration. Loan rates also track loan risk. Penguins live in antarctic colonies. Penguins eat fish and krill."

	chunks := c.ChunkText(context.Background(), text, testMeta)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Contains(t, chunks[0].Text, "Loan rates")
	// 话题切换处断开
	assert.NotContains(t, chunks[0].Text, "Penguins")
}

func TestChunkIDs_DeterministicAndUnique(t *testing.T) {
	c := newChunker(ChunkingSentence, 30, 0)
	text := "First sentence here. Second sentence follows. Third sentence ends."

	first := c.ChunkText(context.Background(), text, testMeta)
	second := c.ChunkText(context.Background(), text, testMeta)
	require.Equal(t, len(first), len(second))

	seen := map[string]bool{}
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID, "same input same IDs")
		assert.False(t, seen[first[i].ID], "IDs unique within document")
		seen[first[i].ID] = true
	}

	// 来源不同 ID 不同
	other := c.ChunkText(context.Background(), text, ChunkMetadata{SourcePath: "other.txt", UseCase: "loans"})
	assert.NotEqual(t, first[0].ID, other[0].ID)
}

func TestChunkText_MetadataPropagated(t *testing.T) {
	c := newChunker(ChunkingSentence, 30, 0)
	chunks := c.ChunkText(context.Background(), "One sentence. Another sentence. Third one here.", testMeta)
	require.NotEmpty(t, chunks)
	for i, ch := range chunks {
		assert.Equal(t, "doc.txt", ch.Metadata.SourcePath)
		assert.Equal(t, "loans", ch.Metadata.UseCase)
		assert.Equal(t, i, ch.Metadata.ChunkIndex)
		assert.Equal(t, "loans", ch.Collection)
	}
}

func TestFixedChunks_OverlapReconstruction(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(4, 32).Draw(t, "size")
		overlap := rapid.IntRange(0, size-1).Draw(t, "overlap")
		text := rapid.StringMatching(`[a-z ]{1,300}`).Draw(t, "text")
		if strings.TrimSpace(text) == "" {
			t.Skip()
		}

		c := newChunker(ChunkingFixed, size, overlap)
		raw := c.fixedChunks(strings.TrimSpace(text))
		if len(raw) == 0 {
			t.Skip()
		}

		// 去掉每块头部的 overlap 后拼接必须还原原文
		var b strings.Builder
		b.WriteString(raw[0].text)
		for i := 1; i < len(raw); i++ {
			runes := []rune(raw[i].text)
			b.WriteString(string(runes[overlap:]))
		}
		if b.String() != strings.TrimSpace(text) {
			t.Fatalf("reconstruction mismatch: %q != %q", b.String(), strings.TrimSpace(text))
		}
	})
}

func TestRecursiveChunks_NoContentLost(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(8, 64).Draw(t, "size")
		text := rapid.StringMatching(`([a-z]{1,10}[ .\n]){1,60}`).Draw(t, "text")
		if strings.TrimSpace(text) == "" {
			t.Skip()
		}

		c := newChunker(ChunkingRecursive, size, 0)
		chunks := c.ChunkText(context.Background(), text, testMeta)

		// 除空白外不丢字符
		stripped := func(s string) string {
			return strings.Map(func(r rune) rune {
				if r == ' ' || r == '\n' || r == '\t' {
					return -1
				}
				return r
			}, s)
		}
		var b strings.Builder
		for _, ch := range chunks {
			b.WriteString(ch.Text)
		}
		if stripped(b.String()) != stripped(text) {
			t.Fatalf("content lost: %q != %q", stripped(b.String()), stripped(text))
		}
		for _, ch := range chunks {
			if ch.TokenCount > size {
				t.Fatalf("chunk exceeds size %d: %d tokens", size, ch.TokenCount)
			}
		}
	})
}
