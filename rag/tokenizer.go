package rag

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer 分块与上下文预算使用的分词器接口
type Tokenizer interface {
	CountTokens(text string) int
	Encode(text string) []int
	Decode(tokens []int) string
}

// TiktokenTokenizer 基于 tiktoken 的分词器。
// 编码器加载失败时调用方应回退到 EstimateTokenizer。
type TiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
	logger   *zap.Logger
}

// NewTiktokenTokenizer 创建 tiktoken 分词器。
// encodingName 为空时使用 cl100k_base。
func NewTiktokenTokenizer(encodingName string, logger *zap.Logger) (*TiktokenTokenizer, error) {
	if encodingName == "" {
		encodingName = "cl100k_base"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encodingName, err)
	}
	return &TiktokenTokenizer{encoding: enc, logger: logger}, nil
}

// CountTokens 返回文本的 token 数
func (t *TiktokenTokenizer) CountTokens(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// Encode 将文本转换为 token ID 列表
func (t *TiktokenTokenizer) Encode(text string) []int {
	return t.encoding.Encode(text, nil, nil)
}

// Decode 将 token ID 列表还原为文本
func (t *TiktokenTokenizer) Decode(tokens []int) string {
	return t.encoding.Decode(tokens)
}

// EstimateTokenizer 字符估算分词器（~4 字符/token），tiktoken 不可用时的回退。
// Encode/Decode 按空白词近似，保证重叠重建语义仍然成立。
type EstimateTokenizer struct{}

func (EstimateTokenizer) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

func (EstimateTokenizer) Encode(text string) []int {
	tokens := make([]int, (len(text)+3)/4)
	for i := range tokens {
		tokens[i] = i
	}
	return tokens
}

func (EstimateTokenizer) Decode(tokens []int) string {
	return ""
}

// NewDefaultTokenizer 优先使用 tiktoken，失败时回退到字符估算。
func NewDefaultTokenizer(logger *zap.Logger) Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	tok, err := NewTiktokenTokenizer("", logger)
	if err != nil {
		logger.Warn("tiktoken unavailable, falling back to character estimate", zap.Error(err))
		return EstimateTokenizer{}
	}
	return tok
}
