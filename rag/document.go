package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Document 原始文档（loader 输出，chunker 输入）
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChunkMetadata 块元数据，足以还原来源与顺序
type ChunkMetadata struct {
	SourcePath string `json:"source_path"`
	UseCase    string `json:"use_case"`
	Offset     int    `json:"offset"`
	ChunkIndex int    `json:"chunk_index"`
}

// Chunk 文档块，检索的基本单位
type Chunk struct {
	ID         string        `json:"id"`
	Collection string        `json:"collection"`
	Text       string        `json:"text"`
	TokenCount int           `json:"token_count"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// EmbeddingTier 嵌入后端层级
type EmbeddingTier string

const (
	TierLocal  EmbeddingTier = "local"  // 本地句向量服务
	TierRemote EmbeddingTier = "remote" // 推理服务嵌入端点
	TierTFIDF  EmbeddingTier = "tfidf"  // TF-IDF 兜底
)

// Embedding 嵌入向量及其来源信息
type Embedding struct {
	Vector []float64     `json:"vector"`
	Dim    int           `json:"dim"`
	Model  string        `json:"model"`
	Tier   EmbeddingTier `json:"tier"`
}

// VectorRecord 向量存储的持有单元：一个 Chunk + 一个 Embedding。
// 记录归 VectorStore 独占，外部只通过 chunk ID 引用。
type VectorRecord struct {
	Chunk     Chunk     `json:"chunk"`
	Embedding Embedding `json:"embedding"`
	CreatedAt time.Time `json:"created_at"`
}

// ScoredChunk 检索结果：块 + 相似度分数
type ScoredChunk struct {
	Chunk Chunk         `json:"chunk"`
	Score float64       `json:"score"`
	Tier  EmbeddingTier `json:"tier,omitempty"`

	// Vector 原始嵌入，供去重与重排使用；可能为空
	Vector []float64 `json:"-"`
}

// CollectionStats 单个集合的统计
type CollectionStats struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// StoreStats 向量存储整体统计
type StoreStats struct {
	Backend     string                     `json:"backend"`
	Collections map[string]CollectionStats `json:"collections"`
}

// ChunkID 计算确定性块 ID。
// 同一来源、同一序号、同一内容的块永远得到同一 ID，重复采集不产生重复记录。
func ChunkID(sourcePath, useCase string, chunkIndex int, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|", sourcePath, useCase, chunkIndex)
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
