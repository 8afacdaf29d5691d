package rag

import (
	"context"
	"fmt"
	"path/filepath"
)

// FileLoader 文件加载能力。rag/loader.Registry 结构性满足该接口，
// 由上层在装配时注入，避免包间环形依赖。
type FileLoader interface {
	Load(ctx context.Context, source string) ([]Document, error)
	Supports(source string) bool
}

// SetFileLoader 注入文件加载器，启用 ChunkFile。
func (c *DocumentChunker) SetFileLoader(fl FileLoader) {
	c.loader = fl
}

// ChunkFile 按扩展名自动识别格式加载文件并分块。
// CSV 每行保留表头上下文，JSON 逐记录展平，纯文本走文本策略。
func (c *DocumentChunker) ChunkFile(ctx context.Context, path, useCase string) ([]Chunk, error) {
	if c.loader == nil {
		return nil, fmt.Errorf("chunk file %s: no file loader configured", path)
	}

	docs, err := c.loader.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	var chunks []Chunk
	for _, doc := range docs {
		meta := ChunkMetadata{
			SourcePath: sourcePathOf(doc, path),
			UseCase:    useCase,
		}
		docChunks := c.ChunkText(ctx, doc.Content, meta)

		// 同一文件多文档（CSV 行、JSON 记录）时重排全局序号，
		// 保证 chunk ID 在文件内唯一且顺序可还原。
		for i := range docChunks {
			idx := len(chunks) + i
			docChunks[i].Metadata.ChunkIndex = idx
			docChunks[i].ID = ChunkID(docChunks[i].Metadata.SourcePath, useCase, idx, docChunks[i].Text)
		}
		chunks = append(chunks, docChunks...)
	}
	return chunks, nil
}

// sourcePathOf 优先取文档元数据中的来源路径
func sourcePathOf(doc Document, fallback string) string {
	if sp, ok := doc.Metadata["source_path"].(string); ok && sp != "" {
		return sp
	}
	if fallback != "" {
		return fallback
	}
	return filepath.Base(doc.ID)
}
