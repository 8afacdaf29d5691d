package rag

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/bankrag/types"
)

// Filters 元数据过滤条件（如 use_case / source_path），全部满足才命中
type Filters map[string]string

// Match 判断块元数据是否满足过滤条件
func (f Filters) Match(meta ChunkMetadata) bool {
	for key, want := range f {
		switch key {
		case "use_case":
			if meta.UseCase != want {
				return false
			}
		case "source_path":
			if meta.SourcePath != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// VectorStore 向量存储统一接口。
// 实现独占持有 VectorRecord，外部只通过 chunk ID 引用记录。
type VectorStore interface {
	// AddDocuments 按 chunk ID upsert 记录，返回写入数量。
	// 重复添加同一块是覆盖而非重复。
	AddDocuments(ctx context.Context, records []VectorRecord, collection string) (int, error)

	// Search 在集合内按余弦相似度降序检索，分数相同按插入顺序。
	Search(ctx context.Context, queryVector []float64, topK int, collection string, filters Filters) ([]ScoredChunk, error)

	// DeleteBySource 删除集合内指定来源文件的全部块，返回删除数量。
	// 增量采集在重新插入前调用，防止陈旧重复。
	DeleteBySource(ctx context.Context, collection, sourcePath string) (int, error)

	// Stats 返回后端名与各集合计数
	Stats(ctx context.Context) (StoreStats, error)

	// Close 释放底层资源
	Close() error
}

// VectorStoreConfig 向量存储配置
type VectorStoreConfig struct {
	// Engine 首选引擎：indexed | document-db | relational
	Engine string `json:"engine"`

	// Path indexed 引擎的目录或 relational 引擎的数据库文件
	Path string `json:"path"`

	// MongoURI document-db 引擎连接串
	MongoURI string `json:"mongo_uri"`
}

// NewVectorStore 按配置与能力探测选择后端，探测只发生一次。
// document-db 要求 MongoURI 可达（2 秒 ping），否则回退 relational。
func NewVectorStore(ctx context.Context, config VectorStoreConfig, logger *zap.Logger) (VectorStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch config.Engine {
	case "indexed", "":
		store, err := NewIndexedStore(config.Path, logger)
		if err != nil {
			return nil, types.NewError(types.ErrVectorStore, "open indexed store").WithCause(err)
		}
		return store, nil

	case "document-db":
		if config.MongoURI != "" {
			store, err := NewMongoStore(ctx, config.MongoURI, logger)
			if err == nil {
				return store, nil
			}
			logger.Warn("document-db backend unreachable, falling back to relational", zap.Error(err))
		}
		fallthrough

	case "relational":
		store, err := NewSQLiteStore(config.Path, logger)
		if err != nil {
			return nil, types.NewError(types.ErrVectorStore, "open relational store").WithCause(err)
		}
		return store, nil

	default:
		return nil, types.NewError(types.ErrConfiguration, "unknown vector engine: "+config.Engine)
	}
}

// scoreRecord 候选记录打分的中间结果
type scoreRecord struct {
	record VectorRecord
	score  float64
	seq    int64 // 插入序号，用于同分排序
}

// rankRecords 打分、降序稳定排序并截取 topK。
// records 必须按插入顺序给出。
func rankRecords(queryVector []float64, candidates []scoreRecord, topK int) []ScoredChunk {
	for i := range candidates {
		candidates[i].score = CosineSimilarity(queryVector, candidates[i].record.Embedding.Vector)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].seq < candidates[j].seq
	})

	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]ScoredChunk, len(candidates))
	for i, c := range candidates {
		results[i] = ScoredChunk{
			Chunk:  c.record.Chunk,
			Score:  c.score,
			Tier:   c.record.Embedding.Tier,
			Vector: c.record.Embedding.Vector,
		}
	}
	return results
}
