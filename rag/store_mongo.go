package rag

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/bankrag/types"
)

const mongoDatabase = "bankrag"

// mongoDoc 文档型后端的持久化结构
type mongoDoc struct {
	ChunkID    string    `bson:"_id"`
	Collection string    `bson:"collection"`
	Text       string    `bson:"text"`
	SourcePath string    `bson:"source_path"`
	UseCase    string    `bson:"use_case"`
	Offset     int       `bson:"offset"`
	ChunkIndex int       `bson:"chunk_index"`
	TokenCount int       `bson:"token_count"`
	Vector     []float64 `bson:"vector"`
	Dim        int       `bson:"dim"`
	Model      string    `bson:"model"`
	Tier       string    `bson:"tier"`
	Seq        int64     `bson:"seq"`
	CreatedAt  time.Time `bson:"created_at"`
}

// MongoStore 文档数据库后端。每个逻辑集合对应一个 Mongo collection，
// 元数据过滤下推服务端，余弦打分在客户端完成。
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// NewMongoStore 连接并 ping（2 秒超时），失败返回错误供工厂回退。
func NewMongoStore(ctx context.Context, uri string, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	logger.Info("document-db store connected", zap.String("database", mongoDatabase))
	return &MongoStore{
		client: client,
		db:     client.Database(mongoDatabase),
		logger: logger.With(zap.String("component", "vector_store"), zap.String("backend", "document-db")),
	}, nil
}

// nextSeq 用 counters 集合为每个逻辑集合分配单调插入序号
func (s *MongoStore) nextSeq(ctx context.Context, collection string, n int64) (int64, error) {
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.db.Collection("counters").FindOneAndUpdate(ctx,
		bson.M{"_id": collection},
		bson.M{"$inc": bson.M{"value": n}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Value - n, nil
}

// AddDocuments 按 chunk ID upsert；新记录获得递增序号，覆盖保留原序号。
func (s *MongoStore) AddDocuments(ctx context.Context, records []VectorRecord, collection string) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	coll := s.db.Collection(collection)
	seqBase, err := s.nextSeq(ctx, collection, int64(len(records)))
	if err != nil {
		return 0, types.NewError(types.ErrVectorStore, "allocate sequence").WithCause(err)
	}

	for i, rec := range records {
		doc := mongoDoc{
			ChunkID:    rec.Chunk.ID,
			Collection: collection,
			Text:       rec.Chunk.Text,
			SourcePath: rec.Chunk.Metadata.SourcePath,
			UseCase:    rec.Chunk.Metadata.UseCase,
			Offset:     rec.Chunk.Metadata.Offset,
			ChunkIndex: rec.Chunk.Metadata.ChunkIndex,
			TokenCount: rec.Chunk.TokenCount,
			Vector:     rec.Embedding.Vector,
			Dim:        rec.Embedding.Dim,
			Model:      rec.Embedding.Model,
			Tier:       string(rec.Embedding.Tier),
			Seq:        seqBase + int64(i),
			CreatedAt:  rec.CreatedAt,
		}

		// 已存在的记录保留原插入序号
		var existing mongoDoc
		findErr := coll.FindOne(ctx, bson.M{"_id": rec.Chunk.ID}).Decode(&existing)
		if findErr == nil {
			doc.Seq = existing.Seq
		}

		_, err := coll.ReplaceOne(ctx, bson.M{"_id": rec.Chunk.ID}, doc, options.Replace().SetUpsert(true))
		if err != nil {
			return 0, types.NewError(types.ErrVectorStore, "upsert record "+rec.Chunk.ID).WithCause(err)
		}
	}
	return len(records), nil
}

// Search 服务端过滤 + 客户端余弦打分
func (s *MongoStore) Search(ctx context.Context, queryVector []float64, topK int, collection string, filters Filters) ([]ScoredChunk, error) {
	filter := bson.M{}
	if uc, ok := filters["use_case"]; ok {
		filter["use_case"] = uc
	}
	if sp, ok := filters["source_path"]; ok {
		filter["source_path"] = sp
	}

	cursor, err := s.db.Collection(collection).Find(ctx, filter, options.Find().SetSort(bson.M{"seq": 1}))
	if err != nil {
		return nil, types.NewError(types.ErrVectorStore, "query collection "+collection).WithCause(err)
	}
	defer cursor.Close(ctx)

	var candidates []scoreRecord
	for cursor.Next(ctx) {
		var doc mongoDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, types.NewError(types.ErrVectorStore, "decode record").WithCause(err)
		}
		candidates = append(candidates, scoreRecord{record: doc.toRecord(), seq: doc.Seq})
	}
	if err := cursor.Err(); err != nil {
		return nil, types.NewError(types.ErrVectorStore, "iterate collection "+collection).WithCause(err)
	}

	return rankRecords(queryVector, candidates, topK), nil
}

// DeleteBySource 删除指定来源文件的全部块
func (s *MongoStore) DeleteBySource(ctx context.Context, collection, sourcePath string) (int, error) {
	res, err := s.db.Collection(collection).DeleteMany(ctx, bson.M{"source_path": sourcePath})
	if err != nil {
		return 0, types.NewError(types.ErrVectorStore, "delete by source").WithCause(err)
	}
	return int(res.DeletedCount), nil
}

// Stats 列出数据库内各集合计数（跳过 counters 辅助集合）
func (s *MongoStore) Stats(ctx context.Context) (StoreStats, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		return StoreStats{}, types.NewError(types.ErrVectorStore, "list collections").WithCause(err)
	}

	stats := StoreStats{Backend: "document-db", Collections: make(map[string]CollectionStats)}
	for _, name := range names {
		if name == "counters" {
			continue
		}
		count, err := s.db.Collection(name).CountDocuments(ctx, bson.M{})
		if err != nil {
			return StoreStats{}, types.NewError(types.ErrVectorStore, "count collection "+name).WithCause(err)
		}
		stats.Collections[name] = CollectionStats{Name: name, Count: count}
	}
	return stats, nil
}

// Close 断开连接
func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

// toRecord 文档还原为 VectorRecord
func (d mongoDoc) toRecord() VectorRecord {
	return VectorRecord{
		Chunk: Chunk{
			ID:         d.ChunkID,
			Collection: d.Collection,
			Text:       d.Text,
			TokenCount: d.TokenCount,
			Metadata: ChunkMetadata{
				SourcePath: d.SourcePath,
				UseCase:    d.UseCase,
				Offset:     d.Offset,
				ChunkIndex: d.ChunkIndex,
			},
		},
		Embedding: Embedding{
			Vector: d.Vector,
			Dim:    d.Dim,
			Model:  d.Model,
			Tier:   EmbeddingTier(d.Tier),
		},
		CreatedAt: d.CreatedAt,
	}
}
