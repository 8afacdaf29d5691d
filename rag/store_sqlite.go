package rag

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/bankrag/types"
)

// vectorRow 关系型后端的持久化模型。向量以小端 float64 BLOB 存储。
type vectorRow struct {
	Seq        int64  `gorm:"primaryKey;autoIncrement"`
	ChunkID    string `gorm:"uniqueIndex;size:64"`
	Collection string `gorm:"index;size:128"`
	Text       string
	SourcePath string `gorm:"index;size:512"`
	UseCase    string `gorm:"size:128"`
	Offset     int
	ChunkIndex int
	TokenCount int
	Vector     []byte
	Dim        int
	Model      string `gorm:"size:128"`
	Tier       string `gorm:"size:16"`
	CreatedAt  time.Time
}

// TableName gorm 表名
func (vectorRow) TableName() string { return "vector_records" }

// SQLiteStore 关系型兜底后端：向量 BLOB + 进程内暴力余弦扫描。
// 检索是 O(n)，只适合小集合——这正是规模化时首选 indexed 后端的原因。
// 集合写入经单写锁串行化，保持行与索引一致。
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
	mu     sync.Mutex // 单写锁
}

// NewSQLiteStore 打开（或创建）SQLite 向量库
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&vectorRow{}); err != nil {
		return nil, fmt.Errorf("migrate vector_records: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With(zap.String("component", "vector_store"), zap.String("backend", "relational")),
	}, nil
}

// AddDocuments 按 chunk ID upsert
func (s *SQLiteStore) AddDocuments(ctx context.Context, records []VectorRecord, collection string) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range records {
			row := vectorRow{
				ChunkID:    rec.Chunk.ID,
				Collection: collection,
				Text:       rec.Chunk.Text,
				SourcePath: rec.Chunk.Metadata.SourcePath,
				UseCase:    rec.Chunk.Metadata.UseCase,
				Offset:     rec.Chunk.Metadata.Offset,
				ChunkIndex: rec.Chunk.Metadata.ChunkIndex,
				TokenCount: rec.Chunk.TokenCount,
				Vector:     encodeVector(rec.Embedding.Vector),
				Dim:        rec.Embedding.Dim,
				Model:      rec.Embedding.Model,
				Tier:       string(rec.Embedding.Tier),
				CreatedAt:  rec.CreatedAt,
			}

			var existing vectorRow
			found := tx.Where("chunk_id = ?", rec.Chunk.ID).First(&existing).Error
			if found == nil {
				// 覆盖但保留插入序号
				row.Seq = existing.Seq
				if err := tx.Save(&row).Error; err != nil {
					return err
				}
				continue
			}
			if found != gorm.ErrRecordNotFound {
				return found
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, types.NewError(types.ErrVectorStore, "upsert records").WithCause(err)
	}
	return len(records), nil
}

// Search 取出集合全部候选行，进程内打分排序
func (s *SQLiteStore) Search(ctx context.Context, queryVector []float64, topK int, collection string, filters Filters) ([]ScoredChunk, error) {
	query := s.db.WithContext(ctx).Where("collection = ?", collection).Order("seq asc")
	if uc, ok := filters["use_case"]; ok {
		query = query.Where("use_case = ?", uc)
	}
	if sp, ok := filters["source_path"]; ok {
		query = query.Where("source_path = ?", sp)
	}

	var rows []vectorRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrVectorStore, "scan collection "+collection).WithCause(err)
	}

	candidates := make([]scoreRecord, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, scoreRecord{record: row.toRecord(), seq: row.Seq})
	}
	return rankRecords(queryVector, candidates, topK), nil
}

// DeleteBySource 删除指定来源文件的全部块
func (s *SQLiteStore) DeleteBySource(ctx context.Context, collection, sourcePath string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).
		Where("collection = ? AND source_path = ?", collection, sourcePath).
		Delete(&vectorRow{})
	if res.Error != nil {
		return 0, types.NewError(types.ErrVectorStore, "delete by source").WithCause(res.Error)
	}
	return int(res.RowsAffected), nil
}

// Stats 按集合分组计数
func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	type countRow struct {
		Collection string
		N          int64
	}
	var counts []countRow
	err := s.db.WithContext(ctx).Model(&vectorRow{}).
		Select("collection, count(*) as n").
		Group("collection").
		Scan(&counts).Error
	if err != nil {
		return StoreStats{}, types.NewError(types.ErrVectorStore, "count collections").WithCause(err)
	}

	stats := StoreStats{Backend: "relational", Collections: make(map[string]CollectionStats)}
	for _, c := range counts {
		stats.Collections[c.Collection] = CollectionStats{Name: c.Collection, Count: c.N}
	}
	return stats, nil
}

// Close 关闭底层连接
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// toRecord 行还原为 VectorRecord
func (r vectorRow) toRecord() VectorRecord {
	return VectorRecord{
		Chunk: Chunk{
			ID:         r.ChunkID,
			Collection: r.Collection,
			Text:       r.Text,
			TokenCount: r.TokenCount,
			Metadata: ChunkMetadata{
				SourcePath: r.SourcePath,
				UseCase:    r.UseCase,
				Offset:     r.Offset,
				ChunkIndex: r.ChunkIndex,
			},
		},
		Embedding: Embedding{
			Vector: decodeVector(r.Vector),
			Dim:    r.Dim,
			Model:  r.Model,
			Tier:   EmbeddingTier(r.Tier),
		},
		CreatedAt: r.CreatedAt,
	}
}

// encodeVector float64 切片编码为小端 BLOB
func encodeVector(vec []float64) []byte {
	buf := make([]byte, 8*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(x))
	}
	return buf
}

// decodeVector BLOB 还原 float64 切片
func decodeVector(buf []byte) []float64 {
	vec := make([]float64, len(buf)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}
