package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/bankrag/types"
)

// IndexedStore 平面余弦索引后端。
// 每个集合一个目录：index.json 存向量与插入序号，meta.json 存块与元数据。
// 集合内单写多读（RWMutex），落盘采用临时文件 + rename 原子替换，
// 并发读在写期间看到写前或写后状态，不会读到撕裂记录。
type IndexedStore struct {
	basePath string
	logger   *zap.Logger

	mu          sync.RWMutex
	collections map[string]*flatIndex
}

// flatIndex 单个集合的平面索引
type flatIndex struct {
	mu      sync.RWMutex
	records map[string]*indexedRecord // chunk ID -> record
	nextSeq int64
}

type indexedRecord struct {
	Record VectorRecord `json:"record"`
	Seq    int64        `json:"seq"`
}

// indexFile index.json 的持久化结构
type indexFile struct {
	NextSeq int64                  `json:"next_seq"`
	Vectors map[string]vectorEntry `json:"vectors"`
}

type vectorEntry struct {
	Vector []float64     `json:"vector"`
	Dim    int           `json:"dim"`
	Model  string        `json:"model"`
	Tier   EmbeddingTier `json:"tier"`
	Seq    int64         `json:"seq"`
}

// metaFile meta.json 的持久化结构
type metaFile struct {
	Chunks map[string]metaEntry `json:"chunks"`
}

type metaEntry struct {
	Chunk     Chunk  `json:"chunk"`
	CreatedAt string `json:"created_at"`
}

// NewIndexedStore 打开（或创建）索引目录并加载既有集合。
func NewIndexedStore(basePath string, logger *zap.Logger) (*IndexedStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	s := &IndexedStore{
		basePath:    basePath,
		logger:      logger.With(zap.String("component", "vector_store"), zap.String("backend", "indexed")),
		collections: make(map[string]*flatIndex),
	}

	entries, err := os.ReadDir(basePath)
	if err != nil {
		return nil, fmt.Errorf("read index dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		idx, err := s.loadCollection(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable collection",
				zap.String("collection", entry.Name()), zap.Error(err))
			continue
		}
		s.collections[entry.Name()] = idx
	}

	s.logger.Info("indexed store opened",
		zap.String("path", basePath), zap.Int("collections", len(s.collections)))
	return s, nil
}

// loadCollection 从磁盘加载一个集合的 index.json + meta.json
func (s *IndexedStore) loadCollection(name string) (*flatIndex, error) {
	dir := filepath.Join(s.basePath, name)

	var idxF indexFile
	if err := readJSON(filepath.Join(dir, "index.json"), &idxF); err != nil {
		return nil, err
	}
	var metaF metaFile
	if err := readJSON(filepath.Join(dir, "meta.json"), &metaF); err != nil {
		return nil, err
	}

	idx := &flatIndex{
		records: make(map[string]*indexedRecord, len(idxF.Vectors)),
		nextSeq: idxF.NextSeq,
	}
	for id, ve := range idxF.Vectors {
		me, ok := metaF.Chunks[id]
		if !ok {
			// 索引与元数据不一致的孤儿向量，丢弃
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339, me.CreatedAt)
		idx.records[id] = &indexedRecord{
			Record: VectorRecord{
				Chunk: me.Chunk,
				Embedding: Embedding{
					Vector: ve.Vector,
					Dim:    ve.Dim,
					Model:  ve.Model,
					Tier:   ve.Tier,
				},
				CreatedAt: createdAt,
			},
			Seq: ve.Seq,
		}
	}
	return idx, nil
}

// collection 取（或创建）集合索引
func (s *IndexedStore) collection(name string, create bool) *flatIndex {
	s.mu.RLock()
	idx := s.collections[name]
	s.mu.RUnlock()
	if idx != nil || !create {
		return idx
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx = s.collections[name]; idx == nil {
		idx = &flatIndex{records: make(map[string]*indexedRecord)}
		s.collections[name] = idx
	}
	return idx
}

// AddDocuments 按 chunk ID upsert，之后整集合持久化。
func (s *IndexedStore) AddDocuments(ctx context.Context, records []VectorRecord, collection string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	idx := s.collection(collection, true)
	idx.mu.Lock()
	for _, rec := range records {
		if existing, ok := idx.records[rec.Chunk.ID]; ok {
			// 覆盖保留原插入序号，同分排序不受重复采集影响
			existing.Record = rec
			continue
		}
		idx.records[rec.Chunk.ID] = &indexedRecord{Record: rec, Seq: idx.nextSeq}
		idx.nextSeq++
	}
	idx.mu.Unlock()

	if err := s.persist(collection, idx); err != nil {
		return 0, types.NewError(types.ErrVectorStore, "persist collection "+collection).WithCause(err)
	}
	return len(records), nil
}

// Search 按余弦相似度降序检索
func (s *IndexedStore) Search(ctx context.Context, queryVector []float64, topK int, collection string, filters Filters) ([]ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx := s.collection(collection, false)
	if idx == nil {
		return nil, nil
	}

	idx.mu.RLock()
	candidates := make([]scoreRecord, 0, len(idx.records))
	for _, rec := range idx.records {
		if !filters.Match(rec.Record.Chunk.Metadata) {
			continue
		}
		candidates = append(candidates, scoreRecord{record: rec.Record, seq: rec.Seq})
	}
	idx.mu.RUnlock()

	// 先按插入顺序排好再打分，保证同分时顺序稳定
	sortBySeq(candidates)
	return rankRecords(queryVector, candidates, topK), nil
}

// DeleteBySource 删除指定来源文件的全部块
func (s *IndexedStore) DeleteBySource(ctx context.Context, collection, sourcePath string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	idx := s.collection(collection, false)
	if idx == nil {
		return 0, nil
	}

	idx.mu.Lock()
	deleted := 0
	for id, rec := range idx.records {
		if rec.Record.Chunk.Metadata.SourcePath == sourcePath {
			delete(idx.records, id)
			deleted++
		}
	}
	idx.mu.Unlock()

	if deleted > 0 {
		if err := s.persist(collection, idx); err != nil {
			return 0, types.NewError(types.ErrVectorStore, "persist collection "+collection).WithCause(err)
		}
	}
	return deleted, nil
}

// Stats 返回各集合计数
func (s *IndexedStore) Stats(ctx context.Context) (StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return StoreStats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StoreStats{Backend: "indexed", Collections: make(map[string]CollectionStats)}
	for name, idx := range s.collections {
		idx.mu.RLock()
		stats.Collections[name] = CollectionStats{Name: name, Count: int64(len(idx.records))}
		idx.mu.RUnlock()
	}
	return stats, nil
}

// Close 无后台资源，幂等返回
func (s *IndexedStore) Close() error { return nil }

// persist 整集合落盘：index.json + meta.json，临时文件 + rename 原子替换
func (s *IndexedStore) persist(collection string, idx *flatIndex) error {
	dir := filepath.Join(s.basePath, collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	idx.mu.RLock()
	idxF := indexFile{NextSeq: idx.nextSeq, Vectors: make(map[string]vectorEntry, len(idx.records))}
	metaF := metaFile{Chunks: make(map[string]metaEntry, len(idx.records))}
	for id, rec := range idx.records {
		idxF.Vectors[id] = vectorEntry{
			Vector: rec.Record.Embedding.Vector,
			Dim:    rec.Record.Embedding.Dim,
			Model:  rec.Record.Embedding.Model,
			Tier:   rec.Record.Embedding.Tier,
			Seq:    rec.Seq,
		}
		metaF.Chunks[id] = metaEntry{
			Chunk:     rec.Record.Chunk,
			CreatedAt: rec.Record.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	idx.mu.RUnlock()

	if err := writeJSONAtomic(filepath.Join(dir, "index.json"), idxF); err != nil {
		return err
	}
	return writeJSONAtomic(filepath.Join(dir, "meta.json"), metaF)
}

func sortBySeq(candidates []scoreRecord) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
