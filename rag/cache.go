package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// queryCacheRow 查询缓存表
type queryCacheRow struct {
	QueryHash  string `gorm:"primaryKey;size:64"`
	QueryText  string
	Response   string
	Embedding  []byte // JSON 编码的 []float64，可为空
	CreatedAt  time.Time
	TTLSeconds int64
	HitCount   int64
}

func (queryCacheRow) TableName() string { return "query_cache" }

// embeddingCacheRow 嵌入缓存表。无 TTL，仅模型变更使其失效（键含模型名）。
type embeddingCacheRow struct {
	TextHash string `gorm:"primaryKey;size:64"`
	Text     string
	Model    string `gorm:"size:128"`
	Tier     string `gorm:"size:16"` // 产出该向量的后端层级
	Vector   []byte // 小端 float64 BLOB
}

func (embeddingCacheRow) TableName() string { return "embedding_cache" }

// CachedResponse 查询缓存命中结果
type CachedResponse struct {
	Response  string    `json:"response"`
	Embedding []float64 `json:"embedding,omitempty"`
	HitCount  int64     `json:"hit_count"`
}

// CacheStats 进程生命周期内累计的命中统计
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// CacheStoreConfig 缓存配置
type CacheStoreConfig struct {
	// DBPath 持久层 SQLite 文件
	DBPath string `json:"db_path"`

	// RedisAddr 可选 L1 查询缓存，为空则只用持久层
	RedisAddr string `json:"redis_addr"`

	// DefaultTTL 查询缓存默认 TTL
	DefaultTTL time.Duration `json:"default_ttl"`
}

// CacheStore 两级查询缓存 + 嵌入缓存。
// L1（可选 Redis）优先读，命中持久层时回填 L1。
// 约定：任何缓存 I/O 错误都吞掉并视为未命中——缓存不可用时管线必须
// 保持正确，只是变慢。
type CacheStore struct {
	db     *gorm.DB
	redis  *redis.Client
	config CacheStoreConfig
	logger *zap.Logger

	// now 可注入时钟，TTL 测试用
	now func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCacheStore 打开（或创建）缓存库。RedisAddr 非空时连接 L1，
// 连接失败降级为仅持久层并记录警告。
func NewCacheStore(config CacheStoreConfig, logger *zap.Logger) (*CacheStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "cache"))
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Hour
	}

	if dir := filepath.Dir(config.DBPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(config.DBPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache db %s: %w", config.DBPath, err)
	}
	if err := db.AutoMigrate(&queryCacheRow{}, &embeddingCacheRow{}); err != nil {
		return nil, fmt.Errorf("migrate cache tables: %w", err)
	}

	var rdb *redis.Client
	if config.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis L1 unreachable, query cache runs on persistent tier only", zap.Error(err))
			rdb = nil
		}
		cancel()
	}

	return &CacheStore{
		db:     db,
		redis:  rdb,
		config: config,
		logger: logger,
		now:    time.Now,
	}, nil
}

// QueryKey 组合键：规范化查询 + 规范化过滤条件 + top_k 的哈希
func QueryKey(query string, filters Filters, topK int) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(query)), " ")

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|", normalized, topK)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, filters[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// embeddingKey 嵌入缓存键：hash(text, model)
func embeddingKey(text, model string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

const redisQueryPrefix = "bankrag:qc:"

// GetQuery 查询缓存读取：L1 → 持久层（校验 TTL、惰性清除过期行、累加命中数）。
func (c *CacheStore) GetQuery(ctx context.Context, query string, filters Filters, topK int) (*CachedResponse, bool) {
	key := QueryKey(query, filters, topK)

	if c.redis != nil {
		data, err := c.redis.Get(ctx, redisQueryPrefix+key).Bytes()
		if err == nil {
			var cached CachedResponse
			if json.Unmarshal(data, &cached) == nil {
				c.hits.Add(1)
				// 命中数记在持久层，尽力而为
				c.db.WithContext(ctx).Model(&queryCacheRow{}).
					Where("query_hash = ?", key).
					UpdateColumn("hit_count", gorm.Expr("hit_count + 1"))
				return &cached, true
			}
		} else if err != redis.Nil {
			c.logger.Warn("redis get failed, treating as miss", zap.Error(err))
		}
	}

	var row queryCacheRow
	err := c.db.WithContext(ctx).Where("query_hash = ?", key).First(&row).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			c.logger.Warn("query cache read failed, treating as miss", zap.Error(err))
		}
		c.misses.Add(1)
		return nil, false
	}

	if c.expired(row) {
		// 惰性清除
		c.db.WithContext(ctx).Delete(&queryCacheRow{}, "query_hash = ?", key)
		c.misses.Add(1)
		return nil, false
	}

	row.HitCount++
	if err := c.db.WithContext(ctx).Model(&queryCacheRow{}).
		Where("query_hash = ?", key).
		UpdateColumn("hit_count", row.HitCount).Error; err != nil {
		c.logger.Warn("hit count update failed", zap.Error(err))
	}

	cached := &CachedResponse{Response: row.Response, HitCount: row.HitCount}
	if len(row.Embedding) > 0 {
		if err := json.Unmarshal(row.Embedding, &cached.Embedding); err != nil {
			cached.Embedding = nil
		}
	}

	c.backfillL1(ctx, key, cached, row)
	c.hits.Add(1)
	return cached, true
}

// PutQuery 插入或覆盖查询缓存，顺带惰性清除全表过期行。
// 写失败吞掉：缓存写不进去不影响查询结果。
func (c *CacheStore) PutQuery(ctx context.Context, query string, filters Filters, topK int, response string, embedding []float64, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	key := QueryKey(query, filters, topK)

	var embJSON []byte
	if len(embedding) > 0 {
		embJSON, _ = json.Marshal(embedding)
	}

	row := queryCacheRow{
		QueryHash:  key,
		QueryText:  query,
		Response:   response,
		Embedding:  embJSON,
		CreatedAt:  c.now(),
		TTLSeconds: int64(ttl.Seconds()),
		HitCount:   0,
	}
	if err := c.db.WithContext(ctx).Save(&row).Error; err != nil {
		c.logger.Warn("query cache write failed", zap.Error(err))
		return
	}

	c.evictExpired(ctx)
	c.backfillL1(ctx, key, &CachedResponse{Response: response, Embedding: embedding}, row)
}

// backfillL1 持久层数据回填 Redis，按剩余 TTL 设置过期
func (c *CacheStore) backfillL1(ctx context.Context, key string, cached *CachedResponse, row queryCacheRow) {
	if c.redis == nil {
		return
	}
	remaining := time.Duration(row.TTLSeconds)*time.Second - c.now().Sub(row.CreatedAt)
	if remaining <= 0 {
		return
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisQueryPrefix+key, data, remaining).Err(); err != nil {
		c.logger.Warn("redis backfill failed", zap.Error(err))
	}
}

// evictExpired 删除持久层所有过期行
func (c *CacheStore) evictExpired(ctx context.Context) {
	cutoff := c.now().Unix()
	err := c.db.WithContext(ctx).
		Where("strftime('%s', created_at) + ttl_seconds < ?", cutoff).
		Delete(&queryCacheRow{}).Error
	if err != nil {
		c.logger.Warn("expired eviction failed", zap.Error(err))
	}
}

// expired 判断行是否过期：now > created_at + ttl
func (c *CacheStore) expired(row queryCacheRow) bool {
	return c.now().After(row.CreatedAt.Add(time.Duration(row.TTLSeconds) * time.Second))
}

// GetEmbedding 嵌入缓存读取，连同向量返回缓存时的后端层级。实现 EmbeddingCache。
func (c *CacheStore) GetEmbedding(ctx context.Context, text, model string) ([]float64, EmbeddingTier, bool) {
	var row embeddingCacheRow
	err := c.db.WithContext(ctx).Where("text_hash = ?", embeddingKey(text, model)).First(&row).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			c.logger.Warn("embedding cache read failed, treating as miss", zap.Error(err))
		}
		c.misses.Add(1)
		return nil, "", false
	}
	c.hits.Add(1)
	return decodeVector(row.Vector), EmbeddingTier(row.Tier), true
}

// PutEmbedding 嵌入缓存写入，失败吞掉
func (c *CacheStore) PutEmbedding(ctx context.Context, text, model string, vector []float64, tier EmbeddingTier) {
	row := embeddingCacheRow{
		TextHash: embeddingKey(text, model),
		Text:     text,
		Model:    model,
		Tier:     string(tier),
		Vector:   encodeVector(vector),
	}
	if err := c.db.WithContext(ctx).Save(&row).Error; err != nil {
		c.logger.Warn("embedding cache write failed", zap.Error(err))
	}
}

// Stats 返回进程生命周期内的命中统计
func (c *CacheStore) Stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses

	stats := CacheStats{Hits: hits, Misses: misses}
	if total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// Close 关闭持久层与 L1 连接
func (c *CacheStore) Close() error {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
