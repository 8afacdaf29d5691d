// Package config 提供 bankrag 引擎的配置加载与校验。
//
// 配置来源优先级：环境变量 > YAML 文件 > 默认值。
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/bankrag/types"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "BANKRAG"

// Config 引擎全局配置
type Config struct {
	// Chunking 分块配置
	Chunking ChunkingConfig `yaml:"chunking" env:"CHUNKING"`

	// Embedding 嵌入配置
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// Vector 向量存储配置
	Vector VectorConfig `yaml:"vector" env:"VECTOR"`

	// Cache 缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// LLM 本地推理服务配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Retrieval 检索配置
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Ingest 采集配置
	Ingest IngestConfig `yaml:"ingest" env:"INGEST"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ChunkingConfig 分块配置
type ChunkingConfig struct {
	// Strategy 分块策略：fixed | recursive | sentence | semantic
	Strategy string `yaml:"strategy" env:"STRATEGY"`

	// ChunkSize 块大小（tokens）
	ChunkSize int `yaml:"chunk_size" env:"CHUNK_SIZE"`

	// ChunkOverlap 相邻块重叠（tokens），必须小于 ChunkSize
	ChunkOverlap int `yaml:"chunk_overlap" env:"CHUNK_OVERLAP"`
}

// EmbeddingConfig 嵌入配置
type EmbeddingConfig struct {
	// Model 嵌入模型名称
	Model string `yaml:"model" env:"MODEL"`

	// LocalURL 本地句向量服务地址（一级后端），为空则跳过探测
	LocalURL string `yaml:"local_url" env:"LOCAL_URL"`

	// Workers 批量嵌入并发数
	Workers int `yaml:"workers" env:"WORKERS"`

	// TFIDFDim TF-IDF 兜底后端的固定维度
	TFIDFDim int `yaml:"tfidf_dim" env:"TFIDF_DIM"`
}

// VectorConfig 向量存储配置
type VectorConfig struct {
	// Engine 后端引擎：indexed | document-db | relational
	Engine string `yaml:"engine" env:"ENGINE"`

	// Path 向量库目录（indexed）或数据库文件（relational）
	Path string `yaml:"path" env:"PATH"`

	// MongoURI document-db 后端连接串，为空时探测失败回退 relational
	MongoURI string `yaml:"mongo_uri" env:"MONGO_URI"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	// DBPath 缓存数据库文件（查询缓存表 + 嵌入缓存表）
	DBPath string `yaml:"db_path" env:"DB_PATH"`

	// RedisAddr 可选的 L1 查询缓存 Redis 地址，为空则只用持久层
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`

	// QueryTTL 查询缓存默认 TTL
	QueryTTL time.Duration `yaml:"query_ttl" env:"QUERY_TTL"`
}

// LLMConfig 本地推理服务配置
type LLMConfig struct {
	// BaseURL 服务地址（Ollama 兼容）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`

	// Model 生成模型
	Model string `yaml:"model" env:"MODEL"`

	// Timeout 单次调用超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// RateLimitRPS 出站请求限速（每秒）
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
}

// RetrievalConfig 检索配置
type RetrievalConfig struct {
	// TopK 默认返回数量
	TopK int `yaml:"top_k" env:"TOP_K"`

	// MaxContextTokens 上下文组装 token 预算
	MaxContextTokens int `yaml:"max_context_tokens" env:"MAX_CONTEXT_TOKENS"`

	// MinRelevance 重排后的相关性下限
	MinRelevance float64 `yaml:"min_relevance" env:"MIN_RELEVANCE"`

	// DedupThreshold 去重相似度阈值
	DedupThreshold float64 `yaml:"dedup_threshold" env:"DEDUP_THRESHOLD"`
}

// IngestConfig 采集配置
type IngestConfig struct {
	// BasePath 用例语料根目录，每个子目录为一个 use case
	BasePath string `yaml:"base_path" env:"BASE_PATH"`

	// Frequency 定时采集间隔
	Frequency time.Duration `yaml:"frequency" env:"FREQUENCY"`
}

// LogConfig 日志配置
type LogConfig struct {
	// Level 日志级别：debug | info | warn | error
	Level string `yaml:"level" env:"LEVEL"`

	// Format 输出格式：json | console
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Chunking: ChunkingConfig{
			Strategy:     "recursive",
			ChunkSize:    512,
			ChunkOverlap: 50,
		},
		Embedding: EmbeddingConfig{
			Model:    "nomic-embed-text",
			Workers:  4,
			TFIDFDim: 512,
		},
		Vector: VectorConfig{
			Engine: "indexed",
			Path:   "./data/vectors",
		},
		Cache: CacheConfig{
			DBPath:   "./data/cache.db",
			QueryTTL: time.Hour,
		},
		LLM: LLMConfig{
			BaseURL:      "http://localhost:11434",
			Model:        "llama3.2",
			Timeout:      30 * time.Second,
			RateLimitRPS: 10,
		},
		Retrieval: RetrievalConfig{
			TopK:             5,
			MaxContextTokens: 2048,
			MinRelevance:     0.3,
			DedupThreshold:   0.92,
		},
		Ingest: IngestConfig{
			BasePath:  "./data/use_cases",
			Frequency: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load 加载配置：默认值 + YAML 文件（可缺省）+ 环境变量覆盖，最后校验。
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, types.NewError(types.ErrConfiguration, "read config file").WithCause(err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, types.NewError(types.ErrConfiguration, "parse config file").WithCause(err)
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix); err != nil {
		return nil, types.NewError(types.ErrConfiguration, "apply env overrides").WithCause(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置，失败返回 CONFIGURATION 错误（启动期致命）。
func (c *Config) Validate() error {
	var errs []string

	if c.Chunking.ChunkSize <= 0 {
		errs = append(errs, "chunking.chunk_size must be positive")
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		errs = append(errs, "chunking.chunk_overlap must be in [0, chunk_size)")
	}
	switch c.Chunking.Strategy {
	case "fixed", "recursive", "sentence", "semantic":
	default:
		errs = append(errs, fmt.Sprintf("chunking.strategy %q is not one of fixed|recursive|sentence|semantic", c.Chunking.Strategy))
	}
	switch c.Vector.Engine {
	case "indexed", "document-db", "relational":
	default:
		errs = append(errs, fmt.Sprintf("vector.engine %q is not one of indexed|document-db|relational", c.Vector.Engine))
	}
	if c.Retrieval.TopK <= 0 {
		errs = append(errs, "retrieval.top_k must be positive")
	}
	if c.Retrieval.MaxContextTokens <= 0 {
		errs = append(errs, "retrieval.max_context_tokens must be positive")
	}
	if c.Embedding.Workers <= 0 {
		errs = append(errs, "embedding.workers must be positive")
	}
	if c.Embedding.TFIDFDim <= 0 {
		errs = append(errs, "embedding.tfidf_dim must be positive")
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, "llm.timeout must be positive")
	}

	if len(errs) > 0 {
		return types.NewError(types.ErrConfiguration, strings.Join(errs, "; "))
	}
	return nil
}

// applyEnv 按 env tag 递归应用环境变量覆盖
func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := applyEnv(field, key); err != nil {
				return err
			}
			continue
		}

		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		if err := setFieldValue(field, raw); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// setFieldValue 字符串解析为对应字段类型
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	}
	return nil
}
