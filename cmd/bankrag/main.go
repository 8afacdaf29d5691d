// =============================================================================
// bankrag 主入口
// =============================================================================
// 银行文档 RAG 引擎的命令行入口，覆盖采集、查询、评估与状态查询
//
// 使用方法:
//
//	bankrag --status                          # 引擎状态
//	bankrag --ingest                          # 采集全部用例
//	bankrag --ingest-uc loans                 # 采集单个用例
//	bankrag --query "What is the wire fee?"   # 执行查询
//	bankrag --query "..." --use-case-filter loans --top-k 3
//	bankrag --evaluate samples.json           # 批量质量评估
//	bankrag --schedule                        # 常驻定时采集
//	bankrag --config config.yaml --status     # 指定配置文件
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/bankrag/config"
	"github.com/BaSui01/bankrag/internal/metrics"
	"github.com/BaSui01/bankrag/llm"
	"github.com/BaSui01/bankrag/rag"
	"github.com/BaSui01/bankrag/rag/loader"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	var (
		configPath    = flag.String("config", "", "Path to config file")
		showStatus    = flag.Bool("status", false, "Show engine status")
		ingestAll     = flag.Bool("ingest", false, "Ingest all use cases")
		ingestUC      = flag.String("ingest-uc", "", "Ingest a single use case")
		query         = flag.String("query", "", "Run a query")
		useCaseFilter = flag.String("use-case-filter", "", "Restrict query to one use case")
		topK          = flag.Int("top-k", 0, "Override retrieval top-k")
		evaluate      = flag.String("evaluate", "", "Batch-evaluate samples from a JSON file")
		schedule      = flag.Bool("schedule", false, "Run the periodic ingestion scheduler")
		showVersion   = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("bankrag %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		logger.Error("engine startup failed", zap.Error(err))
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case *showStatus:
		err = runStatus(ctx, engine)
	case *ingestUC != "":
		err = runIngestUseCase(ctx, engine, *ingestUC)
	case *ingestAll:
		err = runIngestAll(ctx, engine)
	case *query != "":
		err = runQuery(ctx, engine, *query, *useCaseFilter, *topK)
	case *evaluate != "":
		err = runEvaluate(ctx, engine, *evaluate)
	case *schedule:
		logger.Info("ingestion scheduler started", zap.Duration("frequency", cfg.Ingest.Frequency))
		engine.scheduler.Schedule(ctx)
	default:
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

// =============================================================================
// 🔧 引擎装配
// =============================================================================

// engine 装配好的全部组件
type engine struct {
	cfg       *config.Config
	llm       *llm.HTTPClient
	store     rag.VectorStore
	cache     *rag.CacheStore
	embedder  *rag.EmbeddingPipeline
	pipeline  *rag.Pipeline
	scheduler *rag.IngestionScheduler
	logger    *zap.Logger
}

func buildEngine(cfg *config.Config, logger *zap.Logger) (*engine, error) {
	ctx := context.Background()
	collector := metrics.NewCollector("bankrag", logger)

	client := llm.NewHTTPClient(llm.ClientConfig{
		BaseURL:      cfg.LLM.BaseURL,
		Timeout:      cfg.LLM.Timeout,
		RateLimitRPS: cfg.LLM.RateLimitRPS,
	}, logger)

	cache, err := rag.NewCacheStore(rag.CacheStoreConfig{
		DBPath:     cfg.Cache.DBPath,
		RedisAddr:  cfg.Cache.RedisAddr,
		DefaultTTL: cfg.Cache.QueryTTL,
	}, logger)
	if err != nil {
		return nil, err
	}

	// 嵌入层级：本地句向量服务 > 推理服务 > TF-IDF 兜底
	var backends []rag.EmbeddingBackend
	if cfg.Embedding.LocalURL != "" {
		backends = append(backends, rag.NewLocalBackend(cfg.Embedding.LocalURL, cfg.Embedding.Model))
	}
	backends = append(backends,
		rag.NewRemoteBackend(client, cfg.Embedding.Model),
		rag.NewTFIDFBackend(cfg.Embedding.TFIDFDim))
	embedder := rag.NewEmbeddingPipeline(ctx, rag.EmbeddingPipelineConfig{
		Model:   cfg.Embedding.Model,
		Workers: cfg.Embedding.Workers,
	}, backends, cache, logger)

	store, err := rag.NewVectorStore(ctx, rag.VectorStoreConfig{
		Engine:   cfg.Vector.Engine,
		Path:     cfg.Vector.Path,
		MongoURI: cfg.Vector.MongoURI,
	}, logger)
	if err != nil {
		cache.Close()
		return nil, err
	}

	tokenizer := rag.NewDefaultTokenizer(logger)
	chunker := rag.NewDocumentChunker(rag.ChunkingConfig{
		Strategy:     rag.ChunkingStrategy(cfg.Chunking.Strategy),
		ChunkSize:    cfg.Chunking.ChunkSize,
		ChunkOverlap: cfg.Chunking.ChunkOverlap,
	}, tokenizer, embedder, logger)
	registry := loader.NewRegistry()
	chunker.SetFileLoader(registry)

	reranker := rag.NewReranker(rag.RerankerConfig{
		MinRelevance:     cfg.Retrieval.MinRelevance,
		DedupThreshold:   cfg.Retrieval.DedupThreshold,
		MaxContextTokens: cfg.Retrieval.MaxContextTokens,
	}, nil, tokenizer, logger)

	pipeline := rag.NewPipeline(rag.PipelineConfig{
		TopK:          cfg.Retrieval.TopK,
		GenerateModel: cfg.LLM.Model,
		QueryTTL:      cfg.Cache.QueryTTL,
	}, embedder, store, cache, reranker, client, logger)
	pipeline.SetMetrics(collector)

	jobDB, err := gorm.Open(sqlite.Open(cfg.Cache.DBPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		store.Close()
		cache.Close()
		return nil, err
	}
	scheduler, err := rag.NewIngestionScheduler(rag.IngestionSchedulerConfig{
		BasePath:  cfg.Ingest.BasePath,
		Frequency: cfg.Ingest.Frequency,
	}, jobDB, chunker, embedder, store, registry, logger)
	if err != nil {
		store.Close()
		cache.Close()
		return nil, err
	}
	scheduler.SetMetrics(collector)

	return &engine{
		cfg:       cfg,
		llm:       client,
		store:     store,
		cache:     cache,
		embedder:  embedder,
		pipeline:  pipeline,
		scheduler: scheduler,
		logger:    logger,
	}, nil
}

func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("vector store close failed", zap.Error(err))
	}
	if err := e.cache.Close(); err != nil {
		e.logger.Warn("cache close failed", zap.Error(err))
	}
}

// =============================================================================
// 🖥️ 子命令
// =============================================================================

func runStatus(ctx context.Context, e *engine) error {
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("bankrag %s\n\n", Version)
	fmt.Printf("vector store:    %s\n", stats.Backend)
	total := int64(0)
	for _, name := range sortedCollections(stats) {
		cs := stats.Collections[name]
		fmt.Printf("  %-20s %d chunks\n", name, cs.Count)
		total += cs.Count
	}
	fmt.Printf("  total                %d chunks\n", total)

	fmt.Printf("embedding tier:  %s\n", tierOrNone(e.embedder))
	fmt.Printf("llm available:   %v\n", e.llm.IsAvailable(ctx))

	cacheStats := e.cache.Stats()
	fmt.Printf("cache:           %d hits / %d misses (%.0f%% hit rate)\n",
		cacheStats.Hits, cacheStats.Misses, cacheStats.HitRate*100)

	jobs, err := e.scheduler.Jobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		fmt.Println("\ningestion jobs:")
		for _, job := range jobs {
			fmt.Printf("  %-20s %-8s chunks=%d last=%s\n",
				job.UseCase, job.Status, job.ChunkCount, job.LastIngested.Format("2006-01-02 15:04:05"))
		}
	}
	return nil
}

func runIngestAll(ctx context.Context, e *engine) error {
	reports, err := e.scheduler.RunAll(ctx)
	if err != nil {
		return err
	}
	for _, r := range reports {
		printReport(r)
	}
	return nil
}

func runIngestUseCase(ctx context.Context, e *engine, useCase string) error {
	report, err := e.scheduler.RunUseCase(ctx, useCase)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func printReport(r *rag.IngestionReport) {
	fmt.Printf("[%s] %s: %s (changed=%d skipped=%d removed=%d failed=%d chunks=%d in %s)\n",
		r.RunID, r.UseCase, r.Status, r.FilesChanged, r.FilesSkipped, r.FilesRemoved, r.FilesFailed,
		r.ChunkCount, r.Duration.Round(time.Millisecond))
	for _, msg := range r.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
}

func runQuery(ctx context.Context, e *engine, query, useCase string, topK int) error {
	result, err := e.pipeline.Query(ctx, query, rag.QueryOptions{UseCase: useCase, TopK: topK})
	if err != nil {
		return err
	}

	fmt.Println(result.Answer)
	if len(result.Sources) > 0 {
		fmt.Println("\nsources:")
		for _, s := range result.Sources {
			fmt.Printf("  - %s\n", s)
		}
	}
	fmt.Printf("\nintent=%s tier=%s cached=%v extractive=%v duration=%s\n",
		result.Intent, result.Tier, result.Cached, result.Extractive, result.Duration.Round(time.Millisecond))
	fmt.Printf("scores: relevance=%.2f groundedness=%.2f hallucination=%.2f completeness=%.2f coherence=%.2f\n",
		result.Scores.Relevance, result.Scores.Groundedness, result.Scores.Hallucination,
		result.Scores.Completeness, result.Scores.Coherence)
	return nil
}

// runEvaluate 批量评估。样本缺 answer 时先跑一遍查询管线再评估。
func runEvaluate(ctx context.Context, e *engine, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read samples %s: %w", path, err)
	}
	var samples []rag.EvaluationSample
	if err := json.Unmarshal(data, &samples); err != nil {
		return fmt.Errorf("parse samples %s: %w", path, err)
	}

	for i := range samples {
		if samples[i].Answer != "" {
			continue
		}
		result, err := e.pipeline.Query(ctx, samples[i].Query, rag.QueryOptions{SkipCache: true})
		if err != nil {
			return err
		}
		samples[i].Answer = result.Answer
	}

	batch := e.pipeline.Evaluator().BatchEvaluate(samples)
	out, err := json.MarshalIndent(batch.Summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func sortedCollections(stats rag.StoreStats) []string {
	names := make([]string, 0, len(stats.Collections))
	for name := range stats.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func tierOrNone(p *rag.EmbeddingPipeline) string {
	if tier := p.Tier(); tier != "" {
		return string(tier)
	}
	return "none"
}
