package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/BaSui01/bankrag/internal/metrics"
	"github.com/BaSui01/bankrag/types"
)

// 采集任务状态
const (
	JobStatusIdle    = "idle"
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusPartial = "partial"
	JobStatusFailed  = "failed"
)

// IngestionJob 用例级采集任务记录，每个 use case 一行
type IngestionJob struct {
	UseCase       string `gorm:"primaryKey;size:128"`
	Status        string `gorm:"size:16"`
	Frequency     time.Duration
	LastIngested  time.Time
	NextScheduled time.Time
	ChunkCount    int
	Error         string
	// FileHashes JSON 编码的 path → sha256，增量判定依据
	FileHashes string
}

func (IngestionJob) TableName() string { return "ingestion_jobs" }

// IngestionReport 单次采集运行的结果
type IngestionReport struct {
	RunID        string        `json:"run_id"`
	UseCase      string        `json:"use_case"`
	Status       string        `json:"status"`
	FilesChanged int           `json:"files_changed"`
	FilesSkipped int           `json:"files_skipped"`
	FilesRemoved int           `json:"files_removed"`
	FilesFailed  int           `json:"files_failed"`
	ChunkCount   int           `json:"chunk_count"`
	Duration     time.Duration `json:"duration"`
	Errors       []string      `json:"errors,omitempty"`
}

// IngestionSchedulerConfig 采集调度配置
type IngestionSchedulerConfig struct {
	// BasePath 语料根目录，每个直接子目录是一个 use case
	BasePath string `json:"base_path"`

	// Frequency 定时采集间隔，Schedule 循环用
	Frequency time.Duration `json:"frequency"`

	// Concurrency RunAll 的并发用例数
	Concurrency int `json:"concurrency"`
}

// IngestionScheduler 增量采集调度器。文件级 sha256 对比决定增量范围，
// 同一 use case 同时只允许一次运行（单飞），单文件失败不中断整轮。
type IngestionScheduler struct {
	config   IngestionSchedulerConfig
	db       *gorm.DB
	chunker  *DocumentChunker
	embedder *EmbeddingPipeline
	store    VectorStore
	loader   FileLoader
	metrics  *metrics.Collector
	logger   *zap.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewIngestionScheduler 构造调度器并迁移任务表。db 复用缓存库连接
// 或独立打开均可。
func NewIngestionScheduler(config IngestionSchedulerConfig, db *gorm.DB, chunker *DocumentChunker, embedder *EmbeddingPipeline, store VectorStore, loader FileLoader, logger *zap.Logger) (*IngestionScheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 2
	}
	if config.Frequency <= 0 {
		config.Frequency = 24 * time.Hour
	}
	if err := db.AutoMigrate(&IngestionJob{}); err != nil {
		return nil, fmt.Errorf("migrate ingestion jobs: %w", err)
	}
	return &IngestionScheduler{
		config:   config,
		db:       db,
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		loader:   loader,
		logger:   logger.With(zap.String("component", "ingest")),
		running:  map[string]bool{},
	}, nil
}

// SetMetrics 挂接指标收集器，nil 时不记录
func (s *IngestionScheduler) SetMetrics(collector *metrics.Collector) {
	s.metrics = collector
}

// UseCases 列出语料根目录下的全部 use case（直接子目录名）
func (s *IngestionScheduler) UseCases() ([]string, error) {
	entries, err := os.ReadDir(s.config.BasePath)
	if err != nil {
		return nil, types.NewError(types.ErrIngestion, fmt.Sprintf("read corpus root %s: %v", s.config.BasePath, err)).WithCause(err)
	}
	var cases []string
	for _, e := range entries {
		if e.IsDir() {
			cases = append(cases, e.Name())
		}
	}
	sort.Strings(cases)
	return cases, nil
}

// Jobs 返回全部任务记录，状态查询用
func (s *IngestionScheduler) Jobs(ctx context.Context) ([]IngestionJob, error) {
	var jobs []IngestionJob
	if err := s.db.WithContext(ctx).Order("use_case").Find(&jobs).Error; err != nil {
		return nil, types.NewError(types.ErrIngestion, "list ingestion jobs").WithCause(err)
	}
	return jobs, nil
}

// RunUseCase 对单个用例执行一次增量采集。
// 同一用例已有运行中的采集时立即返回错误而不排队。
func (s *IngestionScheduler) RunUseCase(ctx context.Context, useCase string) (*IngestionReport, error) {
	s.mu.Lock()
	if s.running[useCase] {
		s.mu.Unlock()
		return nil, types.NewError(types.ErrIngestion, fmt.Sprintf("ingestion already running for use case %s", useCase)).
			WithComponent("ingest")
	}
	s.running[useCase] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, useCase)
		s.mu.Unlock()
	}()

	report := &IngestionReport{
		RunID:   uuid.NewString(),
		UseCase: useCase,
		Status:  JobStatusRunning,
	}
	start := time.Now()
	log := s.logger.With(zap.String("run_id", report.RunID), zap.String("use_case", useCase))
	log.Info("ingestion run started")

	s.markRunning(ctx, useCase)

	prior := s.loadHashes(ctx, useCase)
	current, listErr := s.hashFiles(useCase)
	if listErr != nil {
		report.Status = JobStatusFailed
		report.Duration = time.Since(start)
		report.Errors = append(report.Errors, listErr.Error())
		s.saveJob(ctx, useCase, report, prior)
		return report, listErr
	}

	chunkTotal := 0
	succeeded := map[string]string{}

	// 新增或内容变化的文件重新入库
	for _, path := range sortedKeys(current) {
		hash := current[path]
		if prior[path] == hash {
			report.FilesSkipped++
			succeeded[path] = hash
			continue
		}
		count, err := s.ingestFile(ctx, path, useCase)
		if err != nil {
			// 单文件失败隔离：记录后继续
			report.FilesFailed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", path, err))
			log.Warn("file ingestion failed", zap.String("path", path), zap.Error(err))
			if h, ok := prior[path]; ok {
				succeeded[path] = h // 旧数据仍在库里，保留旧哈希待下轮重试
			}
			continue
		}
		report.FilesChanged++
		chunkTotal += count
		succeeded[path] = hash
	}

	// 已删除的文件清理其全部向量
	for path := range prior {
		if _, ok := current[path]; ok {
			continue
		}
		if _, err := s.store.DeleteBySource(ctx, useCase, path); err != nil {
			report.FilesFailed++
			report.Errors = append(report.Errors, fmt.Sprintf("remove %s: %v", path, err))
			succeeded[path] = prior[path]
			continue
		}
		report.FilesRemoved++
	}

	report.ChunkCount = chunkTotal
	// 任务记录里存集合总量而不是本轮增量
	if stats, err := s.store.Stats(ctx); err == nil {
		if cs, ok := stats.Collections[useCase]; ok {
			report.ChunkCount = int(cs.Count)
		}
	}
	report.Duration = time.Since(start)
	report.Status = runStatus(report)

	s.saveJob(ctx, useCase, report, succeeded)
	if s.metrics != nil {
		s.metrics.RecordIngestion(useCase, report.Status, report.Duration, chunkTotal)
	}
	log.Info("ingestion run finished",
		zap.String("status", report.Status),
		zap.Int("changed", report.FilesChanged),
		zap.Int("skipped", report.FilesSkipped),
		zap.Int("removed", report.FilesRemoved),
		zap.Int("failed", report.FilesFailed),
		zap.Int("chunks", chunkTotal),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func runStatus(report *IngestionReport) string {
	switch {
	case report.FilesFailed == 0:
		return JobStatusSuccess
	case report.FilesChanged > 0 || report.FilesSkipped > 0 || report.FilesRemoved > 0:
		return JobStatusPartial
	default:
		return JobStatusFailed
	}
}

// ingestFile 单文件入库：分块 → 批量嵌入 → 先删旧向量再写新向量
func (s *IngestionScheduler) ingestFile(ctx context.Context, path, useCase string) (int, error) {
	chunks, err := s.chunker.ChunkFile(ctx, path, useCase)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		// 空文件：清掉历史向量即可
		_, err := s.store.DeleteBySource(ctx, useCase, path)
		return 0, err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embeddings, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	records := make([]VectorRecord, len(chunks))
	for i := range chunks {
		records[i] = VectorRecord{Chunk: chunks[i], Embedding: embeddings[i], CreatedAt: now}
	}

	// 旧版本先删干净，避免文件缩短后残留尾部块
	if _, err := s.store.DeleteBySource(ctx, useCase, path); err != nil {
		return 0, err
	}
	return s.store.AddDocuments(ctx, records, useCase)
}

// RunAll 并发采集全部用例。单个用例失败不影响其他用例，
// 汇总报告按用例名排序返回。
func (s *IngestionScheduler) RunAll(ctx context.Context) ([]*IngestionReport, error) {
	cases, err := s.UseCases()
	if err != nil {
		return nil, err
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reports []*IngestionReport
		sem     = semaphore.NewWeighted(int64(s.config.Concurrency))
	)
	for _, uc := range cases {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(uc string) {
			defer wg.Done()
			defer sem.Release(1)
			report, err := s.RunUseCase(ctx, uc)
			if err != nil && report == nil {
				report = &IngestionReport{UseCase: uc, Status: JobStatusFailed, Errors: []string{err.Error()}}
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
		}(uc)
	}
	wg.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].UseCase < reports[j].UseCase })
	return reports, nil
}

// Schedule 周期运行 RunAll 直到 ctx 取消。启动即先跑一轮。
func (s *IngestionScheduler) Schedule(ctx context.Context) {
	ticker := time.NewTicker(s.config.Frequency)
	defer ticker.Stop()

	if _, err := s.RunAll(ctx); err != nil {
		s.logger.Error("scheduled ingestion failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ingestion schedule stopped")
			return
		case <-ticker.C:
			if _, err := s.RunAll(ctx); err != nil {
				s.logger.Error("scheduled ingestion failed", zap.Error(err))
			}
		}
	}
}

// hashFiles 遍历用例目录，对加载器支持的文件计算 sha256
func (s *IngestionScheduler) hashFiles(useCase string) (map[string]string, error) {
	dir := filepath.Join(s.config.BasePath, useCase)
	hashes := map[string]string{}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || (s.loader != nil && !s.loader.Supports(path)) {
			return nil
		}
		h, err := hashFile(path)
		if err != nil {
			return err
		}
		hashes[path] = h
		return nil
	})
	if err != nil {
		return nil, types.NewError(types.ErrIngestion, fmt.Sprintf("scan use case %s: %v", useCase, err)).WithCause(err)
	}
	return hashes, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *IngestionScheduler) markRunning(ctx context.Context, useCase string) {
	job := IngestionJob{UseCase: useCase, Status: JobStatusRunning, Frequency: s.config.Frequency}
	var existing IngestionJob
	if err := s.db.WithContext(ctx).Where("use_case = ?", useCase).First(&existing).Error; err == nil {
		existing.Status = JobStatusRunning
		existing.Frequency = s.config.Frequency
		job = existing
	}
	if err := s.db.WithContext(ctx).Save(&job).Error; err != nil {
		s.logger.Warn("job status update failed", zap.Error(err))
	}
}

func (s *IngestionScheduler) loadHashes(ctx context.Context, useCase string) map[string]string {
	var job IngestionJob
	if err := s.db.WithContext(ctx).Where("use_case = ?", useCase).First(&job).Error; err != nil {
		return map[string]string{}
	}
	hashes := map[string]string{}
	if job.FileHashes != "" {
		if err := json.Unmarshal([]byte(job.FileHashes), &hashes); err != nil {
			s.logger.Warn("corrupt file hash state, forcing full re-ingestion", zap.String("use_case", useCase), zap.Error(err))
			return map[string]string{}
		}
	}
	return hashes
}

func (s *IngestionScheduler) saveJob(ctx context.Context, useCase string, report *IngestionReport, hashes map[string]string) {
	data, _ := json.Marshal(hashes)
	now := time.Now()
	job := IngestionJob{
		UseCase:       useCase,
		Status:        report.Status,
		Frequency:     s.config.Frequency,
		LastIngested:  now,
		NextScheduled: now.Add(s.config.Frequency),
		ChunkCount:    report.ChunkCount,
		FileHashes:    string(data),
	}
	if len(report.Errors) > 0 {
		job.Error = report.Errors[0]
	}
	if err := s.db.WithContext(ctx).Save(&job).Error; err != nil {
		s.logger.Warn("job record save failed", zap.Error(err))
	}
}
