package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/bankrag/types"
)

// Client 本地推理服务的统一接口
type Client interface {
	// Generate 根据 prompt 生成文本
	Generate(ctx context.Context, prompt, model string) (string, error)

	// Embed 计算文本嵌入向量
	Embed(ctx context.Context, text, model string) ([]float64, error)

	// IsAvailable 探测服务是否可用
	IsAvailable(ctx context.Context) bool
}

// ClientConfig HTTP 客户端配置
type ClientConfig struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`

	// RateLimitRPS 出站限速，<=0 时不限速
	RateLimitRPS float64 `json:"rate_limit_rps"`

	// ProbeTTL 可用性探测结果的缓存时长
	ProbeTTL time.Duration `json:"probe_ttl"`
}

// DefaultClientConfig 返回默认客户端配置
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:      "http://localhost:11434",
		Timeout:      30 * time.Second,
		RateLimitRPS: 10,
		ProbeTTL:     15 * time.Second,
	}
}

// HTTPClient Ollama 兼容服务的 HTTP 实现
type HTTPClient struct {
	config  ClientConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	probeMu   sync.Mutex
	probeAt   time.Time
	probeOK   bool
	probeOnce bool
}

// NewHTTPClient 创建 HTTP 客户端
func NewHTTPClient(config ClientConfig, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.ProbeTTL <= 0 {
		config.ProbeTTL = 15 * time.Second
	}

	var limiter *rate.Limiter
	if config.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimitRPS), int(config.RateLimitRPS)+1)
	}

	return &HTTPClient{
		config:  config,
		client:  &http.Client{},
		limiter: limiter,
		logger:  logger.With(zap.String("component", "llm_client")),
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Generate 调用 /api/generate 生成文本
func (c *HTTPClient) Generate(ctx context.Context, prompt, model string) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/generate", generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
	})
	if err != nil {
		return "", err
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}
	return resp.Response, nil
}

// Embed 调用 /api/embeddings 计算嵌入
func (c *HTTPClient) Embed(ctx context.Context, text, model string) ([]float64, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/embeddings", embedRequest{
		Model:  model,
		Prompt: text,
	})
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, types.NewError(types.ErrServiceUnavailable, "empty embedding in response")
	}
	return resp.Embedding, nil
}

// IsAvailable 通过 /api/tags 探测服务，结果在 ProbeTTL 内缓存。
func (c *HTTPClient) IsAvailable(ctx context.Context) bool {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	if c.probeOnce && time.Since(c.probeAt) < c.config.ProbeTTL {
		return c.probeOK
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := c.doRequest(probeCtx, http.MethodGet, "/api/tags", nil)
	c.probeOnce = true
	c.probeAt = time.Now()
	c.probeOK = err == nil

	if err != nil {
		c.logger.Debug("llm availability probe failed", zap.Error(err))
	}
	return c.probeOK
}

// doRequest 执行 HTTP 请求并进行统一错误映射。
// 每次调用都携带 config.Timeout 的 deadline（不超过调用方已有的 deadline）。
func (c *HTTPClient) doRequest(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, mapTransportError(err, endpoint)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, mapTransportError(err, endpoint)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, string(body))
	}
	return body, nil
}

// mapTransportError 传输层错误映射：超时与取消归为 TIMEOUT，其余归为 SERVICE_UNAVAILABLE。
func mapTransportError(err error, endpoint string) *types.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.NewError(types.ErrTimeout, fmt.Sprintf("llm request %s timed out", endpoint)).
			WithCause(err).WithRetryable(true).WithComponent("llm_client")
	}
	return types.NewError(types.ErrServiceUnavailable, fmt.Sprintf("llm request %s failed", endpoint)).
		WithCause(err).WithRetryable(true).WithComponent("llm_client")
}

// mapHTTPError HTTP 状态码映射
func mapHTTPError(status int, msg string) *types.Error {
	code := types.ErrServiceUnavailable
	retryable := status >= 500

	switch {
	case status == http.StatusBadRequest:
		code = types.ErrInvalidRequest
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = types.ErrTimeout
		retryable = true
	case status == http.StatusTooManyRequests:
		retryable = true
	}

	if len(msg) > 256 {
		msg = msg[:256]
	}
	return types.NewError(code, fmt.Sprintf("llm service returned %d: %s", status, msg)).
		WithRetryable(retryable).WithComponent("llm_client")
}
