// Package embedding provides clients that turn text into fixed-dimension vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"studymate-go/internal/config"
	"studymate-go/internal/model"
	"studymate-go/pkg/log"
)

// Client defines the interface for an embedding client.
// All vectors returned by one client have Dimensions() entries.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

// backend is a single provider call without retries or timeouts.
type backend interface {
	provider() string
	embed(ctx context.Context, texts []string) ([][]float32, error)
}

type client struct {
	backend     backend
	model       string
	dims        int
	timeout     time.Duration
	maxAttempts int
	limiter     *rate.Limiter
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewClient creates a new embedding client based on the provider in the config.
func NewClient(ctx context.Context, cfg config.EmbeddingConfig) (Client, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", cfg.Dimensions)
	}
	var b backend
	switch cfg.Provider {
	case "", "openai":
		b = newOpenAIBackend(cfg)
	case "gemini":
		gb, err := newGeminiBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		b = gb
	case "local":
		b = &hashingBackend{dims: cfg.Dimensions}
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	return wrap(b, cfg), nil
}

// NewLocalClient returns an offline feature-hashing client. Similar texts share
// tokens and therefore land close together, which is enough for development and tests.
func NewLocalClient(dims int) Client {
	return wrap(&hashingBackend{dims: dims}, config.EmbeddingConfig{
		Model:       localModelName,
		Dimensions:  dims,
		MaxAttempts: 1,
	})
}

func wrap(b backend, cfg config.EmbeddingConfig) *client {
	c := &client{
		backend:     b,
		model:       cfg.Model,
		dims:        cfg.Dimensions,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		sleep:       sleepCtx,
	}
	if _, ok := b.(*hashingBackend); ok {
		c.model = localModelName
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 1
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

func (c *client) Dimensions() int   { return c.dims }
func (c *client) ModelName() string { return c.model }

// Embed 对单条文本向量化。
func (c *client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch 对一批文本向量化，瞬时错误按指数退避重试，超过次数后返回 EmbeddingServiceError。
func (c *client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, retryDelay(attempt-1)); err != nil {
				return nil, c.wrapErr(err, false)
			}
			log.Warnf("[EmbeddingClient] 第 %d 次重试, provider: %s, 上次错误: %v", attempt, c.backend.provider(), lastErr)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, c.wrapErr(err, false)
			}
		}

		vecs, err := c.once(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		if errors.Is(err, model.ErrEmbeddingVersionMismatch) {
			return nil, err
		}
		lastErr = err
		// 调用方取消时不再重试
		if ctx.Err() != nil || !model.IsRetryable(err) {
			break
		}
	}
	log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, provider: %s, batch: %d, error: %v", c.backend.provider(), len(texts), lastErr)
	return nil, lastErr
}

func (c *client) once(ctx context.Context, texts []string) ([][]float32, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	vecs, err := c.backend.embed(callCtx, texts)
	if err != nil {
		var ee *model.EmbeddingServiceError
		if errors.As(err, &ee) {
			return nil, err
		}
		// 超时与网络错误视为可重试
		return nil, c.wrapErr(err, ctx.Err() == nil)
	}
	if len(vecs) != len(texts) {
		return nil, c.wrapErr(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vecs)), true)
	}
	for i, v := range vecs {
		if len(v) != c.dims {
			return nil, fmt.Errorf("%w: embedding %d has %d dimensions, index expects %d (model %s)",
				model.ErrEmbeddingVersionMismatch, i, len(v), c.dims, c.model)
		}
	}
	return vecs, nil
}

func (c *client) wrapErr(err error, retryable bool) error {
	return &model.EmbeddingServiceError{Provider: c.backend.provider(), Retryable: retryable, Err: err}
}

// retryDelay: exponential backoff from 200ms capped at 5s.
func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := 200 * time.Millisecond << attempt
	if d > 5*time.Second || d <= 0 {
		d = 5 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
