// Package llm provides clients for chat-style large language models.
package llm

import (
	"context"
	"errors"
	"fmt"

	"studymate-go/internal/config"
	"studymate-go/internal/model"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为，nil 字段使用服务端默认值。
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// ParamsFromConfig 把配置中的非零值转换为生成参数，全部为零时返回 nil。
func ParamsFromConfig(cfg config.LLMGenerationConfig) *GenerationParams {
	var gp GenerationParams
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		gp.Temperature = &t
	}
	if cfg.TopP != 0 {
		p := cfg.TopP
		gp.TopP = &p
	}
	if cfg.MaxTokens != 0 {
		m := cfg.MaxTokens
		gp.MaxTokens = &m
	}
	if gp.Temperature == nil && gp.TopP == nil && gp.MaxTokens == nil {
		return nil
	}
	return &gp
}

// Stream yields answer fragments in order. Next returns io.EOF after the last
// fragment; a stream cannot be restarted. Close releases the connection and may
// be called at any time.
type Stream interface {
	Next() (string, error)
	Close() error
}

// Client defines the interface for an LLM client. Every call is bounded by the
// configured timeout and fails with *model.GenerationServiceError. There is no
// built-in retry.
type Client interface {
	Generate(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
	Stream(ctx context.Context, messages []Message, gen *GenerationParams) (Stream, error)
	ModelName() string
}

// NewClient creates a new LLM client based on the provider in the config.
func NewClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "", "openai":
		return newOpenAIClient(cfg), nil
	case "gemini":
		return newGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// serviceError 统一包装生成服务错误，超时与 429/5xx 标记为可重试。
func serviceError(provider string, status int, err error) error {
	var ge *model.GenerationServiceError
	if errors.As(err, &ge) {
		return err
	}
	e := &model.GenerationServiceError{Provider: provider, StatusCode: status, Err: err}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.Reason = "timeout"
		e.Retryable = true
	case errors.Is(err, context.Canceled):
		e.Reason = "cancelled"
	case status == 429:
		e.Reason = "quota exceeded"
		e.Retryable = true
	case status != 0:
		e.Retryable = model.RetryableStatus(status)
	}
	return e
}

var errContentFiltered = errors.New("response blocked by content filter")

func contentFiltered(provider string) error {
	return &model.GenerationServiceError{Provider: provider, Reason: "content filtered", Err: errContentFiltered}
}

func withTimeout(ctx context.Context, cfg config.LLMConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout > 0 {
		return context.WithTimeout(ctx, cfg.Timeout)
	}
	return context.WithCancel(ctx)
}
