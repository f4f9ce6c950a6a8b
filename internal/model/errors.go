package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedFormat 表示上传内容不是可解析的 PDF。
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrEmptyDocument 表示文档提取不到任何文本。
	ErrEmptyDocument = errors.New("document contains no extractable text")
	// ErrIndexCorruption 表示持久化的向量索引无法读取，需要从关系库重建。
	ErrIndexCorruption = errors.New("vector index corrupted")
	// ErrEmbeddingVersionMismatch 表示向量维度或模型与当前配置不一致，需要重新向量化。
	ErrEmbeddingVersionMismatch = errors.New("embedding version mismatch")
	// ErrScopeResolution 表示无法为用户确定可访问的文档集合，调用方按空作用域处理。
	ErrScopeResolution = errors.New("scope resolution failed")
)

// IngestionError 描述一次失败的入库。
type IngestionError struct {
	StorageKey string
	Err        error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.StorageKey, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// EmbeddingServiceError 表示 embedding 服务调用失败（超时、限流、网络等）。
type EmbeddingServiceError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *EmbeddingServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("embedding service (%s) status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("embedding service (%s): %v", e.Provider, e.Err)
}

func (e *EmbeddingServiceError) Unwrap() error { return e.Err }

// GenerationServiceError 表示大模型调用失败（超时、额度、内容过滤等）。
type GenerationServiceError struct {
	Provider   string
	StatusCode int
	Reason     string
	Retryable  bool
	Err        error
}

func (e *GenerationServiceError) Error() string {
	msg := fmt.Sprintf("generation service (%s)", e.Provider)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Reason != "" {
		msg += " " + e.Reason
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *GenerationServiceError) Unwrap() error { return e.Err }

// IsRetryable 判断错误是否值得重试。超时一律视为可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ee *EmbeddingServiceError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	var ge *GenerationServiceError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryableStatus 判断 HTTP 状态码是否属于可重试的瞬时错误。
func RetryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
