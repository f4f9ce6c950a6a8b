// Package storage 提供了对象存储的抽象以及 MinIO 与本地目录两种实现。
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound 表示对象不存在。
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore 是上传原件和向量索引快照共用的对象存储接口。
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
