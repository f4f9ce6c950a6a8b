// Package vectorindex 存储分块向量并在作用域内做最近邻检索。
// 索引是关系库中 Chunk 记录的派生缓存，任何时候都可以从关系库重建。
package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"

	"studymate-go/internal/model"
)

// Entry 是索引中的一条记录。
type Entry struct {
	ChunkID    string
	DocumentID uint
	SubjectID  *uint
	Vector     []float32
}

// Hit 是一条检索结果，Score 为余弦相似度。
type Hit struct {
	ChunkID    string
	DocumentID uint
	Score      float64
}

// PartitionStats 是单个分区的统计。
type PartitionStats struct {
	Chunks    int `json:"chunks"`
	Documents int `json:"documents"`
}

// VectorIndex 是检索与入库共用的索引接口。
type VectorIndex interface {
	// Upsert 插入或覆盖分块，分区由 SubjectID 决定。
	Upsert(ctx context.Context, entries []Entry) error
	// ReplaceDocument 原子地用 entries 替换文档的全部分块。
	ReplaceDocument(ctx context.Context, documentID uint, subjectID *uint, entries []Entry) error
	RemoveChunks(ctx context.Context, chunkIDs []string) error
	RemoveDocument(ctx context.Context, documentID uint) error
	// Search 返回 scope 内与 query 最相似的至多 k 条结果，按相似度降序。
	Search(ctx context.Context, query []float32, scope model.Scope, k int) ([]Hit, error)
	Stats(ctx context.Context) (map[string]PartitionStats, error)
	// DocumentCounts 返回每个文档在索引中的分块数。
	DocumentCounts(ctx context.Context) (map[uint]int, error)
	// SwapPartition 用 entries 构建分区的新一代数据并整体替换旧数据。
	// 替换完成前检索看到的始终是完整的旧分区。
	SwapPartition(ctx context.Context, partition string, entries []Entry) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// checkPartition 确认所有条目都属于 partition。
func checkPartition(entries []Entry, partition string) error {
	for _, e := range entries {
		if got := model.PartitionFor(e.SubjectID); got != partition {
			return fmt.Errorf("%w: chunk %s belongs to partition %s, not %s",
				model.ErrInvalidInput, e.ChunkID, got, partition)
		}
	}
	return nil
}

func checkDims(entries []Entry, dims int) error {
	for _, e := range entries {
		if len(e.Vector) != dims {
			return fmt.Errorf("%w: chunk %s has %d dimensions, index expects %d",
				model.ErrEmbeddingVersionMismatch, e.ChunkID, len(e.Vector), dims)
		}
	}
	return nil
}

// normalize 返回 L2 归一化后的副本，零向量原样返回。
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// sortHits 按分数降序排列，分数相同时按 chunk id 排序保证结果稳定。
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
}

func topK(hits []Hit, k int) []Hit {
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
