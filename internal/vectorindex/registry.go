package vectorindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"studymate-go/internal/model"
	"studymate-go/pkg/log"
	"studymate-go/pkg/storage"
)

// Registry 是内存向量索引，按分区持有 Partition 句柄并负责快照的读写。
type Registry struct {
	model string
	dims  int
	store storage.ObjectStore

	mu         sync.RWMutex
	partitions map[string]*Partition

	flushMu  sync.Mutex
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// LoadReport 描述启动加载的结果，NeedsRebuild 中的分区需要从关系库重建。
type LoadReport struct {
	Loaded       []string
	NeedsRebuild map[string]error
}

// NewRegistry 创建内存索引；store 为 nil 时不做持久化。
func NewRegistry(modelName string, dims int, store storage.ObjectStore) *Registry {
	return &Registry{
		model:      modelName,
		dims:       dims,
		store:      store,
		partitions: make(map[string]*Partition),
	}
}

// Partition 返回分区句柄，create 为 true 时按需创建。
func (r *Registry) Partition(name string, create bool) *Partition {
	r.mu.RLock()
	p := r.partitions[name]
	r.mu.RUnlock()
	if p != nil || !create {
		return p
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p = r.partitions[name]; p == nil {
		p = newPartition(name)
		r.partitions[name] = p
		log.Infof("[VectorIndex] 创建分区 %s", name)
	}
	return p
}

func (r *Registry) all() []*Partition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Partition, 0, len(r.partitions))
	for _, p := range r.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (r *Registry) Upsert(_ context.Context, entries []Entry) error {
	if err := checkDims(entries, r.dims); err != nil {
		return err
	}
	groups := make(map[string][]Entry)
	for _, e := range entries {
		name := model.PartitionFor(e.SubjectID)
		groups[name] = append(groups[name], e)
	}
	for name, group := range groups {
		r.Partition(name, true).upsert(group)
	}
	return nil
}

func (r *Registry) ReplaceDocument(_ context.Context, documentID uint, subjectID *uint, entries []Entry) error {
	if err := checkDims(entries, r.dims); err != nil {
		return err
	}
	target := model.PartitionFor(subjectID)
	for i := range entries {
		entries[i].DocumentID = documentID
		entries[i].SubjectID = subjectID
	}
	// 文档若曾位于其他分区，先清掉旧条目
	for _, p := range r.all() {
		if p.name != target {
			p.removeDocument(documentID)
		}
	}
	r.Partition(target, true).replaceDocument(documentID, entries)
	return nil
}

func (r *Registry) RemoveChunks(_ context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	for _, p := range r.all() {
		p.removeChunks(chunkIDs)
	}
	return nil
}

func (r *Registry) RemoveDocument(_ context.Context, documentID uint) error {
	for _, p := range r.all() {
		if p.removeDocument(documentID) {
			log.Infof("[VectorIndex] 已从分区 %s 移除文档 %d", p.name, documentID)
		}
	}
	return nil
}

func (r *Registry) Search(ctx context.Context, query []float32, scope model.Scope, k int) ([]Hit, error) {
	if scope.Empty() || k <= 0 {
		return nil, nil
	}
	if len(query) != r.dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, index expects %d",
			model.ErrEmbeddingVersionMismatch, len(query), r.dims)
	}
	q := normalize(query)
	var hits []Hit
	for _, name := range scope.Partitions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p := r.Partition(name, false); p != nil {
			hits = append(hits, p.search(q, scope)...)
		}
	}
	return topK(hits, k), nil
}

func (r *Registry) Stats(_ context.Context) (map[string]PartitionStats, error) {
	out := make(map[string]PartitionStats)
	for _, p := range r.all() {
		out[p.name] = p.stats()
	}
	return out, nil
}

func (r *Registry) DocumentCounts(_ context.Context) (map[uint]int, error) {
	out := make(map[uint]int)
	for _, p := range r.all() {
		p.documentCounts(out)
	}
	return out, nil
}

// SwapPartition 在锁外构建新分区，再在 r.mu 下一步替换句柄。
// 替换前持有旧句柄的检索仍读取旧数据；替换后写入旧句柄的变更会丢失，由调用方随后对账补齐。
func (r *Registry) SwapPartition(_ context.Context, partition string, entries []Entry) error {
	if _, err := model.ParsePartition(partition); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	if err := checkDims(entries, r.dims); err != nil {
		return err
	}
	if err := checkPartition(entries, partition); err != nil {
		return err
	}
	next := newPartition(partition)
	next.upsert(entries)

	r.mu.Lock()
	r.partitions[partition] = next
	r.mu.Unlock()
	log.Infof("[VectorIndex] 分区 %s 已切换到新一代数据, 条目数: %d", partition, len(entries))
	return nil
}

// Flush 把有变更的分区写入对象存储。编码在锁外完成，不持锁做网络 I/O。
func (r *Registry) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	var errs []error
	for _, p := range r.all() {
		entries, version, dirty := p.snapshot()
		if !dirty {
			continue
		}
		data, err := encodeSnapshot(p.name, r.model, r.dims, entries)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", p.name, err))
			continue
		}
		if err := r.store.Put(ctx, snapshotKey(p.name), bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
			errs = append(errs, fmt.Errorf("persist %s: %w", p.name, err))
			continue
		}
		p.markFlushed(version)
		log.Infof("[VectorIndex] 分区 %s 快照已保存, 条目数: %d", p.name, len(entries))
	}
	return errors.Join(errs...)
}

// Load 从对象存储恢复所有分区快照。损坏或版本不符的分区记录在报告里，由调用方重建。
func (r *Registry) Load(ctx context.Context) (LoadReport, error) {
	report := LoadReport{NeedsRebuild: make(map[string]error)}
	if r.store == nil {
		return report, nil
	}
	keys, err := r.store.List(ctx, SnapshotPrefix)
	if err != nil {
		return report, fmt.Errorf("list snapshots: %w", err)
	}
	for _, key := range keys {
		name := strings.TrimSuffix(strings.TrimPrefix(key, SnapshotPrefix), ".json")
		if name == "" || !strings.HasSuffix(key, ".json") {
			continue
		}
		data, err := r.store.Get(ctx, key)
		if err != nil {
			report.NeedsRebuild[name] = fmt.Errorf("%w: %s: %v", model.ErrIndexCorruption, name, err)
			continue
		}
		entries, err := decodeSnapshot(data, name, r.model, r.dims)
		if err != nil {
			log.Warnf("[VectorIndex] 分区 %s 快照不可用, 需要重建: %v", name, err)
			report.NeedsRebuild[name] = err
			continue
		}
		r.Partition(name, true).restore(entries)
		report.Loaded = append(report.Loaded, name)
		log.Infof("[VectorIndex] 分区 %s 已从快照加载, 条目数: %d", name, len(entries))
	}
	return report, nil
}

// StartAutoFlush 定期落盘，直到 Close 被调用。
func (r *Registry) StartAutoFlush(interval time.Duration) {
	if r.store == nil || interval <= 0 {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Flush(context.Background()); err != nil {
					log.Errorf("[VectorIndex] 定期落盘失败: %v", err)
				}
			case <-r.stop:
				return
			}
		}
	}()
}

// Close 停止定期落盘并做最后一次 Flush。
func (r *Registry) Close(ctx context.Context) error {
	r.stopOnce.Do(func() {
		if r.stop != nil {
			close(r.stop)
			<-r.done
		}
	})
	return r.Flush(ctx)
}
