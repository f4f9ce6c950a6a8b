package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"studymate-go/internal/model"
	"studymate-go/internal/repository"
	"studymate-go/internal/vectorindex"
	"studymate-go/pkg/embedding"
	"studymate-go/pkg/lock"
	"studymate-go/pkg/log"
)

const (
	rebuildBatchSize = 256
	rebuildLockTTL   = 30 * time.Minute
)

// PartitionStatus 对比索引与关系库中某个分区的规模。
type PartitionStatus struct {
	Partition        string `json:"partition"`
	IndexedChunks    int    `json:"indexedChunks"`
	IndexedDocuments int    `json:"indexedDocuments"`
	StoredChunks     int64  `json:"storedChunks"`
	StoredDocuments  int64  `json:"storedDocuments"`
	InSync           bool   `json:"inSync"`
}

// IndexStatus 是向量索引的整体状态。
type IndexStatus struct {
	Model          string            `json:"model"`
	Dimensions     int               `json:"dimensions"`
	StaleDocuments int               `json:"staleDocuments"`
	Partitions     []PartitionStatus `json:"partitions"`
}

// RebuildReport 汇总一次重建。Reconciled 是切换后补齐的文档。
type RebuildReport struct {
	Partitions []string         `json:"partitions"`
	Chunks     int              `json:"chunks"`
	Reembedded int              `json:"reembedded"`
	Reconciled *ReconcileReport `json:"reconciled,omitempty"`
}

// ReconcileReport 列出对账时修复的文档。
type ReconcileReport struct {
	Reindexed []uint `json:"reindexed"`
	Removed   []uint `json:"removed"`
}

// IndexService 负责向量索引的运维：状态、重建与对账。关系库中的分块是权威来源。
type IndexService interface {
	Status(ctx context.Context) (*IndexStatus, error)
	// Rebuild 从关系库重建一个分区，partition 为空时重建全部分区。
	Rebuild(ctx context.Context, partition string) (*RebuildReport, error)
	// Reconcile 让索引与关系库一致：补齐缺失或不完整的文档，移除孤儿文档。
	Reconcile(ctx context.Context) (*ReconcileReport, error)
	// Recover 在启动时重建快照不可用的分区，再做一次对账。
	Recover(ctx context.Context, needsRebuild map[string]error) (*ReconcileReport, error)
}

type indexService struct {
	docs       repository.DocumentRepository
	index      vectorindex.VectorIndex
	embedder   embedding.Client
	locker     lock.Locker
	embedBatch int
}

// NewIndexService 创建一个新的 IndexService 实例。
func NewIndexService(docs repository.DocumentRepository, index vectorindex.VectorIndex, embedder embedding.Client, locker lock.Locker, embedBatch int) IndexService {
	if embedBatch <= 0 {
		embedBatch = 16
	}
	return &indexService{docs: docs, index: index, embedder: embedder, locker: locker, embedBatch: embedBatch}
}

func (s *indexService) Status(ctx context.Context) (*IndexStatus, error) {
	indexed, err := s.index.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read index stats: %w", err)
	}
	stored, err := s.docs.CountByPartition(ctx)
	if err != nil {
		return nil, err
	}
	stale, err := s.docs.StaleDocumentIDs(ctx, s.embedder.ModelName(), s.embedder.Dimensions())
	if err != nil {
		return nil, err
	}

	status := &IndexStatus{Model: s.embedder.ModelName(), Dimensions: s.embedder.Dimensions(), StaleDocuments: len(stale)}
	for _, name := range s.partitionNames(indexed, stored) {
		ps := PartitionStatus{
			Partition:        name,
			IndexedChunks:    indexed[name].Chunks,
			IndexedDocuments: indexed[name].Documents,
			StoredChunks:     stored[name].Chunks,
			StoredDocuments:  stored[name].Documents,
		}
		ps.InSync = int64(ps.IndexedChunks) == ps.StoredChunks && int64(ps.IndexedDocuments) == ps.StoredDocuments
		status.Partitions = append(status.Partitions, ps)
	}
	return status, nil
}

func (s *indexService) partitionNames(indexed map[string]vectorindex.PartitionStats, stored map[string]repository.PartitionCount) []string {
	seen := make(map[string]bool)
	var names []string
	for name := range indexed {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range stored {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *indexService) Rebuild(ctx context.Context, partition string) (*RebuildReport, error) {
	partitions := []string{partition}
	if partition == "" {
		indexed, err := s.index.Stats(ctx)
		if err != nil {
			return nil, err
		}
		stored, err := s.docs.CountByPartition(ctx)
		if err != nil {
			return nil, err
		}
		partitions = s.partitionNames(indexed, stored)
	}
	report, err := s.rebuild(ctx, partitions)
	if err != nil {
		return report, err
	}
	// 读取分块之后才落地的入库或删除，由对账补齐
	if report.Reconciled, err = s.Reconcile(ctx); err != nil {
		return report, err
	}
	return report, nil
}

func (s *indexService) rebuild(ctx context.Context, partitions []string) (*RebuildReport, error) {
	report := &RebuildReport{}
	for _, p := range partitions {
		if _, err := model.ParsePartition(p); err != nil {
			return report, fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
		}
		if err := s.rebuildPartition(ctx, p, report); err != nil {
			return report, err
		}
		report.Partitions = append(report.Partitions, p)
	}
	return report, nil
}

// rebuildPartition 从关系库读出分区的全部分块，构建完成后一次性替换索引中的分区。
// 构建期间检索继续使用旧数据。
func (s *indexService) rebuildPartition(ctx context.Context, partition string, report *RebuildReport) error {
	release, err := s.locker.TryLock(ctx, "rebuild:"+partition, rebuildLockTTL)
	if err != nil {
		return fmt.Errorf("partition %s: %w", partition, err)
	}
	defer release()

	start := time.Now()
	log.Infof("[IndexService] 开始重建分区 %s", partition)
	var next []vectorindex.Entry
	reembedded := 0
	err = s.docs.ForEachChunkBatch(ctx, partition, rebuildBatchSize, func(chunks []model.Chunk) error {
		entries, n, err := s.entries(ctx, chunks)
		if err != nil {
			return err
		}
		next = append(next, entries...)
		reembedded += n
		return nil
	})
	if err == nil {
		err = s.index.SwapPartition(ctx, partition, next)
	}
	if err != nil {
		log.Errorf("[IndexService] 重建分区 %s 失败, 旧数据保持不变: %v", partition, err)
		return fmt.Errorf("failed to rebuild partition %s: %w", partition, err)
	}
	report.Chunks += len(next)
	report.Reembedded += reembedded
	log.Infof("[IndexService] 分区 %s 重建完成, 分块: %d, 重新向量化: %d, 耗时: %s", partition, len(next), reembedded, time.Since(start))
	return nil
}

// entries 把分块转换为索引条目。向量来自旧模型、维度不符或已损坏的分块会先重新向量化并写回关系库。
func (s *indexService) entries(ctx context.Context, chunks []model.Chunk) ([]vectorindex.Entry, int, error) {
	modelName, dims := s.embedder.ModelName(), s.embedder.Dimensions()
	entries := make([]vectorindex.Entry, len(chunks))
	var stale []int
	for i, c := range chunks {
		vec, err := model.DecodeVector(c.Vector)
		if err != nil || c.EmbeddingModel != modelName || c.Dimension != dims || len(vec) != dims {
			stale = append(stale, i)
			continue
		}
		entries[i] = vectorindex.Entry{ChunkID: c.ID, DocumentID: c.DocumentID, SubjectID: c.SubjectID, Vector: vec}
	}
	if len(stale) == 0 {
		return entries, 0, nil
	}

	updated := make([]model.Chunk, 0, len(stale))
	for start := 0; start < len(stale); start += s.embedBatch {
		end := start + s.embedBatch
		if end > len(stale) {
			end = len(stale)
		}
		texts := make([]string, 0, end-start)
		for _, i := range stale[start:end] {
			texts = append(texts, chunks[i].Text)
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to re-embed chunks: %w", err)
		}
		for j, i := range stale[start:end] {
			c := chunks[i]
			c.Vector = model.EncodeVector(vecs[j])
			c.EmbeddingModel = modelName
			c.Dimension = dims
			updated = append(updated, c)
			entries[i] = vectorindex.Entry{ChunkID: c.ID, DocumentID: c.DocumentID, SubjectID: c.SubjectID, Vector: vecs[j]}
		}
	}
	if err := s.docs.UpdateChunkVectors(ctx, updated); err != nil {
		return nil, 0, fmt.Errorf("failed to store re-embedded chunks: %w", err)
	}
	return entries, len(updated), nil
}

func (s *indexService) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	counts, err := s.index.DocumentCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read indexed documents: %w", err)
	}
	docs, err := s.docs.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	staleIDs, err := s.docs.StaleDocumentIDs(ctx, s.embedder.ModelName(), s.embedder.Dimensions())
	if err != nil {
		return nil, err
	}
	stale := make(map[uint]bool, len(staleIDs))
	for _, id := range staleIDs {
		stale[id] = true
	}

	report := &ReconcileReport{}
	for _, doc := range docs {
		indexed := counts[doc.ID]
		delete(counts, doc.ID)
		if indexed == doc.ChunkCount && !stale[doc.ID] {
			continue
		}
		if err := s.reindexDocument(ctx, doc); err != nil {
			return report, err
		}
		log.Infof("[IndexService] 文档 %d 已重新索引, 索引中分块: %d, 关系库分块: %d", doc.ID, indexed, doc.ChunkCount)
		report.Reindexed = append(report.Reindexed, doc.ID)
	}

	orphans := make([]uint, 0, len(counts))
	for id := range counts {
		orphans = append(orphans, id)
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	for _, id := range orphans {
		if err := s.index.RemoveDocument(ctx, id); err != nil {
			return report, fmt.Errorf("failed to remove orphan document %d: %w", id, err)
		}
		log.Infof("[IndexService] 已从索引移除孤儿文档 %d", id)
		report.Removed = append(report.Removed, id)
	}
	return report, nil
}

func (s *indexService) reindexDocument(ctx context.Context, doc model.Document) error {
	chunks, err := s.docs.FindChunksByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	entries, _, err := s.entries(ctx, chunks)
	if err != nil {
		return err
	}
	if err := s.index.ReplaceDocument(ctx, doc.ID, doc.SubjectID, entries); err != nil {
		return fmt.Errorf("failed to reindex document %d: %w", doc.ID, err)
	}
	return nil
}

func (s *indexService) Recover(ctx context.Context, needsRebuild map[string]error) (*ReconcileReport, error) {
	names := make([]string, 0, len(needsRebuild))
	for name := range needsRebuild {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		reason := needsRebuild[name]
		switch {
		case errors.Is(reason, model.ErrEmbeddingVersionMismatch):
			log.Warnf("[IndexService] 分区 %s 的快照来自其他 embedding 模型, 重建中", name)
		case errors.Is(reason, model.ErrIndexCorruption):
			log.Warnf("[IndexService] 分区 %s 的快照已损坏, 重建中: %v", name, reason)
		default:
			log.Warnf("[IndexService] 分区 %s 的快照不可用, 重建中: %v", name, reason)
		}
	}
	if _, err := s.rebuild(ctx, names); err != nil {
		return nil, err
	}
	return s.Reconcile(ctx)
}
