// Package pipeline 定义了文档入库的核心流程：提取文本、切块、向量化、写库并更新索引。
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
	"studymate-go/internal/config"
	"studymate-go/internal/model"
	"studymate-go/internal/repository"
	"studymate-go/internal/vectorindex"
	"studymate-go/pkg/embedding"
	"studymate-go/pkg/lock"
	"studymate-go/pkg/log"
)

const pdfMIME = "application/pdf"

// Extractor 从文件内容中提取纯文本，生产环境由 Tika 实现。
type Extractor interface {
	ExtractText(ctx context.Context, r io.Reader, contentType string) (string, error)
}

// Metadata 描述一次上传。
type Metadata struct {
	StorageKey   string
	OriginalName string
	SubjectID    *uint
	UploadedBy   uint
	IsPublic     bool
	Size         int64
	Description  string
}

// Ingestor 封装了入库流程的所有依赖。
type Ingestor struct {
	extractor   Extractor
	embedder    embedding.Client
	docs        repository.DocumentRepository
	index       vectorindex.VectorIndex
	locker      lock.Locker
	splitter    Splitter
	batchSize   int
	parallelism int
	lockTTL     time.Duration
}

// NewIngestor 创建一个新的 Ingestor 实例。
func NewIngestor(
	extractor Extractor,
	embedder embedding.Client,
	docs repository.DocumentRepository,
	index vectorindex.VectorIndex,
	locker lock.Locker,
	ingestCfg config.IngestConfig,
	embeddingCfg config.EmbeddingConfig,
) *Ingestor {
	g := &Ingestor{
		extractor:   extractor,
		embedder:    embedder,
		docs:        docs,
		index:       index,
		locker:      locker,
		splitter:    NewSplitter(ingestCfg.ChunkSize, ingestCfg.ChunkOverlap),
		batchSize:   embeddingCfg.BatchSize,
		parallelism: embeddingCfg.Parallelism,
		lockTTL:     ingestCfg.LockTTL,
	}
	if g.batchSize <= 0 {
		g.batchSize = 16
	}
	if g.parallelism <= 0 {
		g.parallelism = 4
	}
	if g.lockTTL <= 0 {
		g.lockTTL = 10 * time.Minute
	}
	return g
}

// Ingest 把一份 PDF 写入关系库与向量索引。同一存储键重复入库会替换原有分块而不是追加。
func (g *Ingestor) Ingest(ctx context.Context, data []byte, meta Metadata) (*model.Document, error) {
	fail := func(err error) (*model.Document, error) {
		return nil, &model.IngestionError{StorageKey: meta.StorageKey, Err: err}
	}
	log.Infof("[Ingestor] 开始入库, StorageKey: %s, FileName: %s, UserID: %d", meta.StorageKey, meta.OriginalName, meta.UploadedBy)

	release, err := g.locker.TryLock(ctx, "ingest:"+meta.StorageKey, g.lockTTL)
	if err != nil {
		log.Warnf("[Ingestor] 获取入库锁失败, StorageKey: %s, Error: %v", meta.StorageKey, err)
		return fail(err)
	}
	defer release()

	// 1. 只接受 PDF
	if mt := mimetype.Detect(data); !mt.Is(pdfMIME) {
		log.Warnf("[Ingestor] 文件类型不受支持, StorageKey: %s, MIME: %s", meta.StorageKey, mt.String())
		return fail(fmt.Errorf("%w: detected %s", model.ErrUnsupportedFormat, mt.String()))
	}

	// 2. 提取文本
	raw, err := g.extractor.ExtractText(ctx, bytes.NewReader(data), pdfMIME)
	if err != nil {
		log.Errorf("[Ingestor] 提取文本失败, StorageKey: %s, Error: %v", meta.StorageKey, err)
		return fail(err)
	}
	text := NormalizeText(raw)
	if text == "" {
		log.Warnf("[Ingestor] 提取的文本内容为空, StorageKey: %s", meta.StorageKey)
		return fail(model.ErrEmptyDocument)
	}
	log.Infof("[Ingestor] 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(text))

	// 3. 切块
	texts := g.splitter.Split(text)
	if len(texts) == 0 {
		return fail(model.ErrEmptyDocument)
	}
	log.Infof("[Ingestor] 文本分块完成, chunkSize: %d, chunkOverlap: %d, 共 %d 个分块", g.splitter.Size, g.splitter.Overlap, len(texts))

	// 4. 向量化（不持有任何索引锁）
	vectors, err := g.embedAll(ctx, texts)
	if err != nil {
		log.Errorf("[Ingestor] 分块向量化失败, StorageKey: %s, Error: %v", meta.StorageKey, err)
		return fail(err)
	}

	// 5. 写库
	doc := &model.Document{
		OriginalName: meta.OriginalName,
		StorageKey:   meta.StorageKey,
		SubjectID:    meta.SubjectID,
		UploadedBy:   meta.UploadedBy,
		IsPublic:     meta.IsPublic,
		Size:         meta.Size,
		Description:  meta.Description,
		Status:       model.DocumentPending,
	}
	chunks := make([]model.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = model.Chunk{
			Seq:            i,
			Text:           t,
			Vector:         model.EncodeVector(vectors[i]),
			EmbeddingModel: g.embedder.ModelName(),
			Dimension:      len(vectors[i]),
		}
	}
	if err := g.docs.SaveWithChunks(ctx, doc, chunks); err != nil {
		log.Errorf("[Ingestor] 保存文档与分块失败, StorageKey: %s, Error: %v", meta.StorageKey, err)
		return fail(fmt.Errorf("保存文档与分块失败: %w", err))
	}

	// 6. 更新索引
	entries := make([]vectorindex.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = vectorindex.Entry{ChunkID: c.ID, DocumentID: doc.ID, SubjectID: doc.SubjectID, Vector: vectors[i]}
	}
	if err := g.index.ReplaceDocument(ctx, doc.ID, doc.SubjectID, entries); err != nil {
		log.Errorf("[Ingestor] 更新向量索引失败, DocumentID: %d, Error: %v", doc.ID, err)
		return fail(fmt.Errorf("更新向量索引失败: %w", err))
	}

	// 7. 索引写好之后才对检索可见
	if err := g.docs.MarkReady(ctx, doc.ID); err != nil {
		log.Errorf("[Ingestor] 标记文档可检索失败, DocumentID: %d, Error: %v", doc.ID, err)
		return fail(fmt.Errorf("标记文档可检索失败: %w", err))
	}
	doc.Status = model.DocumentReady

	log.Infof("[Ingestor] 入库完成, DocumentID: %d, StorageKey: %s, 分块数: %d", doc.ID, meta.StorageKey, len(chunks))
	return doc, nil
}

// Fail 放弃某个存储键的入库：文档转为 failed 并记录原因，已写入的分块从关系库和索引中移除。
// 该存储键还没有文档记录时什么也不做。
func (g *Ingestor) Fail(ctx context.Context, storageKey string, cause error) error {
	reason := "ingestion failed"
	if cause != nil {
		reason = cause.Error()
	}
	doc, err := g.docs.MarkFailed(ctx, storageKey, reason)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := g.index.RemoveDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("从向量索引移除失败文档出错: %w", err)
	}
	log.Warnf("[Ingestor] 已放弃入库, DocumentID: %d, StorageKey: %s, 原因: %s", doc.ID, storageKey, reason)
	return nil
}

// embedAll 把分块分批并行向量化，结果与输入顺序一致。
func (g *Ingestor) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.parallelism)
	for start := 0; start < len(texts); start += g.batchSize {
		start := start
		end := start + g.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		eg.Go(func() error {
			vecs, err := g.embedder.EmbedBatch(egCtx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return errors.New("embedding batch size mismatch")
			}
			copy(vectors[start:end], vecs)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}
