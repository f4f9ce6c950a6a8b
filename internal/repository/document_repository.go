package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"studymate-go/internal/model"
)

// PartitionCount 是某个索引分区在关系库中的文档与分块数量。
type PartitionCount struct {
	Documents int64
	Chunks    int64
}

// DocumentRepository 定义了对 documents 与 chunks 表的数据操作接口。
// 关系库是分块的权威来源，向量索引可以随时从这里重建。
type DocumentRepository interface {
	FindByID(ctx context.Context, id uint) (*model.Document, error)
	FindByStorageKey(ctx context.Context, storageKey string) (*model.Document, error)
	FindByIDs(ctx context.Context, ids []uint) ([]model.Document, error)
	ListVisible(ctx context.Context, userID uint, subjectID *uint) ([]model.Document, error)
	ListUnready(ctx context.Context, userID uint, subjectID *uint) ([]model.Document, error)
	ListAll(ctx context.Context) ([]model.Document, error)
	CreatePending(ctx context.Context, doc *model.Document) error
	SaveWithChunks(ctx context.Context, doc *model.Document, chunks []model.Chunk) error
	MarkReady(ctx context.Context, id uint) error
	MarkFailed(ctx context.Context, storageKey, reason string) (*model.Document, error)
	Delete(ctx context.Context, id uint) error

	FindChunksByIDs(ctx context.Context, ids []string) ([]model.Chunk, error)
	FindChunksByDocument(ctx context.Context, documentID uint) ([]model.Chunk, error)
	ForEachChunkBatch(ctx context.Context, partition string, batchSize int, fn func([]model.Chunk) error) error
	UpdateChunkVectors(ctx context.Context, chunks []model.Chunk) error
	StaleDocumentIDs(ctx context.Context, modelName string, dims int) ([]uint, error)
	CountByPartition(ctx context.Context) (map[string]PartitionCount, error)
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) FindByID(ctx context.Context, id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).First(&doc, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

func (r *documentRepository) FindByStorageKey(ctx context.Context, storageKey string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("storage_key = ?", storageKey).First(&doc).Error; err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

func (r *documentRepository) FindByIDs(ctx context.Context, ids []uint) ([]model.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var docs []model.Document
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&docs).Error
	return docs, err
}

// ListVisible 返回用户在某学科（nil 表示不限学科）下可检索的文档：
// 学科文档全部可见；全局文档需公开或由本人上传。未入库完成的文档不可检索。
func (r *documentRepository) ListVisible(ctx context.Context, userID uint, subjectID *uint) ([]model.Document, error) {
	var docs []model.Document
	visible := r.db.Where("subject_id IS NULL AND (is_public = ? OR uploaded_by = ?)", true, userID)
	if subjectID != nil {
		visible = r.db.Where("subject_id = ?", *subjectID).Or(visible)
	}
	err := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("status = ?", model.DocumentReady).Where(visible).
		Order("id").Find(&docs).Error
	return docs, err
}

// ListUnready 返回用户本人上传、尚未入库完成或已放弃入库的文档。
func (r *documentRepository) ListUnready(ctx context.Context, userID uint, subjectID *uint) ([]model.Document, error) {
	var docs []model.Document
	q := r.db.WithContext(ctx).Where("uploaded_by = ? AND status <> ?", userID, model.DocumentReady)
	if subjectID != nil {
		q = q.Where("subject_id = ? OR subject_id IS NULL", *subjectID)
	} else {
		q = q.Where("subject_id IS NULL")
	}
	err := q.Order("id").Find(&docs).Error
	return docs, err
}

func (r *documentRepository) ListAll(ctx context.Context) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).Order("id").Find(&docs).Error
	return docs, err
}

// CreatePending 为排队入库的上传预先写入一条 pending 记录。
func (r *documentRepository) CreatePending(ctx context.Context, doc *model.Document) error {
	doc.Status = model.DocumentPending
	doc.ChunkCount = 0
	return r.db.WithContext(ctx).Create(doc).Error
}

// SaveWithChunks 在一个事务内按存储键写入文档及其全部分块。
// 存储键已存在时复用原文档记录并替换其分块，因此重复入库不会产生重复分块。
// 分块的 ID、DocumentID、SubjectID 由这里填充；未指定状态的文档按 ready 写入。
func (r *documentRepository) SaveWithChunks(ctx context.Context, doc *model.Document, chunks []model.Chunk) error {
	if doc.Status == "" {
		doc.Status = model.DocumentReady
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Document
		err := tx.Where("storage_key = ?", doc.StorageKey).First(&existing).Error
		switch {
		case err == nil:
			doc.ID = existing.ID
			doc.UploadedAt = existing.UploadedAt
			if err := tx.Where("document_id = ?", existing.ID).Delete(&model.Chunk{}).Error; err != nil {
				return fmt.Errorf("删除旧分块失败: %w", err)
			}
			doc.ChunkCount = len(chunks)
			if err := tx.Save(doc).Error; err != nil {
				return fmt.Errorf("更新文档记录失败: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			doc.ChunkCount = len(chunks)
			if err := tx.Create(doc).Error; err != nil {
				return fmt.Errorf("创建文档记录失败: %w", err)
			}
		default:
			return err
		}

		for i := range chunks {
			chunks[i].ID = model.ChunkID(doc.ID, chunks[i].Seq)
			chunks[i].DocumentID = doc.ID
			chunks[i].SubjectID = doc.SubjectID
		}
		if len(chunks) == 0 {
			return nil
		}
		return tx.CreateInBatches(chunks, 100).Error // 每100条记录一批
	})
}

// MarkReady 把文档标记为可检索。
func (r *documentRepository) MarkReady(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&model.Document{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.DocumentReady, "error": ""}).Error
}

// MarkFailed 放弃某个存储键的入库：删除已写入的分块，文档转为 failed 并记录原因。
func (r *documentRepository) MarkFailed(ctx context.Context, storageKey, reason string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("storage_key = ?", storageKey).First(&doc).Error; err != nil {
			return notFound(err)
		}
		if err := tx.Where("document_id = ?", doc.ID).Delete(&model.Chunk{}).Error; err != nil {
			return err
		}
		doc.Status = model.DocumentFailed
		doc.Error = reason
		doc.ChunkCount = 0
		return tx.Model(&doc).Updates(map[string]interface{}{
			"status":      doc.Status,
			"error":       doc.Error,
			"chunk_count": 0,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Delete 删除文档及其全部分块。
func (r *documentRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&model.Chunk{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&model.Document{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrNotFound
		}
		return nil
	})
}

func (r *documentRepository) FindChunksByIDs(ctx context.Context, ids []string) ([]model.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var chunks []model.Chunk
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&chunks).Error
	return chunks, err
}

func (r *documentRepository) FindChunksByDocument(ctx context.Context, documentID uint) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := r.db.WithContext(ctx).Where("document_id = ?", documentID).Order("seq").Find(&chunks).Error
	return chunks, err
}

// ForEachChunkBatch 按批遍历某个索引分区的所有分块，fn 返回错误时停止。
func (r *documentRepository) ForEachChunkBatch(ctx context.Context, partition string, batchSize int, fn func([]model.Chunk) error) error {
	subjectID, err := model.ParsePartition(partition)
	if err != nil {
		return err
	}
	q := r.db.WithContext(ctx).Model(&model.Chunk{})
	if subjectID == nil {
		q = q.Where("subject_id IS NULL")
	} else {
		q = q.Where("subject_id = ?", *subjectID)
	}
	var batch []model.Chunk
	return q.FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
		out := make([]model.Chunk, len(batch))
		copy(out, batch)
		return fn(out)
	}).Error
}

// UpdateChunkVectors 写回重新向量化后的分块。
func (r *documentRepository) UpdateChunkVectors(ctx context.Context, chunks []model.Chunk) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range chunks {
			err := tx.Model(&model.Chunk{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
				"vector":          c.Vector,
				"embedding_model": c.EmbeddingModel,
				"dimension":       c.Dimension,
			}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// StaleDocumentIDs 返回含有非当前模型或维度向量的文档。
func (r *documentRepository) StaleDocumentIDs(ctx context.Context, modelName string, dims int) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&model.Chunk{}).
		Where("embedding_model <> ? OR dimension <> ?", modelName, dims).
		Distinct().Order("document_id").Pluck("document_id", &ids).Error
	return ids, err
}

type partitionRow struct {
	SubjectID *uint
	Count     int64
}

// CountByPartition 按索引分区统计文档与分块数量，没有分块的文档不计入。
func (r *documentRepository) CountByPartition(ctx context.Context) (map[string]PartitionCount, error) {
	out := make(map[string]PartitionCount)

	var docRows []partitionRow
	if err := r.db.WithContext(ctx).Model(&model.Document{}).Where("chunk_count > 0").
		Select("subject_id, COUNT(*) AS count").Group("subject_id").Scan(&docRows).Error; err != nil {
		return nil, err
	}
	for _, row := range docRows {
		p := model.PartitionFor(row.SubjectID)
		c := out[p]
		c.Documents = row.Count
		out[p] = c
	}

	var chunkRows []partitionRow
	if err := r.db.WithContext(ctx).Model(&model.Chunk{}).
		Select("subject_id, COUNT(*) AS count").Group("subject_id").Scan(&chunkRows).Error; err != nil {
		return nil, err
	}
	for _, row := range chunkRows {
		p := model.PartitionFor(row.SubjectID)
		c := out[p]
		c.Chunks = row.Count
		out[p] = c
	}
	return out, nil
}
