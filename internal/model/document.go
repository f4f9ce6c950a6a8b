package model

import "time"

// 文档的入库状态。只有 ready 的文档参与检索。
const (
	DocumentPending = "pending"
	DocumentReady   = "ready"
	DocumentFailed  = "failed"
)

// Document 是一份已入库的学习资料。SubjectID 为空表示全局文档。
// 异步上传时先以 pending 落库，入库完成后转为 ready；放弃入库时转为 failed 并记录原因，分块与原件都会被清理。
// 入库后只允许删除，删除时其分块会从关系库和向量索引中一并移除。
type Document struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	OriginalName string    `gorm:"type:varchar(255);not null" json:"originalName"`
	StorageKey   string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"storageKey"`
	SubjectID    *uint     `gorm:"index" json:"subjectId"`
	UploadedBy   uint      `gorm:"index;not null" json:"uploadedBy"`
	IsPublic     bool      `gorm:"not null;default:false" json:"isPublic"`
	Size         int64     `gorm:"not null" json:"size"`
	Description  string    `gorm:"type:text" json:"description,omitempty"`
	ChunkCount   int       `gorm:"not null;default:0" json:"chunkCount"`
	Status       string    `gorm:"type:varchar(16);not null;default:ready;index" json:"status"`
	Error        string    `gorm:"type:text" json:"error,omitempty"`
	UploadedAt   time.Time `gorm:"autoCreateTime" json:"uploadedAt"`
}

func (Document) TableName() string {
	return "documents"
}

func (d Document) Ready() bool {
	return d.Status == DocumentReady
}

// Chunk 是文档的一个连续文本片段及其向量。
type Chunk struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	DocumentID     uint      `gorm:"index;not null" json:"documentId"`
	SubjectID      *uint     `gorm:"index" json:"subjectId"`
	Seq            int       `gorm:"not null" json:"seq"`
	Text           string    `gorm:"type:text;not null" json:"text"`
	Vector         []byte    `gorm:"type:mediumblob" json:"-"`
	EmbeddingModel string    `gorm:"type:varchar(128)" json:"embeddingModel"`
	Dimension      int       `gorm:"not null" json:"dimension"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Chunk) TableName() string {
	return "chunks"
}

// DocumentDTO 是返回给前端的文档信息。
type DocumentDTO struct {
	ID           uint      `json:"id"`
	OriginalName string    `json:"originalName"`
	SubjectID    *uint     `json:"subjectId"`
	IsPublic     bool      `json:"isPublic"`
	Size         int64     `json:"size"`
	ChunkCount   int       `json:"chunkCount"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	UploadedBy   uint      `json:"uploadedBy"`
	UploadedAt   LocalTime `json:"uploadedAt"`
}

// ToDTO 转换为对外展示结构。
func (d Document) ToDTO() DocumentDTO {
	return DocumentDTO{
		ID:           d.ID,
		OriginalName: d.OriginalName,
		SubjectID:    d.SubjectID,
		IsPublic:     d.IsPublic,
		Size:         d.Size,
		ChunkCount:   d.ChunkCount,
		Status:       d.Status,
		Error:        d.Error,
		UploadedBy:   d.UploadedBy,
		UploadedAt:   LocalTime(d.UploadedAt),
	}
}
