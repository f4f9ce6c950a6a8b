package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"studymate-go/internal/config"
	"studymate-go/internal/model"
	"studymate-go/internal/pipeline"
	"studymate-go/internal/repository"
	"studymate-go/internal/vectorindex"
	"studymate-go/pkg/log"
	"studymate-go/pkg/storage"
	"studymate-go/pkg/tasks"
)

// TaskQueue 投递异步入库任务，由 Kafka 生产者实现。
type TaskQueue interface {
	ProduceIngestTask(ctx context.Context, task tasks.IngestTask) error
}

// Presigner 生成限时下载链接，由 MinIO 存储实现。
type Presigner interface {
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// UploadRequest 描述一次上传。
type UploadRequest struct {
	FileName    string
	Data        []byte
	SubjectID   *uint
	IsPublic    bool
	Description string
}

// UploadResult 是上传结果。Queued 为 true 时入库在后台进行，Document 是状态为 pending 的文档记录。
type UploadResult struct {
	StorageKey string          `json:"storageKey"`
	Queued     bool            `json:"queued"`
	Document   *model.Document `json:"document,omitempty"`
}

// DownloadInfoDTO 封装了文件下载所需的信息。存储不支持预签名时 Data 携带文件内容。
type DownloadInfoDTO struct {
	FileName    string `json:"fileName"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	FileSize    int64  `json:"fileSize"`
	Data        []byte `json:"-"`
}

// DocumentService 接口定义了文档管理相关的业务操作。
type DocumentService interface {
	Upload(ctx context.Context, principal model.Principal, req UploadRequest) (*UploadResult, error)
	List(ctx context.Context, principal model.Principal, subjectID *uint) ([]model.DocumentDTO, error)
	Delete(ctx context.Context, principal model.Principal, id uint) error
	Download(ctx context.Context, principal model.Principal, id uint) (*DownloadInfoDTO, error)
}

type documentService struct {
	docs     repository.DocumentRepository
	subjects repository.SubjectRepository
	scopes   ScopeService
	index    vectorindex.VectorIndex
	store    storage.ObjectStore
	ingestor *pipeline.Ingestor
	queue    TaskQueue
	maxSize  int64
}

// NewDocumentService 创建一个新的 DocumentService 实例。queue 为 nil 时同步入库。
func NewDocumentService(
	docs repository.DocumentRepository,
	subjects repository.SubjectRepository,
	scopes ScopeService,
	index vectorindex.VectorIndex,
	store storage.ObjectStore,
	ingestor *pipeline.Ingestor,
	queue TaskQueue,
	cfg config.IngestConfig,
) DocumentService {
	return &documentService{
		docs:     docs,
		subjects: subjects,
		scopes:   scopes,
		index:    index,
		store:    store,
		ingestor: ingestor,
		queue:    queue,
		maxSize:  cfg.MaxFileSize,
	}
}

// Upload 保存原件并触发入库。学科文档只能由管理员上传；学生上传的是仅自己可见的全局文档。
func (s *documentService) Upload(ctx context.Context, principal model.Principal, req UploadRequest) (*UploadResult, error) {
	name := SanitizeFileName(req.FileName)
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return nil, fmt.Errorf("%w: only .pdf files are accepted", model.ErrUnsupportedFormat)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", model.ErrInvalidInput)
	}
	if s.maxSize > 0 && int64(len(req.Data)) > s.maxSize {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", model.ErrInvalidInput, s.maxSize)
	}
	if !mimetype.Detect(req.Data).Is("application/pdf") {
		return nil, fmt.Errorf("%w: content is not a PDF", model.ErrUnsupportedFormat)
	}

	isPublic := req.IsPublic
	if req.SubjectID != nil {
		if !principal.IsAdmin() {
			return nil, fmt.Errorf("%w: only administrators can add subject documents", model.ErrForbidden)
		}
		if _, err := s.subjects.FindByID(ctx, *req.SubjectID); err != nil {
			return nil, err
		}
	} else if !principal.IsAdmin() {
		isPublic = false
	}

	storageKey := strings.ReplaceAll(uuid.NewString(), "-", "") + "_" + name
	if err := s.store.Put(ctx, storageKey, bytes.NewReader(req.Data), int64(len(req.Data)), "application/pdf"); err != nil {
		log.Errorf("[DocumentService] 保存原件失败, key: %s, error: %v", storageKey, err)
		return nil, fmt.Errorf("failed to store file: %w", err)
	}
	log.Infof("[DocumentService] 原件已保存, key: %s, size: %d", storageKey, len(req.Data))

	task := tasks.IngestTask{
		StorageKey:   storageKey,
		OriginalName: req.FileName,
		SubjectID:    req.SubjectID,
		UploadedBy:   principal.UserID,
		IsPublic:     isPublic,
		Size:         int64(len(req.Data)),
		Description:  req.Description,
	}
	if s.queue != nil {
		doc := &model.Document{
			OriginalName: task.OriginalName,
			StorageKey:   storageKey,
			SubjectID:    task.SubjectID,
			UploadedBy:   task.UploadedBy,
			IsPublic:     task.IsPublic,
			Size:         task.Size,
			Description:  task.Description,
		}
		if err := s.docs.CreatePending(ctx, doc); err != nil {
			s.removeObject(storageKey)
			return nil, fmt.Errorf("failed to record upload: %w", err)
		}
		if err := s.queue.ProduceIngestTask(ctx, task); err != nil {
			log.Errorf("[DocumentService] 发送入库任务失败, key: %s, error: %v", storageKey, err)
			s.discard(storageKey)
			return nil, fmt.Errorf("failed to enqueue ingestion: %w", err)
		}
		return &UploadResult{StorageKey: storageKey, Queued: true, Document: doc}, nil
	}

	doc, err := s.ingestor.Ingest(ctx, req.Data, pipeline.MetadataFromTask(task))
	if err != nil {
		s.discard(storageKey)
		return nil, err
	}
	return &UploadResult{StorageKey: storageKey, Document: doc}, nil
}

// discard 撤销一次没有完成的上传：删除可能已写入的文档记录、索引分块和原件。
func (s *documentService) discard(storageKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	doc, err := s.docs.FindByStorageKey(ctx, storageKey)
	switch {
	case err == nil:
		if err := s.index.RemoveDocument(ctx, doc.ID); err != nil {
			log.Warnf("[DocumentService] 从索引移除文档失败, id: %d, error: %v", doc.ID, err)
		}
		if err := s.docs.Delete(ctx, doc.ID); err != nil {
			log.Warnf("[DocumentService] 删除文档记录失败, id: %d, error: %v", doc.ID, err)
		}
	case !errors.Is(err, model.ErrNotFound):
		log.Warnf("[DocumentService] 查询文档记录失败, key: %s, error: %v", storageKey, err)
	}
	s.removeObject(storageKey)
}

func (s *documentService) List(ctx context.Context, principal model.Principal, subjectID *uint) ([]model.DocumentDTO, error) {
	scope, err := s.scopes.Resolve(ctx, principal, subjectID)
	if errors.Is(err, model.ErrScopeResolution) {
		return nil, fmt.Errorf("%w: %v", model.ErrForbidden, err)
	}
	if err != nil {
		return nil, err
	}
	docs, err := s.docs.FindByIDs(ctx, scope.IDs())
	if err != nil {
		return nil, err
	}
	// 本人还在入库或入库失败的文档也列出来，便于查看状态
	unready, err := s.docs.ListUnready(ctx, principal.UserID, subjectID)
	if err != nil {
		return nil, err
	}
	docs = append(docs, unready...)
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	out := make([]model.DocumentDTO, len(docs))
	for i, d := range docs {
		out[i] = d.ToDTO()
	}
	return out, nil
}

// Delete 先从索引移除，再删除关系库记录，最后删除原件，任何时刻都不会检索到已删除文档的分块。
func (s *documentService) Delete(ctx context.Context, principal model.Principal, id uint) error {
	doc, err := s.docs.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if doc.UploadedBy != principal.UserID && !principal.IsAdmin() {
		return fmt.Errorf("%w: document %d belongs to another user", model.ErrForbidden, id)
	}
	if err := s.index.RemoveDocument(ctx, id); err != nil {
		return fmt.Errorf("failed to remove document from index: %w", err)
	}
	if err := s.docs.Delete(ctx, id); err != nil {
		return err
	}
	s.removeObject(doc.StorageKey)
	log.Infof("[DocumentService] 文档已删除, id: %d, key: %s", id, doc.StorageKey)
	return nil
}

func (s *documentService) Download(ctx context.Context, principal model.Principal, id uint) (*DownloadInfoDTO, error) {
	doc, err := s.docs.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canRead(ctx, principal, doc) || doc.Status == model.DocumentFailed {
		return nil, model.ErrNotFound
	}
	info := &DownloadInfoDTO{FileName: doc.OriginalName, FileSize: doc.Size}
	if p, ok := s.store.(Presigner); ok {
		info.DownloadURL, err = p.PresignedURL(ctx, doc.StorageKey, time.Hour)
		return info, err
	}
	info.Data, err = s.store.Get(ctx, doc.StorageKey)
	return info, err
}

func (s *documentService) canRead(ctx context.Context, principal model.Principal, doc *model.Document) bool {
	if principal.IsAdmin() || doc.UploadedBy == principal.UserID {
		return true
	}
	scope, err := s.scopes.Resolve(ctx, principal, doc.SubjectID)
	return err == nil && scope.Allows(doc.ID)
}

func (s *documentService) removeObject(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.Remove(ctx, key); err != nil {
		log.Warnf("[DocumentService] 删除原件失败, key: %s, error: %v", key, err)
	}
}

// SanitizeFileName 只保留文件名中的 ASCII 字母、数字、点、横线和下划线，扩展名转为小写。
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	ext := filepath.Ext(name)
	base := strings.Trim(safeChars(strings.TrimSuffix(name, ext)), "._-")
	if ext == "." {
		ext = ""
	}
	if base == "" {
		base = "document"
	}
	return base + strings.ToLower(safeChars(ext))
}

func safeChars(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	return b.String()
}
