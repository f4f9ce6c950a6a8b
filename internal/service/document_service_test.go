package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"studymate-go/internal/config"
	"studymate-go/internal/model"
	"studymate-go/internal/pipeline"
	"studymate-go/pkg/storage"
)

func TestUploadValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.documents.Upload(ctx, student, UploadRequest{FileName: "notes.txt", Data: pdf("x")})
	assert.ErrorIs(t, err, model.ErrUnsupportedFormat)

	_, err = f.documents.Upload(ctx, student, UploadRequest{FileName: "notes.pdf", Data: []byte("plain text pretending")})
	assert.ErrorIs(t, err, model.ErrUnsupportedFormat)

	_, err = f.documents.Upload(ctx, student, UploadRequest{FileName: "notes.pdf"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	small := NewDocumentService(f.docs, f.subjects, f.scopes, f.index, f.store, f.ingestor, nil, config.IngestConfig{MaxFileSize: 16})
	_, err = small.Upload(ctx, student, UploadRequest{FileName: "big.pdf", Data: pdf(strings.Repeat("cell ", 20))})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = f.documents.Upload(ctx, student, UploadRequest{FileName: "bio.pdf", Data: pdf(biology), SubjectID: &f.bio.ID})
	assert.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.documents.Upload(ctx, admin, UploadRequest{FileName: "bio.pdf", Data: pdf(biology), SubjectID: uintPtr(999)})
	assert.ErrorIs(t, err, model.ErrNotFound)

	keys, err := f.store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStudentUploadIsPrivateGlobalDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.documents.Upload(ctx, student, UploadRequest{FileName: "My Algebra Notes.pdf", Data: pdf(algebra), IsPublic: true})
	require.NoError(t, err)
	require.NotNil(t, res.Document)
	assert.False(t, res.Queued)
	assert.False(t, res.Document.IsPublic)
	assert.Nil(t, res.Document.SubjectID)
	assert.True(t, strings.HasSuffix(res.StorageKey, "_My_Algebra_Notes.pdf"))

	hits, err := f.search.Search(ctx, student, "quadratic roots", nil, 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, res.Document.ID, hits[0].DocumentID)

	hits, err = f.search.Search(ctx, other, "quadratic roots", nil, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)

	mine, err := f.documents.List(ctx, student, nil)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "My Algebra Notes.pdf", mine[0].OriginalName)

	theirs, err := f.documents.List(ctx, other, nil)
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestUploadWithQueueDefersIngestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := &fakeQueue{}
	svc := NewDocumentService(f.docs, f.subjects, f.scopes, f.index, f.store, f.ingestor, queue, config.IngestConfig{})

	res, err := svc.Upload(ctx, admin, UploadRequest{FileName: "cells.pdf", Data: pdf(biology), SubjectID: &f.bio.ID, Description: "unit 1"})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	require.NotNil(t, res.Document)
	assert.Equal(t, model.DocumentPending, res.Document.Status)

	require.Len(t, queue.tasks, 1)
	task := queue.tasks[0]
	assert.Equal(t, res.StorageKey, task.StorageKey)
	assert.Equal(t, f.bio.ID, *task.SubjectID)
	assert.Equal(t, admin.UserID, task.UploadedBy)
	assert.Equal(t, "unit 1", task.Description)

	data, err := f.store.Get(ctx, res.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, pdf(biology), data)

	docs, err := f.docs.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, model.DocumentPending, docs[0].Status)
	assert.Zero(t, docs[0].ChunkCount)

	// 排队中的文档不进入检索范围
	list, err := svc.List(ctx, student, &f.bio.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestQueuedUploadThatFailsIsMarkedFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := &fakeQueue{}
	svc := NewDocumentService(f.docs, f.subjects, f.scopes, f.index, f.store, f.ingestor, queue, config.IngestConfig{})
	processor := pipeline.NewProcessor(f.store, f.ingestor)

	// 扫描件：能通过上传校验，但提取不出文本
	scanned, err := svc.Upload(ctx, student, UploadRequest{FileName: "scan.pdf", Data: pdf(" \n\n \t ")})
	require.NoError(t, err)
	require.Len(t, queue.tasks, 1)
	require.NoError(t, processor.Process(ctx, queue.tasks[0]), "文件本身无法入库时不再重试")

	doc, err := f.docs.FindByID(ctx, scanned.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentFailed, doc.Status)
	assert.Contains(t, doc.Error, model.ErrEmptyDocument.Error())
	_, err = f.store.Get(ctx, scanned.StorageKey)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	// 重试次数用尽的任务同样收尾
	notes, err := svc.Upload(ctx, student, UploadRequest{FileName: "notes.pdf", Data: pdf(algebra)})
	require.NoError(t, err)
	require.Len(t, queue.tasks, 2)
	processor.Abandon(ctx, queue.tasks[1], errors.New("embedding quota exhausted"))

	doc, err = f.docs.FindByID(ctx, notes.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentFailed, doc.Status)
	assert.Equal(t, "embedding quota exhausted", doc.Error)
	_, err = f.store.Get(ctx, notes.StorageKey)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	// 上传者能看到失败原因，但失败的文档不可检索也不可下载
	list, err := svc.List(ctx, student, nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, d := range list {
		assert.Equal(t, model.DocumentFailed, d.Status)
		assert.NotEmpty(t, d.Error)
	}
	scope, err := f.scopes.Resolve(ctx, student, nil)
	require.NoError(t, err)
	assert.False(t, scope.Allows(scanned.Document.ID))
	assert.False(t, scope.Allows(notes.Document.ID))
	_, err = svc.Download(ctx, student, notes.Document.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	theirs, err := svc.List(ctx, other, nil)
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestQueuedUploadBecomesSearchableOnceIngested(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := &fakeQueue{}
	svc := NewDocumentService(f.docs, f.subjects, f.scopes, f.index, f.store, f.ingestor, queue, config.IngestConfig{})

	res, err := svc.Upload(ctx, admin, UploadRequest{FileName: "cells.pdf", Data: pdf(biology), SubjectID: &f.bio.ID})
	require.NoError(t, err)
	require.NoError(t, pipeline.NewProcessor(f.store, f.ingestor).Process(ctx, queue.tasks[0]))

	doc, err := f.docs.FindByID(ctx, res.Document.ID)
	require.NoError(t, err)
	assert.True(t, doc.Ready())
	assert.Equal(t, 3, doc.ChunkCount)

	hits, err := f.search.Search(ctx, student, "What is mitosis?", &f.bio.ID, 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, res.Document.ID, hits[0].DocumentID)
}

func TestFailedEnqueueDiscardsUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := &fakeQueue{err: errors.New("broker unavailable")}
	svc := NewDocumentService(f.docs, f.subjects, f.scopes, f.index, f.store, f.ingestor, queue, config.IngestConfig{})

	_, err := svc.Upload(ctx, student, UploadRequest{FileName: "notes.pdf", Data: pdf(algebra)})
	require.Error(t, err)

	docs, err := f.docs.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestListSubjectDocumentsRequiresEnrollment(t *testing.T) {
	f := newFixture(t)
	doc := f.uploadBiology(t)
	ctx := context.Background()

	list, err := f.documents.List(ctx, student, &f.bio.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, doc.ID, list[0].ID)
	assert.Equal(t, 3, list[0].ChunkCount)

	_, err = f.documents.List(ctx, other, &f.bio.ID)
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestDeleteRemovesDocumentEverywhere(t *testing.T) {
	f := newFixture(t)
	doc := f.uploadBiology(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.documents.Delete(ctx, student, doc.ID), model.ErrForbidden)

	require.NoError(t, f.documents.Delete(ctx, admin, doc.ID))

	_, err := f.docs.FindByID(ctx, doc.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.store.Get(ctx, doc.StorageKey)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	counts, err := f.index.DocumentCounts(ctx)
	require.NoError(t, err)
	assert.NotContains(t, counts, doc.ID)

	hits, err := f.search.Search(ctx, student, "What is mitosis?", &f.bio.ID, 3)
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.ErrorIs(t, f.documents.Delete(ctx, admin, doc.ID), model.ErrNotFound)
}

func TestDownloadFallsBackToContent(t *testing.T) {
	f := newFixture(t)
	doc := f.uploadBiology(t)
	ctx := context.Background()

	info, err := f.documents.Download(ctx, student, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "cells.pdf", info.FileName)
	assert.Empty(t, info.DownloadURL)
	assert.Equal(t, pdf(biology), info.Data)

	_, err = f.documents.Download(ctx, other, doc.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"cells.pdf":             "cells.pdf",
		"My Notes (v2).PDF":     "My_Notes_v2.pdf",
		"../../etc/passwd.pdf":  "passwd.pdf",
		`C:\Users\me\bio.pdf`:   "bio.pdf",
		"细胞分裂.pdf":              "document.pdf",
		"..":                    "document",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFileName(in), in)
	}
}
