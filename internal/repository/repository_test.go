package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"studymate-go/internal/model"
	"studymate-go/pkg/database"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func uintPtr(v uint) *uint { return &v }

func chunkTexts(texts ...string) []model.Chunk {
	out := make([]model.Chunk, len(texts))
	for i, t := range texts {
		out[i] = model.Chunk{Seq: i, Text: t, Vector: model.EncodeVector([]float32{1, 0}), EmbeddingModel: "m", Dimension: 2}
	}
	return out
}

func TestSaveWithChunksIsIdempotentPerStorageKey(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(newTestDB(t))

	doc := &model.Document{OriginalName: "cells.pdf", StorageKey: "k1_cells.pdf", UploadedBy: 7, Size: 10}
	require.NoError(t, repo.SaveWithChunks(ctx, doc, chunkTexts("a", "b", "c")))
	firstID := doc.ID
	require.NotZero(t, firstID)

	again := &model.Document{OriginalName: "cells.pdf", StorageKey: "k1_cells.pdf", UploadedBy: 7, Size: 10}
	require.NoError(t, repo.SaveWithChunks(ctx, again, chunkTexts("a", "b", "c")))
	assert.Equal(t, firstID, again.ID)

	chunks, err := repo.FindChunksByDocument(ctx, firstID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, model.ChunkID(firstID, 0), chunks[0].ID)

	stored, err := repo.FindByStorageKey(ctx, "k1_cells.pdf")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.ChunkCount)
}

func TestListVisibleAppliesSubjectAndVisibilityRules(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(newTestDB(t))
	bio, chem := uintPtr(1), uintPtr(2)

	docs := []*model.Document{
		{OriginalName: "bio.pdf", StorageKey: "bio", SubjectID: bio, UploadedBy: 100},
		{OriginalName: "chem.pdf", StorageKey: "chem", SubjectID: chem, UploadedBy: 100},
		{OriginalName: "handbook.pdf", StorageKey: "handbook", UploadedBy: 100, IsPublic: true},
		{OriginalName: "mine.pdf", StorageKey: "mine", UploadedBy: 7},
		{OriginalName: "theirs.pdf", StorageKey: "theirs", UploadedBy: 8},
	}
	for _, d := range docs {
		require.NoError(t, repo.SaveWithChunks(ctx, d, chunkTexts("x")))
	}

	names := func(list []model.Document) []string {
		var out []string
		for _, d := range list {
			out = append(out, d.OriginalName)
		}
		return out
	}

	inBio, err := repo.ListVisible(ctx, 7, bio)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bio.pdf", "handbook.pdf", "mine.pdf"}, names(inBio))

	general, err := repo.ListVisible(ctx, 7, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"handbook.pdf", "mine.pdf"}, names(general))

	// 排队中和入库失败的文档不可检索，只出现在上传者的未就绪列表里
	queued := &model.Document{OriginalName: "queued.pdf", StorageKey: "queued", SubjectID: bio, UploadedBy: 7}
	require.NoError(t, repo.CreatePending(ctx, queued))
	broken := &model.Document{OriginalName: "broken.pdf", StorageKey: "broken", UploadedBy: 7}
	require.NoError(t, repo.CreatePending(ctx, broken))
	_, err = repo.MarkFailed(ctx, "broken", "no text")
	require.NoError(t, err)

	inBio, err = repo.ListVisible(ctx, 7, bio)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bio.pdf", "handbook.pdf", "mine.pdf"}, names(inBio))

	unready, err := repo.ListUnready(ctx, 7, bio)
	require.NoError(t, err)
	assert.Equal(t, []string{"queued.pdf", "broken.pdf"}, names(unready))
	unready, err = repo.ListUnready(ctx, 7, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"broken.pdf"}, names(unready))
	unready, err = repo.ListUnready(ctx, 8, bio)
	require.NoError(t, err)
	assert.Empty(t, unready)
}

func TestMarkFailedDropsChunks(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(newTestDB(t))

	doc := &model.Document{OriginalName: "a.pdf", StorageKey: "a", Status: model.DocumentPending}
	require.NoError(t, repo.SaveWithChunks(ctx, doc, chunkTexts("one", "two")))
	stored, err := repo.FindByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentPending, stored.Status)

	failed, err := repo.MarkFailed(ctx, "a", "embedding quota exhausted")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, failed.ID)

	stored, err = repo.FindByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentFailed, stored.Status)
	assert.Equal(t, "embedding quota exhausted", stored.Error)
	assert.Zero(t, stored.ChunkCount)
	chunks, err := repo.FindChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	counts, err := repo.CountByPartition(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[model.GlobalPartition].Documents)

	require.NoError(t, repo.MarkReady(ctx, doc.ID))
	stored, err = repo.FindByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, stored.Ready())
	assert.Empty(t, stored.Error)

	_, err = repo.MarkFailed(ctx, "missing", "x")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteRemovesChunks(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(newTestDB(t))

	doc := &model.Document{OriginalName: "a.pdf", StorageKey: "a"}
	require.NoError(t, repo.SaveWithChunks(ctx, doc, chunkTexts("one", "two")))
	require.NoError(t, repo.Delete(ctx, doc.ID))

	chunks, err := repo.FindChunksByIDs(ctx, []string{model.ChunkID(doc.ID, 0), model.ChunkID(doc.ID, 1)})
	require.NoError(t, err)
	assert.Empty(t, chunks)

	assert.ErrorIs(t, repo.Delete(ctx, doc.ID), model.ErrNotFound)
	_, err = repo.FindByID(ctx, doc.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPartitionCountsAndBatches(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(newTestDB(t))
	bio := uintPtr(4)

	require.NoError(t, repo.SaveWithChunks(ctx, &model.Document{StorageKey: "g", OriginalName: "g.pdf"}, chunkTexts("1", "2")))
	require.NoError(t, repo.SaveWithChunks(ctx, &model.Document{StorageKey: "b", OriginalName: "b.pdf", SubjectID: bio}, chunkTexts("1", "2", "3")))

	counts, err := repo.CountByPartition(ctx)
	require.NoError(t, err)
	assert.Equal(t, PartitionCount{Documents: 1, Chunks: 2}, counts["global"])
	assert.Equal(t, PartitionCount{Documents: 1, Chunks: 3}, counts["subject-4"])

	var seen int
	err = repo.ForEachChunkBatch(ctx, "subject-4", 2, func(batch []model.Chunk) error {
		for _, c := range batch {
			require.NotNil(t, c.SubjectID)
			assert.Equal(t, uint(4), *c.SubjectID)
		}
		seen += len(batch)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, seen)

	assert.Error(t, repo.ForEachChunkBatch(ctx, "bogus", 2, func([]model.Chunk) error { return nil }))
}

func TestUpdateChunkVectors(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(newTestDB(t))
	doc := &model.Document{StorageKey: "v", OriginalName: "v.pdf"}
	require.NoError(t, repo.SaveWithChunks(ctx, doc, chunkTexts("x")))

	chunks, err := repo.FindChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	chunks[0].Vector = model.EncodeVector([]float32{0, 1, 0})
	chunks[0].EmbeddingModel = "new"
	chunks[0].Dimension = 3
	require.NoError(t, repo.UpdateChunkVectors(ctx, chunks))

	updated, err := repo.FindChunksByIDs(ctx, []string{chunks[0].ID})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, "new", updated[0].EmbeddingModel)
	assert.Equal(t, 3, updated[0].Dimension)
}

func TestConversationTurnsAreOrdered(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository(newTestDB(t))

	conv := &model.Conversation{UserID: 7, Title: "mitosis"}
	require.NoError(t, repo.Create(ctx, conv))

	for i, q := range []string{"q1", "q2", "q3"} {
		require.NoError(t, repo.AppendTurn(ctx, conv.ID,
			&model.Message{Sender: model.SenderUser, Content: q, Status: model.MessageAnswered},
			&model.Message{Sender: model.SenderAssistant, Content: "a" + q, Status: model.MessageAnswered,
				ContextUsed: []string{model.ChunkID(1, i)}, ContextType: model.ContextGrounded},
		))
	}

	all, err := repo.Messages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.Equal(t, []string{"1-2"}, []string(all[5].ContextUsed))

	recent, err := repo.RecentMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "q3", recent[0].Content)
	assert.Equal(t, "aq3", recent[1].Content)

	assert.ErrorIs(t, repo.AppendTurn(ctx, 999, &model.Message{Sender: model.SenderUser, Content: "x"}), model.ErrNotFound)
	orphans, err := repo.Messages(ctx, 999)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	list, err := repo.ListByUser(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEnrollIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewSubjectRepository(newTestDB(t))

	subject := &model.Subject{Name: "Biology", Code: "BIO101", IsActive: true, CreatedBy: 1}
	require.NoError(t, repo.Create(ctx, subject))
	require.NoError(t, repo.Enroll(ctx, 7, subject.ID))
	require.NoError(t, repo.Enroll(ctx, 7, subject.ID))

	ok, err := repo.IsEnrolled(ctx, 7, subject.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsEnrolled(ctx, 8, subject.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindByIDs(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(newTestDB(t))
	a := &model.Document{OriginalName: "a.pdf", StorageKey: "ka", UploadedBy: 1}
	b := &model.Document{OriginalName: "b.pdf", StorageKey: "kb", UploadedBy: 1}
	require.NoError(t, repo.SaveWithChunks(ctx, a, nil))
	require.NoError(t, repo.SaveWithChunks(ctx, b, nil))

	docs, err := repo.FindByIDs(ctx, []uint{b.ID, 999})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b.pdf", docs[0].OriginalName)

	docs, err = repo.FindByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestStaleDocumentIDs(t *testing.T) {
	ctx := context.Background()
	repo := NewDocumentRepository(newTestDB(t))

	fresh := &model.Document{OriginalName: "a.pdf", StorageKey: "a", UploadedBy: 1}
	require.NoError(t, repo.SaveWithChunks(ctx, fresh, chunkTexts("x", "y")))
	stale := &model.Document{OriginalName: "b.pdf", StorageKey: "b", UploadedBy: 1}
	old := chunkTexts("z", "w")
	old[1].EmbeddingModel = "old-model"
	require.NoError(t, repo.SaveWithChunks(ctx, stale, old))

	ids, err := repo.StaleDocumentIDs(ctx, "m", 2)
	require.NoError(t, err)
	assert.Equal(t, []uint{stale.ID}, ids)

	ids, err = repo.StaleDocumentIDs(ctx, "m", 3)
	require.NoError(t, err)
	assert.Equal(t, []uint{fresh.ID, stale.ID}, ids)
}

func TestSubjectLookupAndDeactivate(t *testing.T) {
	ctx := context.Background()
	repo := NewSubjectRepository(newTestDB(t))

	subject := &model.Subject{Name: "Chemistry", Code: "CHEM101", IsActive: true, CreatedBy: 1}
	require.NoError(t, repo.Create(ctx, subject))

	found, err := repo.FindByCode(ctx, "CHEM101")
	require.NoError(t, err)
	assert.Equal(t, subject.ID, found.ID)
	_, err = repo.FindByCode(ctx, "NOPE")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, repo.SetActive(ctx, subject.ID, false))
	found, err = repo.FindByID(ctx, subject.ID)
	require.NoError(t, err)
	assert.False(t, found.IsActive)
	assert.ErrorIs(t, repo.SetActive(ctx, 999, true), model.ErrNotFound)
}
