package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"studymate-go/internal/config"
	"studymate-go/internal/model"
	"studymate-go/internal/pipeline"
	"studymate-go/internal/repository"
	"studymate-go/internal/vectorindex"
	"studymate-go/pkg/database"
	"studymate-go/pkg/embedding"
	"studymate-go/pkg/llm"
	"studymate-go/pkg/lock"
	"studymate-go/pkg/storage"
	"studymate-go/pkg/tasks"
)

const testDims = 512

var biology = strings.Join([]string{
	"Photosynthesis converts light energy into chemical energy inside chloroplasts of plant cells.",
	"Mitosis is the division of a nucleus into two genetically identical daughter nuclei.",
	"The Krebs cycle oxidises acetyl groups to carbon dioxide within the mitochondrial matrix.",
}, "\n\n")

const algebra = "A quadratic equation has at most two real roots, found with the quadratic formula."

var (
	student = model.Principal{UserID: 1, Role: model.RoleStudent}
	other   = model.Principal{UserID: 2, Role: model.RoleStudent}
	admin   = model.Principal{UserID: 3, Role: model.RoleAdmin}
)

func uintPtr(v uint) *uint { return &v }

func pdf(text string) []byte {
	return []byte("%PDF-1.4\n" + text)
}

// textExtractor 把 PDF 头之后的内容当作提取出的文本。
type textExtractor struct{}

func (textExtractor) ExtractText(_ context.Context, r io.Reader, _ string) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(string(b), "%PDF-1.4\n"), nil
}

// fakeLLM 记录收到的提示词并返回固定答案。block 为 true 时一直等到 ctx 结束。
type fakeLLM struct {
	mu     sync.Mutex
	answer string
	err    error
	block  bool
	calls  [][]llm.Message
}

func (f *fakeLLM) record(messages []llm.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]llm.Message(nil), messages...))
}

func (f *fakeLLM) lastCall() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeLLM) Generate(ctx context.Context, messages []llm.Message, _ *llm.GenerationParams) (string, error) {
	f.record(messages)
	if f.block {
		<-ctx.Done()
		return "", &model.GenerationServiceError{Provider: "fake", Reason: "timeout", Retryable: true, Err: ctx.Err()}
	}
	return f.answer, f.err
}

func (f *fakeLLM) Stream(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (llm.Stream, error) {
	answer, err := f.Generate(ctx, messages, gen)
	if err != nil {
		return nil, err
	}
	return &fakeStream{fragments: strings.SplitAfter(answer, " ")}, nil
}

func (f *fakeLLM) ModelName() string { return "fake-llm" }

type fakeStream struct {
	fragments []string
}

func (s *fakeStream) Next() (string, error) {
	if len(s.fragments) == 0 {
		return "", io.EOF
	}
	frag := s.fragments[0]
	s.fragments = s.fragments[1:]
	return frag, nil
}

func (s *fakeStream) Close() error { return nil }

// fakeQueue 记录投递的入库任务。
type fakeQueue struct {
	tasks []tasks.IngestTask
	err   error
}

func (q *fakeQueue) ProduceIngestTask(_ context.Context, task tasks.IngestTask) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

type fixture struct {
	db       *gorm.DB
	docs     repository.DocumentRepository
	subjects repository.SubjectRepository
	users    repository.UserRepository
	convRepo repository.ConversationRepository
	index    *vectorindex.Registry
	embedder embedding.Client
	locker   lock.Locker
	store    *storage.LocalStore
	ingestor *pipeline.Ingestor
	llm      *fakeLLM

	scopes    ScopeService
	search    SearchService
	documents DocumentService
	convs     ConversationService
	chat      *chatService
	indexes   IndexService
	admin     AdminService

	bio *model.Subject
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, repository.AutoMigrate(db))
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		docs:     repository.NewDocumentRepository(db),
		subjects: repository.NewSubjectRepository(db),
		users:    repository.NewUserRepository(db),
		convRepo: repository.NewConversationRepository(db),
		embedder: embedding.NewLocalClient(testDims),
		locker:   lock.NewLocalLocker(),
		store:    store,
		llm:      &fakeLLM{answer: "Mitosis produces two identical nuclei [1]."},
	}
	f.index = vectorindex.NewRegistry(f.embedder.ModelName(), testDims, nil)
	f.ingestor = pipeline.NewIngestor(textExtractor{}, f.embedder, f.docs, f.index, f.locker,
		config.IngestConfig{ChunkSize: 120, ChunkOverlap: 0, LockTTL: time.Minute},
		config.EmbeddingConfig{BatchSize: 2, Parallelism: 2},
	)

	promptCfg := config.LLMPromptConfig{
		Rules:          "Answer from the context and cite [n].",
		UngroundedRule: "No course material is available; answer from general knowledge.",
		MaxChars:       4000,
		HistoryTurns:   3,
	}
	ragCfg := config.RAGConfig{TopK: 3}
	f.scopes = NewScopeService(f.docs, f.subjects)
	f.search = NewSearchService(f.embedder, f.index, f.docs, f.scopes, ragCfg)
	f.documents = NewDocumentService(f.docs, f.subjects, f.scopes, f.index, f.store, f.ingestor, nil, config.IngestConfig{MaxFileSize: 1 << 20})
	f.convs = NewConversationService(f.convRepo)
	f.chat = NewChatService(f.scopes, f.search, NewPromptComposer(promptCfg), f.llm, f.convs, f.convRepo, ragCfg, promptCfg).(*chatService)
	f.indexes = NewIndexService(f.docs, f.index, f.embedder, f.locker, 4)
	f.admin = NewAdminService(f.subjects, f.users)

	for _, p := range []model.Principal{student, other, admin} {
		require.NoError(t, f.users.Create(ctx, &model.User{ID: p.UserID, Email: fmt.Sprintf("user%d@example.com", p.UserID), Role: p.Role}))
	}
	f.bio, err = f.admin.CreateSubject(ctx, admin, CreateSubjectRequest{Name: "Biology", Code: "bio101"})
	require.NoError(t, err)
	require.NoError(t, f.admin.Enroll(ctx, student.UserID, f.bio.ID))
	return f
}

// uploadBiology 由管理员把生物资料上传到 Biology 学科。
func (f *fixture) uploadBiology(t *testing.T) *model.Document {
	t.Helper()
	res, err := f.documents.Upload(context.Background(), admin, UploadRequest{
		FileName:  "cells.pdf",
		Data:      pdf(biology),
		SubjectID: &f.bio.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Document)
	return res.Document
}
