package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gorm.io/datatypes"
	"studymate-go/internal/config"
	"studymate-go/internal/model"
	"studymate-go/internal/repository"
	"studymate-go/pkg/llm"
	"studymate-go/pkg/log"
)

// TurnState 是一轮问答所处的阶段。
type TurnState string

const (
	StateReceived      TurnState = "RECEIVED"
	StateScopeResolved TurnState = "SCOPE_RESOLVED"
	StateRetrieving    TurnState = "RETRIEVING"
	StateComposing     TurnState = "COMPOSING"
	StateGenerating    TurnState = "GENERATING"
	StateAnswered      TurnState = "ANSWERED"
	StateFailed        TurnState = "FAILED"
)

// FailureNotice 是失败轮次中助手消息的固定内容。
const FailureNotice = "Sorry, the assistant could not answer this question. Please try again."

const persistTimeout = 5 * time.Second

// AskRequest 是一轮提问。ConversationID 为 0 时新建对话。
type AskRequest struct {
	ConversationID uint   `json:"conversation_id"`
	SubjectID      *uint  `json:"subject_id"`
	Question       string `json:"question"`
}

// TurnResult 是成功的一轮问答。
type TurnResult struct {
	Conversation *model.Conversation
	Question     *model.Message
	Reply        *model.Message
	Decision     Decision
	// Sources 是实际进入提示词的分块，顺序与引用编号一致。
	Sources []RetrievedChunk
}

// TurnError 表示一轮问答失败。失败轮次已作为 failed 消息写入对话（Message 非空时）。
type TurnError struct {
	State        TurnState
	Conversation *model.Conversation
	Message      *model.Message
	Err          error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("chat turn failed in %s: %v", e.State, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// ChatService 协调一轮问答：解析作用域、检索、组装提示词、生成并记录结果。
type ChatService interface {
	Answer(ctx context.Context, principal model.Principal, req AskRequest) (*TurnResult, error)
	// AnswerStream 与 Answer 相同，但把生成的片段依次交给 onFragment。
	// onFragment 返回错误时本轮被中止并记为失败。消息在流结束后一次性写入。
	AnswerStream(ctx context.Context, principal model.Principal, req AskRequest, onFragment func(string) error) (*TurnResult, error)
}

type chatService struct {
	scopes       ScopeService
	search       SearchService
	composer     *PromptComposer
	llmClient    llm.Client
	convs        ConversationService
	repo         repository.ConversationRepository
	topK         int
	historyTurns int

	// onState 在每次状态迁移时被调用，测试用。
	onState func(TurnState)
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(
	scopes ScopeService,
	search SearchService,
	composer *PromptComposer,
	llmClient llm.Client,
	convs ConversationService,
	repo repository.ConversationRepository,
	ragCfg config.RAGConfig,
	promptCfg config.LLMPromptConfig,
) ChatService {
	return &chatService{
		scopes:       scopes,
		search:       search,
		composer:     composer,
		llmClient:    llmClient,
		convs:        convs,
		repo:         repo,
		topK:         ragCfg.TopK,
		historyTurns: promptCfg.HistoryTurns,
	}
}

func (s *chatService) Answer(ctx context.Context, principal model.Principal, req AskRequest) (*TurnResult, error) {
	return s.run(ctx, principal, req, nil)
}

func (s *chatService) AnswerStream(ctx context.Context, principal model.Principal, req AskRequest, onFragment func(string) error) (*TurnResult, error) {
	if onFragment == nil {
		onFragment = func(string) error { return nil }
	}
	return s.run(ctx, principal, req, onFragment)
}

type turn struct {
	s         *chatService
	principal model.Principal
	question  string
	conv      *model.Conversation
	state     TurnState
}

func (t *turn) enter(state TurnState) {
	t.state = state
	log.Debugf("[ChatService] conversation %d -> %s", t.conv.ID, state)
	if t.s.onState != nil {
		t.s.onState(state)
	}
}

// fail 记录失败轮次：用户消息与一条助手消息在同一事务写入，两条都标记为 failed，不包含任何上下文或猜测的答案。
// 调用方的 ctx 可能已被取消，因此写库使用脱离取消的 ctx。
func (t *turn) fail(ctx context.Context, err error) error {
	failedIn := t.state
	log.Errorf("[ChatService] 对话 %d 在 %s 阶段失败: %v", t.conv.ID, failedIn, err)
	userMsg := &model.Message{Sender: model.SenderUser, Content: t.question, Status: model.MessageFailed}
	reply := &model.Message{
		Sender:      model.SenderAssistant,
		Content:     FailureNotice,
		ContextUsed: datatypes.JSONSlice[string]{},
		Status:      model.MessageFailed,
		Error:       err.Error(),
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if perr := t.s.repo.AppendTurn(persistCtx, t.conv.ID, userMsg, reply); perr != nil {
		log.Errorf("[ChatService] 记录失败轮次出错, conversation %d: %v", t.conv.ID, perr)
		reply = nil
	}
	t.enter(StateFailed)
	return &TurnError{State: failedIn, Conversation: t.conv, Message: reply, Err: err}
}

func (s *chatService) run(ctx context.Context, principal model.Principal, req AskRequest, onFragment func(string) error) (*TurnResult, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is empty", model.ErrInvalidInput)
	}

	conv, err := s.convs.Resolve(ctx, principal, req.ConversationID, req.SubjectID, question)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}
	t := &turn{s: s, principal: principal, question: question, conv: conv}
	t.enter(StateReceived)

	subjectID := req.SubjectID
	if subjectID == nil {
		subjectID = conv.SubjectID
	}

	// 1. 作用域：无权访问按空作用域处理
	scope, err := s.scopes.Resolve(ctx, principal, subjectID)
	if errors.Is(err, model.ErrScopeResolution) {
		log.Warnf("[ChatService] %v, 使用空作用域", err)
		scope, err = model.EmptyScope(subjectID), nil
	}
	if err != nil {
		return nil, t.fail(ctx, err)
	}
	t.enter(StateScopeResolved)

	// 2. 检索
	decision := ClassifyQuestion(question, scope)
	var chunks []RetrievedChunk
	if decision == DecisionRetrieve {
		t.enter(StateRetrieving)
		chunks, err = s.search.Retrieve(ctx, question, scope, s.topK)
		if err != nil {
			return nil, t.fail(ctx, err)
		}
	}

	// 3. 组装提示词
	var history []model.Message
	if s.historyTurns > 0 {
		history, err = s.repo.RecentMessages(ctx, conv.ID, s.historyTurns*2)
		if err != nil {
			return nil, t.fail(ctx, fmt.Errorf("failed to load conversation history: %w", err))
		}
	}
	t.enter(StateComposing)
	prompt := s.composer.Compose(question, chunks, history)

	// 4. 生成
	t.enter(StateGenerating)
	answer, err := s.generate(ctx, prompt, onFragment)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil && strings.TrimSpace(answer) == "" {
		err = &model.GenerationServiceError{Provider: s.llmClient.ModelName(), Reason: "empty completion", Err: errors.New("model returned no text")}
	}
	if err != nil {
		return nil, t.fail(ctx, err)
	}

	// 5. 记录
	contextType := model.ContextUngrounded
	if prompt.Grounded() {
		contextType = model.ContextGrounded
	}
	userMsg := &model.Message{Sender: model.SenderUser, Content: question}
	reply := &model.Message{
		Sender:      model.SenderAssistant,
		Content:     answer,
		ContextUsed: datatypes.JSONSlice[string](append([]string{}, prompt.Sources...)),
		ContextType: contextType,
		Status:      model.MessageAnswered,
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.repo.AppendTurn(persistCtx, conv.ID, userMsg, reply); err != nil {
		log.Errorf("[ChatService] 保存对话失败, conversation %d: %v", conv.ID, err)
		t.enter(StateFailed)
		return nil, &TurnError{State: StateGenerating, Conversation: conv, Err: fmt.Errorf("failed to save turn: %w", err)}
	}
	t.enter(StateAnswered)
	log.Infof("[ChatService] 对话 %d 回答完成, decision: %s, context: %s, sources: %v", conv.ID, decision, contextType, prompt.Sources)

	return &TurnResult{
		Conversation: conv,
		Question:     userMsg,
		Reply:        reply,
		Decision:     decision,
		Sources:      usedChunks(chunks, prompt.Sources),
	}, nil
}

func (s *chatService) generate(ctx context.Context, prompt Prompt, onFragment func(string) error) (string, error) {
	if onFragment == nil {
		return s.llmClient.Generate(ctx, prompt.Messages, nil)
	}
	stream, err := s.llmClient.Stream(ctx, prompt.Messages, nil)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var b strings.Builder
	for {
		frag, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", err
		}
		b.WriteString(frag)
		if err := onFragment(frag); err != nil {
			return "", fmt.Errorf("stream aborted: %w", err)
		}
	}
}

func usedChunks(chunks []RetrievedChunk, ids []string) []RetrievedChunk {
	byID := make(map[string]RetrievedChunk, len(chunks))
	for _, c := range chunks {
		byID[c.ChunkID] = c
	}
	out := make([]RetrievedChunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}
