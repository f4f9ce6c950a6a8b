package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"studymate-go/internal/model"
	"studymate-go/internal/repository"
)

const maxTitleRunes = 100

// ConversationService 定义了对话业务逻辑的接口。
type ConversationService interface {
	Start(ctx context.Context, principal model.Principal, subjectID *uint, title string) (*model.Conversation, error)
	List(ctx context.Context, principal model.Principal) ([]model.Conversation, error)
	// History 返回对话的全部消息，只有对话的所有者可以读取。
	History(ctx context.Context, principal model.Principal, conversationID uint) ([]model.Message, error)
	// Resolve 返回用户本轮使用的对话：ID 无效或属于他人时以问题为标题新建一个。
	Resolve(ctx context.Context, principal model.Principal, conversationID uint, subjectID *uint, question string) (*model.Conversation, error)
}

type conversationService struct {
	repo repository.ConversationRepository
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(repo repository.ConversationRepository) ConversationService {
	return &conversationService{repo: repo}
}

func (s *conversationService) Start(ctx context.Context, principal model.Principal, subjectID *uint, title string) (*model.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New conversation"
	}
	conv := &model.Conversation{UserID: principal.UserID, SubjectID: subjectID, Title: titleFrom(title)}
	if err := s.repo.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (s *conversationService) List(ctx context.Context, principal model.Principal) ([]model.Conversation, error) {
	return s.repo.ListByUser(ctx, principal.UserID)
}

func (s *conversationService) History(ctx context.Context, principal model.Principal, conversationID uint) ([]model.Message, error) {
	conv, err := s.repo.FindByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != principal.UserID && !principal.IsAdmin() {
		return nil, model.ErrNotFound
	}
	return s.repo.Messages(ctx, conversationID)
}

func (s *conversationService) Resolve(ctx context.Context, principal model.Principal, conversationID uint, subjectID *uint, question string) (*model.Conversation, error) {
	if conversationID != 0 {
		conv, err := s.repo.FindByID(ctx, conversationID)
		switch {
		case err == nil && conv.UserID == principal.UserID:
			return conv, nil
		case err != nil && !errors.Is(err, model.ErrNotFound):
			return nil, err
		}
	}
	return s.Start(ctx, principal, subjectID, question)
}

// titleFrom 用问题生成标题，超过 100 个字符时截断并加省略号。
func titleFrom(question string) string {
	r := []rune(question)
	if len(r) <= maxTitleRunes {
		return question
	}
	return string(r[:maxTitleRunes-3]) + "..."
}
