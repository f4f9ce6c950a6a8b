// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"studymate-go/internal/model"
)

// ConversationRepository 定义了对话与消息的持久化操作。
type ConversationRepository interface {
	Create(ctx context.Context, conv *model.Conversation) error
	FindByID(ctx context.Context, id uint) (*model.Conversation, error)
	ListByUser(ctx context.Context, userID uint) ([]model.Conversation, error)
	Messages(ctx context.Context, conversationID uint) ([]model.Message, error)
	RecentMessages(ctx context.Context, conversationID uint, limit int) ([]model.Message, error)
	AppendTurn(ctx context.Context, conversationID uint, msgs ...*model.Message) error
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(db *gorm.DB) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *conversationRepository) FindByID(ctx context.Context, id uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &conv, nil
}

func (r *conversationRepository) ListByUser(ctx context.Context, userID uint) ([]model.Conversation, error) {
	var convs []model.Conversation
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("updated_at DESC").Order("id DESC").Find(&convs).Error
	return convs, err
}

// Messages 按时间顺序返回对话的全部消息。
func (r *conversationRepository) Messages(ctx context.Context, conversationID uint) ([]model.Message, error) {
	var msgs []model.Message
	err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("id").Find(&msgs).Error
	return msgs, err
}

// RecentMessages 返回最近 limit 条消息，按时间顺序排列。
func (r *conversationRepository) RecentMessages(ctx context.Context, conversationID uint, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var msgs []model.Message
	err := r.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("id DESC").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AppendTurn 在一个事务内追加一轮的所有消息并刷新对话的更新时间，
// 要么全部写入，要么都不写入。
func (r *conversationRepository) AppendTurn(ctx context.Context, conversationID uint, msgs ...*model.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range msgs {
			m.ConversationID = conversationID
			if m.Timestamp.IsZero() {
				m.Timestamp = time.Now()
			}
			if err := tx.Create(m).Error; err != nil {
				return err
			}
		}
		res := tx.Model(&model.Conversation{}).Where("id = ?", conversationID).
			Update("updated_at", time.Now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrNotFound
		}
		return nil
	})
}
