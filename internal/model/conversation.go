// Package model 包含了应用的数据模型定义。
package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"

	ContextGrounded   = "grounded"
	ContextUngrounded = "ungrounded"

	MessageAnswered = "answered"
	MessageFailed   = "failed"
)

// Conversation 是一个用户的一组有序聊天消息，可选绑定到某个学科。
type Conversation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"userId"`
	SubjectID *uint     `gorm:"index" json:"subjectId"`
	Title     string    `gorm:"type:varchar(200);not null" json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message 是对话中的一条消息。助手消息记录本轮实际进入提示词的分块（ContextUsed）
// 以及本轮是否有检索上下文（ContextType）。失败的轮次 Status 为 failed，且不带上下文。
type Message struct {
	ID             uint                       `gorm:"primaryKey" json:"id"`
	ConversationID uint                       `gorm:"index;not null" json:"conversationId"`
	Sender         string                     `gorm:"type:varchar(16);not null" json:"sender"`
	Content        string                     `gorm:"type:text;not null" json:"content"`
	Timestamp      time.Time                  `gorm:"not null" json:"timestamp"`
	ContextUsed    datatypes.JSONSlice[string] `json:"contextUsed"`
	ContextType    string                     `gorm:"type:varchar(16)" json:"contextType,omitempty"`
	Status         string                     `gorm:"type:varchar(16);not null;default:answered" json:"status"`
	Error          string                     `gorm:"type:text" json:"error,omitempty"`
}

func (Message) TableName() string {
	return "messages"
}

// Failed 表示该消息记录的是一次失败的轮次。
func (m *Message) Failed() bool {
	return m.Status == MessageFailed
}
