package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"studymate-go/internal/service"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

type startConversationRequest struct {
	SubjectID *uint  `json:"subject_id"`
	Title     string `json:"title"`
}

func (h *ConversationHandler) Start(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	var req startConversationRequest
	// 请求体可以为空
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	conv, err := h.service.Start(c.Request.Context(), p, req.SubjectID, req.Title)
	if err != nil {
		fail(c, "ConversationHandler", err, "创建对话失败")
		return
	}
	respond(c, http.StatusCreated, "success", conv)
}

func (h *ConversationHandler) List(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	convs, err := h.service.List(c.Request.Context(), p)
	if err != nil {
		fail(c, "ConversationHandler", err, "获取对话列表失败")
		return
	}
	ok(c, convs)
}

func (h *ConversationHandler) Messages(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		respond(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	msgs, err := h.service.History(c.Request.Context(), p, id)
	if err != nil {
		fail(c, "ConversationHandler", err, "获取对话历史失败")
		return
	}
	ok(c, msgs)
}
