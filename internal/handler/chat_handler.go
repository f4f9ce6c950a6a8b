package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"studymate-go/internal/middleware"
	"studymate-go/internal/model"
	"studymate-go/internal/service"
	"studymate-go/pkg/log"
	"studymate-go/pkg/token"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// ChatHandler 负责处理问答请求，包括 HTTP 一问一答和 WebSocket 流式问答。
type ChatHandler struct {
	chatService service.ChatService
	jwtManager  *token.JWTManager
	users       middleware.UserLookup
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, jwtManager *token.JWTManager, users middleware.UserLookup) *ChatHandler {
	return &ChatHandler{chatService: chatService, jwtManager: jwtManager, users: users}
}

// TurnResponse 是一轮成功问答返回给前端的内容。
type TurnResponse struct {
	ConversationID uint                     `json:"conversationId"`
	MessageID      uint                     `json:"messageId"`
	Answer         string                   `json:"answer"`
	ContextType    string                   `json:"contextType"`
	Decision       string                   `json:"decision"`
	Sources        []service.RetrievedChunk `json:"sources"`
}

func newTurnResponse(res *service.TurnResult) TurnResponse {
	sources := res.Sources
	if sources == nil {
		sources = []service.RetrievedChunk{}
	}
	return TurnResponse{
		ConversationID: res.Conversation.ID,
		MessageID:      res.Reply.ID,
		Answer:         res.Reply.Content,
		ContextType:    res.Reply.ContextType,
		Decision:       res.Decision.String(),
		Sources:        sources,
	}
}

// failedTurn 描述失败的一轮。
func failedTurn(te *service.TurnError) gin.H {
	data := gin.H{"state": te.State}
	if te.Conversation != nil {
		data["conversationId"] = te.Conversation.ID
	}
	if te.Message != nil {
		data["messageId"] = te.Message.ID
	}
	return data
}

// Ask 处理一次非流式提问。
func (h *ChatHandler) Ask(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	var req service.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}

	res, err := h.chatService.Answer(c.Request.Context(), p, req)
	var te *service.TurnError
	switch {
	case errors.As(err, &te):
		status := statusFor(te.Err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		log.Warnf("[ChatHandler] 用户 %d 的提问失败: %v", p.UserID, err)
		respond(c, status, service.FailureNotice, failedTurn(te))
	case err != nil:
		fail(c, "ChatHandler", err, "处理提问失败")
	default:
		ok(c, newTurnResponse(res))
	}
}

// wsRequest 是客户端发来的消息。type 为 stop 时中止正在进行的回答，否则视为提问。
type wsRequest struct {
	Type string `json:"type"`
	service.AskRequest
}

// Stream 处理 WebSocket 连接。浏览器无法在握手时设置请求头，token 放在路径中。
func (h *ChatHandler) Stream(c *gin.Context) {
	p, err := middleware.Authenticate(c.Request.Context(), h.jwtManager, h.users, c.Param("token"))
	if err != nil {
		respond(c, http.StatusUnauthorized, err.Error(), nil)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("[ChatHandler] WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("[ChatHandler] WebSocket 连接已建立, 用户: %d", p.UserID)

	s := &wsSession{conn: conn, chat: h.chatService, principal: p}
	s.serve(c.Request.Context())
	log.Infof("[ChatHandler] WebSocket 连接已关闭, 用户: %d", p.UserID)
}

// wsSession 是一条 WebSocket 连接。同一时刻最多进行一轮问答，写操作串行化。
type wsSession struct {
	conn      *websocket.Conn
	chat      service.ChatService
	principal model.Principal

	writeMu sync.Mutex
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (s *wsSession) send(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSession) serve(ctx context.Context) {
	defer func() {
		s.stop()
		s.wg.Wait()
	}()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("[ChatHandler] 从 WebSocket 读取消息失败: %v", err)
			}
			return
		}

		var req wsRequest
		text := strings.TrimSpace(string(raw))
		if strings.HasPrefix(text, "{") {
			if err := json.Unmarshal(raw, &req); err != nil {
				_ = s.send(gin.H{"type": "error", "message": "无效的消息格式"})
				continue
			}
		} else {
			req.Question = text
		}

		if req.Type == "stop" {
			stopped := s.stop()
			_ = s.send(gin.H{"type": "stop", "stopped": stopped, "message": "响应已停止"})
			continue
		}
		s.start(ctx, req.AskRequest)
	}
}

// stop 取消正在进行的回答，返回是否确实有回答被取消。
func (s *wsSession) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func (s *wsSession) start(parent context.Context, req service.AskRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		_ = s.send(gin.H{"type": "error", "message": "上一个问题仍在回答中"})
		return
	}
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			s.cancel = nil
			s.mu.Unlock()
			s.wg.Done()
		}()
		s.answer(ctx, req)
	}()
}

func (s *wsSession) answer(ctx context.Context, req service.AskRequest) {
	res, err := s.chat.AnswerStream(ctx, s.principal, req, func(fragment string) error {
		return s.send(gin.H{"type": "chunk", "content": fragment})
	})
	if err != nil {
		log.Warnf("[ChatHandler] 流式回答失败, 用户 %d: %v", s.principal.UserID, err)
		event := gin.H{"type": "error", "message": service.FailureNotice}
		var te *service.TurnError
		if errors.As(err, &te) {
			for k, v := range failedTurn(te) {
				event[k] = v
			}
		} else if errors.Is(err, model.ErrInvalidInput) {
			event["message"] = err.Error()
		}
		_ = s.send(event)
		_ = s.send(gin.H{"type": "completion", "status": "failed"})
		return
	}
	_ = s.send(gin.H{"type": "completion", "status": "finished", "data": newTurnResponse(res)})
}
