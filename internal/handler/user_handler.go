package handler

import (
	"github.com/gin-gonic/gin"
	"studymate-go/internal/middleware"
)

// UserHandler 返回当前登录用户的信息。用户账户由外部认证系统维护。
type UserHandler struct {
	users middleware.UserLookup
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(users middleware.UserLookup) *UserHandler {
	return &UserHandler{users: users}
}

func (h *UserHandler) Me(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	user, err := h.users.FindByID(c.Request.Context(), p.UserID)
	if err != nil {
		fail(c, "UserHandler", err, "获取用户信息失败")
		return
	}
	ok(c, user)
}
