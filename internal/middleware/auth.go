// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"studymate-go/internal/model"
	"studymate-go/pkg/log"
	"studymate-go/pkg/token"
)

const principalKey = "principal"

// UserLookup 按 ID 查询用户，repository.UserRepository 满足该接口。
type UserLookup interface {
	FindByID(ctx context.Context, userID uint) (*model.User, error)
}

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// token 只用来确认身份，角色以用户表为准，验证通过后把 model.Principal 存入上下文。
func AuthMiddleware(jwtManager *token.JWTManager, users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含授权头"})
			return
		}
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的授权头格式"})
			return
		}

		principal, err := Authenticate(c.Request.Context(), jwtManager, users, strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": err.Error()})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// Authenticate 校验 token 并加载用户，WebSocket 握手等无法使用请求头的场景直接调用它。
func Authenticate(ctx context.Context, jwtManager *token.JWTManager, users UserLookup, tokenString string) (model.Principal, error) {
	claims, err := jwtManager.VerifyToken(tokenString)
	if err != nil {
		return model.Principal{}, errInvalidToken
	}
	user, err := users.FindByID(ctx, claims.UserID)
	if err != nil {
		// 用户可能已被认证系统删除
		log.Warnf("[Auth] token 中的用户 %d 无法加载: %v", claims.UserID, err)
		return model.Principal{}, errUnknownUser
	}
	return model.Principal{UserID: user.ID, Role: user.Role}, nil
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errInvalidToken authError = "无效或已过期的 token"
	errUnknownUser  authError = "用户不存在"
)

// PrincipalFrom 读取 AuthMiddleware 写入的调用者。
func PrincipalFrom(c *gin.Context) (model.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return model.Principal{}, false
	}
	p, ok := v.(model.Principal)
	return p, ok
}
