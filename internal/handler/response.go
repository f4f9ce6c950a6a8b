// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"studymate-go/internal/middleware"
	"studymate-go/internal/model"
	"studymate-go/pkg/lock"
	"studymate-go/pkg/log"
)

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{"code": status, "message": message, "data": data})
}

func ok(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, "success", data)
}

// statusFor 把业务错误映射为 HTTP 状态码。
func statusFor(err error) int {
	var genErr *model.GenerationServiceError
	var embedErr *model.EmbeddingServiceError
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, model.ErrEmptyDocument):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden), errors.Is(err, model.ErrScopeResolution):
		return http.StatusForbidden
	case errors.Is(err, lock.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &genErr), errors.As(err, &embedErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail 记录错误并返回统一格式的错误响应。5xx 只返回 fallback 文案。
func fail(c *gin.Context, scope string, err error, fallback string) {
	status := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		log.Errorf("[%s] %s: %v", scope, fallback, err)
		message = fallback
	} else {
		log.Warnf("[%s] %s: %v", scope, fallback, err)
	}
	respond(c, status, message, nil)
}

// principal 读取认证中间件写入的调用者，缺失时直接返回 500。
func principal(c *gin.Context) (model.Principal, bool) {
	p, found := middleware.PrincipalFrom(c)
	if !found {
		respond(c, http.StatusInternalServerError, "无法获取用户信息", nil)
	}
	return p, found
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("无效的 ID")
	}
	return uint(id), nil
}

// optionalID 解析可选的 ID 参数，空串返回 nil。
func optionalID(raw string) (*uint, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := parseID(raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
