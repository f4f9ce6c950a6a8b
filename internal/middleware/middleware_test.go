package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"studymate-go/internal/model"
	"studymate-go/pkg/token"
)

type users map[uint]*model.User

func (u users) FindByID(_ context.Context, id uint) (*model.User, error) {
	if user, ok := u[id]; ok {
		return user, nil
	}
	return nil, model.ErrNotFound
}

func newRouter(jwt *token.JWTManager, lookup UserLookup) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	api := r.Group("/api", AuthMiddleware(jwt, lookup))
	api.GET("/me", func(c *gin.Context) {
		p, _ := PrincipalFrom(c)
		c.JSON(http.StatusOK, gin.H{"userId": p.UserID, "role": p.Role})
	})
	api.GET("/admin", AdminAuthMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func do(r http.Handler, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	jwt := token.NewJWTManager("secret", 1)
	r := newRouter(jwt, users{
		1: {ID: 1, Role: model.RoleStudent},
		2: {ID: 2, Role: model.RoleAdmin},
	})

	w := do(r, "/api/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = do(r, "/api/me", "not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 角色以用户表为准，token 中的角色被忽略
	tok, err := jwt.GenerateToken(1, "s@example.com", model.RoleAdmin)
	require.NoError(t, err)
	w = do(r, "/api/me", tok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":1,"role":"STUDENT"}`, w.Body.String())
	assert.Equal(t, http.StatusForbidden, do(r, "/api/admin", tok).Code)

	adminTok, err := jwt.GenerateToken(2, "a@example.com", model.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, do(r, "/api/admin", adminTok).Code)

	ghost, err := jwt.GenerateToken(9, "g@example.com", model.RoleStudent)
	require.NoError(t, err)
	w = do(r, "/api/me", ghost)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "用户不存在"))
}

func TestRequestLoggerKeepsIncomingRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger())
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]string
		require.NoError(t, c.ShouldBindJSON(&body))
		c.JSON(http.StatusOK, body)
	})

	req := httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(`{"q":"mitosis"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))
	assert.JSONEq(t, `{"q":"mitosis"}`, w.Body.String())
}
