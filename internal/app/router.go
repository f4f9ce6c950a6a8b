package app

import (
	"github.com/gin-gonic/gin"
	"studymate-go/internal/handler"
	"studymate-go/internal/middleware"
)

// Router 创建 gin 引擎并注册所有路由。
func (a *App) Router() *gin.Engine {
	gin.SetMode(a.Cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	userHandler := handler.NewUserHandler(a.Users)
	documentHandler := handler.NewDocumentHandler(a.Document, a.Cfg.Ingest.MaxFileSize)
	searchHandler := handler.NewSearchHandler(a.Search)
	conversationHandler := handler.NewConversationHandler(a.Conversation)
	chatHandler := handler.NewChatHandler(a.Chat, a.JWT, a.Users)
	adminHandler := handler.NewAdminHandler(a.Admin, a.IndexAdmin)

	auth := middleware.AuthMiddleware(a.JWT, a.Users)

	apiV1 := r.Group("/api/v1")
	apiV1.Use(auth)
	{
		apiV1.GET("/users/me", userHandler.Me)
		apiV1.GET("/subjects", adminHandler.ListSubjects)
		apiV1.GET("/search", searchHandler.Search)

		documents := apiV1.Group("/documents")
		{
			documents.POST("", documentHandler.Upload)
			documents.GET("", documentHandler.List)
			documents.DELETE("/:id", documentHandler.Delete)
			documents.GET("/:id/download", documentHandler.Download)
		}

		conversations := apiV1.Group("/conversations")
		{
			conversations.POST("", conversationHandler.Start)
			conversations.GET("", conversationHandler.List)
			conversations.GET("/:id/messages", conversationHandler.Messages)
		}

		apiV1.POST("/chat/ask", chatHandler.Ask)

		admin := apiV1.Group("/admin")
		admin.Use(middleware.AdminAuthMiddleware())
		{
			admin.POST("/subjects", adminHandler.CreateSubject)
			admin.GET("/subjects", adminHandler.ListSubjects)
			admin.PUT("/subjects/:id/active", adminHandler.SetSubjectActive)
			admin.POST("/subjects/:id/enrollments", adminHandler.Enroll)

			admin.GET("/index/status", adminHandler.IndexStatus)
			admin.POST("/index/rebuild", adminHandler.RebuildIndex)
			admin.POST("/index/reconcile", adminHandler.ReconcileIndex)
		}
	}

	// WebSocket 无法携带 Authorization 头，token 放在路径里。
	r.GET("/chat/:token", chatHandler.Stream)
	return r
}
