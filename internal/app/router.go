package app

import (
	"school_im_backend/docs"
	"school_im_backend/internal/config"
	"school_im_backend/internal/middleware"
	"school_im_backend/internal/model"
	"school_im_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, repos *repositories, cfg *config.Config) {
	docs.SwaggerInfo.BasePath = "/api"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
		public.POST("/register", c.auth.Register)
		public.POST("/login", c.auth.Login)
	}

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg), middleware.ActivityMiddleware(repos.user))
	{
		authGroup.GET("/profile", c.auth.GetProfile)

		chat := authGroup.Group("/chat")
		{
			chat.GET("/ws", c.chat.HandleWS)
			chat.GET("/contacts", c.chat.GetContacts)
			chat.GET("/unread", c.chat.GetUnreadTotal)

			chat.POST("/direct", c.chat.CreateDirect)
			chat.POST("/groups", c.chat.CreateGroup)
			chat.POST("/groups/:groupId/conversation", c.chat.BindCourseGroup)

			chat.GET("/conversations", c.chat.ListConversations)
			chat.GET("/conversations/:id", c.chat.GetConversation)
			chat.DELETE("/conversations/:id", c.chat.HideConversation)
			chat.GET("/conversations/:id/messages", c.chat.GetMessages)
			chat.POST("/conversations/:id/messages", c.chat.SendMessage)
			chat.POST("/conversations/:id/read", c.chat.MarkRead)
			chat.POST("/conversations/:id/mute", c.chat.MuteConversation)
			chat.POST("/conversations/:id/pin", c.chat.PinConversation)
			chat.POST("/conversations/:id/leave", c.chat.LeaveConversation)

			chat.PUT("/messages/:messageId", c.chat.EditMessage)
			chat.DELETE("/messages/:messageId", c.chat.DeleteMessage)
			chat.GET("/messages/:messageId/receipts", c.chat.GetMessageReceipts)
		}

		broadcasts := authGroup.Group("/broadcasts")
		{
			broadcasts.POST("", c.broadcast.Send)
			broadcasts.GET("", c.broadcast.List)
			broadcasts.GET("/sent", c.broadcast.ListSent)
			broadcasts.GET("/audience-count", c.broadcast.AudienceCount)
			broadcasts.POST("/:id/read", c.broadcast.MarkRead)
		}

		push := authGroup.Group("/push")
		{
			push.POST("/subscriptions", c.push.Subscribe)
			push.DELETE("/subscriptions", c.push.Unsubscribe)
		}
	}

	// 3. 管理员接口：监督读取、审计、维护、审核词表
	admin := router.Group("/api/admin")
	admin.Use(middleware.AuthMiddleware(cfg), middleware.RoleMiddleware(model.Admin))
	{
		admin.GET("/conversations", c.admin.ListConversations)
		admin.POST("/conversations/:id/messages", c.admin.ReadConversation)
		admin.POST("/conversations/:id/archive", c.admin.ArchiveConversation)
		admin.GET("/users/:userId/conversations", c.admin.ListUserConversations)
		admin.GET("/access-logs", c.admin.ListAccessLogs)

		admin.POST("/maintenance/archive", c.admin.RunArchive)
		admin.POST("/maintenance/purge-logs", c.admin.RunLogPurge)

		admin.POST("/moderation/words", c.admin.AddModerationWord)
		admin.DELETE("/moderation/words/:word", c.admin.RemoveModerationWord)
	}
}
