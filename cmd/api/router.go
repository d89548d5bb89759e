package main

import (
	"github.com/aether-im/aether/internal/middleware"

	"github.com/gin-gonic/gin"
)

// newRouter wires every route. Auth endpoints that accept credentials sit
// behind the per-email rate limiter; everything else behind the bearer check.
func (s *apiServer) newRouter(limiter *middleware.LimiterStore) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.cors())

	authGroup := r.Group("/api/auth")
	{
		authGroup.POST("/register", middleware.RateLimit(limiter), s.register)
		authGroup.POST("/login", middleware.RateLimit(limiter), s.login)
		authGroup.POST("/logout", s.authRequired(), s.logout)
	}

	users := r.Group("/api/users", s.authRequired())
	{
		users.GET("", s.searchUsers)
		users.PUT("/profile", s.updateProfile)
		users.PUT("/password", s.updatePassword)
	}

	chats := r.Group("/api/chats", s.authRequired())
	{
		chats.GET("", s.listChats)
		chats.POST("/access", s.accessChat)
		chats.GET("/:chatID/messages", s.getMessages)
		chats.POST("/:chatID/messages", s.sendMessage)
		chats.DELETE("/:chatID/messages/:messageID", s.deleteMessage)
		chats.DELETE("/:chatID/messages", s.clearHistory)
		chats.POST("/:chatID/leave", s.leaveChat)
	}

	r.GET("/ws", s.authRequired(), s.handleWS)

	return r
}
