package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRoutes configures the orchestrator API routes under /api/v1.
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	router.GET("/status", handler.GetStatus)
	router.POST("/cleanup", handler.Cleanup)
	router.POST("/spawn/batch", handler.BatchSpawn)
	router.GET("/projects/:id/outcomes", handler.GetOutcomes)

	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.SpawnSession)
		sessions.POST("/orchestrator", handler.SpawnOrchestrator)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:id", handler.GetSession)
		sessions.DELETE("/:id", handler.KillSession)
		sessions.POST("/:id/send", handler.SendMessage)
		sessions.POST("/:id/restore", handler.RestoreSession)
	}
}

// SetupHealth registers the top-level liveness probe.
func SetupHealth(engine *gin.Engine) {
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
