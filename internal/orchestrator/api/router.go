package api

import (
	"github.com/gin-gonic/gin"

	"github.com/botforge/botforge/internal/common/httpmw"
	"github.com/botforge/botforge/internal/common/logger"
)

// NewRouter builds the orchestrator status API.
func NewRouter(sessions Sessions, checkpoints Checkpoints, log *logger.Logger) *gin.Engine {
	handler := NewHandler(sessions, checkpoints, log)

	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.OtelTracing("orchestrator"))
	router.Use(httpmw.RequestLogger(log))
	router.Use(httpmw.ErrorHandler(log))
	router.Use(httpmw.CORS())

	router.GET("/health", handler.HealthCheck)

	apiV1 := router.Group("/api/v1")
	apiV1.Use(httpmw.RateLimit(50))
	{
		apiV1.GET("/sessions/:userId", handler.GetSession)
		apiV1.GET("/jobs/:jobId", handler.GetJob)
		apiV1.GET("/threads/:threadId", handler.GetThread)
	}

	return router
}
