package api

import (
	"github.com/gin-gonic/gin"

	"github.com/botforge/botforge/internal/common/logger"
)

// SetupRoutes configures the agent manager API routes.
// router should be the /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, mgr AgentManager, log *logger.Logger) {
	handler := NewHandler(mgr, log)

	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.GET("/types", handler.ListAgentTypes)

		agents.GET("/:agentId", handler.GetAgentStatus)
		agents.GET("/:agentId/logs", handler.GetAgentLogs)
		agents.DELETE("/:agentId", handler.DeleteAgent)
	}
}
