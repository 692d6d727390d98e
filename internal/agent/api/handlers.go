package api

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// AgentManager is the lifecycle surface the read API exposes.
type AgentManager interface {
	List() []*v1.AgentInfo
	Types() []v1.AgentTypeInfo
	Status(ctx context.Context, agentID string) (*v1.AgentInfo, error)
	Logs(ctx context.Context, agentID string, tail string) (string, error)
	Delete(ctx context.Context, agentID string) error
}

// Handler contains HTTP handlers for the agent manager API
type Handler struct {
	manager AgentManager
	logger  *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(mgr AgentManager, log *logger.Logger) *Handler {
	return &Handler{
		manager: mgr,
		logger:  log.WithFields(zap.String("component", "agent-api")),
	}
}

// ListAgents returns all tracked agent containers
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.manager.List()
	c.JSON(http.StatusOK, AgentsListResponse{
		Agents: agents,
		Total:  len(agents),
	})
}

// ListAgentTypes returns available agent types
// GET /api/v1/agents/types
func (h *Handler) ListAgentTypes(c *gin.Context) {
	types := h.manager.Types()
	c.JSON(http.StatusOK, AgentTypesListResponse{
		Types: types,
		Total: len(types),
	})
}

// GetAgentStatus returns one agent's current state
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgentStatus(c *gin.Context) {
	agentID := c.Param("agentId")

	info, err := h.manager.Status(c.Request.Context(), agentID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetAgentLogs returns the tail of an agent's container logs
// GET /api/v1/agents/:agentId/logs
func (h *Handler) GetAgentLogs(c *gin.Context) {
	agentID := c.Param("agentId")
	tail := c.DefaultQuery("tail", "100")

	raw, err := h.manager.Logs(c.Request.Context(), agentID, tail)
	if err != nil {
		h.respondError(c, err)
		return
	}

	logs := []LogEntry{}
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		// Skip Docker multiplex header bytes if present
		if len(line) > 8 {
			line = line[8:]
		}
		logs = append(logs, LogEntry{Message: line, Stream: "stdout"})
	}

	c.JSON(http.StatusOK, LogsResponse{
		Logs:  logs,
		Total: len(logs),
	})
}

// DeleteAgent removes an agent container
// DELETE /api/v1/agents/:agentId
func (h *Handler) DeleteAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	if err := h.manager.Delete(c.Request.Context(), agentID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent deleted"})
}

// HealthCheck returns health status
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	if !errors.IsNotFound(err) {
		h.logger.Error("agent API request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(errors.GetHTTPStatus(err), gin.H{
		"error": err.Error(),
		"code":  errors.Code(err),
	})
}
