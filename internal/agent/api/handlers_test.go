package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

type mockManager struct {
	agents  map[string]*v1.AgentInfo
	deleted []string
}

func newMockManager() *mockManager {
	return &mockManager{agents: make(map[string]*v1.AgentInfo)}
}

func (m *mockManager) List() []*v1.AgentInfo {
	out := make([]*v1.AgentInfo, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	return out
}

func (m *mockManager) Types() []v1.AgentTypeInfo {
	return []v1.AgentTypeInfo{
		{Name: "claude", Description: "Claude Code CLI", BaseImage: "node:20-bookworm"},
		{Name: "shell", Description: "plain shell sandbox", BaseImage: "debian:bookworm-slim"},
	}
}

func (m *mockManager) Status(_ context.Context, agentID string) (*v1.AgentInfo, error) {
	a, ok := m.agents[agentID]
	if !ok {
		return nil, apperrors.NotFound("agent", agentID)
	}
	return a, nil
}

func (m *mockManager) Logs(_ context.Context, agentID string, _ string) (string, error) {
	if _, ok := m.agents[agentID]; !ok {
		return "", apperrors.NotFound("agent", agentID)
	}
	return "line one\nline two\n", nil
}

func (m *mockManager) Delete(_ context.Context, agentID string) error {
	if _, ok := m.agents[agentID]; !ok {
		return apperrors.NotFound("agent", agentID)
	}
	delete(m.agents, agentID)
	m.deleted = append(m.deleted, agentID)
	return nil
}

func newTestRouter(mgr AgentManager) *gin.Engine {
	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), mgr, newTestLogger())
	return router
}

func TestListAgents(t *testing.T) {
	mgr := newMockManager()
	mgr.agents["a1"] = &v1.AgentInfo{ID: "a1", AgentType: "claude", State: v1.AgentStateIdle, CreatedAt: time.Now()}
	router := newTestRouter(mgr)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp AgentsListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "a1", resp.Agents[0].ID)
}

func TestListAgentTypes(t *testing.T) {
	router := newTestRouter(newMockManager())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/types", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp AgentTypesListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
}

func TestGetAgentStatus(t *testing.T) {
	mgr := newMockManager()
	mgr.agents["a1"] = &v1.AgentInfo{ID: "a1", State: v1.AgentStateRunning}
	router := newTestRouter(mgr)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/a1", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var info v1.AgentInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, v1.AgentStateRunning, info.State)
}

func TestGetAgentStatusNotFound(t *testing.T) {
	router := newTestRouter(newMockManager())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/ghost", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAgentLogs(t *testing.T) {
	mgr := newMockManager()
	mgr.agents["a1"] = &v1.AgentInfo{ID: "a1"}
	router := newTestRouter(mgr)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/a1/logs?tail=50", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp LogsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
}

func TestDeleteAgent(t *testing.T) {
	mgr := newMockManager()
	mgr.agents["a1"] = &v1.AgentInfo{ID: "a1"}
	router := newTestRouter(mgr)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/agents/a1", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a1"}, mgr.deleted)

	// Second delete is a 404.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/agents/a1", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
