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

	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/session"
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

type fakeSessions struct {
	locks map[int64]*session.Lock
}

func (f *fakeSessions) Current(_ context.Context, userID int64) (*session.Lock, error) {
	return f.locks[userID], nil
}

func newTestServer(t *testing.T) (*gin.Engine, *fakeSessions, *graph.MemoryCheckpointStore) {
	t.Helper()
	sessions := &fakeSessions{locks: make(map[int64]*session.Lock)}
	store := graph.NewMemoryCheckpointStore()
	return NewRouter(sessions, store, newTestLogger()), sessions, store
}

func get(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	router, _, _ := newTestServer(t)
	rec := get(t, router, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetSession(t *testing.T) {
	router, sessions, _ := newTestServer(t)
	sessions.locks[42] = &session.Lock{
		ThreadID: "42_7",
		Seq:      7,
		State:    session.StateAwaiting,
		LockedAt: time.Now().UTC(),
	}

	rec := get(t, router, "/api/v1/sessions/42")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "42_7", resp.ThreadID)
	assert.Equal(t, "awaiting", resp.State)

	assert.Equal(t, http.StatusNotFound, get(t, router, "/api/v1/sessions/99").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, router, "/api/v1/sessions/not-a-number").Code)
}

func TestGetJob(t *testing.T) {
	router, _, store := newTestServer(t)
	require.NoError(t, store.Save(context.Background(), "deploy_shop_aabbccdd", &graph.Checkpoint{
		State: &graph.State{
			DeployStatus: v1.DeployStatusSuccess,
			DeployedURL:  "http://203.0.113.9:20001",
		},
		Next:      graph.End,
		UpdatedAt: time.Now().UTC(),
	}))

	rec := get(t, router, "/api/v1/jobs/deploy_shop_aabbccdd")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Done)
	assert.Equal(t, string(v1.DeployStatusSuccess), resp.DeployStatus)
	assert.Equal(t, "http://203.0.113.9:20001", resp.DeployedURL)

	assert.Equal(t, http.StatusNotFound, get(t, router, "/api/v1/jobs/deploy_gone_00000000").Code)
}

func TestGetThreadHidesMessageContents(t *testing.T) {
	router, _, store := newTestServer(t)
	st := graph.NewState()
	require.NoError(t, st.Apply(graph.Update{
		graph.KeyMessages:             []map[string]interface{}{{"role": "user", "content": "my secret plan"}},
		graph.KeyPOIterations:         3,
		graph.KeyActiveCapabilities:   []string{"deploy"},
		graph.KeyAwaitingUserResponse: true,
	}))
	require.NoError(t, store.Save(context.Background(), "42_7", &graph.Checkpoint{
		State:     st,
		Next:      graph.End,
		UpdatedAt: time.Now().UTC(),
	}))

	rec := get(t, router, "/api/v1/threads/42_7")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ThreadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Messages)
	assert.Equal(t, 3, resp.Iterations)
	assert.True(t, resp.AwaitingUserResponse)
	assert.NotContains(t, rec.Body.String(), "my secret plan")
}
