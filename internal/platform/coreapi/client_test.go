package coreapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge/botforge/internal/common/config"
	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/common/retry"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	c := NewClient(config.APIConfig{BaseURL: baseURL, Token: "test-token", Timeout: 5}, log)
	c.policy = retry.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
	return c
}

func TestEndpointNeverDoublesAPIPrefix(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	for _, base := range []string{
		"http://core:8000",
		"http://core:8000/",
		"http://core:8000/api",
		"http://core:8000/api/",
	} {
		c := NewClient(config.APIConfig{BaseURL: base, Timeout: 5}, log)
		for _, path := range []string{"projects", "/projects", "api/projects", "/api/projects"} {
			got := c.endpoint(path)
			assert.Equal(t, "http://core:8000/api/projects", got,
				"base=%q path=%q", base, path)
			assert.Equal(t, 1, strings.Count(got, "/api/"))
		}
	}
}

func TestListProjectsSendsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/projects", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.URL.Query().Get("owner_only"))
		_ = json.NewEncoder(w).Encode([]Project{{ID: "p1", Name: "hello-world-bot", Status: StatusDraft}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	projects, err := c.ListProjects(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "hello-world-bot", projects[0].Name)
}

func TestRetriesTransientServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Project{ID: "p1", Status: StatusDraft})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	p, err := c.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.EqualValues(t, 3, calls.Load())
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetProject(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestUpdateProjectStatusEnforcesDAG(t *testing.T) {
	var patched atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(Project{ID: "p1", Status: StatusDraft})
		case http.MethodPatch:
			patched.Add(1)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	// draft -> deploying skips the initialized waypoint.
	err := c.UpdateProjectStatus(context.Background(), "p1", StatusDeploying)
	require.Error(t, err)
	assert.True(t, apperrors.IsBadRequest(err))
	assert.EqualValues(t, 0, patched.Load())

	require.NoError(t, c.UpdateProjectStatus(context.Background(), "p1", StatusEstimated))
	assert.EqualValues(t, 1, patched.Load())
}

func TestRepositoryURLImmutable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Project{
			ID:            "p1",
			Status:        StatusInitialized,
			RepositoryURL: "https://github.com/org/existing",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	// Same value is a no-op.
	require.NoError(t, c.SetRepositoryURL(context.Background(), "p1", "https://github.com/org/existing"))

	err := c.SetRepositoryURL(context.Background(), "p1", "https://github.com/org/other")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.Code(err))
}

func TestStatusDAG(t *testing.T) {
	assert.True(t, CanTransition(StatusDraft, StatusEstimated))
	assert.True(t, CanTransition(StatusProvisioning, StatusInitialized))
	assert.False(t, CanTransition(StatusDraft, StatusActive))
	assert.False(t, CanTransition(StatusEstimated, StatusDesigning), "must pass the initialized waypoint")
	assert.False(t, CanTransition(StatusArchived, StatusDraft))

	assert.False(t, ProjectStatus(StatusDraft).Initialized())
	assert.True(t, ProjectStatus(StatusDesigning).Initialized())
}
