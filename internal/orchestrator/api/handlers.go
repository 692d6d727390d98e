package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/session"
)

// Sessions is the lock surface the API reads.
type Sessions interface {
	Current(ctx context.Context, userID int64) (*session.Lock, error)
}

// Checkpoints backs the job and thread status endpoints.
type Checkpoints interface {
	Load(ctx context.Context, threadID string) (*graph.Checkpoint, error)
}

// Handler serves the orchestrator status endpoints.
type Handler struct {
	sessions    Sessions
	checkpoints Checkpoints
	logger      *logger.Logger
}

// NewHandler creates the status API handler.
func NewHandler(sessions Sessions, checkpoints Checkpoints, log *logger.Logger) *Handler {
	return &Handler{
		sessions:    sessions,
		checkpoints: checkpoints,
		logger:      log.WithFields(zap.String("component", "orchestrator-api")),
	}
}

// SessionResponse describes a user's active session lock.
type SessionResponse struct {
	UserID   int64     `json:"user_id"`
	ThreadID string    `json:"thread_id"`
	Seq      int64     `json:"seq"`
	State    string    `json:"state"`
	LockedAt time.Time `json:"locked_at"`
}

// JobResponse summarizes a pipeline job from its thread checkpoint.
type JobResponse struct {
	JobID              string    `json:"job_id"`
	Done               bool      `json:"done"`
	DeployStatus       string    `json:"deploy_status,omitempty"`
	DeployProgress     string    `json:"deploy_progress,omitempty"`
	DeployedURL        string    `json:"deployed_url,omitempty"`
	DeployError        string    `json:"deploy_error,omitempty"`
	MissingUserSecrets []string  `json:"missing_user_secrets,omitempty"`
	EngineeringStatus  string    `json:"engineering_status,omitempty"`
	Iterations         int       `json:"iterations,omitempty"`
	TestResults        string    `json:"test_results,omitempty"`
	NeedsHumanApproval bool      `json:"needs_human_approval,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ThreadResponse summarizes a conversation thread. Message contents stay out
// of the API; only counters and flags are exposed.
type ThreadResponse struct {
	ThreadID             string    `json:"thread_id"`
	Done                 bool      `json:"done"`
	Messages             int       `json:"messages"`
	Iterations           int       `json:"iterations"`
	ActiveCapabilities   []string  `json:"active_capabilities,omitempty"`
	CurrentProject       string    `json:"current_project,omitempty"`
	AwaitingUserResponse bool      `json:"awaiting_user_response"`
	Completed            bool      `json:"completed"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// HealthCheck returns health status
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GetSession returns a user's active session lock
// GET /api/v1/sessions/:userId
func (h *Handler) GetSession(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		h.respondError(c, errors.BadRequest("userId must be an integer"))
		return
	}

	lock, err := h.sessions.Current(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if lock == nil {
		h.respondError(c, errors.NotFound("session", c.Param("userId")))
		return
	}

	c.JSON(http.StatusOK, SessionResponse{
		UserID:   userID,
		ThreadID: lock.ThreadID,
		Seq:      lock.Seq,
		State:    string(lock.State),
		LockedAt: lock.LockedAt,
	})
}

// GetJob returns pipeline job progress
// GET /api/v1/jobs/:jobId
func (h *Handler) GetJob(c *gin.Context) {
	jobID := c.Param("jobId")

	cp, err := h.checkpoints.Load(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if cp == nil {
		h.respondError(c, errors.NotFound("job", jobID))
		return
	}

	st := cp.State
	c.JSON(http.StatusOK, JobResponse{
		JobID:              jobID,
		Done:               cp.Next == graph.End,
		DeployStatus:       string(st.DeployStatus),
		DeployProgress:     st.DeployProgress,
		DeployedURL:        st.DeployedURL,
		DeployError:        st.DeployError,
		MissingUserSecrets: st.MissingUserSecrets,
		EngineeringStatus:  string(st.EngineeringStatus),
		Iterations:         st.EngineeringIterations,
		TestResults:        st.TestResults,
		NeedsHumanApproval: st.NeedsHumanApproval,
		LastError:          st.LastError,
		UpdatedAt:          cp.UpdatedAt,
	})
}

// GetThread returns a conversation thread summary
// GET /api/v1/threads/:threadId
func (h *Handler) GetThread(c *gin.Context) {
	threadID := c.Param("threadId")

	cp, err := h.checkpoints.Load(c.Request.Context(), threadID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if cp == nil {
		h.respondError(c, errors.NotFound("thread", threadID))
		return
	}

	st := cp.State
	c.JSON(http.StatusOK, ThreadResponse{
		ThreadID:             threadID,
		Done:                 cp.Next == graph.End,
		Messages:             len(st.Messages),
		Iterations:           st.POIterations,
		ActiveCapabilities:   st.ActiveCapabilities,
		CurrentProject:       st.CurrentProject,
		AwaitingUserResponse: st.AwaitingUserResponse,
		Completed:            st.UserConfirmedComplete,
		UpdatedAt:            cp.UpdatedAt,
	})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	if !errors.IsNotFound(err) {
		h.logger.Error("status API request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(errors.GetHTTPStatus(err), gin.H{
		"error": err.Error(),
		"code":  errors.Code(err),
	})
}
