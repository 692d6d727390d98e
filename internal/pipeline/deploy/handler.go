package deploy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/events"
	"github.com/botforge/botforge/internal/events/bus"
	"github.com/botforge/botforge/internal/graph"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// Finisher releases a deploy job from the per-user concurrency set.
type Finisher interface {
	FinishDeploy(ctx context.Context, userID int64, jobID string) error
}

// NewHandler adapts the deploy graph into a job-queue handler. The job id is
// the graph thread id, so the polling tools read the same checkpoints the
// worker writes. The handler guarantees a terminal checkpoint before it
// returns, because the worker acks handled failures.
func NewHandler(g *graph.Graph, store graph.CheckpointStore, finisher Finisher, eventBus bus.EventBus, log *logger.Logger) func(ctx context.Context, payload *v1.JobPayload) error {
	log = log.WithFields(zap.String("component", "deploy-handler"))

	return func(ctx context.Context, payload *v1.JobPayload) error {
		seed := graph.Update{
			graph.KeyCurrentProject: payload.ProjectID,
			graph.KeyProjectName:    payload.ProjectName,
			graph.KeyTelegramUserID: payload.UserID,
			graph.KeyChatID:         payload.ChatID,
			graph.KeyCorrelationID:  payload.CorrelationID,
			graph.KeyDeployStatus:   v1.DeployStatusQueued,
		}

		st, runErr := g.Run(ctx, payload.JobID, seed)
		if runErr != nil && st != nil && !st.DeployStatus.Terminal() {
			// The run aborted between nodes; force the checkpoint into a
			// terminal state so pollers are not left watching a dead job.
			now := time.Now().UTC()
			st.DeployStatus = v1.DeployStatusFailed
			st.DeployError = runErr.Error()
			st.DeployFinishedAt = &now
			if err := store.Save(ctx, payload.JobID, &graph.Checkpoint{
				State:     st,
				Next:      graph.End,
				UpdatedAt: now,
			}); err != nil {
				log.Error("failed to write terminal checkpoint",
					zap.String("job_id", payload.JobID),
					zap.Error(err))
			}
		}

		if err := finisher.FinishDeploy(ctx, payload.UserID, payload.JobID); err != nil {
			log.Warn("failed to release active deploy slot",
				zap.String("job_id", payload.JobID),
				zap.Error(err))
		}

		publishOutcome(ctx, eventBus, payload, st, log)
		return runErr
	}
}

func publishOutcome(ctx context.Context, eventBus bus.EventBus, payload *v1.JobPayload, st *graph.State, log *logger.Logger) {
	if eventBus == nil || st == nil {
		return
	}
	eventType := events.DeployFailed
	if st.DeployStatus == v1.DeployStatusSuccess {
		eventType = events.DeploySucceeded
	}
	data := map[string]interface{}{
		"job_id":        payload.JobID,
		"project_id":    payload.ProjectID,
		"user_id":       payload.UserID,
		"deploy_status": string(st.DeployStatus),
	}
	if st.DeployedURL != "" {
		data["deployed_url"] = st.DeployedURL
	}
	if err := eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "deploy-worker", data)); err != nil {
		log.Warn("failed to publish deploy event", zap.Error(err))
	}
}
