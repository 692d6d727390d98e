package engineering

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

// NewHandler adapts the engineering graph into a job-queue handler. The job
// id is the graph thread id; the handler guarantees a terminal checkpoint
// before returning because the worker acks handled failures.
func NewHandler(g *graph.Graph, store graph.CheckpointStore, eventBus bus.EventBus, log *logger.Logger) func(ctx context.Context, payload *v1.JobPayload) error {
	log = log.WithFields(zap.String("component", "engineering-handler"))

	return func(ctx context.Context, payload *v1.JobPayload) error {
		publish(ctx, eventBus, events.EngineeringStarted, payload, nil, log)

		seed := graph.Update{
			graph.KeyCurrentProject: payload.ProjectID,
			graph.KeyProjectName:    payload.ProjectName,
			graph.KeyProjectIntent:  payload.TaskDescription,
			graph.KeyTelegramUserID: payload.UserID,
			graph.KeyChatID:         payload.ChatID,
			graph.KeyCorrelationID:  payload.CorrelationID,
		}

		st, runErr := g.Run(ctx, payload.JobID, seed)
		if runErr != nil && st != nil && !terminal(st.EngineeringStatus) {
			now := time.Now().UTC()
			st.EngineeringStatus = v1.EngineeringStatusBlocked
			st.NeedsHumanApproval = true
			st.LastError = runErr.Error()
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

		eventType := events.EngineeringBlocked
		if st != nil && st.EngineeringStatus == v1.EngineeringStatusDone {
			eventType = events.EngineeringDone
		}
		publish(ctx, eventBus, eventType, payload, st, log)
		return runErr
	}
}

func terminal(s v1.EngineeringStatus) bool {
	return s == v1.EngineeringStatusDone || s == v1.EngineeringStatusBlocked
}

func publish(ctx context.Context, eventBus bus.EventBus, eventType string, payload *v1.JobPayload, st *graph.State, log *logger.Logger) {
	if eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"job_id":     payload.JobID,
		"project_id": payload.ProjectID,
		"user_id":    payload.UserID,
	}
	if st != nil {
		data["engineering_status"] = string(st.EngineeringStatus)
		data["iterations"] = st.EngineeringIterations
	}
	if err := eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "engineering-worker", data)); err != nil {
		log.Warn("failed to publish engineering event", zap.Error(err))
	}
}
