// Package jobs moves deploy and engineering work onto Redis stream queues
// and runs the consumer-group workers that drain them. The job id doubles as
// the checkpoint thread id of the sub-graph execution, so polling tools can
// observe progress without coupling to the worker.
package jobs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/events"
	"github.com/botforge/botforge/internal/events/bus"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// queueMaxLen bounds job streams; entries are acked long before this matters.
const queueMaxLen = 10000

// activeDeploysKey is the per-user set of in-flight deploy job ids.
func activeDeploysKey(userID int64) string {
	return fmt.Sprintf("jobs:active:deploy:%d", userID)
}

// Dispatcher enqueues jobs and tracks the per-user deploy concurrency set.
type Dispatcher struct {
	rdb            redis.UniversalClient
	deploysPerUser int
	eventBus       bus.EventBus
	logger         *logger.Logger
}

// NewDispatcher creates a dispatcher. deploysPerUser caps concurrent deploys
// per user; zero or negative means a limit of 1.
func NewDispatcher(rdb redis.UniversalClient, deploysPerUser int, eventBus bus.EventBus, log *logger.Logger) *Dispatcher {
	if deploysPerUser <= 0 {
		deploysPerUser = 1
	}
	return &Dispatcher{
		rdb:            rdb,
		deploysPerUser: deploysPerUser,
		eventBus:       eventBus,
		logger:         log.WithFields(zap.String("component", "job-dispatcher")),
	}
}

// Enqueue appends the payload to its kind's queue and returns the job id.
// Deploy jobs are also added to the user's active set so the concurrency cap
// can be enforced before the worker picks them up.
func (d *Dispatcher) Enqueue(ctx context.Context, payload *v1.JobPayload) (string, error) {
	if payload.Kind != v1.JobKindDeploy && payload.Kind != v1.JobKindEngineering {
		return "", apperrors.BadRequest(fmt.Sprintf("unknown job kind %q", payload.Kind))
	}
	if payload.JobID == "" {
		payload.JobID = newJobID(payload.Kind, payload.ProjectName)
	}
	if payload.QueuedAt.IsZero() {
		payload.QueuedAt = time.Now().UTC()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	if payload.Kind == v1.JobKindDeploy {
		if err := d.rdb.SAdd(ctx, activeDeploysKey(payload.UserID), payload.JobID).Err(); err != nil {
			return "", apperrors.Dependency("redis", err)
		}
	}

	err = d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: payload.Kind.QueueName(),
		MaxLen: queueMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	}).Err()
	if err != nil {
		if payload.Kind == v1.JobKindDeploy {
			d.rdb.SRem(ctx, activeDeploysKey(payload.UserID), payload.JobID)
		}
		return "", apperrors.Dependency("redis", err)
	}

	d.logger.Info("job enqueued",
		zap.String("job_id", payload.JobID),
		zap.String("kind", string(payload.Kind)),
		zap.String("project_id", payload.ProjectID))
	d.publish(ctx, events.JobEnqueued, payload)
	return payload.JobID, nil
}

// ActiveDeploys returns the user's in-flight deploy count.
func (d *Dispatcher) ActiveDeploys(ctx context.Context, userID int64) (int, error) {
	n, err := d.rdb.SCard(ctx, activeDeploysKey(userID)).Result()
	if err != nil {
		return 0, apperrors.Dependency("redis", err)
	}
	return int(n), nil
}

// DeploysPerUser returns the configured concurrency cap.
func (d *Dispatcher) DeploysPerUser() int {
	return d.deploysPerUser
}

// FinishDeploy drops a job from the user's active set once it reached a
// terminal state. Workers call this after writing the final checkpoint.
func (d *Dispatcher) FinishDeploy(ctx context.Context, userID int64, jobID string) error {
	if err := d.rdb.SRem(ctx, activeDeploysKey(userID), jobID).Err(); err != nil {
		return apperrors.Dependency("redis", err)
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, eventType string, payload *v1.JobPayload) {
	if d.eventBus == nil {
		return
	}
	err := d.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "job-dispatcher", map[string]interface{}{
		"job_id":     payload.JobID,
		"kind":       string(payload.Kind),
		"project_id": payload.ProjectID,
		"user_id":    payload.UserID,
	}))
	if err != nil {
		d.logger.Warn("failed to publish job event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// newJobID builds `{kind}_{project_slug}_{hex8}` ids.
func newJobID(kind v1.JobKind, projectName string) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// Fall back to a time-derived suffix; ids only need uniqueness, not
		// unpredictability.
		return fmt.Sprintf("%s_%s_%08x", kind, slugify(projectName), time.Now().UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("%s_%s_%s", kind, slugify(projectName), hex.EncodeToString(buf))
}

func slugify(name string) string {
	if name == "" {
		return "project"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
