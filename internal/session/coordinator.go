package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/events"
	"github.com/botforge/botforge/internal/events/bus"
)

// DefaultTTL is the lock lifetime when none is configured. Expiry is
// equivalent to abandonment: the next message starts a fresh thread.
const DefaultTTL = 30 * time.Minute

// ErrBusy is returned by ContinueOrStart when the user's session is already
// processing a message. Callers must reject the incoming message with a
// user-visible notice and must not enqueue it.
var ErrBusy = apperrors.Busy("session is already processing a message")

// Coordinator serializes per-user traffic through the lock store.
type Coordinator struct {
	store    Store
	ttl      time.Duration
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewCoordinator creates a session coordinator. A zero TTL uses DefaultTTL;
// the event bus is optional.
func NewCoordinator(store Store, ttl time.Duration, eventBus bus.EventBus, log *logger.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		store:    store,
		ttl:      ttl,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "session-coordinator")),
	}
}

// ContinueOrStart routes an incoming message:
//   - no lock: allocate the next thread id, acquire, return (thread, false);
//   - lock in awaiting: flip to processing, refresh TTL, return (thread, true);
//   - lock in processing: return ErrBusy.
func (c *Coordinator) ContinueOrStart(ctx context.Context, userID int64) (string, bool, error) {
	lock, err := c.store.Get(ctx, userID)
	if err != nil {
		return "", false, err
	}

	if lock != nil {
		switch lock.State {
		case StateAwaiting:
			ok, err := c.store.Transition(ctx, userID, StateAwaiting, StateProcessing, c.ttl)
			if err != nil {
				return "", false, err
			}
			if ok {
				c.logger.Debug("continuing thread",
					zap.Int64("user_id", userID),
					zap.String("thread_id", lock.ThreadID))
				return lock.ThreadID, true, nil
			}
			// Lost the race against another message or TTL expiry; fall
			// through to a fresh acquire attempt.
		case StateProcessing:
			c.publish(ctx, events.SessionBusy, userID, lock.ThreadID)
			return "", false, ErrBusy
		}
	}

	seq, err := c.store.NextSeq(ctx, userID)
	if err != nil {
		return "", false, err
	}
	threadID := fmt.Sprintf("%d_%d", userID, seq)

	acquired, err := c.store.Acquire(ctx, userID, &Lock{
		ThreadID: threadID,
		Seq:      seq,
		State:    StateProcessing,
		LockedAt: time.Now().UTC(),
	}, c.ttl)
	if err != nil {
		return "", false, err
	}
	if !acquired {
		// Another message slipped in between Get and Acquire.
		return "", false, ErrBusy
	}

	c.logger.Debug("started thread",
		zap.Int64("user_id", userID),
		zap.String("thread_id", threadID))
	c.publish(ctx, events.SessionStarted, userID, threadID)
	return threadID, false, nil
}

// UpdateState moves the lock to awaiting (after a respond-and-wait tool) or
// back to processing, refreshing the TTL.
func (c *Coordinator) UpdateState(ctx context.Context, userID int64, state LockState) error {
	ok, err := c.store.SetState(ctx, userID, state, c.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NotFound("session lock", fmt.Sprintf("%d", userID))
	}
	if state == StateAwaiting {
		c.publish(ctx, events.SessionAwaiting, userID, "")
	}
	return nil
}

// Release removes the lock. It is called on task completion and on any graph
// execution error so users are never left stuck.
func (c *Coordinator) Release(ctx context.Context, userID int64) error {
	if err := c.store.Release(ctx, userID); err != nil {
		return err
	}
	c.publish(ctx, events.SessionReleased, userID, "")
	return nil
}

// Current returns the user's lock, or nil when no session is active.
func (c *Coordinator) Current(ctx context.Context, userID int64) (*Lock, error) {
	return c.store.Get(ctx, userID)
}

func (c *Coordinator) publish(ctx context.Context, eventType string, userID int64, threadID string) {
	if c.eventBus == nil {
		return
	}
	data := map[string]interface{}{"user_id": userID}
	if threadID != "" {
		data["thread_id"] = threadID
	}
	if err := c.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		c.logger.Warn("failed to publish session event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
