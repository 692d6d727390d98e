package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/logger"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

const workerGroup = "workers"

// Handler processes one job. The handler owns checkpointing: on failure it
// must write a terminal failed checkpoint before returning, because the
// worker acks handled failures and the entry will not be redelivered. Only a
// panic leaves the entry pending for the visibility timeout to redeliver.
type Handler func(ctx context.Context, payload *v1.JobPayload) error

// Worker drains one job queue with a Redis consumer group.
type Worker struct {
	rdb      redis.UniversalClient
	kind     v1.JobKind
	handler  Handler
	consumer string

	visibilityTimeout time.Duration
	blockTimeout      time.Duration

	logger *logger.Logger
}

// WorkerOptions tunes the polling loop.
type WorkerOptions struct {
	// VisibilityTimeout is how long a claimed entry may stay pending before
	// another consumer may steal it. Defaults to 5 minutes.
	VisibilityTimeout time.Duration
	// BlockTimeout is the XReadGroup block interval. Defaults to 5 seconds.
	BlockTimeout time.Duration
}

// NewWorker creates a worker for one job kind.
func NewWorker(rdb redis.UniversalClient, kind v1.JobKind, handler Handler, consumer string, opts WorkerOptions, log *logger.Logger) *Worker {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	return &Worker{
		rdb:               rdb,
		kind:              kind,
		handler:           handler,
		consumer:          consumer,
		visibilityTimeout: opts.VisibilityTimeout,
		blockTimeout:      opts.BlockTimeout,
		logger: log.WithFields(
			zap.String("component", "job-worker"),
			zap.String("kind", string(kind))),
	}
}

// Run processes jobs until the context is cancelled. Entries abandoned by
// crashed consumers are reclaimed before fresh entries are read.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.ensureGroup(ctx); err != nil {
		return err
	}
	w.logger.Info("worker started", zap.String("stream", w.kind.QueueName()))

	claimStart := "0-0"
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		claimStart = w.reclaim(ctx, claimStart)

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    workerGroup,
			Consumer: w.consumer,
			Streams:  []string{w.kind.QueueName(), ">"},
			Count:    1,
			Block:    w.blockTimeout,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("failed to read job stream", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				w.handleEntry(ctx, entry)
			}
		}
	}
}

func (w *Worker) ensureGroup(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, w.kind.QueueName(), workerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group on %s: %w", w.kind.QueueName(), err)
	}
	return nil
}

// reclaim takes over entries whose consumer went silent past the visibility
// timeout. Returns the cursor for the next scan.
func (w *Worker) reclaim(ctx context.Context, start string) string {
	entries, next, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   w.kind.QueueName(),
		Group:    workerGroup,
		Consumer: w.consumer,
		MinIdle:  w.visibilityTimeout,
		Start:    start,
		Count:    8,
	}).Result()
	if err != nil && err != redis.Nil {
		if ctx.Err() == nil {
			w.logger.Warn("failed to reclaim pending jobs", zap.Error(err))
		}
		return "0-0"
	}
	for _, entry := range entries {
		w.logger.Info("reclaimed abandoned job", zap.String("entry_id", entry.ID))
		w.handleEntry(ctx, entry)
	}
	if next == "" {
		return "0-0"
	}
	return next
}

// handleEntry runs the handler for one stream entry. Malformed entries are
// acked and dropped. A recovered panic skips the ack so the entry is
// redelivered after the visibility timeout.
func (w *Worker) handleEntry(ctx context.Context, entry redis.XMessage) {
	payload, err := decodePayload(entry)
	if err != nil {
		w.logger.Error("dropping malformed job entry",
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		w.ack(ctx, entry.ID)
		return
	}

	log := w.logger.WithJobID(payload.JobID).WithFields(
		zap.String("project_id", payload.ProjectID))

	done := w.runHandler(ctx, payload, log)
	if !done {
		// Panicked; leave the entry pending for redelivery.
		return
	}
	w.ack(ctx, entry.ID)
}

// runHandler invokes the handler and reports whether the entry should be
// acked. Handler errors are handled failures (the handler wrote the terminal
// checkpoint) and still ack; only panics return false.
func (w *Worker) runHandler(ctx context.Context, payload *v1.JobPayload, log *logger.Logger) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job handler panicked", zap.Any("panic", r))
			done = false
		}
	}()

	start := time.Now()
	if err := w.handler(ctx, payload); err != nil {
		log.WithError(err).Error("job failed", zap.Duration("elapsed", time.Since(start)))
	} else {
		log.Info("job finished", zap.Duration("elapsed", time.Since(start)))
	}
	return true
}

func (w *Worker) ack(ctx context.Context, entryID string) {
	if err := w.rdb.XAck(ctx, w.kind.QueueName(), workerGroup, entryID).Err(); err != nil {
		w.logger.Warn("failed to ack job entry", zap.String("entry_id", entryID), zap.Error(err))
	}
}

func decodePayload(entry redis.XMessage) (*v1.JobPayload, error) {
	raw, ok := entry.Values["data"]
	if !ok {
		return nil, fmt.Errorf("entry %s has no data field", entry.ID)
	}
	text, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("entry %s data field is not a string", entry.ID)
	}
	var payload v1.JobPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("entry %s payload: %w", entry.ID, err)
	}
	if payload.JobID == "" {
		return nil, fmt.Errorf("entry %s payload has no job id", entry.ID)
	}
	return &payload, nil
}
