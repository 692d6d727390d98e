// Package chat bridges the orchestrator to the chat transport over two Redis
// streams: chat:incoming carries user messages in, chat:outgoing carries
// replies out. The transport itself (Telegram bridge, web relay) lives
// outside this process; whitelist enforcement happens there.
package chat

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

const (
	IncomingStream = "chat:incoming"
	OutgoingStream = "chat:outgoing"

	consumerGroup = "orchestrator"

	// streamMaxLen bounds both streams; delivery is at-least-once and old
	// entries have no replay value.
	streamMaxLen = 10000
)

// Publisher writes outgoing messages for the chat transport to deliver.
type Publisher struct {
	rdb    redis.UniversalClient
	logger *logger.Logger
}

// NewPublisher creates a publisher on the outgoing chat stream.
func NewPublisher(rdb redis.UniversalClient, log *logger.Logger) *Publisher {
	return &Publisher{
		rdb:    rdb,
		logger: log.WithFields(zap.String("component", "chat-publisher")),
	}
}

// Publish appends one message to the outgoing stream.
func (p *Publisher) Publish(ctx context.Context, msg *v1.OutgoingMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal outgoing message: %w", err)
	}
	if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: OutgoingStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish outgoing message: %w", err)
	}
	p.logger.Debug("published outgoing message",
		zap.Int64("chat_id", msg.ChatID),
		zap.String("correlation_id", msg.CorrelationID))
	return nil
}

// MessageHandler processes one incoming message. Errors are logged and the
// entry is still acked: a message the orchestrator could not serve gets a
// fresh chance only when the user sends the next one.
type MessageHandler func(ctx context.Context, msg *v1.UserMessage) error

// Reader drains the incoming chat stream with a consumer group so multiple
// orchestrator replicas share the load without double-processing.
type Reader struct {
	rdb      redis.UniversalClient
	handler  MessageHandler
	consumer string

	visibilityTimeout time.Duration
	blockTimeout      time.Duration

	logger *logger.Logger
}

// ReaderOptions tunes the polling loop.
type ReaderOptions struct {
	// VisibilityTimeout is how long a claimed entry may stay pending before
	// another consumer may steal it. Defaults to 2 minutes.
	VisibilityTimeout time.Duration
	// BlockTimeout is the XReadGroup block interval. Defaults to 5 seconds.
	BlockTimeout time.Duration
}

// NewReader creates a reader on the incoming chat stream.
func NewReader(rdb redis.UniversalClient, handler MessageHandler, consumer string, opts ReaderOptions, log *logger.Logger) *Reader {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 2 * time.Minute
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	return &Reader{
		rdb:               rdb,
		handler:           handler,
		consumer:          consumer,
		visibilityTimeout: opts.VisibilityTimeout,
		blockTimeout:      opts.BlockTimeout,
		logger:            log.WithFields(zap.String("component", "chat-reader")),
	}
}

// Run consumes incoming messages until the context is cancelled.
func (r *Reader) Run(ctx context.Context) error {
	if err := r.ensureGroup(ctx); err != nil {
		return err
	}
	r.logger.Info("chat reader started", zap.String("stream", IncomingStream))

	claimStart := "0-0"
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		claimStart = r.reclaim(ctx, claimStart)

		streams, err := r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: r.consumer,
			Streams:  []string{IncomingStream, ">"},
			Count:    1,
			Block:    r.blockTimeout,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("failed to read chat stream", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				r.handleEntry(ctx, entry)
			}
		}
	}
}

func (r *Reader) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, IncomingStream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group on %s: %w", IncomingStream, err)
	}
	return nil
}

func (r *Reader) reclaim(ctx context.Context, start string) string {
	entries, next, err := r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   IncomingStream,
		Group:    consumerGroup,
		Consumer: r.consumer,
		MinIdle:  r.visibilityTimeout,
		Start:    start,
		Count:    8,
	}).Result()
	if err != nil && err != redis.Nil {
		if ctx.Err() == nil {
			r.logger.Warn("failed to reclaim pending chat entries", zap.Error(err))
		}
		return "0-0"
	}
	for _, entry := range entries {
		r.logger.Info("reclaimed abandoned chat entry", zap.String("entry_id", entry.ID))
		r.handleEntry(ctx, entry)
	}
	if next == "" {
		return "0-0"
	}
	return next
}

// handleEntry decodes and dispatches one stream entry. Every decoded entry
// is acked, handler errors included; a panic leaves it pending for
// redelivery after the visibility timeout.
func (r *Reader) handleEntry(ctx context.Context, entry redis.XMessage) {
	msg, err := decodeMessage(entry)
	if err != nil {
		r.logger.Error("dropping malformed chat entry",
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		r.ack(ctx, entry.ID)
		return
	}

	done := r.runHandler(ctx, msg)
	if !done {
		return
	}
	r.ack(ctx, entry.ID)
}

func (r *Reader) runHandler(ctx context.Context, msg *v1.UserMessage) (done bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("chat handler panicked",
				zap.Int64("user_id", msg.UserID),
				zap.Any("panic", rec))
			done = false
		}
	}()

	if err := r.handler(ctx, msg); err != nil {
		r.logger.Error("chat handler error",
			zap.Int64("user_id", msg.UserID),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Error(err))
	}
	return true
}

func (r *Reader) ack(ctx context.Context, entryID string) {
	if err := r.rdb.XAck(ctx, IncomingStream, consumerGroup, entryID).Err(); err != nil {
		r.logger.Warn("failed to ack chat entry", zap.String("entry_id", entryID), zap.Error(err))
	}
}

func decodeMessage(entry redis.XMessage) (*v1.UserMessage, error) {
	raw, ok := entry.Values["data"]
	if !ok {
		return nil, fmt.Errorf("entry %s has no data field", entry.ID)
	}
	text, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("entry %s data field is not a string", entry.ID)
	}
	var msg v1.UserMessage
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return nil, fmt.Errorf("entry %s payload: %w", entry.ID, err)
	}
	if msg.UserID == 0 {
		return nil, fmt.Errorf("entry %s has no user id", entry.ID)
	}
	return &msg, nil
}
