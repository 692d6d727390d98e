package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/logger"
)

// RedisEventBus implements EventBus over Redis pub/sub. Observability
// consumers (dashboards, ops tooling) subscribe from outside the process.
type RedisEventBus struct {
	rdb    redis.UniversalClient
	logger *logger.Logger
	mu     sync.Mutex
	subs   []*redisSubscription
	closed bool
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	mu     sync.Mutex
	active bool
}

// Unsubscribe stops delivery and closes the underlying pub/sub connection
func (s *redisSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.cancel()
	return s.pubsub.Close()
}

// IsValid returns whether the subscription is still active
func (s *redisSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewRedisEventBus creates an event bus backed by Redis pub/sub
func NewRedisEventBus(rdb redis.UniversalClient, log *logger.Logger) *RedisEventBus {
	return &RedisEventBus{
		rdb:    rdb,
		logger: log,
	}
}

// Publish sends an event to a subject
func (b *RedisEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.rdb.Publish(ctx, subject, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Subscribe creates a subscription to a subject pattern. Exact subjects use
// SUBSCRIBE; patterns containing a glob use PSUBSCRIBE.
func (b *RedisEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	ctx, cancel := context.WithCancel(context.Background())

	var pubsub *redis.PubSub
	if strings.ContainsAny(subject, "*?[") {
		pubsub = b.rdb.PSubscribe(ctx, subject)
	} else {
		pubsub = b.rdb.Subscribe(ctx, subject)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		cancel: cancel,
		active: true,
	}
	b.subs = append(b.subs, sub)

	go b.deliver(ctx, sub, subject, handler)

	b.logger.Info("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

func (b *RedisEventBus) deliver(ctx context.Context, sub *redisSubscription, subject string, handler EventHandler) {
	ch := sub.pubsub.Channel()
	for msg := range ch {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.logger.Warn("Dropping malformed event",
				zap.String("subject", subject),
				zap.Error(err))
			continue
		}

		if err := handler(ctx, &event); err != nil {
			b.logger.Error("Event handler error",
				zap.String("subject", subject),
				zap.Error(err))
		}
	}
}

// Close closes all subscriptions
func (b *RedisEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil

	b.logger.Info("Redis event bus closed")
}

// IsConnected returns connection status
func (b *RedisEventBus) IsConnected() bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return false
	}
	return b.rdb.Ping(context.Background()).Err() == nil
}
