package chat

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botforge/botforge/internal/common/logger"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// unreachableRedis fails fast so paths that tolerate redis errors can be
// exercised without a server.
func unreachableRedis() redis.UniversalClient {
	return redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
}

func entryWith(t *testing.T, msg *v1.UserMessage) redis.XMessage {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return redis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": string(data)}}
}

func TestDecodeMessage(t *testing.T) {
	msg, err := decodeMessage(entryWith(t, &v1.UserMessage{
		UserID: 42, ChatID: 99, MessageID: 7, Text: "deploy the shop", CorrelationID: "c1",
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.UserID)
	assert.Equal(t, "deploy the shop", msg.Text)

	_, err = decodeMessage(redis.XMessage{ID: "1-0", Values: map[string]interface{}{}})
	assert.Error(t, err)

	_, err = decodeMessage(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"data": "{broken"}})
	assert.Error(t, err)

	_, err = decodeMessage(entryWith(t, &v1.UserMessage{ChatID: 99, Text: "no user"}))
	assert.Error(t, err)
}

func TestRunHandlerAcksHandlerError(t *testing.T) {
	r := NewReader(unreachableRedis(), func(_ context.Context, _ *v1.UserMessage) error {
		return assert.AnError
	}, "c1", ReaderOptions{}, newTestLogger())

	done := r.runHandler(context.Background(), &v1.UserMessage{UserID: 42})
	assert.True(t, done, "handler errors are handled failures and still ack")
}

func TestRunHandlerSkipsAckOnPanic(t *testing.T) {
	r := NewReader(unreachableRedis(), func(_ context.Context, _ *v1.UserMessage) error {
		panic("boom")
	}, "c1", ReaderOptions{}, newTestLogger())

	done := r.runHandler(context.Background(), &v1.UserMessage{UserID: 42})
	assert.False(t, done, "panics leave the entry pending for redelivery")
}

func TestHandleEntryPassesMessageThrough(t *testing.T) {
	var got *v1.UserMessage
	r := NewReader(unreachableRedis(), func(_ context.Context, msg *v1.UserMessage) error {
		got = msg
		return nil
	}, "c1", ReaderOptions{}, newTestLogger())

	r.handleEntry(context.Background(), entryWith(t, &v1.UserMessage{
		UserID: 42, ChatID: 99, Text: "status please", CorrelationID: "c2",
	}))

	require.NotNil(t, got)
	assert.Equal(t, int64(99), got.ChatID)
	assert.Equal(t, "status please", got.Text)
}
