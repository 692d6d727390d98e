package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/botforge/botforge/internal/common/errors"
	"github.com/botforge/botforge/internal/common/logger"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *MemoryStore) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	store := NewMemoryStore()
	return NewCoordinator(store, 30*time.Minute, nil, log), store
}

func TestContinueOrStartFreshThread(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	threadID, continuation, err := c.ContinueOrStart(ctx, 625038902)
	require.NoError(t, err)
	assert.False(t, continuation)
	assert.Equal(t, "625038902_1", threadID)

	lock, err := store.Get(ctx, 625038902)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, StateProcessing, lock.State)
}

func TestContinueOrStartBusyReject(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, _, err := c.ContinueOrStart(ctx, 7)
	require.NoError(t, err)

	_, _, err = c.ContinueOrStart(ctx, 7)
	require.Error(t, err)
	assert.True(t, apperrors.IsBusy(err))
}

func TestContinueOrStartContinuation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	threadID, _, err := c.ContinueOrStart(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, c.UpdateState(ctx, 7, StateAwaiting))

	got, continuation, err := c.ContinueOrStart(ctx, 7)
	require.NoError(t, err)
	assert.True(t, continuation)
	assert.Equal(t, threadID, got, "continuation keeps the existing thread")
}

func TestThreadIDsStrictlyIncreasing(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	var prev string
	for i := 0; i < 5; i++ {
		threadID, _, err := c.ContinueOrStart(ctx, 42)
		require.NoError(t, err)
		if prev != "" {
			assert.Greater(t, threadID, prev)
		}
		prev = threadID
		require.NoError(t, c.Release(ctx, 42))
	}
	assert.Equal(t, "42_5", prev)
}

func TestTTLExpiryStartsFreshThread(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	base := time.Now()
	store.SetClock(func() time.Time { return base })

	first, _, err := c.ContinueOrStart(ctx, 9)
	require.NoError(t, err)
	require.NoError(t, c.UpdateState(ctx, 9, StateAwaiting))

	// Abandoned past the TTL: the next message must get a new thread.
	store.SetClock(func() time.Time { return base.Add(31 * time.Minute) })

	second, continuation, err := c.ContinueOrStart(ctx, 9)
	require.NoError(t, err)
	assert.False(t, continuation)
	assert.NotEqual(t, first, second)
	assert.Greater(t, second, first)
}

func TestReleaseRemovesLock(t *testing.T) {
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	_, _, err := c.ContinueOrStart(ctx, 11)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, 11))

	lock, err := store.Get(ctx, 11)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestUpdateStateWithoutLock(t *testing.T) {
	c, _ := newTestCoordinator(t)
	err := c.UpdateState(context.Background(), 12, StateAwaiting)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestMutualExclusionAcrossUsers(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	// Locks are per user; other users are never affected.
	for userID := int64(1); userID <= 3; userID++ {
		threadID, _, err := c.ContinueOrStart(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d_1", userID), threadID)
	}
	_, _, err := c.ContinueOrStart(ctx, 2)
	assert.True(t, apperrors.IsBusy(err))
}
