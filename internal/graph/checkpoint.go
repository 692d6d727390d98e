package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCheckpointRetention is how long checkpoints are kept after their
// last write.
const DefaultCheckpointRetention = 7 * 24 * time.Hour

// Checkpoint is a durable snapshot of graph state taken at a node boundary.
// Next names the node the run will execute when resumed; End marks a
// completed run.
type Checkpoint struct {
	State     *State    `json:"state"`
	Next      string    `json:"next"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointStore persists checkpoints keyed by thread id.
type CheckpointStore interface {
	// Save writes the checkpoint for a thread, refreshing its retention.
	Save(ctx context.Context, threadID string, cp *Checkpoint) error
	// Load returns the checkpoint for a thread, or nil when none exists.
	Load(ctx context.Context, threadID string) (*Checkpoint, error)
	// Delete removes the checkpoint for a thread.
	Delete(ctx context.Context, threadID string) error
}

// RedisCheckpointStore keeps checkpoints in Redis under checkpoint:{thread_id}
// with a retention TTL.
type RedisCheckpointStore struct {
	rdb       redis.UniversalClient
	retention time.Duration
}

// NewRedisCheckpointStore creates a Redis-backed checkpoint store. A zero
// retention uses the default of 7 days.
func NewRedisCheckpointStore(rdb redis.UniversalClient, retention time.Duration) *RedisCheckpointStore {
	if retention <= 0 {
		retention = DefaultCheckpointRetention
	}
	return &RedisCheckpointStore{rdb: rdb, retention: retention}
}

func checkpointKey(threadID string) string {
	return "checkpoint:" + threadID
}

// Save writes the checkpoint for a thread.
func (s *RedisCheckpointStore) Save(ctx context.Context, threadID string, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := s.rdb.Set(ctx, checkpointKey(threadID), data, s.retention).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint for thread %s: %w", threadID, err)
	}
	return nil
}

// Load returns the checkpoint for a thread, or nil when none exists.
func (s *RedisCheckpointStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	data, err := s.rdb.Get(ctx, checkpointKey(threadID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for thread %s: %w", threadID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint for thread %s: %w", threadID, err)
	}
	return &cp, nil
}

// Delete removes the checkpoint for a thread.
func (s *RedisCheckpointStore) Delete(ctx context.Context, threadID string) error {
	if err := s.rdb.Del(ctx, checkpointKey(threadID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint for thread %s: %w", threadID, err)
	}
	return nil
}

// MemoryCheckpointStore is an in-memory CheckpointStore for tests and
// single-process development.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]*Checkpoint)}
}

// Save stores a deep copy of the checkpoint.
func (s *MemoryCheckpointStore) Save(_ context.Context, threadID string, cp *Checkpoint) error {
	state, err := cp.State.Clone()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[threadID] = &Checkpoint{State: state, Next: cp.Next, UpdatedAt: cp.UpdatedAt}
	return nil
}

// Load returns a deep copy of the stored checkpoint, or nil.
func (s *MemoryCheckpointStore) Load(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	cp, ok := s.checkpoints[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	state, err := cp.State.Clone()
	if err != nil {
		return nil, err
	}
	return &Checkpoint{State: state, Next: cp.Next, UpdatedAt: cp.UpdatedAt}, nil
}

// Delete removes the checkpoint for a thread.
func (s *MemoryCheckpointStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, threadID)
	return nil
}
