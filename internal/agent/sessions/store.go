// Package sessions persists per-agent conversation continuation state so
// paused or restarted containers can resume where they left off.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// Store holds one SessionContext per agent id. Load returns (nil, nil) when
// no context exists; a missing context means a fresh conversation.
type Store interface {
	Save(ctx context.Context, agentID string, sess *v1.SessionContext, ttl time.Duration) error
	Load(ctx context.Context, agentID string) (*v1.SessionContext, error)
	Delete(ctx context.Context, agentID string) error
}

func sessionKey(agentID string) string {
	return "agent_session:" + agentID
}

// RedisStore keeps session contexts in Redis with the same TTL as the
// owning container, so an expired agent leaves no stale conversation behind.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, agentID string, sess *v1.SessionContext, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session context: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(agentID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session context: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, agentID string) (*v1.SessionContext, error) {
	data, err := s.client.Get(ctx, sessionKey(agentID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session context: %w", err)
	}
	var sess v1.SessionContext
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session context: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) Delete(ctx context.Context, agentID string) error {
	return s.client.Del(ctx, sessionKey(agentID)).Err()
}

// MemoryStore is the in-process store used by tests.
type MemoryStore struct {
	mu       sync.Mutex
	contexts map[string]*v1.SessionContext
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contexts: make(map[string]*v1.SessionContext)}
}

func (s *MemoryStore) Save(_ context.Context, agentID string, sess *v1.SessionContext, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.contexts[agentID] = &cp
	return nil
}

func (s *MemoryStore) Load(_ context.Context, agentID string) (*v1.SessionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.contexts[agentID]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) Delete(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, agentID)
	return nil
}
