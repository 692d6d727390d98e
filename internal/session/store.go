// Package session implements the per-user lock state machine that serializes
// chat traffic: at most one graph execution per user, with an awaiting state
// for multi-turn conversations and a TTL that doubles as abandonment.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockState is the conversational phase recorded in the session lock.
type LockState string

const (
	// StateProcessing means a graph execution is in flight for the user.
	StateProcessing LockState = "processing"
	// StateAwaiting means the agent asked a question and the thread is
	// suspended until the user replies.
	StateAwaiting LockState = "awaiting"
)

// Lock is the per-user serialization record stored under
// session:lock:{user_id}.
type Lock struct {
	ThreadID string    `json:"thread_id"`
	Seq      int64     `json:"seq"`
	State    LockState `json:"state"`
	LockedAt time.Time `json:"locked_at"`
}

// Store persists session locks and the per-user thread sequence.
type Store interface {
	// Acquire creates the lock iff none exists, with the given TTL.
	// Returns false when a lock is already held.
	Acquire(ctx context.Context, userID int64, lock *Lock, ttl time.Duration) (bool, error)
	// Get returns the current lock, or nil when none is held.
	Get(ctx context.Context, userID int64) (*Lock, error)
	// Transition atomically flips the lock state from one value to another
	// and refreshes the TTL. Returns false when the lock is absent or not in
	// the expected state.
	Transition(ctx context.Context, userID int64, from, to LockState, ttl time.Duration) (bool, error)
	// SetState overwrites the lock state and refreshes the TTL. Returns
	// false when the lock is absent.
	SetState(ctx context.Context, userID int64, state LockState, ttl time.Duration) (bool, error)
	// Release removes the lock.
	Release(ctx context.Context, userID int64) error
	// NextSeq increments and returns the user's persistent thread sequence.
	NextSeq(ctx context.Context, userID int64) (int64, error)
}

func lockKey(userID int64) string {
	return fmt.Sprintf("session:lock:%d", userID)
}

func seqKey(userID int64) string {
	return fmt.Sprintf("thread:sequence:%d", userID)
}

// transitionScript flips the lock state iff it currently matches the expected
// value, refreshing the TTL in the same round trip.
var transitionScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local lock = cjson.decode(raw)
if ARGV[1] ~= '' and lock.state ~= ARGV[1] then return 0 end
lock.state = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(lock), 'PX', ARGV[3])
return 1
`)

// RedisStore is the production Store backed by Redis.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Acquire creates the lock with SET NX EX semantics.
func (s *RedisStore) Acquire(ctx context.Context, userID int64, lock *Lock, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(lock)
	if err != nil {
		return false, fmt.Errorf("failed to marshal session lock: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, lockKey(userID), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire session lock for user %d: %w", userID, err)
	}
	return ok, nil
}

// Get returns the current lock, or nil when none is held.
func (s *RedisStore) Get(ctx context.Context, userID int64) (*Lock, error) {
	data, err := s.rdb.Get(ctx, lockKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session lock for user %d: %w", userID, err)
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session lock for user %d: %w", userID, err)
	}
	return &lock, nil
}

// Transition atomically flips state from -> to via a Lua script.
func (s *RedisStore) Transition(ctx context.Context, userID int64, from, to LockState, ttl time.Duration) (bool, error) {
	res, err := transitionScript.Run(ctx, s.rdb,
		[]string{lockKey(userID)},
		string(from), string(to), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to transition session lock for user %d: %w", userID, err)
	}
	return res == 1, nil
}

// SetState overwrites the lock state regardless of the current value.
func (s *RedisStore) SetState(ctx context.Context, userID int64, state LockState, ttl time.Duration) (bool, error) {
	res, err := transitionScript.Run(ctx, s.rdb,
		[]string{lockKey(userID)},
		"", string(state), ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to update session lock for user %d: %w", userID, err)
	}
	return res == 1, nil
}

// Release removes the lock.
func (s *RedisStore) Release(ctx context.Context, userID int64) error {
	if err := s.rdb.Del(ctx, lockKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to release session lock for user %d: %w", userID, err)
	}
	return nil
}

// NextSeq increments the user's persistent thread counter.
func (s *RedisStore) NextSeq(ctx context.Context, userID int64) (int64, error) {
	seq, err := s.rdb.Incr(ctx, seqKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment thread sequence for user %d: %w", userID, err)
	}
	return seq, nil
}

// MemoryStore is an in-memory Store for tests. TTLs are honored by expiry
// timestamps checked on read.
type MemoryStore struct {
	mu        sync.Mutex
	locks     map[int64]*Lock
	expiresAt map[int64]time.Time
	seqs      map[int64]int64
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:     make(map[int64]*Lock),
		expiresAt: make(map[int64]time.Time),
		seqs:      make(map[int64]int64),
		now:       time.Now,
	}
}

// SetClock overrides the store's clock. Tests use this to simulate TTL expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) liveLocked(userID int64) *Lock {
	lock, ok := s.locks[userID]
	if !ok {
		return nil
	}
	if s.now().After(s.expiresAt[userID]) {
		delete(s.locks, userID)
		delete(s.expiresAt, userID)
		return nil
	}
	return lock
}

// Acquire creates the lock iff none exists.
func (s *MemoryStore) Acquire(_ context.Context, userID int64, lock *Lock, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveLocked(userID) != nil {
		return false, nil
	}
	cp := *lock
	s.locks[userID] = &cp
	s.expiresAt[userID] = s.now().Add(ttl)
	return true, nil
}

// Get returns the current lock, or nil.
func (s *MemoryStore) Get(_ context.Context, userID int64) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.liveLocked(userID)
	if lock == nil {
		return nil, nil
	}
	cp := *lock
	return &cp, nil
}

// Transition flips the lock state iff it matches the expected value.
func (s *MemoryStore) Transition(_ context.Context, userID int64, from, to LockState, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.liveLocked(userID)
	if lock == nil || lock.State != from {
		return false, nil
	}
	lock.State = to
	s.expiresAt[userID] = s.now().Add(ttl)
	return true, nil
}

// SetState overwrites the lock state.
func (s *MemoryStore) SetState(_ context.Context, userID int64, state LockState, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock := s.liveLocked(userID)
	if lock == nil {
		return false, nil
	}
	lock.State = state
	s.expiresAt[userID] = s.now().Add(ttl)
	return true, nil
}

// Release removes the lock.
func (s *MemoryStore) Release(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, userID)
	delete(s.expiresAt, userID)
	return nil
}

// NextSeq increments the user's thread counter.
func (s *MemoryStore) NextSeq(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[userID]++
	return s.seqs[userID], nil
}
