package moderation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store holds per-user moderation state: a warning counter with a window
// expiry and a mute flag with its own expiry.
type Store interface {
	// MuteRemaining reports whether userID is muted and for how long. A
	// muted key without a readable expiry reports ok=true with remaining 0.
	MuteRemaining(ctx context.Context, userID string) (remaining time.Duration, ok bool, err error)

	// IncrementWarn adds one to the warning counter and returns the new
	// value. The window expiry is set only when the counter is created.
	IncrementWarn(ctx context.Context, userID string, window time.Duration) (int64, error)

	// Mute sets the mute flag for d.
	Mute(ctx context.Context, userID string, d time.Duration) error

	// Warnings returns the current warning count without changing it.
	Warnings(ctx context.Context, userID string) (int64, error)
}

func warnKey(userID string) string { return "moderation:warn:" + userID }
func muteKey(userID string) string { return "moderation:mute:" + userID }

// incrWithExpiry increments KEYS[1] and sets its expiry only on creation,
// so repeated hits never extend the warning window.
var incrWithExpiry = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisStore keeps moderation state in Redis so every instance sees the
// same counters.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// MuteRemaining implements Store.
func (s *RedisStore) MuteRemaining(ctx context.Context, userID string) (time.Duration, bool, error) {
	ttl, err := s.rdb.PTTL(ctx, muteKey(userID)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("moderation: read mute: %w", err)
	}
	switch {
	case ttl == -2:
		return 0, false, nil
	case ttl < 0:
		// Key exists without expiry.
		return 0, true, nil
	}
	return ttl, true, nil
}

// IncrementWarn implements Store.
func (s *RedisStore) IncrementWarn(ctx context.Context, userID string, window time.Duration) (int64, error) {
	n, err := incrWithExpiry.Run(ctx, s.rdb, []string{warnKey(userID)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("moderation: increment warn: %w", err)
	}
	return n, nil
}

// Mute implements Store.
func (s *RedisStore) Mute(ctx context.Context, userID string, d time.Duration) error {
	if err := s.rdb.Set(ctx, muteKey(userID), "1", d).Err(); err != nil {
		return fmt.Errorf("moderation: set mute: %w", err)
	}
	return nil
}

// Warnings implements Store.
func (s *RedisStore) Warnings(ctx context.Context, userID string) (int64, error) {
	n, err := s.rdb.Get(ctx, warnKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("moderation: read warn: %w", err)
	}
	return n, nil
}

// MemoryStore keeps moderation state in process memory. Suitable for a
// single instance or for development without Redis.
//
// Call Close to stop the background eviction goroutine.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

type memEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates a MemoryStore and starts its eviction loop.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.evictLoop()
	return s
}

// live returns the entry for key when it exists and has not expired.
// Caller holds s.mu.
func (s *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

// MuteRemaining implements Store.
func (s *MemoryStore) MuteRemaining(_ context.Context, userID string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(muteKey(userID))
	if !ok {
		return 0, false, nil
	}
	return e.expiresAt.Sub(s.now()), true, nil
}

// IncrementWarn implements Store.
func (s *MemoryStore) IncrementWarn(_ context.Context, userID string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := warnKey(userID)
	e, ok := s.live(k)
	if !ok {
		e = memEntry{expiresAt: s.now().Add(window)}
	}
	e.count++
	s.entries[k] = e
	return e.count, nil
}

// Mute implements Store.
func (s *MemoryStore) Mute(_ context.Context, userID string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[muteKey(userID)] = memEntry{count: 1, expiresAt: s.now().Add(d)}
	return nil
}

// Warnings implements Store.
func (s *MemoryStore) Warnings(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := s.live(warnKey(userID))
	return e.count, nil
}

// Close stops the background eviction goroutine.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

// evictLoop removes expired entries every minute.
func (s *MemoryStore) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
