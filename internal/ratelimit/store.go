// Package ratelimit implements fixed-window recipient and email domain limiters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a shared counter store with atomic increment-with-TTL.
type Store interface {
	// Increment adds one to key, starting a window of the given length when the key is new.
	// It returns the new count and the remaining window.
	Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	// Get returns the current count and remaining window. Missing keys count as zero.
	Get(ctx context.Context, key string) (int64, time.Duration, error)
}

var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisStore keeps counters in Redis.
type RedisStore struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(rdb redis.Cmdable, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, s.rdb, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("increment %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("increment %s: unexpected reply length %d", key, len(res))
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, time.Duration, error) {
	fullKey := s.prefix + key

	pipe := s.rdb.TxPipeline()
	get := pipe.Get(ctx, fullKey)
	pttl := pipe.PTTL(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("get %s: %w", key, err)
	}

	count, err := get.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("get %s: %w", key, err)
	}

	ttl := pttl.Val()
	if ttl < 0 {
		ttl = 0
	}
	return count, ttl, nil
}

type memoryEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore keeps counters in process memory. It is used when no Redis URL is configured.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an in-process counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		e = memoryEntry{expiresAt: now.Add(window)}
	}
	e.count++
	s.entries[key] = e

	return e.count, e.expiresAt.Sub(now), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return 0, 0, nil
	}
	return e.count, e.expiresAt.Sub(now), nil
}
