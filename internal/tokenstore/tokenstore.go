// Package tokenstore keeps sets of token identifiers that must only be used
// once (committed registration chains, revoked refresh tokens).
package tokenstore

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Set records identifiers for a bounded time.
type Set interface {
	// Claim marks id as used. It returns false when id was already claimed.
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// Contains reports whether id is currently claimed.
	Contains(ctx context.Context, id string) (bool, error)
	// Release forgets id so it can be claimed again.
	Release(ctx context.Context, id string) error
}

// RedisSet stores identifiers as Redis keys under a prefix.
type RedisSet struct {
	cache  *redis.Client
	prefix string
}

// NewRedisSet builds a Redis-backed set. prefix namespaces the keys, e.g.
// "registration:committed:".
func NewRedisSet(cache *redis.Client, prefix string) *RedisSet {
	return &RedisSet{cache: cache, prefix: prefix}
}

func (s *RedisSet) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.cache.SetNX(ctx, s.prefix+id, 1, ttl).Result()
}

func (s *RedisSet) Contains(ctx context.Context, id string) (bool, error) {
	n, err := s.cache.Exists(ctx, s.prefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisSet) Release(ctx context.Context, id string) error {
	return s.cache.Del(ctx, s.prefix+id).Err()
}

type memorySet struct {
	mu  sync.Mutex
	ids map[string]time.Time
	now func() time.Time
}

// NewMemorySet builds an in-memory set for development and tests.
func NewMemorySet() Set {
	return &memorySet{ids: make(map[string]time.Time), now: time.Now}
}

func (s *memorySet) Claim(_ context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.ids[id]; ok && now.Before(exp) {
		return false, nil
	}
	s.ids[id] = now.Add(ttl)
	return true, nil
}

func (s *memorySet) Contains(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.ids[id]
	if !ok {
		return false, nil
	}
	if !s.now().Before(exp) {
		delete(s.ids, id)
		return false, nil
	}
	return true, nil
}

func (s *memorySet) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
	return nil
}
