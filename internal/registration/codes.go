package registration

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Verification codes are five digit numbers.
const (
	MinCode = 10000
	MaxCode = 99999

	codeKeyPrefix = "registration_code:"
)

// CodeKey is the storage key for identifier's pending code.
func CodeKey(identifier string) string {
	return codeKeyPrefix + identifier
}

// GenerateCode returns a uniformly random code in [MinCode, MaxCode].
func GenerateCode() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(MaxCode-MinCode+1))
	if err != nil {
		return 0, err
	}
	return MinCode + int(n.Int64()), nil
}

// CodeStore keeps one pending verification code per identifier.
type CodeStore interface {
	// Set stores code for identifier, replacing any previous one.
	Set(ctx context.Context, identifier string, code int, ttl time.Duration) error
	// Get returns the pending code; ok is false when none is stored.
	Get(ctx context.Context, identifier string) (code int, ok bool, err error)
	Delete(ctx context.Context, identifier string) error
	// Consume deletes the stored code and reports true only if it equals code.
	// A mismatch leaves the stored code in place.
	Consume(ctx context.Context, identifier string, code int) (bool, error)
}

var consumeScript = redis.NewScript(`
local stored = redis.call('GET', KEYS[1])
if stored and tonumber(stored) == tonumber(ARGV[1]) then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// RedisCodeStore stores codes in Redis.
type RedisCodeStore struct {
	cache *redis.Client
}

// NewRedisCodeStore builds a Redis-backed code store.
func NewRedisCodeStore(cache *redis.Client) *RedisCodeStore {
	return &RedisCodeStore{cache: cache}
}

func (s *RedisCodeStore) Set(ctx context.Context, identifier string, code int, ttl time.Duration) error {
	return s.cache.Set(ctx, CodeKey(identifier), code, ttl).Err()
}

func (s *RedisCodeStore) Get(ctx context.Context, identifier string) (int, bool, error) {
	raw, err := s.cache.Get(ctx, CodeKey(identifier)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	code, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, nil
	}
	return code, true, nil
}

func (s *RedisCodeStore) Delete(ctx context.Context, identifier string) error {
	return s.cache.Del(ctx, CodeKey(identifier)).Err()
}

func (s *RedisCodeStore) Consume(ctx context.Context, identifier string, code int) (bool, error) {
	n, err := consumeScript.Run(ctx, s.cache, []string{CodeKey(identifier)}, code).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type memoryCode struct {
	code    int
	expires time.Time
}

// MemoryCodeStore keeps codes in process memory for development and tests.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]memoryCode
	now   func() time.Time
}

// NewMemoryCodeStore builds an empty in-memory store.
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]memoryCode), now: time.Now}
}

func (s *MemoryCodeStore) Set(_ context.Context, identifier string, code int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[CodeKey(identifier)] = memoryCode{code: code, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryCodeStore) Get(_ context.Context, identifier string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.lookup(CodeKey(identifier))
	return c.code, ok, nil
}

func (s *MemoryCodeStore) Delete(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, CodeKey(identifier))
	return nil
}

func (s *MemoryCodeStore) Consume(_ context.Context, identifier string, code int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := CodeKey(identifier)
	c, ok := s.lookup(key)
	if !ok || c.code != code {
		return false, nil
	}
	delete(s.codes, key)
	return true, nil
}

// lookup must be called with mu held.
func (s *MemoryCodeStore) lookup(key string) (memoryCode, bool) {
	c, ok := s.codes[key]
	if !ok {
		return memoryCode{}, false
	}
	if !s.now().Before(c.expires) {
		delete(s.codes, key)
		return memoryCode{}, false
	}
	return c, true
}
