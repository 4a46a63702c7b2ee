package middleware

import (
    "crypto/sha256"
    "encoding/hex"
    "net/http"
    "strings"
    "sync"
    "time"

    "github.com/gofiber/fiber/v2"
    "github.com/redis/go-redis/v9"
    "golang.org/x/time/rate"
)

// KeyFunc derives the rate limit subject of a request.
type KeyFunc func(c *fiber.Ctx) string

// RateObserver is told about rejected requests.
type RateObserver interface {
    RateLimited(scope string)
}

// BodyFieldKey keys requests by the first non-empty JSON body field, falling
// back to the client IP.
func BodyFieldKey(fields ...string) KeyFunc {
    return func(c *fiber.Ctx) string {
        var body map[string]any
        _ = c.BodyParser(&body)
        for _, f := range fields {
            if s, ok := body[f].(string); ok && strings.TrimSpace(s) != "" {
                return strings.ToLower(strings.TrimSpace(s))
            }
        }
        return c.IP()
    }
}

// HeaderKey keys requests by a digest of header, falling back to the client
// IP when it is absent.
func HeaderKey(header string) KeyFunc {
    return func(c *fiber.Ctx) string {
        v := strings.TrimSpace(c.Get(header))
        if v == "" {
            return c.IP()
        }
        sum := sha256.Sum256([]byte(v))
        return hex.EncodeToString(sum[:16])
    }
}

// RateLimit allows maxPerMin requests per key within scope. Counters live in
// Redis when cache is set, otherwise in a per-process token bucket.
func RateLimit(scope string, cache *redis.Client, maxPerMin int, key KeyFunc, observer RateObserver) fiber.Handler {
    if maxPerMin <= 0 {
        maxPerMin = 5
    }
    local := newLocalLimiter(float64(maxPerMin)/60, maxPerMin, 10*time.Minute)
    return func(c *fiber.Ctx) error {
        subject := key(c)
        allowed := true
        if cache != nil {
            rk := "rl:" + scope + ":" + subject
            cnt, err := cache.Incr(c.UserContext(), rk).Result()
            if err != nil {
                return c.Next() // fail-open on cache errors
            }
            if cnt == 1 {
                cache.Expire(c.UserContext(), rk, time.Minute)
            }
            allowed = cnt <= int64(maxPerMin)
        } else {
            allowed = local.Allow(subject, time.Now())
        }
        if !allowed {
            if observer != nil {
                observer.RateLimited(scope)
            }
            return fiber.NewError(http.StatusTooManyRequests, "too many requests, try again later")
        }
        return c.Next()
    }
}

// localLimiter applies a token bucket per key and evicts idle entries.
type localLimiter struct {
    limit   rate.Limit
    burst   int
    idleTTL time.Duration

    mu    sync.Mutex
    byKey map[string]*limiterEntry
    hits  uint64
}

type limiterEntry struct {
    limiter  *rate.Limiter
    lastSeen time.Time
}

func newLocalLimiter(rps float64, burst int, idleTTL time.Duration) *localLimiter {
    return &localLimiter{
        limit:   rate.Limit(rps),
        burst:   burst,
        idleTTL: idleTTL,
        byKey:   make(map[string]*limiterEntry),
    }
}

func (l *localLimiter) Allow(key string, now time.Time) bool {
    l.mu.Lock()
    defer l.mu.Unlock()

    e, ok := l.byKey[key]
    if !ok {
        e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
        l.byKey[key] = e
    }
    e.lastSeen = now
    allowed := e.limiter.AllowN(now, 1)

    l.hits++
    if l.hits%512 == 0 {
        cutoff := now.Add(-l.idleTTL)
        for k, v := range l.byKey {
            if v.lastSeen.Before(cutoff) {
                delete(l.byKey, k)
            }
        }
    }
    return allowed
}
