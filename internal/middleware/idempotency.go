package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "idempotency:v2:"
	inProgressMarker     = "__in_progress__"
	idempotencyOpTimeout = 2 * time.Second
)

type storedResponse struct {
	Fingerprint string            `json:"fingerprint"`
	Status      int               `json:"status"`
	Body        string            `json:"body"`
	Headers     map[string]string `json:"headers"`
}

// Idempotency replays the stored response of an unsafe request retried with
// the same Idempotency-Key header. Requests without the header pass through.
// A retry whose body or fingerprint headers differ from the first request is
// rejected with 422. Server errors are not stored so the client can retry.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger, fingerprintHeaders ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}
		key := strings.TrimSpace(c.Get(idempotencyKeyHeader))
		if key == "" {
			return c.Next()
		}

		cacheKey := idempotencyPrefix + c.Path() + ":" + key
		fingerprint := requestFingerprint(c, fingerprintHeaders)
		log := logger.With(slog.String("key", key))

		ctx, cancel := context.WithTimeout(context.Background(), idempotencyOpTimeout)
		defer cancel()

		reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
		if err != nil {
			log.Error("idempotency reservation failed", slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
		}
		if !reserved {
			return replay(c, cache, cacheKey, fingerprint, log)
		}

		if err := c.Next(); err != nil {
			forget(cache, cacheKey)
			return err
		}
		status := c.Response().StatusCode()
		if status >= fiber.StatusInternalServerError {
			forget(cache, cacheKey)
			return nil
		}

		stored := storedResponse{
			Fingerprint: fingerprint,
			Status:      status,
			Body:        string(c.Response().Body()),
			Headers:     map[string]string{},
		}
		c.Response().Header.VisitAll(func(k, v []byte) {
			stored.Headers[string(k)] = string(v)
		})
		payload, err := json.Marshal(stored)
		if err == nil {
			persistCtx, persistCancel := context.WithTimeout(context.Background(), idempotencyOpTimeout)
			defer persistCancel()
			err = cache.Set(persistCtx, cacheKey, payload, ttl).Err()
		}
		if err != nil {
			// The handler already ran; the response is still returned, only
			// replay protection for this key is lost.
			log.Error("failed to persist idempotent response", slog.Any("error", err))
			forget(cache, cacheKey)
		}
		return nil
	}
}

func replay(c *fiber.Ctx, cache *redis.Client, cacheKey, fingerprint string, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyOpTimeout)
	defer cancel()

	cached, err := cache.Get(ctx, cacheKey).Result()
	if errors.Is(err, redis.Nil) || cached == inProgressMarker {
		return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}
	if err != nil {
		log.Error("idempotency lookup failed", slog.Any("error", err))
		return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(cached), &stored); err != nil {
		log.Warn("failed to decode stored idempotent response", slog.Any("error", err))
		return fiber.NewError(fiber.StatusConflict, "duplicate request")
	}
	if stored.Fingerprint != fingerprint {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "idempotency key reused with a different request")
	}

	for header, value := range stored.Headers {
		if strings.EqualFold(header, fiber.HeaderContentLength) {
			continue
		}
		c.Set(header, value)
	}
	return c.Status(stored.Status).SendString(stored.Body)
}

func forget(cache *redis.Client, cacheKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), idempotencyOpTimeout)
	defer cancel()
	cache.Del(ctx, cacheKey)
}

func requestFingerprint(c *fiber.Ctx, headers []string) string {
	h := sha256.New()
	h.Write([]byte(c.Method() + " " + c.Path() + "\n"))
	for _, name := range headers {
		h.Write([]byte(name + ":" + c.Get(name) + "\n"))
	}
	h.Write(c.Body())
	return hex.EncodeToString(h.Sum(nil))
}
