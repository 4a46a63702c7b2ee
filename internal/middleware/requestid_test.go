package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestRequestIDReusesValidClientValue(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(RequestIDFrom(c)) })

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if got := resp.Header.Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("expected client id echoed, got %q", got)
	}

	req = httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, strings.Repeat("x", maxRequestIDLen+1))
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if got := resp.Header.Get(requestIDHeader); len(got) != 36 {
		t.Fatalf("expected a generated uuid, got %q", got)
	}
}

func TestAuditLevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	app := fiber.New()
	app.Use(RequestID(), Audit(logger))
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/bad", func(c *fiber.Ctx) error { return fiber.NewError(fiber.StatusBadRequest, "nope") })

	for _, path := range []string{"/ok", "/bad"} {
		if _, err := app.Test(httptest.NewRequest(fiber.MethodGet, path, nil)); err != nil {
			t.Fatalf("app.Test %s: %v", path, err)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
	want := []struct {
		level  string
		status float64
	}{{"INFO", 200}, {"WARN", 400}}
	for i, line := range lines {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		if entry["level"] != want[i].level || entry["status"] != want[i].status {
			t.Fatalf("line %d: unexpected entry %v", i, entry)
		}
		if entry["request_id"] == nil {
			t.Fatalf("line %d: missing request_id", i)
		}
	}
}
