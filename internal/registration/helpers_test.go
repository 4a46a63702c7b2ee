package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gozle/accounts/internal/avatar"
	"github.com/gozle/accounts/internal/identity"
	"github.com/gozle/accounts/internal/logging"
	"github.com/gozle/accounts/internal/notification"
	"github.com/gozle/accounts/internal/tokenstore"
)

const testHeader = "X-Registration-Token"

type fakeQueue struct {
	mu   sync.Mutex
	msgs []notification.Message
	err  error
}

func (q *fakeQueue) Enqueue(m notification.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, m)
	return nil
}

func (q *fakeQueue) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *fakeQueue) last() notification.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return notification.Message{}
	}
	return q.msgs[len(q.msgs)-1]
}

type fixture struct {
	svc     *Service
	codes   *MemoryCodeStore
	users   identity.Repository
	queue   *fakeQueue
	avatars *avatar.Store
	media   string
}

func newFixture(t *testing.T, clock func() time.Time) *fixture {
	t.Helper()
	media := t.TempDir()
	store, err := avatar.NewStore(media)
	if err != nil {
		t.Fatalf("avatar store: %v", err)
	}
	f := &fixture{
		codes:   NewMemoryCodeStore(),
		users:   identity.NewMemoryRepository(),
		queue:   &fakeQueue{},
		avatars: store,
		media:   media,
	}
	svc, err := NewService(Deps{
		Config: Config{
			Secret:      []byte("registration-test-secret"),
			TokenTTL:    30 * time.Minute,
			CodeTTL:     3 * time.Minute,
			ProjectName: "Gozle",
			EmailDomain: "gozle.com.tm",
			PhoneRegion: "TM",
		},
		Codes:     f.codes,
		Users:     f.users,
		Committed: tokenstore.NewMemorySet(),
		Queue:     f.queue,
		Avatars:   store,
		Logger:    logging.Discard(),
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) app() *fiber.App {
	h := NewHandler(f.svc, testHeader, nil, logging.Discard())
	app := fiber.New()
	api := app.Group("/api/v1")
	api.Post("/register/steps/account_type", h.AccountType)
	api.Post("/register/steps/phone_number", h.PhoneNumber)
	api.Post("/register/steps/parent_email", h.ParentEmail)
	api.Post("/auth/verify", h.Verify)
	api.Post("/register/steps/profile_name", h.ProfileName)
	api.Post("/register/steps/profile_metadata", h.ProfileMetadata)
	api.Get("/register/steps/email", h.EmailSuggestions)
	api.Post("/register/steps/email", h.Email)
	api.Post("/register/steps/password", h.Password)
	api.Get("/register", h.Preview)
	api.Post("/register", h.Commit)
	return app
}

type reply struct {
	status int
	token  string
	body   map[string]any
}

func call(t *testing.T, app *fiber.App, method, path, token string, body any) reply {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(testHeader, token)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := reply{status: resp.StatusCode, token: resp.Header.Get(testHeader)}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.body); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return out
}

func expectStatus(t *testing.T, r reply, status int) {
	t.Helper()
	if r.status != status {
		t.Fatalf("expected status %d, got %d: %v", status, r.status, r.body)
	}
}

func (f *fixture) pendingCode(t *testing.T, identifier string) int {
	t.Helper()
	code, ok, err := f.codes.Get(context.Background(), identifier)
	if err != nil || !ok {
		t.Fatalf("expected a code for %s: ok=%v err=%v", identifier, ok, err)
	}
	return code
}

