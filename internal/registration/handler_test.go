package registration

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gozle/accounts/internal/identity"
	"github.com/gozle/accounts/internal/notification"
	"github.com/gozle/accounts/internal/steptoken"
)

// chainToPassword walks a personal account through every step up to the
// password step and returns the token accepted by commit.
func chainToPassword(t *testing.T, f *fixture, app *fiber.App, phone, email string) string {
	t.Helper()
	return chainWithPassword(t, f, app, phone, email, "correct-horse")
}

func chainWithPassword(t *testing.T, f *fixture, app *fiber.App, phone, email, password string) string {
	t.Helper()
	r := call(t, app, http.MethodPost, "/api/v1/register/steps/account_type", "", map[string]any{"account_type": "personal"})
	expectStatus(t, r, http.StatusAccepted)
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/phone_number", r.token, map[string]any{"phone_number": phone})
	expectStatus(t, r, http.StatusAccepted)
	r = call(t, app, http.MethodPost, "/api/v1/auth/verify", r.token, map[string]any{"code": f.pendingCode(t, phone)})
	expectStatus(t, r, http.StatusAccepted)
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/profile_name", r.token, map[string]any{"first_name": "Amy", "last_name": "Li"})
	expectStatus(t, r, http.StatusAccepted)
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/profile_metadata", r.token, map[string]any{"birthday": "1990-05-02", "gender": "F"})
	expectStatus(t, r, http.StatusAccepted)
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/email", r.token, map[string]any{"email": email})
	expectStatus(t, r, http.StatusAccepted)
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/password", r.token, map[string]any{
		"password":              password,
		"password_confirmation": password,
	})
	expectStatus(t, r, http.StatusAccepted)
	return r.token
}

func TestRegistrationScenario(t *testing.T) {
	f := newFixture(t, time.Now)
	app := f.app()

	r := call(t, app, http.MethodPost, "/api/v1/register/steps/account_type", "", map[string]any{"account_type": "personal"})
	expectStatus(t, r, http.StatusAccepted)
	if r.body["status"] != "ok" {
		t.Fatalf("unexpected envelope %v", r.body)
	}
	t1, err := f.svc.codec.Decode(r.token)
	if err != nil {
		t.Fatalf("decode T1: %v", err)
	}
	if t1.Issuer() != "account_type" || !slices.Equal(t1.Audience(), []string{"phone_number", "parent_email"}) {
		t.Fatalf("unexpected T1 routing: %v", t1.Map())
	}

	r = call(t, app, http.MethodPost, "/api/v1/register/steps/phone_number", r.token, map[string]any{"phone_number": "+99361234567"})
	expectStatus(t, r, http.StatusAccepted)
	t2raw := r.token
	t2, err := f.svc.codec.Decode(t2raw)
	if err != nil {
		t.Fatalf("decode T2: %v", err)
	}
	if t2.Issuer() != "phone_number" || !slices.Equal(t2.Audience(), []string{"verification"}) {
		t.Fatalf("unexpected T2 routing: %v", t2.Map())
	}
	code := f.pendingCode(t, "+99361234567")
	if msg := f.queue.last(); msg.Channel != notification.ChannelSMS || msg.Destination != "+99361234567" {
		t.Fatalf("expected an sms notification, got %+v", msg)
	}

	r = call(t, app, http.MethodPost, "/api/v1/auth/verify", t2raw, map[string]any{"code": code})
	expectStatus(t, r, http.StatusAccepted)
	t3, err := f.svc.codec.Decode(r.token)
	if err != nil {
		t.Fatalf("decode T3: %v", err)
	}
	if !t3.Bool(ClaimVerified) || t3.Issuer() != "verification" || !slices.Equal(t3.Audience(), []string{"profile_name"}) {
		t.Fatalf("unexpected T3 claims: %v", t3.Map())
	}
	if _, ok, _ := f.codes.Get(context.Background(), "+99361234567"); ok {
		t.Fatalf("expected the code to be consumed")
	}

	again := call(t, app, http.MethodPost, "/api/v1/auth/verify", t2raw, map[string]any{"code": code})
	expectStatus(t, again, http.StatusBadRequest)
	if errs, _ := again.body["errors"].(map[string]any); errs["code"] == nil {
		t.Fatalf("expected a code error, got %v", again.body)
	}

	r = call(t, app, http.MethodPost, "/api/v1/register/steps/profile_name", r.token, map[string]any{"first_name": "Amy", "last_name": "Li"})
	expectStatus(t, r, http.StatusAccepted)
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/profile_metadata", r.token, map[string]any{"birthday": "1990-05-02"})
	expectStatus(t, r, http.StatusAccepted)

	s := call(t, app, http.MethodGet, "/api/v1/register/steps/email", r.token, nil)
	expectStatus(t, s, http.StatusOK)
	suggestions, _ := s.body["email_suggestions"].([]any)
	if len(suggestions) != 4 || suggestions[0] != "amy.li@gozle.com.tm" {
		t.Fatalf("unexpected suggestions %v", s.body)
	}

	r = call(t, app, http.MethodPost, "/api/v1/register/steps/email", r.token, map[string]any{"email": "Amy.Li@gozle.com.tm"})
	expectStatus(t, r, http.StatusAccepted)
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/password", r.token, map[string]any{
		"password":              "correct-horse",
		"password_confirmation": "correct-horse",
	})
	expectStatus(t, r, http.StatusAccepted)
	sealed, err := f.svc.codec.Decode(r.token)
	if err != nil {
		t.Fatalf("decode password token: %v", err)
	}
	if sealed.String(ClaimPassword) == "" || sealed.String(ClaimPassword) == "correct-horse" {
		t.Fatalf("password claim must be sealed, got %q", sealed.String(ClaimPassword))
	}

	p := call(t, app, http.MethodGet, "/api/v1/register", r.token, nil)
	expectStatus(t, p, http.StatusOK)
	data, _ := p.body["data"].(map[string]any)
	if data["email"] != "amy.li@gozle.com.tm" || data["first_name"] != "Amy" {
		t.Fatalf("unexpected preview %v", p.body)
	}
	previewed, _ := f.svc.codec.Decode(p.token)
	tmpAvatar := previewed.String(ClaimAvatar)
	if previewed.Issuer() != "password" || tmpAvatar == "" {
		t.Fatalf("preview token must keep routing and carry the avatar: %v", previewed.Map())
	}

	c := call(t, app, http.MethodPost, "/api/v1/register", p.token, nil)
	expectStatus(t, c, http.StatusCreated)
	userID, _ := c.body["user_id"].(string)

	user, err := f.users.FindByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("find committed user: %v", err)
	}
	if user.Email != "amy.li@gozle.com.tm" || user.Phone != "+99361234567" || user.Gender != identity.GenderUnspecified {
		t.Fatalf("unexpected user %+v", user)
	}
	if _, err := os.Stat(filepath.Join(f.media, user.Avatar)); err != nil {
		t.Fatalf("expected avatar in permanent storage: %v", err)
	}
	if _, err := os.Stat(tmpAvatar); !os.IsNotExist(err) {
		t.Fatalf("expected temporary avatar to be removed, stat err=%v", err)
	}
	if _, err := identity.NewService(f.users).Authenticate(context.Background(), identity.Credentials{
		Phone: "+99361234567", Password: "correct-horse",
	}); err != nil {
		t.Fatalf("committed password should authenticate: %v", err)
	}

	replay := call(t, app, http.MethodPost, "/api/v1/register", p.token, nil)
	expectStatus(t, replay, http.StatusConflict)
}

func TestStepsRejectMissingAndOutOfOrderTokens(t *testing.T) {
	f := newFixture(t, time.Now)
	app := f.app()

	r := call(t, app, http.MethodPost, "/api/v1/register/steps/phone_number", "", map[string]any{"phone_number": "+99361234567"})
	expectStatus(t, r, http.StatusBadRequest)
	if r.body["message"] != "token not given" {
		t.Fatalf("unexpected message %v", r.body)
	}

	t1 := call(t, app, http.MethodPost, "/api/v1/register/steps/account_type", "", nil)
	expectStatus(t, t1, http.StatusAccepted)

	for _, path := range []string{"/api/v1/auth/verify", "/api/v1/register/steps/profile_name", "/api/v1/register/steps/email", "/api/v1/register"} {
		r := call(t, app, http.MethodPost, path, t1.token, map[string]any{})
		expectStatus(t, r, http.StatusBadRequest)
		if r.body["message"] != "invalid token" {
			t.Fatalf("%s: unexpected message %v", path, r.body)
		}
	}

	r = call(t, app, http.MethodPost, "/api/v1/register/steps/phone_number", "garbage", map[string]any{"phone_number": "+99361234567"})
	expectStatus(t, r, http.StatusBadRequest)
}

func TestStepValidationErrors(t *testing.T) {
	f := newFixture(t, time.Now)
	app := f.app()

	r := call(t, app, http.MethodPost, "/api/v1/register/steps/account_type", "", map[string]any{"account_type": "business"})
	expectStatus(t, r, http.StatusBadRequest)
	if errs, _ := r.body["errors"].(map[string]any); errs["account_type"] == nil {
		t.Fatalf("expected account_type error, got %v", r.body)
	}

	t1 := call(t, app, http.MethodPost, "/api/v1/register/steps/account_type", "", map[string]any{"account_type": "personal"})
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/phone_number", t1.token, map[string]any{"phone_number": "12"})
	expectStatus(t, r, http.StatusBadRequest)

	r = call(t, app, http.MethodPost, "/api/v1/register/steps/parent_email", t1.token, map[string]any{"email": "mum@example.com"})
	expectStatus(t, r, http.StatusBadRequest)
	if errs, _ := r.body["errors"].(map[string]any); errs["email"] == nil {
		t.Fatalf("parent email must be refused for personal accounts, got %v", r.body)
	}

	t2 := call(t, app, http.MethodPost, "/api/v1/register/steps/phone_number", t1.token, map[string]any{"phone_number": "61234567"})
	expectStatus(t, t2, http.StatusAccepted)
	r = call(t, app, http.MethodPost, "/api/v1/auth/verify", t2.token, map[string]any{"code": "12"})
	expectStatus(t, r, http.StatusBadRequest)
	r = call(t, app, http.MethodPost, "/api/v1/auth/verify", t2.token, map[string]any{
		"code":         f.pendingCode(t, "+99361234567"),
		"phone_number": "+99365555555",
	})
	expectStatus(t, r, http.StatusBadRequest)
	if errs, _ := r.body["errors"].(map[string]any); errs["phone_number"] == nil {
		t.Fatalf("expected phone_number mismatch error, got %v", r.body)
	}

	code := f.pendingCode(t, "+99361234567")
	t3 := call(t, app, http.MethodPost, "/api/v1/auth/verify", t2.token, map[string]any{"code": strconv.Itoa(code)})
	expectStatus(t, t3, http.StatusAccepted)

	r = call(t, app, http.MethodPost, "/api/v1/register/steps/profile_name", t3.token, map[string]any{"first_name": "R2D2"})
	expectStatus(t, r, http.StatusBadRequest)
	t4 := call(t, app, http.MethodPost, "/api/v1/register/steps/profile_name", t3.token, map[string]any{"first_name": "Amy"})
	expectStatus(t, t4, http.StatusAccepted)

	future := time.Now().AddDate(1, 0, 0).Format("2006-01-02")
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/profile_metadata", t4.token, map[string]any{"birthday": future})
	expectStatus(t, r, http.StatusBadRequest)
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/profile_metadata", t4.token, map[string]any{"birthday": "02.05.1990"})
	expectStatus(t, r, http.StatusBadRequest)
	t5 := call(t, app, http.MethodPost, "/api/v1/register/steps/profile_metadata", t4.token, map[string]any{"birthday": "1990-05-02", "gender": "M"})
	expectStatus(t, t5, http.StatusAccepted)

	takeEmails(t, f.users, "taken")
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/email", t5.token, map[string]any{"email": "taken@gozle.com.tm"})
	expectStatus(t, r, http.StatusConflict)
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/email", t5.token, map[string]any{"email": "not-an-email"})
	expectStatus(t, r, http.StatusBadRequest)
	t6 := call(t, app, http.MethodPost, "/api/v1/register/steps/email", t5.token, map[string]any{"email": "amy@gozle.com.tm"})
	expectStatus(t, t6, http.StatusAccepted)

	r = call(t, app, http.MethodPost, "/api/v1/register/steps/password", t6.token, map[string]any{
		"password": "correct-horse", "password_confirmation": "correct-horsE",
	})
	expectStatus(t, r, http.StatusBadRequest)
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/password", t6.token, map[string]any{
		"password": "short", "password_confirmation": "short",
	})
	expectStatus(t, r, http.StatusBadRequest)
}

func TestChildAccountReentersPhoneStep(t *testing.T) {
	f := newFixture(t, time.Now)
	app := f.app()

	r := call(t, app, http.MethodPost, "/api/v1/register/steps/account_type", "", map[string]any{"account_type": "child"})
	expectStatus(t, r, http.StatusAccepted)

	blocked := call(t, app, http.MethodPost, "/api/v1/register/steps/phone_number", r.token, map[string]any{"phone_number": "+99361234567"})
	expectStatus(t, blocked, http.StatusBadRequest)

	r = call(t, app, http.MethodPost, "/api/v1/register/steps/parent_email", r.token, map[string]any{"email": "Mum@Example.com"})
	expectStatus(t, r, http.StatusAccepted)
	if msg := f.queue.last(); msg.Channel != notification.ChannelEmail || msg.Destination != "mum@example.com" {
		t.Fatalf("expected an email notification, got %+v", msg)
	}
	r = call(t, app, http.MethodPost, "/api/v1/auth/verify", r.token, map[string]any{
		"code":  f.pendingCode(t, "mum@example.com"),
		"email": "mum@example.com",
	})
	expectStatus(t, r, http.StatusAccepted)

	r = call(t, app, http.MethodPost, "/api/v1/register/steps/profile_name", r.token, map[string]any{"first_name": "Kid"})
	expectStatus(t, r, http.StatusAccepted)
	claims, _ := f.svc.codec.Decode(r.token)
	if !slices.Equal(claims.Audience(), []string{"phone_number"}) {
		t.Fatalf("expected the chain to return to the phone step, got %v", claims.Audience())
	}

	r = call(t, app, http.MethodPost, "/api/v1/register/steps/phone_number", r.token, map[string]any{"phone_number": "+99361234567"})
	expectStatus(t, r, http.StatusAccepted)
	r = call(t, app, http.MethodPost, "/api/v1/auth/verify", r.token, map[string]any{"code": f.pendingCode(t, "+99361234567")})
	expectStatus(t, r, http.StatusAccepted)
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/profile_name", r.token, map[string]any{"first_name": "Kid"})
	expectStatus(t, r, http.StatusAccepted)
	claims, _ = f.svc.codec.Decode(r.token)
	if !slices.Equal(claims.Audience(), []string{"profile_metadata"}) {
		t.Fatalf("expected the chain to move on to profile metadata, got %v", claims.Audience())
	}
	if !claims.Bool(ClaimParentEmailVerified) || !claims.Bool(ClaimPhoneVerified) {
		t.Fatalf("expected both identifiers to be verified: %v", claims.Map())
	}
}

func TestConcurrentCommitsWithSameEmail(t *testing.T) {
	f := newFixture(t, time.Now)
	app := f.app()

	first := chainToPassword(t, f, app, "+99361111111", "race@gozle.com.tm")
	second := chainToPassword(t, f, app, "+99362222222", "race@gozle.com.tm")

	var wg sync.WaitGroup
	statuses := make([]int, 2)
	for i, token := range []string{first, second} {
		wg.Add(1)
		go func(i int, token string) {
			defer wg.Done()
			statuses[i] = call(t, app, http.MethodPost, "/api/v1/register", token, nil).status
		}(i, token)
	}
	wg.Wait()

	slices.Sort(statuses)
	if statuses[0] != http.StatusCreated || statuses[1] != http.StatusConflict {
		t.Fatalf("expected one 201 and one 409, got %v", statuses)
	}
}

func TestCommitRejectsIncompleteClaims(t *testing.T) {
	f := newFixture(t, time.Now)
	acc := Accepted{step: StepRegistration, claims: steptoken.NewClaims(map[string]any{
		ClaimAccountType: "personal",
		ClaimEmail:       "amy@gozle.com.tm",
	})}
	_, err := f.svc.Commit(context.Background(), acc)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected a validation error, got %v", err)
	}
	for _, field := range []string{"phone_number", "first_name", "birthday", "password"} {
		if ve.Fields[field] == "" {
			t.Fatalf("expected %s to be reported, got %v", field, ve.Fields)
		}
	}
}

func TestPasswordLengthCountsCharacters(t *testing.T) {
	cases := []struct {
		name     string
		password string
		ok       bool
	}{
		{"thirty cyrillic letters", strings.Repeat("ж", 30), true},
		{"fifty ascii", strings.Repeat("a", 50), true},
		{"seven cyrillic letters", strings.Repeat("ж", 7), false},
		{"fifty one ascii", strings.Repeat("a", 51), false},
		{"fits in characters but not in bcrypt", strings.Repeat("😀", 20), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := PasswordInput{Password: tc.password, PasswordConfirmation: tc.password}.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected password to be accepted, got %v", err)
			}
			if !tc.ok {
				var ve *ValidationError
				if !errors.As(asValidationError(err), &ve) || ve.Fields["password"] == "" {
					t.Fatalf("expected a password field error, got %v", err)
				}
			}
		})
	}
}

func TestNonASCIIPasswordCommits(t *testing.T) {
	f := newFixture(t, time.Now)
	app := f.app()
	password := "пароль-жизнь-" + strings.Repeat("ж", 17)

	token := chainWithPassword(t, f, app, "+99361234567", "amy@gozle.com.tm", password)
	c := call(t, app, http.MethodPost, "/api/v1/register", token, nil)
	expectStatus(t, c, http.StatusCreated)

	if _, err := identity.NewService(f.users).Authenticate(context.Background(), identity.Credentials{
		Email: "amy@gozle.com.tm", Password: password,
	}); err != nil {
		t.Fatalf("committed password should authenticate: %v", err)
	}
}

func TestCodeStepsSurviveQueueFailure(t *testing.T) {
	f := newFixture(t, time.Now)
	f.queue.fail(errors.New("queue full"))
	app := f.app()

	r := call(t, app, http.MethodPost, "/api/v1/register/steps/account_type", "", map[string]any{"account_type": "personal"})
	expectStatus(t, r, http.StatusAccepted)
	r = call(t, app, http.MethodPost, "/api/v1/register/steps/phone_number", r.token, map[string]any{"phone_number": "+99361234567"})
	expectStatus(t, r, http.StatusAccepted)
	if r.token == "" {
		t.Fatalf("expected a token even though the code was not queued")
	}
	if r.body["message"] != "Verification code sent" {
		t.Fatalf("unexpected envelope %v", r.body)
	}

	r = call(t, app, http.MethodPost, "/api/v1/auth/verify", r.token, map[string]any{"code": f.pendingCode(t, "+99361234567")})
	expectStatus(t, r, http.StatusAccepted)
	if _, ok, _ := f.codes.Get(context.Background(), "+99361234567"); ok {
		t.Fatalf("expected the code to be consumed")
	}
}
