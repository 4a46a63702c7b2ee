package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/gozle/accounts/internal/logging"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Message
	err  error
	wait chan struct{}
}

func (n *recordingNotifier) Send(_ context.Context, message Message) error {
	if n.wait != nil {
		<-n.wait
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, message)
	return n.err
}

func (n *recordingNotifier) messages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.sent...)
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) Notification(_, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = map[string]int{}
	}
	o.outcomes[outcome]++
}

func TestRouterPicksChannel(t *testing.T) {
	sms := &recordingNotifier{}
	mail := &recordingNotifier{}
	router := NewRouter(nil).Handle(ChannelSMS, sms).Handle(ChannelEmail, mail)

	if err := router.Send(context.Background(), Message{Channel: ChannelSMS, Destination: "+99361234567"}); err != nil {
		t.Fatalf("send sms: %v", err)
	}
	if err := router.Send(context.Background(), Message{Channel: ChannelEmail, Destination: "amy@example.com"}); err != nil {
		t.Fatalf("send email: %v", err)
	}
	if len(sms.messages()) != 1 || len(mail.messages()) != 1 {
		t.Fatalf("expected one message per channel, got sms=%d mail=%d", len(sms.messages()), len(mail.messages()))
	}
	if err := router.Send(context.Background(), Message{Channel: "pigeon"}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}

	fallback := &recordingNotifier{}
	if err := NewRouter(fallback).Send(context.Background(), Message{Channel: "pigeon"}); err != nil {
		t.Fatalf("fallback send: %v", err)
	}
	if len(fallback.messages()) != 1 {
		t.Fatalf("expected fallback to receive the message")
	}
}

type fakeMailSender struct {
	messages []*gomail.Message
}

func (f *fakeMailSender) DialAndSend(m ...*gomail.Message) error {
	f.messages = append(f.messages, m...)
	return nil
}

func TestMailNotifierBuildsMessage(t *testing.T) {
	sender := &fakeMailSender{}
	n := NewMailNotifierWithSender(sender, "noreply@gozle.com.tm")

	err := n.Send(context.Background(), Message{
		Channel:     ChannelEmail,
		Destination: "parent@example.com",
		Subject:     "Gozle registration",
		Body:        "Your verification code: 12345",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.messages))
	}
	m := sender.messages[0]
	if got := m.GetHeader("To"); len(got) != 1 || got[0] != "parent@example.com" {
		t.Fatalf("unexpected To header %v", got)
	}
	if got := m.GetHeader("Subject"); len(got) != 1 || got[0] != "Gozle registration" {
		t.Fatalf("unexpected Subject header %v", got)
	}
}

func TestSMSNotifierSignsRequest(t *testing.T) {
	secret := []byte("gateway-secret")
	var form map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gozle/send" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewSMSNotifier(srv.URL, "gozle", base64.StdEncoding.EncodeToString(secret), srv.Client())
	if err != nil {
		t.Fatalf("new sms notifier: %v", err)
	}
	n.now = func() time.Time { return time.Unix(1700000000, 0) }

	if err := n.Send(context.Background(), Message{Destination: "+99361234567", Body: "code: 12345"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if form["dest"] != "99361234567" {
		t.Fatalf("expected leading + stripped, got %q", form["dest"])
	}
	if form["ts"] != "1700000000" {
		t.Fatalf("unexpected ts %q", form["ts"])
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join([]string{"gozle", form["msg-id"], "99361234567", "code: 12345", "1700000000"}, ":")))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if form["hmac"] != want {
		t.Fatalf("hmac mismatch: got %q want %q", form["hmac"], want)
	}
}

func TestSMSNotifierReportsGatewayErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n, err := NewSMSNotifier(srv.URL, "gozle", base64.StdEncoding.EncodeToString([]byte("k")), srv.Client())
	if err != nil {
		t.Fatalf("new sms notifier: %v", err)
	}
	if err := n.Send(context.Background(), Message{Destination: "+99361234567", Body: "x"}); err == nil {
		t.Fatalf("expected gateway error")
	}
}

func TestDispatcherDeliversAndCountsFailures(t *testing.T) {
	ok := &recordingNotifier{}
	failing := &recordingNotifier{err: errors.New("smtp down")}
	obs := &countingObserver{}
	router := NewRouter(nil).Handle(ChannelSMS, ok).Handle(ChannelEmail, failing)
	d := NewDispatcher(router, 2, 8, logging.Discard(), obs)

	for i := 0; i < 3; i++ {
		if err := d.Enqueue(Message{Channel: ChannelSMS}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := d.Enqueue(Message{Channel: ChannelEmail}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(ok.messages()) != 3 {
		t.Fatalf("expected 3 delivered messages, got %d", len(ok.messages()))
	}
	if obs.outcomes["sent"] != 3 || obs.outcomes["failed"] != 1 {
		t.Fatalf("unexpected outcomes %v", obs.outcomes)
	}
	if err := d.Enqueue(Message{Channel: ChannelSMS}); !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestDispatcherEnqueueNeverBlocks(t *testing.T) {
	blocked := &recordingNotifier{wait: make(chan struct{})}
	d := NewDispatcher(blocked, 1, 1, logging.Discard(), nil)

	var full bool
	for i := 0; i < 5; i++ {
		if err := d.Enqueue(Message{Channel: ChannelSMS}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatalf("expected a full queue to reject instead of blocking")
	}

	close(blocked.wait)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}
