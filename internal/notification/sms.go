package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMSNotifier posts messages to an HMAC-authenticated SMS gateway. Each
// request is signed with HMAC-SHA256 over "user:msg-id:dest:text:ts".
type SMSNotifier struct {
	baseURL string
	user    string
	secret  []byte
	client  *http.Client
	now     func() time.Time
}

// NewSMSNotifier builds a gateway client. secret is base64 encoded.
func NewSMSNotifier(baseURL, user, secret string, client *http.Client) (*SMSNotifier, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode sms secret: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SMSNotifier{
		baseURL: strings.TrimRight(baseURL, "/") + "/",
		user:    user,
		secret:  key,
		client:  client,
		now:     time.Now,
	}, nil
}

// Send implements Notifier.
func (n *SMSNotifier) Send(ctx context.Context, message Message) error {
	dest := strings.TrimPrefix(message.Destination, "+")
	msgID := uuid.NewString()
	ts := strconv.FormatInt(n.now().Unix(), 10)

	form := url.Values{
		"msg-id": {msgID},
		"dest":   {dest},
		"text":   {message.Body},
		"ts":     {ts},
		"hmac":   {n.sign(strings.Join([]string{n.user, msgID, dest, message.Body, ts}, ":"))},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+n.user+"/send", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send sms request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("sms gateway returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *SMSNotifier) sign(payload string) string {
	mac := hmac.New(sha256.New, n.secret)
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
