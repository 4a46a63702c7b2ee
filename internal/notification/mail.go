package notification

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// MailSender is the subset of *gomail.Dialer used by MailNotifier.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// MailNotifier delivers email through SMTP.
type MailNotifier struct {
	sender MailSender
	from   string
}

// NewMailNotifier dials host:port with the given credentials for every message.
func NewMailNotifier(host string, port int, user, password, from string) *MailNotifier {
	return NewMailNotifierWithSender(gomail.NewDialer(host, port, user, password), from)
}

// NewMailNotifierWithSender builds a notifier around an existing sender.
func NewMailNotifierWithSender(sender MailSender, from string) *MailNotifier {
	return &MailNotifier{sender: sender, from: from}
}

// Send implements Notifier.
func (n *MailNotifier) Send(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", message.Destination)
	m.SetHeader("Subject", message.Subject)
	m.SetBody("text/plain", message.Body)

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
