package notification

import (
    "context"
    "errors"
    "fmt"
    "log/slog"
)

// Channels a message can be delivered through.
const (
    ChannelEmail = "email"
    ChannelSMS   = "sms"
)

const (
    // KindVerificationCode carries a registration verification code.
    KindVerificationCode = "verification_code"
)

// ErrNoRoute is returned when no notifier is configured for a channel.
var ErrNoRoute = errors.New("no notifier for channel")

// Message describes a notification payload.
type Message struct {
    Kind        string
    Channel     string
    Destination string
    Subject     string
    Body        string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
    Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger. It stands in for real
// delivery in development.
type LoggerNotifier struct {
    logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
    return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
    if n == nil || n.logger == nil {
        return nil
    }
    n.logger.Info("notification",
        "kind", message.Kind,
        "channel", message.Channel,
        "destination", message.Destination,
        "body", message.Body,
    )
    return nil
}

// Router sends each message through the notifier registered for its channel.
type Router struct {
    routes   map[string]Notifier
    fallback Notifier
}

// NewRouter builds a router. fallback receives messages for channels without
// a route; nil means such messages fail with ErrNoRoute.
func NewRouter(fallback Notifier) *Router {
    return &Router{routes: make(map[string]Notifier), fallback: fallback}
}

// Handle registers n for channel.
func (r *Router) Handle(channel string, n Notifier) *Router {
    r.routes[channel] = n
    return r
}

// Send implements Notifier.
func (r *Router) Send(ctx context.Context, message Message) error {
    if n, ok := r.routes[message.Channel]; ok {
        return n.Send(ctx, message)
    }
    if r.fallback != nil {
        return r.fallback.Send(ctx, message)
    }
    return fmt.Errorf("%w %q", ErrNoRoute, message.Channel)
}
