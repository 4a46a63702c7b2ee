package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrDispatcherClosed is returned by Enqueue after Close.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// ErrQueueFull is returned by Enqueue when the queue has no free slot.
var ErrQueueFull = errors.New("notification queue is full")

// DeliveryObserver is told about every delivery attempt.
type DeliveryObserver interface {
	Notification(channel, outcome string)
}

// Dispatcher delivers messages on a bounded pool of workers so callers
// never wait on the downstream provider.
type Dispatcher struct {
	notifier Notifier
	logger   *slog.Logger
	observer DeliveryObserver
	queue    chan Message

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewDispatcher starts workers goroutines draining a queue of size queueSize.
// observer may be nil.
func NewDispatcher(notifier Notifier, workers, queueSize int, logger *slog.Logger, observer DeliveryObserver) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	d := &Dispatcher{
		notifier: notifier,
		logger:   logger,
		observer: observer,
		queue:    make(chan Message, queueSize),
		cancel:   cancel,
		group:    group,
	}
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	return d
}

// Enqueue schedules message for delivery without blocking.
func (d *Dispatcher) Enqueue(message Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- message:
		return nil
	default:
		d.record(message.Channel, "dropped")
		d.logger.Warn("notification dropped", "kind", message.Kind, "channel", message.Channel)
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits until the queue drains or ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- d.group.Wait() }()

	select {
	case err := <-done:
		d.cancel()
		return err
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for message := range d.queue {
		if err := d.notifier.Send(ctx, message); err != nil {
			d.record(message.Channel, "failed")
			d.logger.Error("notification delivery failed",
				"kind", message.Kind,
				"channel", message.Channel,
				"error", err,
			)
			continue
		}
		d.record(message.Channel, "sent")
	}
}

func (d *Dispatcher) record(channel, outcome string) {
	if d.observer != nil {
		d.observer.Notification(channel, outcome)
	}
}
