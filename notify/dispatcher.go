/*
Package notify delivers post-commit ledger notifications to external sinks.

PURPOSE:
  The Coordinator hands every committed mutation to a ledger.Notifier and
  moves on. Dispatcher is that Notifier: it queues the notification and a
  single worker fans it out to the configured sinks (RabbitMQ, Kafka, IFTTT,
  log). Nothing here can fail or slow down a commit.

DELIVERY:
  - At most once per sink. A failed send is logged and counted, not retried.
  - A full queue drops the notification with a warning.
  - Notifications are delivered in the order they were queued.

SEE ALSO:
  - ledger/notify.go: Notification and events
  - sinks.go: sink implementations
*/
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warp/toll-ledger/ledger"
)

const (
	DefaultBuffer      = 256
	DefaultSendTimeout = 10 * time.Second
)

// Sink is one delivery target.
type Sink interface {
	Name() string
	Send(ctx context.Context, n ledger.Notification) error
}

// Dispatcher is an asynchronous ledger.Notifier.
type Dispatcher struct {
	sinks       []Sink
	logger      *slog.Logger
	sendTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan ledger.Notification
	done   chan struct{}

	dropped atomic.Uint64
}

// NewDispatcher starts the delivery worker. buffer <= 0 uses DefaultBuffer.
func NewDispatcher(buffer int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		sinks:       sinks,
		logger:      logger,
		sendTimeout: DefaultSendTimeout,
		queue:       make(chan ledger.Notification, buffer),
		done:        make(chan struct{}),
	}
	go d.run()
	return d
}

// Sinks returns the names of the configured sinks.
func (d *Dispatcher) Sinks() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Dropped returns how many notifications were discarded on a full queue.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Notify queues n without blocking.
func (d *Dispatcher) Notify(_ context.Context, n ledger.Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("notification after shutdown dropped", "event", n.Event, "reference", n.Reference)
		return
	}
	select {
	case d.queue <- n:
	default:
		d.dropped.Add(1)
		notificationsDropped.Inc()
		d.logger.Warn("notification queue full, dropping",
			"event", n.Event, "account_id", n.AccountID, "reference", n.Reference)
	}
}

// Close stops accepting notifications and waits for the queue to drain or
// ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		for _, s := range d.sinks {
			d.deliver(s, n)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, n ledger.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			notificationsSent.WithLabelValues(s.Name(), "error").Inc()
			d.logger.Error("notification sink panicked", "sink", s.Name(), "event", n.Event, "panic", r)
		}
	}()

	if err := s.Send(ctx, n); err != nil {
		notificationsSent.WithLabelValues(s.Name(), "error").Inc()
		d.logger.Warn("notification delivery failed",
			"sink", s.Name(), "event", n.Event, "reference", n.Reference, "error", err)
		return
	}
	notificationsSent.WithLabelValues(s.Name(), "ok").Inc()
}
