// Package notify delivers lifecycle events to users. Delivery is best effort:
// a failed notification never rolls back the transition that produced it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"accountmarket/metrics"
)

// EventType names a meaningful lifecycle transition.
type EventType string

const (
	PurchaseCreated   EventType = "purchase.created"
	PurchaseCancelled EventType = "purchase.cancelled"
	EscrowFunded      EventType = "escrow.funded"
	EscrowDelivered   EventType = "escrow.delivered"
	EscrowConfirmed   EventType = "escrow.confirmed"
	EscrowReleased    EventType = "escrow.released"
	EscrowRefunded    EventType = "escrow.refunded"
	SalePayout        EventType = "sale.payout"
	DisputeCreated    EventType = "dispute.created"
	DisputeAssigned   EventType = "dispute.assigned"
	DisputeResolved   EventType = "dispute.resolved"
	DisputeClosed     EventType = "dispute.closed"
	DisputeEscalated  EventType = "dispute.escalated"
	ReportResolved    EventType = "report.resolved"
	ReportDismissed   EventType = "report.dismissed"
)

// Event is the structured payload handed to a sink. The sink formats it.
type Event struct {
	Type       EventType      `json:"type"`
	UserID     string         `json:"userId"`
	RelatedID  string         `json:"relatedId"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Sink turns events into user-visible notifications.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		slog.String("type", string(ev.Type)),
		slog.String("user_id", ev.UserID),
		slog.String("related_id", ev.RelatedID),
		slog.Any("data", ev.Data),
	)
	return nil
}

const (
	defaultTimeout = 5 * time.Second
	defaultQueue   = 1024
)

// delivery is one queued event, or a flush marker when marker is set.
type delivery struct {
	ctx    context.Context
	ev     Event
	marker chan struct{}
}

// Notifier emits events after commit without blocking the caller. Events
// wait in a bounded queue drained by one goroutine, so a single recipient's
// notifications keep their order. Emit never returns an error.
type Notifier struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan delivery
	done   chan struct{}
}

func NewNotifier(sink Sink, logger *slog.Logger, m *metrics.Metrics) *Notifier {
	return NewBufferedNotifier(sink, logger, m, defaultQueue)
}

// NewBufferedNotifier holds up to size undelivered events. Events emitted
// while the queue is full are dropped, logged and counted.
func NewBufferedNotifier(sink Sink, logger *slog.Logger, m *metrics.Metrics, size int) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = defaultQueue
	}
	n := &Notifier{
		sink:    sink,
		logger:  logger,
		metrics: m,
		timeout: defaultTimeout,
		queue:   make(chan delivery, size),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// WithTimeout bounds each delivery attempt. Call it before the first Emit.
func (n *Notifier) WithTimeout(d time.Duration) *Notifier {
	if d > 0 {
		n.timeout = d
	}
	return n
}

// Emit queues events for delivery and returns at once. Delivery outlives
// cancellation of ctx so a client disconnect after commit does not drop
// notifications.
func (n *Notifier) Emit(ctx context.Context, events ...Event) {
	if n == nil || n.sink == nil {
		return
	}
	base := context.WithoutCancel(ctx)
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ev := range events {
		if ev.UserID == "" {
			continue
		}
		if n.closed {
			n.drop(ev, "notifier closed")
			continue
		}
		select {
		case n.queue <- delivery{ctx: base, ev: ev}:
		default:
			n.drop(ev, "queue full")
		}
	}
}

// Flush waits until every event emitted before the call has reached the sink.
func (n *Notifier) Flush(ctx context.Context) error {
	if n == nil {
		return nil
	}
	marker := make(chan struct{})
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return nil
	}
	select {
	case n.queue <- delivery{marker: marker}:
		n.mu.RUnlock()
	case <-ctx.Done():
		n.mu.RUnlock()
		return fmt.Errorf("notify: flush: %w", ctx.Err())
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify: flush: %w", ctx.Err())
	}
}

// Close stops accepting events and waits for the queue to drain.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	select {
	case <-n.done:
		return nil
	default:
	}
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify: drain: %w", ctx.Err())
	}
}

func (n *Notifier) run() {
	defer close(n.done)
	for d := range n.queue {
		if d.marker != nil {
			close(d.marker)
			continue
		}
		n.deliver(d.ctx, d.ev)
	}
}

func (n *Notifier) deliver(ctx context.Context, ev Event) {
	sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
	err := n.sink.Notify(sendCtx, ev)
	cancel()
	n.metrics.ObserveNotification(string(ev.Type), err)
	if err != nil {
		n.logger.Warn("notification delivery failed",
			slog.String("type", string(ev.Type)),
			slog.String("user_id", ev.UserID),
			slog.String("related_id", ev.RelatedID),
			slog.Any("err", err),
		)
	}
}

func (n *Notifier) drop(ev Event, reason string) {
	n.metrics.ObserveNotificationDropped(string(ev.Type))
	n.logger.Warn("notification dropped",
		slog.String("type", string(ev.Type)),
		slog.String("user_id", ev.UserID),
		slog.String("related_id", ev.RelatedID),
		slog.String("reason", reason),
	)
}
