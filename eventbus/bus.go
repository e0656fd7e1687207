// Package eventbus implements the named-channel publish/subscribe fabric of
// the middleware core. Components publish events by name; sessions and
// internal consumers subscribe with dotted-name globs.
//
// Delivery is fire-and-forget: a publisher is never blocked by a slow
// subscriber. Each subscription owns a bounded queue; when the queue is full
// the event is dropped for that subscriber only, after a warning log. Order
// is preserved per (subscription, channel) pair. The bus does not persist
// events.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/metric"
)

// DefaultQueueSize bounds each subscription's outbound queue.
const DefaultQueueSize = 256

// Event is one published occurrence on a named channel.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// ChangeType classifies a CRUD event.
type ChangeType string

const (
	// Added signals entity creation
	Added ChangeType = "ADDED"
	// Changed signals entity modification
	Changed ChangeType = "CHANGED"
	// Removed signals entity deletion
	Removed ChangeType = "REMOVED"
)

// CRUDPayload builds the fixed payload shape carried by `<plugin>.query`
// change events. Fields is nil for Removed events.
func CRUDPayload(typ ChangeType, id any, fields map[string]any) map[string]any {
	return map[string]any{
		"type":   string(typ),
		"id":     id,
		"fields": fields,
	}
}

// Subscription is one (subscriber, glob) registration. Events arrive on C
// until Unsubscribe, after which C is closed.
type Subscription struct {
	id   uint64
	glob string
	ch   chan Event
}

// ID returns the bus-assigned subscription id.
func (s *Subscription) ID() uint64 { return s.id }

// Glob returns the pattern this subscription was created with.
func (s *Subscription) Glob() string { return s.glob }

// C returns the receive channel for matching events.
func (s *Subscription) C() <-chan Event { return s.ch }

// Bus routes published events to matching subscriptions.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
	logger    *slog.Logger
	metrics   *metric.Metrics
}

// Option configures the bus at construction.
type Option func(*Bus)

// WithQueueSize overrides the per-subscription queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithMetrics wires bus counters into the core metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: DefaultQueueSize,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a glob and returns the subscription. The caller owns
// draining the channel; an undrained subscription only ever costs its queue.
func (b *Bus) Subscribe(glob string) (*Subscription, error) {
	if err := ValidateGlob(glob); err != nil {
		return nil, errors.Wrap(err, "eventbus", "Subscribe", "pattern validation")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:   b.nextID,
		glob: glob,
		ch:   make(chan Event, b.queueSize),
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel. Unknown ids are
// ignored so teardown paths can be idempotent.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Publish delivers an event to every matching subscription without blocking.
// Full queues drop the event for that subscriber only.
func (b *Bus) Publish(name string, payload any) {
	ev := Event{Name: name, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.EventsPublished.Inc()
	}

	for _, sub := range b.subs {
		if !MatchGlob(sub.glob, name) {
			continue
		}
		select {
		case sub.ch <- ev:
			if b.metrics != nil {
				b.metrics.EventsDelivered.Inc()
			}
		default:
			if b.metrics != nil {
				b.metrics.EventsDropped.Inc()
			}
			b.logger.Warn("Dropping event for slow subscriber",
				"event", name, "subscription", sub.id, "queue_size", b.queueSize)
		}
	}
}

// SubscriberCount returns the number of live subscriptions, for introspection
// and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
