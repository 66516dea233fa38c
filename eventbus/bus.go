// Package eventbus is the typed publish/subscribe fabric connecting the
// resilience subsystems to telemetry sinks. Subscribers declare the event
// kinds they consume; publishers never block — a subscriber that cannot
// keep up loses events, counted per subscription, rather than stalling the
// job's main loop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghostcrawl/core/corekit"
)

// EventKind names a class of events a subscriber can declare interest in.
type EventKind string

const (
	KindFailure        EventKind = "failure"
	KindRetry          EventKind = "retry"
	KindCheckpoint     EventKind = "checkpoint"
	KindResourceBreach EventKind = "resource_breach"
	KindCleanup        EventKind = "cleanup"
	KindAbort          EventKind = "abort"
	KindJobStatus      EventKind = "job_status"
)

// Event is one typed message on the bus. Payload keys are event-kind
// specific; subscribers must not mutate the map.
type Event struct {
	Kind          EventKind
	Timestamp     time.Time
	JobID         string
	CorrelationID string
	Payload       map[string]interface{}
}

// subscription is one subscriber's bounded delivery channel plus the kind
// filter it registered with.
type subscription struct {
	kinds   map[EventKind]bool
	ch      chan Event
	dropped atomic.Uint64
}

func (s *subscription) wants(kind EventKind) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Bus fans events out to subscribers. Publish is non-blocking: a full
// subscriber channel drops the event and bumps that subscription's drop
// counter. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64

	logger  corekit.Logger
	metrics corekit.MetricsRegistry
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger installs a logger, wrapped under component "core/eventbus".
func WithLogger(logger corekit.Logger) Option {
	return func(b *Bus) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(corekit.ComponentAwareLogger); ok {
			b.logger = cal.WithComponent("core/eventbus")
			return
		}
		b.logger = logger
	}
}

// WithMetrics installs a metrics sink that receives published/dropped
// counters per event kind.
func WithMetrics(metrics corekit.MetricsRegistry) Option {
	return func(b *Bus) { b.metrics = metrics }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{logger: &corekit.NoOpLogger{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new subscriber interested in the given kinds (no
// kinds means all). buffer bounds the delivery channel; events published
// while it is full are dropped. The returned cancel function removes the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int, kinds ...EventKind) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}

	sub := &subscription{
		kinds: make(map[EventKind]bool, len(kinds)),
		ch:    make(chan Event, buffer),
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { b.remove(sub) })
	}
	return sub.ch, cancel
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers event to every subscription whose filter matches. It
// never blocks; it stamps the event time if the caller left it zero.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.published.Add(1)
	if b.metrics != nil {
		b.metrics.Counter("eventbus.published", "kind", string(event.Kind))
	}

	for _, sub := range b.subs {
		if !sub.wants(event.Kind) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			if b.metrics != nil {
				b.metrics.Counter("eventbus.dropped", "kind", string(event.Kind))
			}
		}
	}
}

// Dropped returns the total number of events dropped across all
// subscriptions since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Published returns the total number of events published.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Close shuts the bus down: subsequent publishes are discarded and every
// subscriber channel is closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil

	if b.dropped.Load() > 0 {
		b.logger.Warn("event bus closed with dropped events", map[string]interface{}{
			"operation": "eventbus_close",
			"published": b.published.Load(),
			"dropped":   b.dropped.Load(),
		})
	}
}
