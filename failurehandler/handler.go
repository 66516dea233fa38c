// Package failurehandler routes every failure through classification, the
// abort controller, and any registered per-category handlers, producing a
// single recovery decision for the job runner to act on.
package failurehandler

import (
	"errors"
	"sync"
	"time"

	"github.com/ghostcrawl/core/abortctrl"
	"github.com/ghostcrawl/core/corekit"
	"github.com/ghostcrawl/core/eventbus"
	"github.com/ghostcrawl/core/retry"
)

// Decision is the single coherent recovery outcome for one failure.
type Decision struct {
	Action corekit.RecoveryAction
	Delay  time.Duration // set for Retry
	Target string        // set for Restart, names what to restart
	Reason string        // set for Abort
}

// Retry builds a retry decision with the given backoff delay.
func Retry(delay time.Duration) Decision {
	return Decision{Action: corekit.ActionRetry, Delay: delay}
}

// Restart builds a restart decision for the named target (normally a
// browser session id).
func Restart(target string) Decision {
	return Decision{Action: corekit.ActionRestart, Target: target}
}

// Skip builds a skip decision: the item is marked failed, the job goes on.
func Skip() Decision {
	return Decision{Action: corekit.ActionSkip}
}

// Abort builds an abort decision with a human-readable reason.
func Abort(reason string) Decision {
	return Decision{Action: corekit.ActionAbort, Reason: reason}
}

// Context carries the job-side facts a handler may consult. Handlers read
// it but must not mutate job state through it.
type Context struct {
	JobID            string
	ItemID           string
	Attempt          int
	RetriesExhausted bool
	Err              error
	Policy           *retry.Policy
	Values           map[string]interface{}
}

// HandlerFunc is a caller-registered per-category decision function. It
// returns (decision, true) to claim the failure, or (_, false) to pass it
// to the next handler.
type HandlerFunc func(event corekit.FailureEvent, hctx Context) (Decision, bool)

// Handler is the failure-routing pipeline. Safe for concurrent use.
type Handler struct {
	mu       sync.RWMutex
	handlers map[corekit.Category][]HandlerFunc

	abort  *abortctrl.Controller
	bus    *eventbus.Bus
	logger corekit.Logger
}

// Option configures a Handler at construction time.
type Option func(*Handler)

// WithLogger installs a logger, wrapped under component
// "core/failurehandler".
func WithLogger(logger corekit.Logger) Option {
	return func(h *Handler) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(corekit.ComponentAwareLogger); ok {
			h.logger = cal.WithComponent("core/failurehandler")
			return
		}
		h.logger = logger
	}
}

// WithEventBus installs the bus failure telemetry is published on.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(h *Handler) { h.bus = bus }
}

// NewHandler creates a Handler that records non-retryable failures with
// abort (may be nil in isolation tests).
func NewHandler(abort *abortctrl.Controller, opts ...Option) *Handler {
	h := &Handler{
		handlers: make(map[corekit.Category][]HandlerFunc),
		abort:    abort,
		logger:   &corekit.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register appends a per-category handler. Handlers are consulted in
// registration order; the first one that claims the failure wins.
func (h *Handler) Register(category corekit.Category, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[category] = append(h.handlers[category], fn)
}

// Handle routes one failure to a recovery decision: classify against the
// retry policy, record permanent/exhausted failures with the abort
// controller, consult registered handlers, then fall back to the default
// decision table.
func (h *Handler) Handle(event corekit.FailureEvent, hctx Context) Decision {
	policy := hctx.Policy
	if policy == nil {
		policy = retry.StandardPolicy()
	}

	cause := hctx.Err
	if cause == nil {
		cause = errors.New(event.Message)
	}
	permanent := policy.Classifier.Classify(cause) == retry.Permanent

	if (permanent || hctx.RetriesExhausted) && h.abort != nil {
		h.abort.RecordFailure(hctx.JobID, event)
	}

	decision, claimed := h.consult(event, hctx)
	if !claimed {
		decision = h.defaultDecision(event, hctx, policy, permanent)
	}

	event.Action = decision.Action
	event.ResolvedAt = time.Now().UTC()
	h.publish(hctx.JobID, event, decision)

	h.logger.Debug("failure routed", map[string]interface{}{
		"operation":      "failure_handled",
		"job_id":         hctx.JobID,
		"item_id":        hctx.ItemID,
		"category":       string(event.Category),
		"severity":       string(event.Severity),
		"decision":       string(decision.Action),
		"correlation_id": event.CorrelationID,
	})
	return decision
}

func (h *Handler) consult(event corekit.FailureEvent, hctx Context) (Decision, bool) {
	h.mu.RLock()
	fns := h.handlers[event.Category]
	h.mu.RUnlock()

	for _, fn := range fns {
		if decision, ok := fn(event, hctx); ok {
			return decision, true
		}
	}
	return Decision{}, false
}

func (h *Handler) defaultDecision(event corekit.FailureEvent, hctx Context, policy *retry.Policy, permanent bool) Decision {
	switch {
	case event.Severity == corekit.SeverityCritical:
		return Abort("critical failure: " + event.Message)
	case permanent:
		return Skip()
	case hctx.RetriesExhausted:
		return Skip()
	default:
		attempt := hctx.Attempt
		if attempt < 1 {
			attempt = 1
		}
		return Retry(policy.DelayFor(attempt))
	}
}

func (h *Handler) publish(jobID string, event corekit.FailureEvent, decision Decision) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(eventbus.Event{
		Kind:          eventbus.KindFailure,
		JobID:         jobID,
		CorrelationID: event.CorrelationID,
		Payload: map[string]interface{}{
			"event":    event,
			"decision": string(decision.Action),
		},
	})
}
