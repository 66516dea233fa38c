package abortctrl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ghostcrawl/core/corekit"
	"github.com/ghostcrawl/core/eventbus"
)

// defaultActionTimeout applies to any Action declared without one.
const defaultActionTimeout = 30 * time.Second

// Decision is the result of one abort evaluation.
type Decision struct {
	Abort  bool
	Reason string
}

// Executors binds abort actions to their collaborators. Nil members make
// the corresponding action a logged no-op, so a Controller can run before
// the full wiring exists (e.g. in tests).
type Executors struct {
	// SaveState writes a final checkpoint for the job.
	SaveState func(ctx context.Context, jobID string) error
	// Cleanup closes the job's browser sessions.
	Cleanup func(ctx context.Context, jobID string) error
	// Notify delivers the abort reason to an external target.
	Notify func(ctx context.Context, jobID, reason, target string) error
	// Shutdown signals the job runner to stop at the next item boundary.
	Shutdown func(jobID, reason string)
}

type jobState struct {
	ring     *ring
	executed bool
}

// Controller tracks per-job failure windows and runs the abort sequence.
// Safe for concurrent use.
type Controller struct {
	mu   sync.Mutex
	jobs map[string]*jobState

	exec   Executors
	bus    *eventbus.Bus
	cache  corekit.Memory
	logger corekit.Logger
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithLogger installs a logger, wrapped under component "core/abort".
func WithLogger(logger corekit.Logger) Option {
	return func(c *Controller) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(corekit.ComponentAwareLogger); ok {
			c.logger = cal.WithComponent("core/abort")
			return
		}
		c.logger = logger
	}
}

// WithEventBus installs the bus Notify and LogEvent actions publish on.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(c *Controller) { c.bus = bus }
}

// WithWindowCache stores each job's most recent evaluation summary in mem
// (keyed "abort:last:<jobID>", short TTL) so operators can inspect abort
// pressure without touching the ring.
func WithWindowCache(mem corekit.Memory) Option {
	return func(c *Controller) { c.cache = mem }
}

// NewController creates a Controller with the given action bindings.
func NewController(exec Executors, opts ...Option) *Controller {
	c := &Controller{
		jobs:   make(map[string]*jobState),
		exec:   exec,
		logger: &corekit.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) state(jobID string) *jobState {
	st, ok := c.jobs[jobID]
	if !ok {
		st = &jobState{ring: newRing()}
		c.jobs[jobID] = st
	}
	return st
}

// RecordSuccess records one successful operation outcome for jobID.
func (c *Controller) RecordSuccess(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(jobID).ring.record(outcome{ok: true, at: time.Now()})
}

// RecordFailure records one failed operation outcome. Browser and System
// category failures count toward the consecutive-crash trigger; Critical
// severity arms an abort at the next evaluation past the grace period.
func (c *Controller) RecordFailure(jobID string, event corekit.FailureEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(jobID).ring.record(outcome{
		ok:       false,
		crash:    event.IsCrash(),
		critical: event.Severity == corekit.SeverityCritical,
		at:       event.Timestamp,
	})
}

// Evaluate checks jobID's window against policy. No abort is ever decided
// while fewer than policy.MinOperations outcomes have been recorded.
func (c *Controller) Evaluate(jobID string, policy *Policy) Decision {
	d := c.evaluate(jobID, policy)

	if c.cache != nil {
		c.cache.Set(context.Background(), "abort:last:"+jobID,
			fmt.Sprintf("abort=%t reason=%q", d.Abort, d.Reason), 10*time.Minute)
	}
	return d
}

func (c *Controller) evaluate(jobID string, policy *Policy) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.jobs[jobID]
	if !ok || st.ring.total < uint64(policy.MinOperations) {
		return Decision{}
	}

	if st.ring.criticalSeen {
		return Decision{Abort: true, Reason: "critical failure recorded"}
	}

	if policy.MaxConsecutiveCrashes > 0 && st.ring.consecutiveCrashes >= policy.MaxConsecutiveCrashes {
		return Decision{
			Abort:  true,
			Reason: fmt.Sprintf("consecutive crashes ≥ %d", policy.MaxConsecutiveCrashes),
		}
	}

	rate, span, examined := st.ring.stats(policy.WindowSize)
	if examined >= policy.MinOperations && rate >= policy.FailureRateThreshold && span <= policy.WindowDuration {
		return Decision{
			Abort:  true,
			Reason: fmt.Sprintf("failure rate ≥ %g", policy.FailureRateThreshold),
		}
	}

	return Decision{}
}

// Execute runs policy's abort actions in declared order, each under its
// own timeout. A timed-out or failed action is logged and the next runs.
// Execute is idempotent per job: once the sequence has started, further
// calls are no-ops.
func (c *Controller) Execute(ctx context.Context, jobID string, policy *Policy, reason string) error {
	c.mu.Lock()
	st := c.state(jobID)
	if st.executed {
		c.mu.Unlock()
		return nil
	}
	st.executed = true
	c.mu.Unlock()

	c.logger.Error("aborting job", map[string]interface{}{
		"operation": "abort_execute",
		"job_id":    jobID,
		"reason":    reason,
		"actions":   len(policy.Actions),
	})

	for _, action := range policy.Actions {
		timeout := action.Timeout
		if timeout <= 0 {
			timeout = defaultActionTimeout
		}
		actionCtx, cancel := context.WithTimeout(ctx, timeout)
		err := c.runAction(actionCtx, jobID, action, reason)
		cancel()

		if err != nil {
			c.logger.Warn("abort action failed, continuing", map[string]interface{}{
				"operation": "abort_action_failed",
				"job_id":    jobID,
				"action":    string(action.Kind),
				"error":     err.Error(),
			})
		}
	}
	return nil
}

func (c *Controller) runAction(ctx context.Context, jobID string, action Action, reason string) error {
	switch action.Kind {
	case ActionSaveState:
		if c.exec.SaveState == nil {
			return nil
		}
		return c.runBounded(ctx, func() error { return c.exec.SaveState(ctx, jobID) })

	case ActionCleanup:
		if c.exec.Cleanup == nil {
			return nil
		}
		return c.runBounded(ctx, func() error { return c.exec.Cleanup(ctx, jobID) })

	case ActionNotify:
		c.publish(eventbus.KindAbort, jobID, reason, action.Target)
		if c.exec.Notify == nil {
			return nil
		}
		return c.runBounded(ctx, func() error { return c.exec.Notify(ctx, jobID, reason, action.Target) })

	case ActionLogEvent:
		c.logger.Error("job aborted", map[string]interface{}{
			"operation": "abort_logged",
			"job_id":    jobID,
			"reason":    reason,
		})
		c.publish(eventbus.KindJobStatus, jobID, reason, action.Target)
		return nil

	case ActionShutdown:
		if c.exec.Shutdown != nil {
			c.exec.Shutdown(jobID, reason)
		}
		return nil

	default:
		return fmt.Errorf("abortctrl: unknown action kind %q", action.Kind)
	}
}

// runBounded runs fn on its own goroutine so a hung executor cannot stall
// the abort sequence past its timeout.
func (c *Controller) runBounded(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) publish(kind eventbus.EventKind, jobID, reason, target string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Kind:  kind,
		JobID: jobID,
		Payload: map[string]interface{}{
			"reason": reason,
			"target": target,
		},
	})
}

// Executed reports whether the abort sequence has run for jobID.
func (c *Controller) Executed(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.jobs[jobID]
	return ok && st.executed
}

// Forget drops all window state for jobID, for use when a job completes
// normally.
func (c *Controller) Forget(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, jobID)
}
