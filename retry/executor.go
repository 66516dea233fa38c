package retry

import (
	"context"

	"github.com/ghostcrawl/core/corekit"
)

// Executor is a structured-logging wrapper around Engine, used by callers
// that want retry progress logged under a fixed operation name rather than
// working with the raw Outcome.
type Executor struct {
	policy *Policy
	engine *Engine
	logger corekit.Logger
}

// NewRetryExecutor creates an Executor for policy. A nil policy falls back
// to StandardPolicy.
func NewRetryExecutor(policy *Policy) *Executor {
	if policy == nil {
		policy = StandardPolicy()
	}
	return &Executor{
		policy: policy,
		engine: NewEngine(),
		logger: &corekit.NoOpLogger{},
	}
}

// SetLogger installs the logger used for retry_start/retry_backoff/outcome
// log lines. Wraps with component "core/retry" when the logger supports it.
func (e *Executor) SetLogger(logger corekit.Logger) {
	if logger == nil {
		e.logger = &corekit.NoOpLogger{}
		return
	}
	if cal, ok := logger.(corekit.ComponentAwareLogger); ok {
		e.logger = cal.WithComponent("core/retry")
		return
	}
	e.logger = logger
}

// Execute runs fn under the executor's policy, logging a "retry_start"
// event once, a "retry_backoff" event for each backoff sleep (written once
// the engine returns), and a final success or failure event. name is attached to every log line under the
// "retry_operation" field.
func (e *Executor) Execute(ctx context.Context, name string, fn func() error) error {
	e.logger.DebugWithContext(ctx, "Starting retry operation", map[string]interface{}{
		"operation":       "retry_start",
		"retry_operation": name,
		"max_attempts":    e.policy.MaxAttempts,
	})

	op := func(ctx context.Context) error { return fn() }

	outcome, err := e.engine.Execute(ctx, e.policy, op)

	for i, a := range outcome.Attempts {
		if a.Delay > 0 {
			e.logger.DebugWithContext(ctx, "Scheduling retry backoff", map[string]interface{}{
				"operation":       "retry_backoff",
				"retry_operation": name,
				"attempt":         a.Attempt,
				"delay_ms":        a.Delay.Milliseconds(),
			})
		}
		if a.Err != nil && i == len(outcome.Attempts)-1 && err != nil {
			e.logger.ErrorWithContext(ctx, "retry operation failed", map[string]interface{}{
				"operation":       "retry_exhausted",
				"retry_operation": name,
				"attempt":         a.Attempt,
				"error":           a.Err.Error(),
			})
		}
	}

	if err == nil {
		e.logger.InfoWithContext(ctx, "retry operation succeeded", map[string]interface{}{
			"operation":       "retry_success",
			"retry_operation": name,
			"attempts":        len(outcome.Attempts),
		})
		return nil
	}

	return err
}
