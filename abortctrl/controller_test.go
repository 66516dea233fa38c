package abortctrl

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostcrawl/core/corekit"
	"github.com/ghostcrawl/core/eventbus"
)

func testPolicy() *Policy {
	return &Policy{
		Name:                  "test",
		FailureRateThreshold:  0.5,
		WindowSize:            10,
		WindowDuration:        time.Minute,
		MaxConsecutiveCrashes: 3,
		MinOperations:         10,
		Actions: []Action{
			{Kind: ActionSaveState, Timeout: time.Second},
			{Kind: ActionCleanup, Timeout: time.Second},
			{Kind: ActionNotify, Timeout: time.Second},
			{Kind: ActionLogEvent, Timeout: time.Second},
			{Kind: ActionShutdown, Timeout: time.Second},
		},
	}
}

func failureEvent(category corekit.Category, severity corekit.Severity) corekit.FailureEvent {
	ev := corekit.NewFailureEvent("test", category, "boom")
	ev.Severity = severity
	return ev
}

func TestEvaluateSkipsDuringGracePeriod(t *testing.T) {
	c := NewController(Executors{})
	policy := testPolicy()

	// Nine failures in a row - still inside the grace period.
	for i := 0; i < policy.MinOperations-1; i++ {
		c.RecordFailure("job", failureEvent(corekit.CategoryNetwork, corekit.SeverityMedium))
		d := c.Evaluate("job", policy)
		assert.False(t, d.Abort, "abort decided with only %d operations", i+1)
	}

	c.RecordFailure("job", failureEvent(corekit.CategoryNetwork, corekit.SeverityMedium))
	d := c.Evaluate("job", policy)
	assert.True(t, d.Abort)
}

func TestEvaluateFailureRateTrigger(t *testing.T) {
	c := NewController(Executors{})
	policy := testPolicy()

	// 6 failures, 6 successes: rate inside the 10-wide window depends on
	// ordering; interleave so the last 10 hold 5 failures (rate 0.5).
	for i := 0; i < 6; i++ {
		c.RecordSuccess("job")
		c.RecordFailure("job", failureEvent(corekit.CategoryNetwork, corekit.SeverityMedium))
	}

	d := c.Evaluate("job", policy)
	require.True(t, d.Abort)
	assert.Equal(t, "failure rate ≥ 0.5", d.Reason)
}

func TestEvaluateRateBelowThresholdNoAbort(t *testing.T) {
	c := NewController(Executors{})
	policy := testPolicy()

	for i := 0; i < 20; i++ {
		if i%5 == 0 {
			c.RecordFailure("job", failureEvent(corekit.CategoryNetwork, corekit.SeverityMedium))
		} else {
			c.RecordSuccess("job")
		}
	}

	assert.False(t, c.Evaluate("job", policy).Abort)
}

func TestEvaluateStaleWindowDoesNotTrip(t *testing.T) {
	c := NewController(Executors{})
	policy := testPolicy()
	policy.WindowDuration = time.Millisecond

	for i := 0; i < 5; i++ {
		c.RecordFailure("job", failureEvent(corekit.CategoryNetwork, corekit.SeverityMedium))
	}
	time.Sleep(5 * time.Millisecond)
	for i := 0; i < 5; i++ {
		c.RecordFailure("job", failureEvent(corekit.CategoryNetwork, corekit.SeverityMedium))
	}

	// Rate is 100% but the window spans longer than WindowDuration, so the
	// rate trigger must not fire; crashes/critical are absent too.
	policy.MaxConsecutiveCrashes = 0
	assert.False(t, c.Evaluate("job", policy).Abort)
}

func TestEvaluateConsecutiveCrashes(t *testing.T) {
	c := NewController(Executors{})
	policy := testPolicy()
	policy.MinOperations = 0
	policy.FailureRateThreshold = 1.1 // rate trigger disabled

	c.RecordFailure("job", failureEvent(corekit.CategoryBrowser, corekit.SeverityHigh))
	c.RecordFailure("job", failureEvent(corekit.CategorySystem, corekit.SeverityHigh))
	assert.False(t, c.Evaluate("job", policy).Abort)

	c.RecordFailure("job", failureEvent(corekit.CategoryBrowser, corekit.SeverityHigh))
	d := c.Evaluate("job", policy)
	require.True(t, d.Abort)
	assert.Contains(t, d.Reason, "consecutive crashes")
}

func TestSuccessResetsConsecutiveCrashes(t *testing.T) {
	c := NewController(Executors{})
	policy := testPolicy()
	policy.MinOperations = 0
	policy.FailureRateThreshold = 1.1

	c.RecordFailure("job", failureEvent(corekit.CategoryBrowser, corekit.SeverityHigh))
	c.RecordFailure("job", failureEvent(corekit.CategoryBrowser, corekit.SeverityHigh))
	c.RecordSuccess("job")
	c.RecordFailure("job", failureEvent(corekit.CategoryBrowser, corekit.SeverityHigh))

	assert.False(t, c.Evaluate("job", policy).Abort)
}

func TestEvaluateCriticalSeverity(t *testing.T) {
	c := NewController(Executors{})
	policy := testPolicy()
	policy.MinOperations = 1

	c.RecordFailure("job", failureEvent(corekit.CategoryApplication, corekit.SeverityCritical))
	d := c.Evaluate("job", policy)
	require.True(t, d.Abort)
	assert.Equal(t, "critical failure recorded", d.Reason)
}

func TestExecuteRunsActionsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	add := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	c := NewController(Executors{
		SaveState: func(ctx context.Context, jobID string) error { add("save"); return nil },
		Cleanup:   func(ctx context.Context, jobID string) error { add("cleanup"); return nil },
		Notify: func(ctx context.Context, jobID, reason, target string) error {
			add("notify")
			return nil
		},
		Shutdown: func(jobID, reason string) { add("shutdown") },
	})

	err := c.Execute(context.Background(), "job", testPolicy(), "test reason")
	require.NoError(t, err)
	assert.Equal(t, []string{"save", "cleanup", "notify", "shutdown"}, order)
}

func TestExecuteIsIdempotentPerJob(t *testing.T) {
	var saves atomic.Int32
	var shutdowns atomic.Int32

	c := NewController(Executors{
		SaveState: func(ctx context.Context, jobID string) error {
			saves.Add(1)
			return nil
		},
		Shutdown: func(jobID, reason string) { shutdowns.Add(1) },
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Execute(context.Background(), "job", testPolicy(), "reason"))
	}

	assert.Equal(t, int32(1), saves.Load())
	assert.Equal(t, int32(1), shutdowns.Load())
	assert.True(t, c.Executed("job"))

	// A different job gets its own sequence.
	require.NoError(t, c.Execute(context.Background(), "other", testPolicy(), "reason"))
	assert.Equal(t, int32(2), saves.Load())
}

func TestExecuteTimedOutActionDoesNotBlockNext(t *testing.T) {
	var shutdowns atomic.Int32

	policy := testPolicy()
	policy.Actions = []Action{
		{Kind: ActionSaveState, Timeout: 5 * time.Millisecond},
		{Kind: ActionShutdown, Timeout: time.Second},
	}

	c := NewController(Executors{
		SaveState: func(ctx context.Context, jobID string) error {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond) // hang past the timeout
			return ctx.Err()
		},
		Shutdown: func(jobID, reason string) { shutdowns.Add(1) },
	})

	start := time.Now()
	err := c.Execute(context.Background(), "job", policy, "reason")
	require.NoError(t, err)

	assert.Equal(t, int32(1), shutdowns.Load())
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestExecutePublishesAbortEvent(t *testing.T) {
	bus := eventbus.NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(4, eventbus.KindAbort)
	defer cancel()

	c := NewController(Executors{}, WithEventBus(bus))
	policy := testPolicy()
	policy.Actions = []Action{{Kind: ActionNotify, Target: "ops-channel", Timeout: time.Second}}

	require.NoError(t, c.Execute(context.Background(), "job-7", policy, "failure rate ≥ 0.5"))

	select {
	case ev := <-ch:
		assert.Equal(t, "job-7", ev.JobID)
		assert.Equal(t, "failure rate ≥ 0.5", ev.Payload["reason"])
		assert.Equal(t, "ops-channel", ev.Payload["target"])
	case <-time.After(time.Second):
		t.Fatal("no abort event published")
	}
}

func TestForgetDropsWindowState(t *testing.T) {
	c := NewController(Executors{})
	policy := testPolicy()
	policy.MinOperations = 1

	c.RecordFailure("job", failureEvent(corekit.CategoryApplication, corekit.SeverityCritical))
	require.True(t, c.Evaluate("job", policy).Abort)

	c.Forget("job")
	assert.False(t, c.Evaluate("job", policy).Abort)
}

func TestEvaluateCachesLastDecision(t *testing.T) {
	mem := corekit.NewMemoryStore()
	c := NewController(Executors{}, WithWindowCache(mem))
	policy := testPolicy()
	policy.MinOperations = 1

	c.RecordFailure("job", failureEvent(corekit.CategoryApplication, corekit.SeverityCritical))
	require.True(t, c.Evaluate("job", policy).Abort)

	v, err := mem.Get(context.Background(), "abort:last:job")
	require.NoError(t, err)
	assert.Contains(t, v, "abort=true")
	assert.Contains(t, v, "critical failure recorded")
}

func TestPolicyValidate(t *testing.T) {
	p := StandardPolicy()
	require.NoError(t, p.Validate())

	bad := *p
	bad.FailureRateThreshold = 1.5
	assert.Error(t, bad.Validate())

	bad = *p
	bad.WindowSize = 0
	assert.Error(t, bad.Validate())

	bad = *p
	bad.Actions = []Action{{Kind: "Explode"}}
	assert.Error(t, bad.Validate())
}
