package jobrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostcrawl/core/abortctrl"
	"github.com/ghostcrawl/core/checkpoint"
	"github.com/ghostcrawl/core/corekit"
	"github.com/ghostcrawl/core/failurehandler"
	"github.com/ghostcrawl/core/resource"
	"github.com/ghostcrawl/core/retry"
)

// corruptCheckpointFile flips bytes inside the named checkpoint's payload
// without breaking the JSON framing, so the read path sees a hash
// mismatch rather than a parse error.
func corruptCheckpointFile(t *testing.T, root, jobID, checkpointID string) {
	t.Helper()
	mgr, err := checkpoint.NewManager(root, 5)
	require.NoError(t, err)
	descs, err := mgr.List(jobID, 0)
	require.NoError(t, err)

	for _, d := range descs {
		if d.ID != checkpointID {
			continue
		}
		path := filepath.Join(root, jobID, d.FileName)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		mutated := bytes.Replace(data, []byte("item-001"), []byte("item-00X"), 1)
		require.NotEqual(t, data, mutated, "expected payload bytes to change")
		require.NoError(t, os.WriteFile(path, mutated, 0o644))
		return
	}
	t.Fatalf("checkpoint %s not found", checkpointID)
}

// fastRetryPolicy keeps backoff sleeps in the low milliseconds.
func fastRetryPolicy() *retry.Policy {
	return &retry.Policy{
		Name:         "fast",
		MaxAttempts:  5,
		BaseDelay:    time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     20 * time.Millisecond,
		JitterFactor: 0.25,
		Classifier:   retry.DefaultClassifier(),
	}
}

func testAbortPolicy() *abortctrl.Policy {
	return &abortctrl.Policy{
		Name:                  "test",
		FailureRateThreshold:  0.5,
		WindowSize:            10,
		WindowDuration:        time.Minute,
		MaxConsecutiveCrashes: 5,
		MinOperations:         10,
		Actions: []abortctrl.Action{
			{Kind: abortctrl.ActionSaveState, Timeout: time.Second},
			{Kind: abortctrl.ActionCleanup, Timeout: time.Second},
			{Kind: abortctrl.ActionLogEvent, Timeout: time.Second},
			{Kind: abortctrl.ActionShutdown, Timeout: time.Second},
		},
	}
}

// scriptedOp fails each item a fixed number of times before succeeding,
// with optional per-item terminal errors. It records every invocation.
type scriptedOp struct {
	mu           sync.Mutex
	failuresLeft map[string]int
	failWith     error
	terminal     map[string]error
	ran          []string
}

func newScriptedOp() *scriptedOp {
	return &scriptedOp{
		failuresLeft: make(map[string]int),
		terminal:     make(map[string]error),
		failWith:     errors.New("connection reset"),
	}
}

func (s *scriptedOp) Run(ctx context.Context, itemID string) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, itemID)

	if err, ok := s.terminal[itemID]; ok {
		return nil, err
	}
	if s.failuresLeft[itemID] > 0 {
		s.failuresLeft[itemID]--
		return nil, s.failWith
	}
	return nil, nil
}

func (s *scriptedOp) distinctItems() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, id := range s.ran {
		out[id]++
	}
	return out
}

func items(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("item-%03d", i+1)
	}
	return out
}

func newTestRunner(t *testing.T, opts ...resource.Option) *Runner {
	t.Helper()
	mgr, err := checkpoint.NewManager(t.TempDir(), 5)
	require.NoError(t, err)

	monOpts := append([]resource.Option{
		resource.WithSampler(staticSampler{}),
		resource.WithInterval(time.Hour),
	}, opts...)

	r, err := NewRunner(Dependencies{
		Checkpoints: mgr,
		Monitor:     resource.NewMonitor(nil, monOpts...),
	})
	require.NoError(t, err)
	return r
}

// staticSampler returns an all-quiet snapshot.
type staticSampler struct{}

func (staticSampler) Sample(ctx context.Context) (resource.Snapshot, error) {
	return resource.Snapshot{Timestamp: time.Now()}, nil
}

// statusErr carries an HTTP status for the classifier.
type statusErr struct {
	code int
}

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

func TestSubmitValidation(t *testing.T) {
	r := newTestRunner(t)

	_, err := r.Submit(context.Background(), &Job{})
	assert.Error(t, err)

	_, err = r.Submit(context.Background(), &Job{ID: "j", Items: []string{"a"}})
	assert.Error(t, err)
}

func TestSubmitHappyPath(t *testing.T) {
	r := newTestRunner(t)
	op := newScriptedOp()

	summary, err := r.Submit(context.Background(), &Job{
		ID:          "happy",
		Items:       items(5),
		Operation:   op,
		RetryPolicy: fastRetryPolicy(),
		AbortPolicy: testAbortPolicy(),
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, summary.State)
	assert.Equal(t, 5, summary.Completed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Pending)
	assert.False(t, summary.Resumed)

	status, ok := r.Status("happy")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, status.State)
	assert.Equal(t, 5, status.Completed)
}

func TestSubmitRejectsDuplicateRunningJob(t *testing.T) {
	r := newTestRunner(t)

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	blocking := OperationFunc(func(ctx context.Context, itemID string) (interface{}, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Submit(context.Background(), &Job{
			ID: "dup", Items: items(2), Operation: blocking,
			RetryPolicy: fastRetryPolicy(), AbortPolicy: testAbortPolicy(),
		})
	}()

	<-started
	_, err := r.Submit(context.Background(), &Job{
		ID: "dup", Items: items(1), Operation: blocking,
		RetryPolicy: fastRetryPolicy(), AbortPolicy: testAbortPolicy(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, corekit.ErrAlreadyExists)

	close(release)
	<-done
}

func TestCancelStopsJobAtItemBoundary(t *testing.T) {
	r := newTestRunner(t)

	var mu sync.Mutex
	processed := 0
	op := OperationFunc(func(ctx context.Context, itemID string) (interface{}, error) {
		mu.Lock()
		processed++
		n := processed
		mu.Unlock()
		if n == 3 {
			r.Cancel("cancel-me")
		}
		return nil, nil
	})

	summary, err := r.Submit(context.Background(), &Job{
		ID: "cancel-me", Items: items(50), Operation: op,
		RetryPolicy: fastRetryPolicy(), AbortPolicy: testAbortPolicy(),
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, summary.State)
	assert.GreaterOrEqual(t, summary.Completed, 3)
	assert.Less(t, summary.Completed, 50)
}

// Scenario: recovery from a mid-run crash. A checkpoint exists covering
// items 1-30; the process died after item 37 without another write. The
// resumed job re-processes 31-100 and finishes with everything completed.
func TestResumeFromCheckpointAfterCrash(t *testing.T) {
	root := t.TempDir()
	mgr, err := checkpoint.NewManager(root, 5)
	require.NoError(t, err)

	all := items(100)
	_, err = mgr.Create("crashy", checkpoint.Payload{
		Progress: checkpoint.Progress{
			Current:   "item-031",
			Completed: all[:30],
			Pending:   all[30:],
		},
	}, checkpoint.Metadata{TotalItems: 100, CompletedItems: 30})
	require.NoError(t, err)

	r, err := NewRunner(Dependencies{
		Checkpoints: mgr,
		Monitor:     resource.NewMonitor(nil, resource.WithSampler(staticSampler{}), resource.WithInterval(time.Hour)),
	})
	require.NoError(t, err)

	op := newScriptedOp()
	summary, err := r.Submit(context.Background(), &Job{
		ID: "crashy", Items: all, Operation: op,
		RetryPolicy: fastRetryPolicy(), AbortPolicy: testAbortPolicy(),
	})
	require.NoError(t, err)

	assert.True(t, summary.Resumed)
	assert.Equal(t, 100, summary.Completed)
	assert.Equal(t, 0, summary.Failed)

	ran := op.distinctItems()
	assert.Len(t, ran, 70, "only items 31-100 should be re-processed")
	assert.NotContains(t, ran, "item-001")
	assert.Contains(t, ran, "item-031")
	assert.Contains(t, ran, "item-100")
}

// Scenario: a transient storm within the retry budget. Every item fails
// three times then succeeds; all complete and exactly 30 retries happen.
func TestTransientStormWithinBudget(t *testing.T) {
	r := newTestRunner(t)

	op := newScriptedOp()
	for _, id := range items(10) {
		op.failuresLeft[id] = 3
	}

	summary, err := r.Submit(context.Background(), &Job{
		ID: "storm", Items: items(10), Operation: op,
		RetryPolicy: fastRetryPolicy(), AbortPolicy: testAbortPolicy(),
	})
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Completed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 30, summary.Retries)
}

// Scenario: a 404 is classified permanent; its item ends in failed and the
// job continues to the end.
func TestPermanentFailureSkipsItem(t *testing.T) {
	r := newTestRunner(t)

	op := newScriptedOp()
	op.terminal["item-004"] = statusErr{code: 404}

	summary, err := r.Submit(context.Background(), &Job{
		ID: "skippy", Items: items(10), Operation: op,
		RetryPolicy: fastRetryPolicy(), AbortPolicy: testAbortPolicy(),
	})
	require.NoError(t, err)

	assert.Equal(t, 9, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Decisions, 1)
	assert.Equal(t, "item-004", summary.Decisions[0].ItemID)
	assert.Equal(t, corekit.ActionSkip, summary.Decisions[0].Decision)

	// Only one attempt: permanent failures are never retried.
	assert.Equal(t, 1, op.distinctItems()["item-004"])
}

// Scenario: systemic failures trip the abort controller inside the window
// bounds and the exit carries the failure-rate reason.
func TestAbortOnSystemicFailures(t *testing.T) {
	root := t.TempDir()
	mgr, err := checkpoint.NewManager(root, 5)
	require.NoError(t, err)
	r, err := NewRunner(Dependencies{
		Checkpoints: mgr,
		Monitor:     resource.NewMonitor(nil, resource.WithSampler(staticSampler{}), resource.WithInterval(time.Hour)),
	})
	require.NoError(t, err)

	// 80% failure rate over the first 20 items: every 5th succeeds.
	op := newScriptedOp()
	for i, id := range items(20) {
		if (i+1)%5 != 0 {
			op.terminal[id] = statusErr{code: 404}
		}
	}

	summary, err := r.Submit(context.Background(), &Job{
		ID: "doomed", Items: items(100), Operation: op,
		RetryPolicy: fastRetryPolicy(), AbortPolicy: testAbortPolicy(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, corekit.ErrJobAborted)

	assert.Equal(t, StateAborted, summary.State)
	assert.Equal(t, "failure rate ≥ 0.5", summary.AbortReason)

	processed := summary.Completed + summary.Failed
	assert.GreaterOrEqual(t, processed, 10, "abort must respect the grace period")
	assert.LessOrEqual(t, processed, 20, "abort must fire within the window")

	// A final checkpoint was written.
	ckptID, found, err := mgr.Latest("doomed")
	require.NoError(t, err)
	require.True(t, found)
	ckpt, status, err := mgr.Load("doomed", ckptID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusActive, status)
	assert.Equal(t, uint64(100), ckpt.Metadata.TotalItems)

	status2, ok := r.Status("doomed")
	require.True(t, ok)
	assert.Equal(t, StateAborted, status2.State)
	assert.Equal(t, "failure rate ≥ 0.5", status2.AbortReason)
}

// Scenario: the newest checkpoint is corrupted; resume falls back to the
// previous one and the damaged file stays on disk for inspection.
func TestCorruptedCheckpointFallback(t *testing.T) {
	root := t.TempDir()
	mgr, err := checkpoint.NewManager(root, 5)
	require.NoError(t, err)

	all := items(20)
	_, err = mgr.Create("flaky", checkpoint.Payload{
		Progress: checkpoint.Progress{Completed: all[:5], Pending: all[5:]},
	}, checkpoint.Metadata{TotalItems: 20, CompletedItems: 5})
	require.NoError(t, err)

	newest, err := mgr.Create("flaky", checkpoint.Payload{
		Progress: checkpoint.Progress{Completed: all[:10], Pending: all[10:]},
	}, checkpoint.Metadata{TotalItems: 20, CompletedItems: 10})
	require.NoError(t, err)

	corruptCheckpointFile(t, root, "flaky", newest)

	r, err := NewRunner(Dependencies{
		Checkpoints: mgr,
		Monitor:     resource.NewMonitor(nil, resource.WithSampler(staticSampler{}), resource.WithInterval(time.Hour)),
	})
	require.NoError(t, err)

	op := newScriptedOp()
	summary, err := r.Submit(context.Background(), &Job{
		ID: "flaky", Items: all, Operation: op,
		RetryPolicy: fastRetryPolicy(), AbortPolicy: testAbortPolicy(),
	})
	require.NoError(t, err)

	assert.True(t, summary.Resumed)
	assert.Equal(t, 20, summary.Completed)

	// Fallback went to the older checkpoint: items 6-20 re-ran, 1-5 did not.
	ran := op.distinctItems()
	assert.NotContains(t, ran, "item-001")
	assert.Contains(t, ran, "item-006")

	// The corrupted file is retained, marked Corrupted in listings.
	descs, err := mgr.List("flaky", 0)
	require.NoError(t, err)
	var corrupted int
	for _, d := range descs {
		if d.Status == checkpoint.StatusCorrupted {
			corrupted++
		}
	}
	assert.Equal(t, 1, corrupted)
}

// recordingBrowser tracks session operations and asserts none of them
// happen while an item is in flight.
type recordingBrowser struct {
	mu       sync.Mutex
	inFlight bool
	closed   []string
	opened   int
	t        *testing.T
	nextID   int
}

func (b *recordingBrowser) setInFlight(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inFlight = v
}

func (b *recordingBrowser) CloseIdleTabs(ctx context.Context) error { return nil }

func (b *recordingBrowser) CloseSession(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.False(b.t, b.inFlight, "session closed mid-item")
	b.closed = append(b.closed, id)
	return nil
}

func (b *recordingBrowser) OpenSession(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened++
	b.nextID++
	return fmt.Sprintf("browser-%d", b.nextID), nil
}

func (b *recordingBrowser) CloseAll(ctx context.Context) error { return nil }

// breachSampler reports high memory for a fixed number of samples, then
// goes quiet.
type breachSampler struct {
	mu        sync.Mutex
	remaining int
}

func (s *breachSampler) Sample(ctx context.Context) (resource.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := resource.Snapshot{Timestamp: time.Now(), MemoryPercent: 50}
	if s.remaining > 0 {
		s.remaining--
		snap.MemoryPercent = 97
	}
	return snap, nil
}

// Scenario: two consecutive memory-breach samples escalate to Moderate;
// the oldest browser session is restarted between items and the job
// completes.
func TestMemoryBreachRestartsBrowserBetweenItems(t *testing.T) {
	mgr, err := checkpoint.NewManager(t.TempDir(), 5)
	require.NoError(t, err)

	sessions := resource.NewSessionTracker()
	sessions.Register("browser-seed")
	monitor := resource.NewMonitor(sessions,
		resource.WithSampler(&breachSampler{remaining: 2}),
		resource.WithInterval(4*time.Millisecond))

	r, err := NewRunner(Dependencies{Checkpoints: mgr, Monitor: monitor})
	require.NoError(t, err)

	browser := &recordingBrowser{t: t}
	op := OperationFunc(func(ctx context.Context, itemID string) (interface{}, error) {
		browser.setInFlight(true)
		time.Sleep(3 * time.Millisecond)
		browser.setInFlight(false)
		return nil, nil
	})

	summary, err := r.Submit(context.Background(), &Job{
		ID: "breachy", Items: items(30), Operation: op, Browser: browser,
		RetryPolicy: fastRetryPolicy(), AbortPolicy: testAbortPolicy(),
		Threshold: resource.Threshold{MemoryPercent: 90},
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, summary.State)
	assert.Equal(t, 30, summary.Completed)

	browser.mu.Lock()
	defer browser.mu.Unlock()
	assert.Contains(t, browser.closed, "browser-seed")
	assert.GreaterOrEqual(t, browser.opened, 1)
}

func TestRestartDecisionReprocessesItem(t *testing.T) {
	r := newTestRunner(t)

	r.FailureHandler().Register(corekit.CategoryApplication,
		func(ev corekit.FailureEvent, hctx failurehandler.Context) (failurehandler.Decision, bool) {
			return failurehandler.Restart("stale-session"), true
		})

	// item-002 fails permanently on its first pass only; the custom
	// handler's Restart decision re-runs it and the second pass succeeds.
	var mu sync.Mutex
	failedOnce := false
	op := OperationFunc(func(ctx context.Context, itemID string) (interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		if itemID == "item-002" && !failedOnce {
			failedOnce = true
			return nil, statusErr{code: 404}
		}
		return nil, nil
	})

	summary, err := r.Submit(context.Background(), &Job{
		ID: "restarty", Items: items(3), Operation: op,
		RetryPolicy: fastRetryPolicy(), AbortPolicy: testAbortPolicy(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, 0, summary.Failed)
}
