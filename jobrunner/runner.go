package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ghostcrawl/core/abortctrl"
	"github.com/ghostcrawl/core/checkpoint"
	"github.com/ghostcrawl/core/corekit"
	"github.com/ghostcrawl/core/eventbus"
	"github.com/ghostcrawl/core/failurehandler"
	"github.com/ghostcrawl/core/resource"
	"github.com/ghostcrawl/core/retry"
)

const (
	defaultCheckpointEveryItems = 10
	defaultCheckpointInterval   = 60 * time.Second

	// recentErrorTail bounds the error history carried in each checkpoint.
	recentErrorTail = 20

	// maxDecisionRetries caps how often a custom handler's Retry/Restart
	// decision may re-run one item after the retry engine has already
	// given up on it.
	maxDecisionRetries = 3
)

// State is a job's lifecycle state as reported by Status.
type State string

const (
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateAborted   State = "Aborted"
	StateCancelled State = "Cancelled"
)

// Job is one submission: an ordered item list, the operation that
// processes each item, and the policies that govern recovery.
type Job struct {
	ID        string
	Items     []string
	Operation OperationRunner

	// Browser receives cleanup-ladder actions. Defaults to a no-op.
	Browser BrowserController

	// Policies; nil selects the named "standard" defaults.
	RetryPolicy *retry.Policy
	AbortPolicy *abortctrl.Policy
	Threshold   resource.Threshold

	// Checkpoint cadence: a snapshot is written every CheckpointEveryItems
	// items or CheckpointInterval, whichever comes first.
	CheckpointEveryItems int
	CheckpointInterval   time.Duration

	// BrowserState is an opaque caller-defined blob carried through
	// checkpoints untouched.
	BrowserState []byte
}

// ItemDecision records the recovery decision reached for a failed item.
type ItemDecision struct {
	ItemID   string
	Decision corekit.RecoveryAction
	Message  string
}

// Summary is what Submit returns once the job stops, however it stops.
type Summary struct {
	JobID          string
	State          State
	Completed      int
	Failed         int
	Pending        int
	Retries        int
	Resumed        bool
	ResumedFrom    string
	AbortReason    string
	Decisions      []ItemDecision
	ProcessingTime time.Duration
}

// JobStatus is the live view returned by Status.
type JobStatus struct {
	JobID       string
	State       State
	Completed   int
	Failed      int
	Pending     int
	AbortReason string
}

// jobExec is the runner's private per-job execution state.
type jobExec struct {
	job    *Job
	cancel context.CancelFunc

	mu             sync.Mutex
	status         JobStatus
	lastProgress   checkpoint.Progress
	shutdown       bool
	shutdownReason string
	pendingCleanup resource.CleanupLevel
	cleanupArmed   bool
	recentErrors   []checkpoint.ErrorRecord
	started        time.Time
}

// publishProgress stores a read-only snapshot for checkpoint writers that
// run off the loop goroutine (the abort SaveState action).
func (st *jobExec) publishProgress(prog checkpoint.Progress) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastProgress = prog
}

func (st *jobExec) progressSnapshot() checkpoint.Progress {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastProgress
}

func (st *jobExec) requestShutdown(reason string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.shutdown {
		st.shutdown = true
		st.shutdownReason = reason
	}
}

func (st *jobExec) shutdownRequested() (bool, string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.shutdown, st.shutdownReason
}

func (st *jobExec) armCleanup(level resource.CleanupLevel) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.cleanupArmed || level > st.pendingCleanup {
		st.pendingCleanup = level
		st.cleanupArmed = true
	}
}

func (st *jobExec) takeCleanup() (resource.CleanupLevel, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.cleanupArmed {
		return 0, false
	}
	st.cleanupArmed = false
	return st.pendingCleanup, true
}

func (st *jobExec) recordError(itemID, kind, message string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.recentErrors = append(st.recentErrors, checkpoint.ErrorRecord{
		ItemID:    itemID,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if len(st.recentErrors) > recentErrorTail {
		st.recentErrors = st.recentErrors[len(st.recentErrors)-recentErrorTail:]
	}
}

func (st *jobExec) errorTail() []checkpoint.ErrorRecord {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]checkpoint.ErrorRecord(nil), st.recentErrors...)
}

func (st *jobExec) setStatus(update func(*JobStatus)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	update(&st.status)
}

func (st *jobExec) state() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status.State
}

// Dependencies wires the runner to the subsystems it drives. Checkpoints
// is required; a nil Monitor or Logger defaults to an in-process instance,
// and a nil Bus means no events are published.
type Dependencies struct {
	Checkpoints *checkpoint.Manager
	Monitor     *resource.Monitor
	Bus         *eventbus.Bus
	Logger      corekit.Logger
}

// Runner is the caller-facing surface of the core: submit a job, query
// status, cancel. One Runner serves the whole process; Submit blocks the
// caller while the job's item loop runs, and monitoring and cleanup run on
// their own goroutines.
type Runner struct {
	checkpoints *checkpoint.Manager
	monitor     *resource.Monitor
	abort       *abortctrl.Controller
	failures    *failurehandler.Handler
	engine      *retry.Engine
	bus         *eventbus.Bus
	logger      corekit.Logger

	mu   sync.Mutex
	jobs map[string]*jobExec
}

// NewRunner assembles a Runner and the abort/failure pipeline around it.
func NewRunner(deps Dependencies) (*Runner, error) {
	if deps.Checkpoints == nil {
		return nil, &corekit.FrameworkError{
			Op: "jobrunner.NewRunner", Kind: "config",
			Message: "checkpoint manager is required", Err: corekit.ErrMissingConfiguration,
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = &corekit.NoOpLogger{}
	}
	runnerLogger := logger
	if cal, ok := logger.(corekit.ComponentAwareLogger); ok {
		runnerLogger = cal.WithComponent("core/jobrunner")
	}

	monitor := deps.Monitor
	if monitor == nil {
		monitor = resource.NewMonitor(nil, resource.WithLogger(logger))
	}

	r := &Runner{
		checkpoints: deps.Checkpoints,
		monitor:     monitor,
		engine:      retry.NewEngine(),
		bus:         deps.Bus,
		logger:      runnerLogger,
		jobs:        make(map[string]*jobExec),
	}

	r.abort = abortctrl.NewController(abortctrl.Executors{
		SaveState: r.abortSaveState,
		Cleanup:   r.abortCleanup,
		Shutdown: func(jobID, reason string) {
			if st := r.lookup(jobID); st != nil {
				st.requestShutdown(reason)
			}
		},
	}, abortctrl.WithLogger(logger), abortctrl.WithEventBus(deps.Bus))

	r.failures = failurehandler.NewHandler(r.abort,
		failurehandler.WithLogger(logger), failurehandler.WithEventBus(deps.Bus))

	return r, nil
}

// FailureHandler exposes the pipeline so callers can register custom
// per-category handlers before submitting jobs.
func (r *Runner) FailureHandler() *failurehandler.Handler {
	return r.failures
}

func (r *Runner) lookup(jobID string) *jobExec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[jobID]
}

// Status reports the live (or final) state of a known job.
func (r *Runner) Status(jobID string) (JobStatus, bool) {
	st := r.lookup(jobID)
	if st == nil {
		return JobStatus{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status, true
}

// Cancel requests cancellation of a running job. The job stops after the
// current item, writes a final checkpoint, and Submit returns.
func (r *Runner) Cancel(jobID string) bool {
	st := r.lookup(jobID)
	if st == nil || st.cancel == nil {
		return false
	}
	st.cancel()
	return true
}

func applyJobDefaults(job *Job) {
	if job.Browser == nil {
		job.Browser = NopBrowserController{}
	}
	if job.RetryPolicy == nil {
		job.RetryPolicy = retry.StandardPolicy()
	}
	if job.AbortPolicy == nil {
		job.AbortPolicy = abortctrl.StandardPolicy()
	}
	if job.CheckpointEveryItems <= 0 {
		job.CheckpointEveryItems = defaultCheckpointEveryItems
	}
	if job.CheckpointInterval <= 0 {
		job.CheckpointInterval = defaultCheckpointInterval
	}
}

// Submit runs job to completion, abort, or cancellation. It blocks; the
// returned Summary is always non-nil once the job was accepted. Submitting
// an id that is already running fails with ErrAlreadyExists.
func (r *Runner) Submit(ctx context.Context, job *Job) (*Summary, error) {
	if job == nil || job.ID == "" || len(job.Items) == 0 || job.Operation == nil {
		return nil, &corekit.FrameworkError{
			Op: "jobrunner.Submit", Kind: "config",
			Message: "job needs an id, items, and an operation", Err: corekit.ErrInvalidConfiguration,
		}
	}
	applyJobDefaults(job)
	if err := job.RetryPolicy.Validate(); err != nil {
		return nil, err
	}
	if err := job.AbortPolicy.Validate(); err != nil {
		return nil, err
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &jobExec{
		job:     job,
		cancel:  cancel,
		started: time.Now(),
		status:  JobStatus{JobID: job.ID, State: StateRunning, Pending: len(job.Items)},
	}

	r.mu.Lock()
	if existing, ok := r.jobs[job.ID]; ok && existing.state() == StateRunning {
		r.mu.Unlock()
		return nil, &corekit.FrameworkError{
			Op: "jobrunner.Submit", Kind: "state", ID: job.ID, Err: corekit.ErrAlreadyExists,
		}
	}
	r.jobs[job.ID] = st
	r.mu.Unlock()

	progress := newProgress(job.Items)
	resumedFrom := r.resume(job, progress)
	st.publishProgress(progress.snapshot())

	handle, err := r.monitor.Start(job.Threshold, func(breaches []resource.Breach) {
		r.onBreach(jobCtx, st, breaches)
	})
	if err != nil {
		r.mu.Lock()
		delete(r.jobs, job.ID)
		r.mu.Unlock()
		return nil, err
	}
	defer r.monitor.Stop(handle)

	r.logger.Info("job started", map[string]interface{}{
		"operation": "job_start",
		"job_id":    job.ID,
		"items":     len(job.Items),
		"resumed":   resumedFrom != "",
	})
	r.publishStatus(job.ID, "started", "")

	// The item loop and the time-based checkpointer run as a structured
	// group: when the loop exits, the checkpointer is torn down before the
	// final checkpoint is written, so nothing stale lands after it.
	var summary *Summary
	loopDone := make(chan struct{})
	g, gctx := errgroup.WithContext(jobCtx)
	g.Go(func() error {
		defer close(loopDone)
		summary = r.runLoop(jobCtx, st, progress)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(job.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopDone:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := r.writeCheckpoint(st, st.progressSnapshot()); err != nil {
					r.logger.Warn("interval checkpoint failed", map[string]interface{}{
						"operation": "checkpoint_failed",
						"job_id":    job.ID,
						"error":     err.Error(),
					})
				}
			}
		}
	})
	_ = g.Wait()

	summary.Resumed = resumedFrom != ""
	summary.ResumedFrom = resumedFrom
	summary.ProcessingTime = time.Since(st.started)

	// The final checkpoint. On the abort path the SaveState action already
	// wrote one, but progress may have moved since the sequence ran.
	if err := r.writeCheckpoint(st, progress.snapshot()); err != nil {
		r.logger.Error("final checkpoint failed", map[string]interface{}{
			"operation": "final_checkpoint_failed",
			"job_id":    job.ID,
			"error":     err.Error(),
		})
	}

	st.setStatus(func(s *JobStatus) {
		s.State = summary.State
		s.AbortReason = summary.AbortReason
	})
	r.publishStatus(job.ID, string(summary.State), summary.AbortReason)

	r.logger.Info("job finished", map[string]interface{}{
		"operation": "job_finish",
		"job_id":    job.ID,
		"state":     string(summary.State),
		"completed": summary.Completed,
		"failed":    summary.Failed,
		"pending":   summary.Pending,
	})

	switch summary.State {
	case StateAborted:
		return summary, fmt.Errorf("jobrunner: job %s aborted: %s: %w",
			job.ID, summary.AbortReason, corekit.ErrJobAborted)
	case StateCancelled:
		return summary, context.Canceled
	default:
		r.abort.Forget(job.ID)
		return summary, nil
	}
}

// resume loads the newest checkpoint that verifies and folds its progress
// into the fresh ProgressState. Corrupted generations are skipped by
// Latest; a job with no usable history starts clean.
func (r *Runner) resume(job *Job, progress *ProgressState) string {
	ckptID, found, err := r.checkpoints.Latest(job.ID)
	if err != nil || !found {
		return ""
	}
	ckpt, status, err := r.checkpoints.Load(job.ID, ckptID)
	if err != nil || status == checkpoint.StatusCorrupted {
		return ""
	}
	progress.restore(ckpt.Payload.Progress)

	r.logger.Info("job resumed from checkpoint", map[string]interface{}{
		"operation":     "job_resume",
		"job_id":        job.ID,
		"checkpoint_id": ckptID,
		"sequence":      ckpt.Sequence,
		"completed":     len(ckpt.Payload.Progress.Completed),
		"failed":        len(ckpt.Payload.Progress.Failed),
	})
	return ckptID
}

// runLoop drives the items in submission order. It returns the summary
// with State, counts, and per-item decisions filled in.
func (r *Runner) runLoop(ctx context.Context, st *jobExec, progress *ProgressState) *Summary {
	job := st.job
	summary := &Summary{JobID: job.ID, State: StateCompleted}

	itemsSinceCkpt := 0
	lastCkpt := time.Now()

	for _, itemID := range job.Items {
		if !progress.isPending(itemID) {
			continue
		}

		if ctx.Err() != nil {
			summary.State = StateCancelled
			break
		}
		if down, reason := st.shutdownRequested(); down {
			summary.State = StateAborted
			summary.AbortReason = reason
			break
		}

		r.applyCleanup(ctx, st)

		progress.current = itemID
		aborted := r.processItem(ctx, st, progress, itemID, summary)

		st.setStatus(func(s *JobStatus) {
			s.Completed = len(progress.completed)
			s.Failed = len(progress.failed)
			s.Pending = len(progress.pending)
		})
		st.publishProgress(progress.snapshot())

		if aborted {
			summary.State = StateAborted
			if _, reason := st.shutdownRequested(); reason != "" {
				summary.AbortReason = reason
			}
			break
		}
		if ctx.Err() != nil {
			summary.State = StateCancelled
			break
		}

		// Abort evaluation runs at every item boundary, after the outcome
		// has been recorded.
		if d := r.abort.Evaluate(job.ID, job.AbortPolicy); d.Abort {
			r.abort.Execute(ctx, job.ID, job.AbortPolicy, d.Reason)
			summary.State = StateAborted
			summary.AbortReason = d.Reason
			break
		}

		itemsSinceCkpt++
		if itemsSinceCkpt >= job.CheckpointEveryItems || time.Since(lastCkpt) >= job.CheckpointInterval {
			if err := r.writeCheckpoint(st, progress.snapshot()); err != nil {
				r.logger.Warn("periodic checkpoint failed", map[string]interface{}{
					"operation": "checkpoint_failed",
					"job_id":    job.ID,
					"error":     err.Error(),
				})
			}
			itemsSinceCkpt = 0
			lastCkpt = time.Now()
		}
	}

	if summary.State == StateCompleted && ctx.Err() != nil {
		summary.State = StateCancelled
	}
	if down, reason := st.shutdownRequested(); down && summary.State != StateCancelled {
		summary.State = StateAborted
		if summary.AbortReason == "" {
			summary.AbortReason = reason
		}
	}

	summary.Completed = len(progress.completed)
	summary.Failed = len(progress.failed)
	summary.Pending = len(progress.pending)
	return summary
}

// processItem runs one item under the retry engine and acts on the
// recovery decision. Returns true when the decision was Abort.
func (r *Runner) processItem(ctx context.Context, st *jobExec, progress *ProgressState, itemID string, summary *Summary) bool {
	job := st.job
	correlationID := uuid.New().String()

	for pass := 1; ; pass++ {
		outcome, err := r.engine.Execute(ctx, job.RetryPolicy, func(ctx context.Context) error {
			_, opErr := job.Operation.Run(ctx, itemID)
			return opErr
		})
		for _, a := range outcome.Attempts {
			if a.Delay > 0 {
				summary.Retries++
			}
		}

		if err == nil {
			progress.markCompleted(itemID)
			r.abort.RecordSuccess(job.ID)
			return false
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The current item stays pending; the caller sees the
			// cancellation at the loop boundary.
			progress.current = ""
			return false
		}

		cause := err
		var maxErr *retry.MaxRetriesExceededError
		var permErr *retry.PermanentFailureError
		retriesExhausted := false
		switch {
		case errors.As(err, &maxErr):
			cause = maxErr.LastErr
			retriesExhausted = true
		case errors.As(err, &permErr):
			cause = permErr.Cause
		}

		event := buildFailureEvent(cause, itemID, correlationID)
		st.recordError(itemID, string(event.Category), event.Message)

		decision := r.failures.Handle(event, failurehandler.Context{
			JobID:            job.ID,
			ItemID:           itemID,
			Attempt:          len(outcome.Attempts),
			RetriesExhausted: retriesExhausted,
			Err:              cause,
			Policy:           job.RetryPolicy,
		})

		switch decision.Action {
		case corekit.ActionRetry, corekit.ActionRestart:
			if pass > maxDecisionRetries {
				progress.markFailed(itemID)
				summary.Decisions = append(summary.Decisions, ItemDecision{
					ItemID: itemID, Decision: corekit.ActionSkip,
					Message: "handler retry budget exhausted: " + event.Message,
				})
				return false
			}
			summary.Decisions = append(summary.Decisions, ItemDecision{
				ItemID: itemID, Decision: decision.Action, Message: event.Message,
			})
			if decision.Action == corekit.ActionRestart {
				r.restartSessions(ctx, st, decision.Target)
			}
			if decision.Delay > 0 && !sleepCtx(ctx, decision.Delay) {
				progress.current = ""
				return false
			}
			continue // re-run the item

		case corekit.ActionAbort:
			progress.markFailed(itemID)
			summary.Decisions = append(summary.Decisions, ItemDecision{
				ItemID: itemID, Decision: corekit.ActionAbort, Message: decision.Reason,
			})
			st.requestShutdown(decision.Reason)
			r.abort.Execute(ctx, job.ID, job.AbortPolicy, decision.Reason)
			return true

		default: // Skip, Manual
			progress.markFailed(itemID)
			summary.Decisions = append(summary.Decisions, ItemDecision{
				ItemID: itemID, Decision: decision.Action, Message: event.Message,
			})
			return false
		}
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first; reports whether the
// full sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// CategorizedError lets operation errors self-report their failure
// category; anything else lands in Application.
type CategorizedError interface {
	error
	Category() corekit.Category
}

// SeverityError lets operation errors self-report a severity.
type SeverityError interface {
	error
	Severity() corekit.Severity
}

func buildFailureEvent(cause error, itemID, correlationID string) corekit.FailureEvent {
	category := corekit.CategoryApplication
	var catErr CategorizedError
	if errors.As(cause, &catErr) {
		category = catErr.Category()
	}

	event := corekit.NewFailureEvent("core/jobrunner", category, cause.Error())
	event.CorrelationID = correlationID
	event.Context = map[string]interface{}{"itemId": itemID}

	var sevErr SeverityError
	if errors.As(cause, &sevErr) {
		event.Severity = sevErr.Severity()
	}
	return event
}

// onBreach is the resource monitor callback: Gentle runs immediately
// (touches no session), Force requests an abort, anything else is armed
// for the next item boundary so no item is interrupted mid-flight.
func (r *Runner) onBreach(ctx context.Context, st *jobExec, breaches []resource.Breach) {
	for _, b := range breaches {
		r.publishBreach(st.job.ID, b)

		switch {
		case b.Level >= resource.LevelForce:
			st.requestShutdown("resource threshold breached: " + b.Metric)
			r.abort.Execute(ctx, st.job.ID, st.job.AbortPolicy, "resource threshold breached: "+b.Metric)
		case b.Level == resource.LevelGentle:
			if err := st.job.Browser.CloseIdleTabs(ctx); err != nil {
				r.logger.Warn("gentle cleanup failed", map[string]interface{}{
					"operation": "cleanup_failed",
					"job_id":    st.job.ID,
					"error":     err.Error(),
				})
			}
		default:
			st.armCleanup(b.Level)
		}
	}
}

// applyCleanup performs any armed Moderate/Aggressive cleanup between
// items.
func (r *Runner) applyCleanup(ctx context.Context, st *jobExec) {
	level, ok := st.takeCleanup()
	if !ok {
		return
	}

	switch level {
	case resource.LevelModerate:
		r.restartSessions(ctx, st, "")
	case resource.LevelAggressive:
		sessions := r.monitor.Sessions()
		if err := st.job.Browser.CloseAll(ctx); err != nil {
			r.logger.Warn("aggressive cleanup failed", map[string]interface{}{
				"operation": "cleanup_failed",
				"job_id":    st.job.ID,
				"error":     err.Error(),
			})
		}
		for _, id := range sessions.IDs() {
			sessions.Unregister(id)
		}
		runtime.GC()
	}

	r.publishCleanup(st.job.ID, level)
	r.logger.Info("cleanup applied", map[string]interface{}{
		"operation": "cleanup_applied",
		"job_id":    st.job.ID,
		"level":     level.String(),
	})
}

// restartSessions closes the named session (or the oldest, when target is
// empty) and opens a replacement. Runs only between items.
func (r *Runner) restartSessions(ctx context.Context, st *jobExec, target string) {
	sessions := r.monitor.Sessions()

	if target == "" {
		oldest, _, ok := sessions.Oldest()
		if !ok {
			return
		}
		target = oldest
	}

	if err := st.job.Browser.CloseSession(ctx, target); err != nil {
		r.logger.Warn("session close failed", map[string]interface{}{
			"operation":  "session_restart",
			"job_id":     st.job.ID,
			"session_id": target,
			"error":      err.Error(),
		})
	}
	sessions.Unregister(target)

	newID, err := st.job.Browser.OpenSession(ctx)
	if err != nil {
		r.logger.Error("session open failed", map[string]interface{}{
			"operation": "session_restart",
			"job_id":    st.job.ID,
			"error":     err.Error(),
		})
		return
	}
	if newID != "" {
		sessions.Register(newID)
	}
}

// writeCheckpoint snapshots progress plus a resource summary. Best effort
// on the metrics: a failed sample leaves the summary zeroed rather than
// blocking the write.
func (r *Runner) writeCheckpoint(st *jobExec, prog checkpoint.Progress) error {
	snapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	snap, err := r.monitor.CurrentMetrics(snapCtx)
	cancel()
	if err != nil {
		snap = resource.Snapshot{}
	}

	meta := checkpoint.Metadata{
		TotalItems:      uint64(len(st.job.Items)),
		CompletedItems:  uint64(len(prog.Completed)),
		FailedItems:     uint64(len(prog.Failed)),
		ProcessingTime:  time.Since(st.started).Seconds(),
		BrowserSessions: r.monitor.Sessions().IDs(),
		Resources: checkpoint.ResourceSummary{
			MemoryMB: snap.MemoryMB,
			CPUPct:   snap.CPUPercent,
		},
	}
	payload := checkpoint.Payload{
		Progress:     prog,
		BrowserState: st.job.BrowserState,
		RecentErrors: st.errorTail(),
	}

	id, err := r.checkpoints.Create(st.job.ID, payload, meta)
	if err != nil {
		return err
	}
	r.publishCheckpoint(st.job.ID, id)
	return nil
}

// abortSaveState is the SaveState abort action: a synchronous final
// checkpoint for the aborting job, written from the last published
// read-only progress snapshot so it is safe off the loop goroutine.
func (r *Runner) abortSaveState(ctx context.Context, jobID string) error {
	st := r.lookup(jobID)
	if st == nil {
		return nil
	}
	return r.writeCheckpoint(st, st.progressSnapshot())
}

func (r *Runner) abortCleanup(ctx context.Context, jobID string) error {
	st := r.lookup(jobID)
	if st == nil {
		return nil
	}
	sessions := r.monitor.Sessions()
	err := st.job.Browser.CloseAll(ctx)
	for _, id := range sessions.IDs() {
		sessions.Unregister(id)
	}
	return err
}

func (r *Runner) publishStatus(jobID, status, reason string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Kind:  eventbus.KindJobStatus,
		JobID: jobID,
		Payload: map[string]interface{}{
			"status": status,
			"reason": reason,
		},
	})
}

func (r *Runner) publishCheckpoint(jobID, checkpointID string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Kind:  eventbus.KindCheckpoint,
		JobID: jobID,
		Payload: map[string]interface{}{
			"checkpoint_id": checkpointID,
		},
	})
}

func (r *Runner) publishBreach(jobID string, b resource.Breach) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Kind:  eventbus.KindResourceBreach,
		JobID: jobID,
		Payload: map[string]interface{}{
			"metric":      b.Metric,
			"value":       b.Value,
			"limit":       b.Limit,
			"level":       b.Level.String(),
			"consecutive": b.Consecutive,
		},
	})
}

func (r *Runner) publishCleanup(jobID string, level resource.CleanupLevel) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{
		Kind:  eventbus.KindCleanup,
		JobID: jobID,
		Payload: map[string]interface{}{
			"level": level.String(),
		},
	})
}
