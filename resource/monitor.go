package resource

import (
	"context"
	"sync"
	"time"

	"github.com/ghostcrawl/core/corekit"
)

// DefaultInterval is the sampling cadence when none is configured.
const DefaultInterval = 30 * time.Second

// Monitor samples system metrics on a fixed interval and notifies
// registered sessions when thresholds are breached. One Monitor serves the
// whole process; each Start call gets its own sampling goroutine and
// breach state.
type Monitor struct {
	interval time.Duration
	sampler  Sampler
	sessions *SessionTracker
	logger   corekit.Logger
	metrics  corekit.MetricsRegistry

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithInterval overrides the sampling interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithSampler swaps the metric source, mainly for tests.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) {
		if s != nil {
			m.sampler = s
		}
	}
}

// WithLogger installs a logger, wrapped under component "core/resource".
func WithLogger(logger corekit.Logger) Option {
	return func(m *Monitor) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(corekit.ComponentAwareLogger); ok {
			m.logger = cal.WithComponent("core/resource")
			return
		}
		m.logger = logger
	}
}

// WithMetrics installs a sink receiving a gauge per sampled metric.
func WithMetrics(metrics corekit.MetricsRegistry) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// NewMonitor creates a Monitor sampling live system metrics unless
// WithSampler overrides the source. sessions may be shared with the job
// runner so browser lifetimes are visible here.
func NewMonitor(sessions *SessionTracker, opts ...Option) *Monitor {
	if sessions == nil {
		sessions = NewSessionTracker()
	}
	m := &Monitor{
		interval: DefaultInterval,
		sampler:  NewSystemSampler(""),
		sessions: sessions,
		logger:   &corekit.NoOpLogger{},
		handles:  make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sessions returns the tracker this monitor watches.
func (m *Monitor) Sessions() *SessionTracker {
	return m.sessions
}

// Handle identifies one monitoring session started with Start.
type Handle struct {
	threshold Threshold
	callback  Callback
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	streak    map[string]int
	pending   map[string]Breach
	notifying bool
}

// Start begins a monitoring session: a goroutine samples every interval,
// compares against threshold, and invokes callback asynchronously with any
// breaching metrics. Stop the session with Stop.
func (m *Monitor) Start(threshold Threshold, callback Callback) (*Handle, error) {
	if callback == nil {
		return nil, &corekit.FrameworkError{
			Op: "resource.Start", Kind: "config",
			Message: "breach callback is required", Err: corekit.ErrInvalidConfiguration,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		threshold: threshold,
		callback:  callback,
		cancel:    cancel,
		done:      make(chan struct{}),
		streak:    make(map[string]int),
		pending:   make(map[string]Breach),
	}

	m.mu.Lock()
	m.handles[h] = struct{}{}
	m.mu.Unlock()

	go m.run(ctx, h)

	m.logger.Info("resource monitoring started", map[string]interface{}{
		"operation":   "monitor_start",
		"interval_ms": m.interval.Milliseconds(),
	})
	return h, nil
}

// Stop ends a monitoring session and waits for its sampler goroutine to
// exit. Safe to call more than once.
func (m *Monitor) Stop(h *Handle) {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done

	m.mu.Lock()
	delete(m.handles, h)
	m.mu.Unlock()
}

// CurrentMetrics returns a fresh sample, including the oldest browser
// session age from the tracker.
func (m *Monitor) CurrentMetrics(ctx context.Context) (Snapshot, error) {
	snap, err := m.sampler.Sample(ctx)
	if err != nil {
		return snap, err
	}
	if _, age, ok := m.sessions.Oldest(); ok {
		snap.OldestBrowser = age
	}
	return snap, nil
}

// CheckThresholds samples once and reports, per metric name, whether it is
// currently over its configured limit. Disabled limits are omitted.
func (m *Monitor) CheckThresholds(ctx context.Context, threshold Threshold) (map[string]bool, error) {
	snap, err := m.CurrentMetrics(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]bool)
	for _, b := range evaluate(snap, threshold) {
		result[b.Metric] = true
	}
	if threshold.BrowserLifetime > 0 && snap.OldestBrowser >= threshold.BrowserLifetime {
		result[MetricBrowserLifetime] = true
	}
	addOK := func(name string, enabled bool) {
		if enabled {
			if _, hit := result[name]; !hit {
				result[name] = false
			}
		}
	}
	addOK(MetricMemoryPercent, threshold.MemoryPercent > 0)
	addOK(MetricMemoryMB, threshold.MemoryMB > 0)
	addOK(MetricCPUPercent, threshold.CPUPercent > 0)
	addOK(MetricFreeDiskMB, threshold.MinFreeDiskMB > 0)
	addOK(MetricOpenConnections, threshold.MaxOpenConnections > 0)
	addOK(MetricBrowserLifetime, threshold.BrowserLifetime > 0)
	return result, nil
}

// evaluate compares one snapshot against a threshold and returns the raw
// breaches, without streak/level information.
func evaluate(snap Snapshot, t Threshold) []Breach {
	var breaches []Breach

	if t.MemoryPercent > 0 && snap.MemoryPercent >= t.MemoryPercent {
		breaches = append(breaches, Breach{Metric: MetricMemoryPercent, Value: snap.MemoryPercent, Limit: t.MemoryPercent})
	}
	if t.MemoryMB > 0 && snap.MemoryMB >= t.MemoryMB {
		breaches = append(breaches, Breach{Metric: MetricMemoryMB, Value: snap.MemoryMB, Limit: t.MemoryMB})
	}
	if t.CPUPercent > 0 && snap.CPUPercent >= t.CPUPercent {
		breaches = append(breaches, Breach{Metric: MetricCPUPercent, Value: snap.CPUPercent, Limit: t.CPUPercent})
	}
	if t.MinFreeDiskMB > 0 && snap.FreeDiskMB <= t.MinFreeDiskMB {
		breaches = append(breaches, Breach{Metric: MetricFreeDiskMB, Value: snap.FreeDiskMB, Limit: t.MinFreeDiskMB})
	}
	if t.MaxOpenConnections > 0 && snap.OpenConnections >= t.MaxOpenConnections {
		breaches = append(breaches, Breach{Metric: MetricOpenConnections, Value: float64(snap.OpenConnections), Limit: float64(t.MaxOpenConnections)})
	}
	return breaches
}

func (m *Monitor) run(ctx context.Context, h *Handle) {
	defer close(h.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, h)
		}
	}
}

// tick takes one sample and feeds the breach state machine. A sample that
// does not complete within the interval is logged and skipped.
func (m *Monitor) tick(ctx context.Context, h *Handle) {
	sampleCtx, cancel := context.WithTimeout(ctx, m.interval)
	snap, err := m.sampler.Sample(sampleCtx)
	cancel()
	if err != nil {
		m.logger.Warn("resource sample skipped", map[string]interface{}{
			"operation": "sample_skipped",
			"error":     err.Error(),
		})
		return
	}

	if _, age, ok := m.sessions.Oldest(); ok {
		snap.OldestBrowser = age
	}
	m.publishGauges(snap)

	breaches := evaluate(snap, h.threshold)

	// A browser session past its lifetime is a soft breach pinned at
	// Moderate: old enough to restart between items, never worth a harder
	// rung on its own.
	if h.threshold.BrowserLifetime > 0 {
		if id, age, ok := m.sessions.Oldest(); ok && age >= h.threshold.BrowserLifetime {
			breaches = append(breaches, Breach{
				Metric:    MetricBrowserLifetime,
				Value:     age.Seconds(),
				Limit:     h.threshold.BrowserLifetime.Seconds(),
				SessionID: id,
			})
		}
	}

	m.advance(h, breaches)
}

// advance updates per-metric streaks from this tick's breaches, assigns
// ladder levels, and schedules the callback. Metrics not breaching this
// tick reset to OK.
func (m *Monitor) advance(h *Handle, breaches []Breach) {
	h.mu.Lock()

	hit := make(map[string]bool, len(breaches))
	notify := make([]Breach, 0, len(breaches))
	for _, b := range breaches {
		hit[b.Metric] = true
		h.streak[b.Metric]++
		b.Consecutive = h.streak[b.Metric]
		if b.Metric == MetricBrowserLifetime {
			b.Level = LevelModerate
		} else {
			b.Level = levelForStreak(b.Consecutive)
		}
		notify = append(notify, b)
	}
	for metric := range h.streak {
		if !hit[metric] {
			delete(h.streak, metric)
			delete(h.pending, metric)
		}
	}

	if len(notify) == 0 {
		h.mu.Unlock()
		return
	}

	for _, b := range notify {
		h.pending[b.Metric] = b
	}
	start := !h.notifying
	if start {
		h.notifying = true
	}
	h.mu.Unlock()

	if start {
		go m.notifyLoop(h)
	}
}

// notifyLoop drains coalesced breaches, invoking the callback once per
// batch until nothing is pending.
func (m *Monitor) notifyLoop(h *Handle) {
	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.notifying = false
			h.mu.Unlock()
			return
		}
		batch := make([]Breach, 0, len(h.pending))
		for _, b := range h.pending {
			batch = append(batch, b)
		}
		h.pending = make(map[string]Breach)
		h.mu.Unlock()

		for _, b := range batch {
			m.logger.Warn("resource threshold breached", map[string]interface{}{
				"operation":   "threshold_breach",
				"metric":      b.Metric,
				"value":       b.Value,
				"limit":       b.Limit,
				"consecutive": b.Consecutive,
				"level":       b.Level.String(),
			})
		}
		h.callback(batch)
	}
}

func (m *Monitor) publishGauges(snap Snapshot) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge("resource.memory_percent", snap.MemoryPercent)
	m.metrics.Gauge("resource.memory_mb", snap.MemoryMB)
	m.metrics.Gauge("resource.cpu_percent", snap.CPUPercent)
	m.metrics.Gauge("resource.free_disk_mb", snap.FreeDiskMB)
	m.metrics.Gauge("resource.open_connections", float64(snap.OpenConnections))
	m.metrics.Gauge("resource.oldest_browser_seconds", snap.OldestBrowser.Seconds())
}
