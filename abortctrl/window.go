package abortctrl

import (
	"time"
)

// maxRingCapacity bounds per-job outcome history. Policies are recorded
// against at evaluation time, so the ring must hold at least the largest
// plausible WindowSize; beyond that, older outcomes are irrelevant.
const maxRingCapacity = 1024

// outcome is one operation result in a job's sliding window.
type outcome struct {
	ok       bool
	crash    bool
	critical bool
	at       time.Time
}

// ring is a fixed-capacity circular buffer of the most recent outcomes,
// with running consecutive-crash and critical-seen tracking. Not
// goroutine-safe; the Controller locks around it.
type ring struct {
	buf   []outcome
	next  int
	count int
	total uint64 // outcomes ever recorded, for the grace period

	consecutiveCrashes int
	criticalSeen       bool
}

func newRing() *ring {
	return &ring{buf: make([]outcome, maxRingCapacity)}
}

func (r *ring) record(o outcome) {
	r.buf[r.next] = o
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.total++

	if o.critical {
		r.criticalSeen = true
	}
	if o.crash {
		r.consecutiveCrashes++
	} else {
		r.consecutiveCrashes = 0
	}
}

// recent returns the newest n outcomes, oldest first.
func (r *ring) recent(n int) []outcome {
	if n > r.count {
		n = r.count
	}
	out := make([]outcome, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// stats computes the failure rate and time span over the newest n
// outcomes.
func (r *ring) stats(n int) (rate float64, span time.Duration, examined int) {
	window := r.recent(n)
	if len(window) == 0 {
		return 0, 0, 0
	}

	failures := 0
	for _, o := range window {
		if !o.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(window)),
		window[len(window)-1].at.Sub(window[0].at),
		len(window)
}
