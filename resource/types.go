// Package resource watches memory, CPU, disk, connection, and browser
// lifetime against configured thresholds, and drives the cleanup ladder
// when a threshold is breached.
package resource

import (
	"time"
)

// Metric names used in threshold breach maps and breach reports.
const (
	MetricMemoryPercent   = "memory_percent"
	MetricMemoryMB        = "memory_mb"
	MetricCPUPercent      = "cpu_percent"
	MetricFreeDiskMB      = "free_disk_mb"
	MetricOpenConnections = "open_connections"
	MetricBrowserLifetime = "browser_lifetime"
)

// Threshold holds the configured limits. A zero-valued field disables that
// check. Immutable once handed to Start.
type Threshold struct {
	MemoryPercent      float64       // percent of total system memory in use
	MemoryMB           float64       // absolute system memory in use, MB
	CPUPercent         float64       // percent across all cores
	BrowserLifetime    time.Duration // max age of a single browser session
	MinFreeDiskMB      float64       // minimum free disk on the storage volume
	MaxOpenConnections int           // open TCP connections
}

// Snapshot is one sample of the monitored metrics.
type Snapshot struct {
	Timestamp       time.Time     `json:"timestamp"`
	MemoryPercent   float64       `json:"memoryPercent"`
	MemoryMB        float64       `json:"memoryMB"`
	CPUPercent      float64       `json:"cpuPct"`
	FreeDiskMB      float64       `json:"freeDiskMB"`
	OpenConnections int           `json:"openConnections"`
	OldestBrowser   time.Duration `json:"oldestBrowserSeconds"`
}

// CleanupLevel is a rung on the cleanup ladder. Levels escalate with
// consecutive breaches of the same metric.
type CleanupLevel int

const (
	// LevelGentle closes idle tabs and drops caches.
	LevelGentle CleanupLevel = iota
	// LevelModerate terminates the oldest browser session, keeping job state.
	LevelModerate
	// LevelAggressive terminates all browser sessions and forces GC.
	LevelAggressive
	// LevelForce refuses new work and requests abort.
	LevelForce
)

func (l CleanupLevel) String() string {
	switch l {
	case LevelGentle:
		return "gentle"
	case LevelModerate:
		return "moderate"
	case LevelAggressive:
		return "aggressive"
	case LevelForce:
		return "force"
	default:
		return "unknown"
	}
}

// levelForStreak maps a consecutive-breach count to a ladder rung.
func levelForStreak(consecutive int) CleanupLevel {
	switch {
	case consecutive <= 1:
		return LevelGentle
	case consecutive == 2:
		return LevelModerate
	case consecutive == 3:
		return LevelAggressive
	default:
		return LevelForce
	}
}

// Breach reports one metric crossing its threshold, with the escalation
// level the monitor has reached for it.
type Breach struct {
	Metric      string
	Value       float64
	Limit       float64
	Consecutive int
	Level       CleanupLevel
	SessionID   string // set for browser_lifetime breaches
}

// Callback receives the metrics in breach on a sampling tick, each with its
// consecutive-breach count and ladder level; a breach that persists is
// reported again on later ticks at its escalated level. It is invoked
// asynchronously and must not assume it runs on the sampling goroutine;
// further breaches are coalesced until it returns.
type Callback func(breaches []Breach)
