// Package checkpoint implements atomic, integrity-verified, versioned
// snapshots of job progress on the local filesystem.
package checkpoint

import (
	"encoding/json"
	"time"
)

// Status is a Checkpoint's lifecycle state.
type Status string

const (
	StatusValidating Status = "Validating"
	StatusActive     Status = "Active"
	StatusCompleted  Status = "Completed"
	StatusCorrupted  Status = "Corrupted"
	StatusExpired    Status = "Expired"
)

// SchemaVersion is the current on-disk schema version written by this
// package. Minor bumps must stay backward compatible; a major bump requires
// a registered Migration.
const SchemaVersion = "1.2.0"

// Progress mirrors jobrunner's ProgressState at snapshot time: disjoint
// sets of item identifiers whose union is the job's total item set.
type Progress struct {
	Current   string   `json:"current"`
	Completed []string `json:"completed"`
	Failed    []string `json:"failed"`
	Pending   []string `json:"pending"`
}

// ErrorRecord is a bounded tail entry of recent failures carried in a
// checkpoint payload for post-mortem inspection.
type ErrorRecord struct {
	ItemID    string    `json:"itemId"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload is the caller-meaningful content of a checkpoint: progress,
// caller-defined browser state, and a bounded tail of recent errors.
type Payload struct {
	Progress     Progress        `json:"progress"`
	BrowserState json.RawMessage `json:"browserState,omitempty"`
	RecentErrors []ErrorRecord   `json:"recentErrors,omitempty"`
}

// ResourceSummary is a compact snapshot of resource usage at write time,
// embedded in a checkpoint's metadata.
type ResourceSummary struct {
	MemoryMB float64 `json:"memoryMB"`
	CPUPct   float64 `json:"cpuPct"`
}

// Metadata carries denormalized summary fields alongside the payload so a
// descriptor listing does not need to parse the full payload.
type Metadata struct {
	TotalItems      uint64          `json:"totalItems"`
	CompletedItems  uint64          `json:"completedItems"`
	FailedItems     uint64          `json:"failedItems"`
	ProcessingTime  float64         `json:"processingTime"`
	BrowserSessions []string        `json:"browserSessions,omitempty"`
	Resources       ResourceSummary `json:"resources"`
}

// Checkpoint is the full on-disk document, matching the normative format
// in the external interfaces section: version, id, jobId, timestamp,
// sequence, status, metadata, payload, hash.
type Checkpoint struct {
	Version   string    `json:"version"`
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
	Status    Status    `json:"status"`
	Metadata  Metadata  `json:"metadata"`
	Payload   Payload   `json:"payload"`
	Hash      string    `json:"hash"`
}

// Descriptor is the lightweight summary returned by List, newest first.
type Descriptor struct {
	ID        string
	JobID     string
	Sequence  uint64
	Timestamp time.Time
	Status    Status
	FileName  string
}
