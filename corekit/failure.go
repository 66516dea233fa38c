package corekit

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades how dangerous a failure is to the job as a whole.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Category is the coarse origin of a failure, used by the abort controller
// to tell browser/system crashes apart from ordinary application errors.
type Category string

const (
	CategoryNetwork     Category = "Network"
	CategoryBrowser     Category = "Browser"
	CategorySystem      Category = "System"
	CategoryApplication Category = "Application"
	CategoryExternal    Category = "External"
)

// RecoveryAction is the decision the failure handler attaches to an event
// once it has been routed through classification and the abort controller.
type RecoveryAction string

const (
	ActionRetry   RecoveryAction = "Retry"
	ActionRestart RecoveryAction = "Restart"
	ActionSkip    RecoveryAction = "Skip"
	ActionAbort   RecoveryAction = "Abort"
	ActionManual  RecoveryAction = "Manual"
)

// FailureEvent is the structured record of one failure as it moves through
// the recovery pipeline. The CorrelationID is carried from the Job so every
// log line and telemetry event about the same item can be joined later.
type FailureEvent struct {
	ID            string                 `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	Severity      Severity               `json:"severity"`
	Category      Category               `json:"category"`
	Component     string                 `json:"component"`
	Message       string                 `json:"message"`
	Context       map[string]interface{} `json:"context,omitempty"`
	StackTrace    string                 `json:"stackTrace,omitempty"`
	Action        RecoveryAction         `json:"action,omitempty"`
	ResolvedAt    time.Time              `json:"resolvedAt,omitempty"`
	CorrelationID string                 `json:"correlationId"`
}

// NewFailureEvent builds a FailureEvent with a fresh id and timestamp.
// Severity, Context, and the correlation id are left for the caller to fill.
func NewFailureEvent(component string, category Category, message string) FailureEvent {
	return FailureEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Severity:  SeverityMedium,
		Category:  category,
		Component: component,
		Message:   message,
	}
}

// IsCrash reports whether the event counts as a crash for the abort
// controller's consecutive-crash tracking.
func (e FailureEvent) IsCrash() bool {
	return e.Category == CategoryBrowser || e.Category == CategorySystem
}
