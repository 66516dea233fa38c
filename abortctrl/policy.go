// Package abortctrl decides when a job is beyond saving. It tracks a
// sliding window of recent operation outcomes per job, evaluates failure
// density against policy, and runs the configured abort action sequence
// when a job trips.
package abortctrl

import (
	"fmt"
	"time"
)

// ActionKind names one step of the abort sequence.
type ActionKind string

const (
	ActionSaveState ActionKind = "SaveState"
	ActionCleanup   ActionKind = "Cleanup"
	ActionNotify    ActionKind = "Notify"
	ActionLogEvent  ActionKind = "LogEvent"
	ActionShutdown  ActionKind = "Shutdown"
)

// Action is one step of the abort sequence, with an optional target (e.g.
// a notification channel name) and a per-action timeout.
type Action struct {
	Kind    ActionKind
	Target  string
	Timeout time.Duration
}

// Policy configures abort evaluation for a job. Immutable once loaded.
type Policy struct {
	Name                  string
	FailureRateThreshold  float64       // 0.0-1.0
	WindowSize            int           // operations in the sliding window
	WindowDuration        time.Duration // rate trigger only fires if the window spans at most this
	MaxConsecutiveCrashes int           // 0 disables the crash trigger
	MinOperations         int           // grace period before any evaluation
	Actions               []Action
}

// Validate checks the policy's bounds.
func (p *Policy) Validate() error {
	if p.FailureRateThreshold < 0.0 || p.FailureRateThreshold > 1.0 {
		return fmt.Errorf("abortctrl: failure rate threshold %f out of range [0.0,1.0]", p.FailureRateThreshold)
	}
	if p.WindowSize < 1 {
		return fmt.Errorf("abortctrl: window size must be at least 1")
	}
	if p.MinOperations < 0 {
		return fmt.Errorf("abortctrl: min operations must not be negative")
	}
	if p.WindowDuration <= 0 {
		return fmt.Errorf("abortctrl: window duration must be positive")
	}
	for i, a := range p.Actions {
		switch a.Kind {
		case ActionSaveState, ActionCleanup, ActionNotify, ActionLogEvent, ActionShutdown:
		default:
			return fmt.Errorf("abortctrl: action %d has unknown kind %q", i, a.Kind)
		}
	}
	return nil
}

// StandardPolicy is the named "standard" abort policy referenced by
// corekit.Config.DefaultAbortPolicy: abort past 50% failures over the
// last 20 operations, with the full action sequence.
func StandardPolicy() *Policy {
	return &Policy{
		Name:                  "standard",
		FailureRateThreshold:  0.5,
		WindowSize:            20,
		WindowDuration:        10 * time.Minute,
		MaxConsecutiveCrashes: 3,
		MinOperations:         10,
		Actions: []Action{
			{Kind: ActionSaveState, Timeout: 30 * time.Second},
			{Kind: ActionCleanup, Timeout: 30 * time.Second},
			{Kind: ActionNotify, Timeout: 5 * time.Second},
			{Kind: ActionLogEvent, Timeout: 5 * time.Second},
			{Kind: ActionShutdown, Timeout: 5 * time.Second},
		},
	}
}
