package jobrunner

import (
	"context"
)

// OperationRunner is the browser layer's item-processing entry point. The
// core assumes at-least-once semantics: a Run that failed mid-way may be
// invoked again for the same item.
type OperationRunner interface {
	Run(ctx context.Context, itemID string) (interface{}, error)
}

// OperationFunc adapts a function to OperationRunner.
type OperationFunc func(ctx context.Context, itemID string) (interface{}, error)

func (f OperationFunc) Run(ctx context.Context, itemID string) (interface{}, error) {
	return f(ctx, itemID)
}

// BrowserController is the slice of the browser layer the cleanup ladder
// drives: closing and restarting sessions between items. Implementations
// must be safe for concurrent use — cleanup runs off the item loop.
type BrowserController interface {
	// CloseIdleTabs is the Gentle rung: free what can be freed without
	// touching any session.
	CloseIdleTabs(ctx context.Context) error
	// CloseSession terminates one session by id.
	CloseSession(ctx context.Context, sessionID string) error
	// OpenSession starts a replacement session and returns its id.
	OpenSession(ctx context.Context) (string, error)
	// CloseAll terminates every live session.
	CloseAll(ctx context.Context) error
}

// NopBrowserController satisfies BrowserController with no-ops, for jobs
// whose operation manages its own browser lifecycle.
type NopBrowserController struct{}

func (NopBrowserController) CloseIdleTabs(ctx context.Context) error              { return nil }
func (NopBrowserController) CloseSession(ctx context.Context, id string) error    { return nil }
func (NopBrowserController) OpenSession(ctx context.Context) (string, error)      { return "", nil }
func (NopBrowserController) CloseAll(ctx context.Context) error                   { return nil }
