package resource

import (
	"sort"
	"sync"
	"time"
)

// SessionTracker is the registry of live browser sessions the monitor
// consults for lifetime breaches. The job runner registers a session when
// the browser layer opens it and unregisters it on close.
type SessionTracker struct {
	mu       sync.RWMutex
	sessions map[string]time.Time
	now      func() time.Time
}

// NewSessionTracker creates an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessions: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Register records a session as started now. Re-registering an id resets
// its start time, which is what a browser restart wants.
func (t *SessionTracker) Register(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = t.now()
}

// Unregister removes a session.
func (t *SessionTracker) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// IDs returns the live session ids, oldest first.
func (t *SessionTracker) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := t.sessions[ids[i]], t.sessions[ids[j]]
		if a.Equal(b) {
			return ids[i] < ids[j]
		}
		return a.Before(b)
	})
	return ids
}

// Oldest returns the longest-lived session and its age.
func (t *SessionTracker) Oldest() (id string, age time.Duration, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var oldest time.Time
	for sid, started := range t.sessions {
		if id == "" || started.Before(oldest) {
			id, oldest = sid, started
		}
	}
	if id == "" {
		return "", 0, false
	}
	return id, t.now().Sub(oldest), true
}

// Count returns the number of live sessions.
func (t *SessionTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
