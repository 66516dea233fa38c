// Package jobrunner sequences a job's items through the resilience core:
// it owns progress state, wraps the caller's operation with the retry
// engine, drives periodic checkpoints, reacts to resource breaches, and
// honors abort decisions.
package jobrunner

import (
	"sort"

	"github.com/ghostcrawl/core/checkpoint"
)

// ProgressState partitions a job's items into completed, failed, and
// pending, plus the item currently being processed. The Runner is the sole
// mutator; everything else sees read-only snapshots.
//
// Invariant: the three sets are pairwise disjoint and their union is the
// job's full item set (the current item counts as pending until it
// resolves).
type ProgressState struct {
	current   string
	completed map[string]struct{}
	failed    map[string]struct{}
	pending   map[string]struct{}
	order     []string // submission order, for deterministic iteration
}

func newProgress(items []string) *ProgressState {
	p := &ProgressState{
		completed: make(map[string]struct{}),
		failed:    make(map[string]struct{}),
		pending:   make(map[string]struct{}, len(items)),
		order:     append([]string(nil), items...),
	}
	for _, id := range items {
		p.pending[id] = struct{}{}
	}
	return p
}

// restore applies a checkpointed progress snapshot on top of the job's
// item list. Items the checkpoint does not know about stay pending; the
// in-flight item at snapshot time is re-processed.
func (p *ProgressState) restore(saved checkpoint.Progress) {
	for _, id := range saved.Completed {
		if _, ok := p.pending[id]; ok {
			delete(p.pending, id)
			p.completed[id] = struct{}{}
		}
	}
	for _, id := range saved.Failed {
		if _, ok := p.pending[id]; ok {
			delete(p.pending, id)
			p.failed[id] = struct{}{}
		}
	}
}

func (p *ProgressState) markCompleted(id string) {
	p.current = ""
	delete(p.pending, id)
	p.completed[id] = struct{}{}
}

func (p *ProgressState) markFailed(id string) {
	p.current = ""
	delete(p.pending, id)
	p.failed[id] = struct{}{}
}

func (p *ProgressState) isPending(id string) bool {
	_, ok := p.pending[id]
	return ok
}

// snapshot produces the read-only view handed to the checkpoint manager.
func (p *ProgressState) snapshot() checkpoint.Progress {
	return checkpoint.Progress{
		Current:   p.current,
		Completed: sortedKeys(p.completed),
		Failed:    sortedKeys(p.failed),
		Pending:   sortedKeys(p.pending),
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
