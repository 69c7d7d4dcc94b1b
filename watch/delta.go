// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package watch

import (
	"fmt"
	"sync"

	"github.com/r3labs/diff/v3"
)

// Delta is what a Watcher emits when the watched value's hash changes.
// Carries old_hash/new_hash plus the structural diff of what moved, so a
// client doesn't have to re-fetch and recompute the whole value to find
// what changed.
type Delta struct {
	OldHash string
	NewHash string
	Refresh bool // true the first time a session observes this qid
	Changes diff.Changelog
}

// Watcher tracks one session's last-seen hash of a watched value. Grounded
// on pysdk/.../store/watch.py's freshness check, adapted from its
// reflection-based qid discovery (not portable to Go) to an explicit
// Observe(value) call made by the caller that already knows which qid it's
// watching.
type Watcher struct {
	mu        sync.Mutex
	sid       string
	lastHash  string
	lastValue any
	seen      bool
}

// NewWatcher creates a watcher for session sid.
func NewWatcher(sid string) *Watcher {
	return &Watcher{sid: sid}
}

// emptyBase returns the zero value of value's kind (an empty slice for an
// array-shaped partial, an empty map otherwise), matching
// pysdk/.../store/watch.py's base_json of '[]' or '{}' depending on the
// schema. Diffing value against this base reconstructs the whole value on
// the first, refresh delta.
func emptyBase(value any) any {
	if _, ok := value.([]any); ok {
		return []any{}
	}
	return map[string]any{}
}

// Observe computes value's hash and, if it differs from the last observed
// hash for this session, returns a Delta describing the change. It returns
// (nil, nil) when the hash is unchanged, suppressing the update so a
// polling client doesn't get a flood of no-op notifications.
func (w *Watcher) Observe(value any) (*Delta, error) {
	newHash, err := FastHash(value)
	if err != nil {
		return nil, fmt.Errorf("watch: hash: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seen && newHash == w.lastHash {
		return nil, nil
	}

	refresh := !w.seen
	oldHash := w.lastHash
	base := w.lastValue
	if refresh {
		// spec.md §4.6 step 1: base = empty (object or array per schema) on
		// the first observation, so the refresh packet's diff reconstructs
		// the whole value rather than shipping an empty Changelog.
		base = emptyBase(value)
	}
	changes, err := diff.Diff(base, value)
	if err != nil {
		return nil, fmt.Errorf("watch: diff: %w", err)
	}

	w.lastHash = newHash
	w.lastValue = value
	w.seen = true

	return &Delta{
		OldHash: oldHash,
		NewHash: newHash,
		Refresh: refresh,
		Changes: changes,
	}, nil
}

// Registry enforces one watcher per session: starting a watch for a
// session that already has one replaces it rather than accumulating stale
// watchers across reconnects.
type Registry struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewRegistry creates an empty watcher registry.
func NewRegistry() *Registry {
	return &Registry{watchers: make(map[string]*Watcher)}
}

// Start installs a fresh Watcher for sid, discarding any previous one.
func (r *Registry) Start(sid string) *Watcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := NewWatcher(sid)
	r.watchers[sid] = w
	return w
}

// Get returns sid's current watcher, if one has been started.
func (r *Registry) Get(sid string) (*Watcher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watchers[sid]
	return w, ok
}

// Stop removes sid's watcher, e.g. when its session disconnects.
func (r *Registry) Stop(sid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, sid)
}
