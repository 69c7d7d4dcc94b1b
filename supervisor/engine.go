// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package supervisor implements the Supervisor side of the runtime: the
// job queue, the client-facing Engine registry, worker process lifecycle,
// and the inbound IPC handlers that reconcile worker state back into rays.
package supervisor

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rayhost/rayhost/ray"
	"github.com/rayhost/rayhost/store"
)

// Engine is the Supervisor-side job registry: an in-memory {qid→Ray} map, a
// FIFO task queue, and the two LRU(3) caches for partial outputs and their
// last-reported hashes. Grounded on pysdk/.../engine/engine.py.
type Engine struct {
	mu    sync.Mutex
	rays  map[string]*ray.Ray
	queue []string

	persistence *store.PersistenceService

	partialOutputs *store.LRU
	reportedHashes *store.LRU
}

// NewEngine creates an Engine backed by persistence, seeding {qid→Ray} from
// any ray.json files already on disk — this is how a restarted Supervisor
// rediscovers rays that survived its own crash. Per the Open Question
// decision in DESIGN.md, queued-but-unstarted qids are not re-added to the
// task queue; only the map entry is rematerialized.
func NewEngine(persistence *store.PersistenceService) (*Engine, error) {
	e := &Engine{
		rays:           make(map[string]*ray.Ray),
		persistence:    persistence,
		partialOutputs: store.NewLRU(store.DefaultLRUCapacity),
		reportedHashes: store.NewLRU(store.DefaultLRUCapacity),
	}
	qids, err := persistence.Scan()
	if err != nil {
		return nil, fmt.Errorf("supervisor: scan executions: %w", err)
	}
	for _, qid := range qids {
		var snap ray.Snapshot
		ok, err := persistence.GetAsset(qid, store.AssetRay, &snap)
		if err != nil || !ok {
			continue
		}
		e.rays[qid] = ray.FromSnapshot(snap)
	}
	return e, nil
}

// Ray returns qid's in-memory Ray, if known.
func (e *Engine) Ray(qid string) (*ray.Ray, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rays[qid]
	return r, ok
}

// Adopt registers r under its own qid, used when an UPDATE arrives for a
// qid the Engine hasn't seen before (e.g. after an external Prepare the
// Engine wasn't constructed to know about). Returns the Ray now on record,
// which is r itself unless another goroutine adopted the same qid first.
func (e *Engine) Adopt(r *ray.Ray) *ray.Ray {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.rays[r.Qid()]; ok {
		return existing
	}
	e.rays[r.Qid()] = r
	return r
}

// Prepare registers a new job: if qid is empty, one is minted. If qid
// already names a non-terminal Ray, Prepare is a no-op beyond returning
// that qid: re-preparing the same qid while it's still queued is
// idempotent.
func (e *Engine) Prepare(qid, sid, uid, rid string, request any) (string, error) {
	if qid == "" {
		qid = uuid.NewString()
	}

	e.mu.Lock()
	if existing, ok := e.rays[qid]; ok && !existing.Status().Terminal() {
		e.mu.Unlock()
		return qid, nil
	}
	r := ray.New(qid)
	r.SetIdentity(sid, uid, rid)
	r.SetStatus(ray.StatusQueued)
	e.rays[qid] = r
	e.queue = append(e.queue, qid)
	e.mu.Unlock()

	if err := e.persistence.SetAsset(qid, store.AssetIn, request); err != nil {
		return "", fmt.Errorf("supervisor: persist input for %s: %w", qid, err)
	}
	if err := e.persistence.SetAsset(qid, store.AssetRay, r.Snapshot()); err != nil {
		return "", fmt.Errorf("supervisor: persist ray for %s: %w", qid, err)
	}
	return qid, nil
}

// Dequeue pops the next qid off the FIFO task queue, or ("", false) if
// empty. The Supervisor's dispatch loop doesn't actually run jobs (the
// worker process does); this exists so a host can inspect queue depth or
// drive metrics without reaching into Engine internals.
func (e *Engine) Dequeue() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return "", false
	}
	qid := e.queue[0]
	e.queue = e.queue[1:]
	return qid, true
}

// RemoveFromQueue drops qid from the pending queue without touching its
// Ray, used when a cancel targets a job that hasn't started running yet.
func (e *Engine) RemoveFromQueue(qid string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.queue[:0]
	for _, q := range e.queue {
		if q != qid {
			out = append(out, q)
		}
	}
	e.queue = out
}

// QueueDepth returns the number of qids currently queued.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Delete removes qid's Ray entirely and drops its on-disk assets. This
// always marks the Ray REMOVED first (see DESIGN.md's Open Question
// decision distinguishing REMOVED from CANCELED).
func (e *Engine) Delete(qid string) error {
	e.mu.Lock()
	r, ok := e.rays[qid]
	if ok {
		r.SetStatus(ray.StatusRemoved)
		r.Complete("")
	}
	delete(e.rays, qid)
	e.RemoveFromQueueLocked(qid)
	e.partialOutputs.Delete(qid)
	e.reportedHashes.Delete(qid)
	e.mu.Unlock()

	return e.persistence.DropAssets(qid)
}

// RemoveFromQueueLocked is RemoveFromQueue's body, callable while e.mu is
// already held.
func (e *Engine) RemoveFromQueueLocked(qid string) {
	out := e.queue[:0]
	for _, q := range e.queue {
		if q != qid {
			out = append(out, q)
		}
	}
	e.queue = out
}

// SetPartialOutput caches qid's most recent deserialized partial output.
func (e *Engine) SetPartialOutput(qid string, value any) {
	e.partialOutputs.Set(qid, value)
}

// PartialOutput returns qid's cached partial output, if any.
func (e *Engine) PartialOutput(qid string) (any, bool) {
	v, _, ok := e.partialOutputs.Get(qid)
	return v, ok
}

// SetReportedHash records the hash last reported to a watcher for qid.
func (e *Engine) SetReportedHash(qid, hash string) {
	e.reportedHashes.Set(qid, hash)
}

// ReportedHash returns the hash last reported to a watcher for qid.
func (e *Engine) ReportedHash(qid string) (string, bool) {
	v, _, ok := e.reportedHashes.Get(qid)
	if !ok {
		return "", false
	}
	return v.(string), true
}
