// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package worker implements the ActionDispatcher: the single-threaded job
// loop that runs inside the worker process, invoking the user callback for
// one qid at a time and reporting progress back over the bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rayhost/rayhost/callback"
	"github.com/rayhost/rayhost/clog"
	"github.com/rayhost/rayhost/config"
	"github.com/rayhost/rayhost/ipc"
	"github.com/rayhost/rayhost/metrics"
	"github.com/rayhost/rayhost/ray"
	"github.com/rayhost/rayhost/store"
)

var log = clog.New("worker")

// haraKiriTimeout is the duration a cooperative cancel gets before the
// dispatcher kills the worker process outright. Grounded on
// action_dispatcher.py's __hara_kiri timer.
const haraKiriTimeout = 1 * time.Second

// tick is the main loop's polling interval.
const tick = 100 * time.Millisecond

// Dispatcher is the worker-side job loop. All state
// (queue, currentQid, activeSessionModel) is guarded by one mutex, matching
// the single condition variable the original groups `queue`, `currentQid`
// and `activeSessionModel` under.
type Dispatcher struct {
	mu    sync.Mutex
	queue []string

	currentQid string
	activeRay  *ray.Ray
	activeM    *callback.Model
	canceled   map[string]bool // qids whose cancel() ran while they were current

	running        bool
	idleTicks      int
	suspendEnabled bool
	suspendPeriodS int

	bus         *ipc.Bus
	persistence *store.PersistenceService
	resources   *store.ResourceService
	reg         callback.Registration
	publisher   *UpdatePublisher
	metrics     *metrics.Collectors
	config      *config.Store
	onConfig    func(*config.Store)

	haraKiri func()
}

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

// WithHaraKiri overrides the function called when the worker must kill
// itself (default: panic, so an un-wired caller notices loudly). A real
// binary wires this to an actual process exit; tests inject a
// non-terminating stand-in.
func WithHaraKiri(fn func()) Option {
	return func(d *Dispatcher) { d.haraKiri = fn }
}

// WithSuspend enables the idle-suspend state machine with the given period.
func WithSuspend(periodS int) Option {
	return func(d *Dispatcher) {
		d.suspendEnabled = true
		d.suspendPeriodS = periodS
	}
}

// WithMetrics attaches a metrics.Collectors for queue depth and outcome
// counters.
func WithMetrics(m *metrics.Collectors) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithConfig attaches the config.Store the Supervisor populates and a
// callback invoked with it every time CONFIGURE is received, letting a host
// refresh its own settings without restarting the worker process.
func WithConfig(store *config.Store, onConfig func(*config.Store)) Option {
	return func(d *Dispatcher) {
		d.config = store
		d.onConfig = onConfig
	}
}

// NewDispatcher wires a Dispatcher over bus, using persistence/resources for
// asset access and reg as the user callback.
func NewDispatcher(bus *ipc.Bus, persistence *store.PersistenceService, resources *store.ResourceService, reg callback.Registration, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		canceled:    make(map[string]bool),
		running:     true,
		bus:         bus,
		persistence: persistence,
		resources:   resources,
		reg:         reg,
		haraKiri:    func() { panic("worker: hara-kiri") },
	}
	d.publisher = NewUpdatePublisher(bus, resources)
	for _, opt := range opts {
		opt(d)
	}
	bus.Register(d.scheduleAction)
	return d
}

// scheduleAction is the bus callback: it table-dispatches every inbound
// Action to the matching handler, mirroring action_dispatcher.py's
// scheduleAction/onXxx set.
func (d *Dispatcher) scheduleAction(a ipc.Action) {
	switch a.Kind {
	case ipc.ActionAdd:
		d.onAdd(a.Data.(string))
	case ipc.ActionCheck:
		d.onCheck(a.Data.(string))
	case ipc.ActionRemove:
		d.onRemove(a.Data.(string))
	case ipc.ActionSync:
		d.onSync(a.Data.(string))
	case ipc.ActionConfigure:
		d.onConfigure()
	case ipc.ActionExit:
		d.onExit()
	default:
		log.Printf("unsupported action %s", a.Kind)
	}
}

// onAdd enqueues qid if it isn't already the current job or already queued.
func (d *Dispatcher) onAdd(qid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueueLocked(qid)
}

// onCheck behaves like onAdd: a re-publish of ADD/CHECK for a job already
// known is a no-op beyond the idempotent enqueue.
func (d *Dispatcher) onCheck(qid string) {
	d.onAdd(qid)
}

func (d *Dispatcher) enqueueLocked(qid string) {
	if d.currentQid == qid {
		return
	}
	for _, q := range d.queue {
		if q == qid {
			return
		}
	}
	d.queue = append(d.queue, qid)
	if d.metrics != nil {
		d.metrics.ObserveEnqueue()
	}
}

// onRemove drops qid from the pending queue, or, if it is the job currently
// running, triggers cancel(qid).
func (d *Dispatcher) onRemove(qid string) {
	d.mu.Lock()
	if d.currentQid == qid {
		d.mu.Unlock()
		d.cancel(qid)
		return
	}
	out := d.queue[:0]
	for _, q := range d.queue {
		if q != qid {
			out = append(out, q)
		}
	}
	d.queue = out
	d.mu.Unlock()
}

// onSync replaces the active session model's request with the freshly
// persisted `in` asset, letting a long-running callback pick up updated
// input without restarting.
func (d *Dispatcher) onSync(qid string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.currentQid != qid || d.activeM == nil {
		return
	}
	var in any
	if ok, err := d.persistence.GetAsset(qid, store.AssetIn, &in); err == nil && ok {
		d.activeM.Request = in
	}
}

// onConfigure passes the store installed via WithConfig to the user config
// callback. It does not re-read the file itself; the store's values change
// only when its own Watch picks up a file change.
func (d *Dispatcher) onConfigure() {
	if d.config == nil || d.onConfig == nil {
		log.Printf("configure received (no config store wired)")
		return
	}
	d.onConfig(d.config)
}

// onExit stops the main loop after the current job (if any) finishes.
func (d *Dispatcher) onExit() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Run is the main loop: pop a qid, run it, or count idle ticks toward a
// suspend decision. It returns when the worker should exit (EXIT action
// received, or suspend triggered) or when ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() { d.publisher.Run(ctx); close(done) }()
	defer func() { <-done }()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		d.mu.Lock()
		if !d.running {
			d.mu.Unlock()
			return nil
		}
		var qid string
		if len(d.queue) > 0 {
			qid, d.queue = d.queue[0], d.queue[1:]
			d.currentQid = qid
			d.idleTicks = 0
		}
		d.mu.Unlock()

		if qid == "" {
			if d.tickIdle() {
				return nil // suspended
			}
			continue
		}

		d.process(qid)
		if d.metrics != nil {
			d.metrics.ObserveDequeue()
		}

		d.mu.Lock()
		if d.currentQid == qid {
			d.currentQid = ""
		}
		d.mu.Unlock()
	}
}

// tickIdle counts one more idle tick and, once suspendPeriodS worth of
// ticks has elapsed, consults the callback's IsSuspendAllowed. It returns
// true if the dispatcher should exit for suspend.
func (d *Dispatcher) tickIdle() bool {
	if !d.suspendEnabled && !d.reg.SuspendSupported() {
		return false
	}
	d.mu.Lock()
	d.idleTicks++
	periodTicks := d.suspendPeriodS * 10
	if periodTicks == 0 {
		periodTicks = d.reg.SuspendPeriod() * 10
	}
	idle := d.idleTicks
	d.mu.Unlock()

	if periodTicks <= 0 || idle < periodTicks {
		return false
	}
	if !d.reg.IsSuspendAllowed() {
		d.mu.Lock()
		d.idleTicks = periodTicks - 10 // rearm for ~1s
		d.mu.Unlock()
		return false
	}
	_ = d.bus.Publish(ipc.Exit("suspend"))
	return true
}

// process runs one qid to completion. Grounded on action_dispatcher.py's
// process(qid), step by step: load-or-create the ray, idempotent replay if
// already finished, run the callback, persist outcome, re-check for a
// cancellation that happened concurrently.
func (d *Dispatcher) process(qid string) {
	r, out, replay := d.loadForExecution(qid)
	if replay {
		d.emitFinal(r, out)
		return
	}

	var in any
	if ok, err := d.persistence.GetAsset(qid, store.AssetIn, &in); err != nil || !ok {
		r.Message(ray.MessageError, fmt.Sprintf("input not found for %s", qid))
		r.SetStatus(ray.StatusFailed)
		r.Complete("")
		d.emitFinal(r, nil)
		return
	}

	r.OnUpdate(func(ray *ray.Ray) { d.publisher.SetRay(ray.Snapshot()) })
	r.SetStatus(ray.StatusRunning)

	m := &callback.Model{Ray: r, Request: in}
	m.WithPartialEmit(func(value any) { d.publisher.SetPartial(qid, value) })
	d.mu.Lock()
	d.activeRay = r
	d.activeM = m
	d.mu.Unlock()

	execErr := d.reg.Execute(m)

	d.mu.Lock()
	wasCanceled := d.canceled[qid]
	delete(d.canceled, qid)
	d.activeRay = nil
	d.activeM = nil
	d.mu.Unlock()

	if wasCanceled {
		return // cancel path already owns this qid's terminal state
	}

	if execErr != nil {
		r.Message(ray.MessageError, execErr.Error())
		r.SetStatus(ray.StatusFailed)
	} else {
		// Grounded on action_dispatcher.py's process(): the resource lock
		// is held only around serializing `out`, not around the whole
		// callback invocation, so UpdatePublisher's own per-qid resource
		// lock for partial emission isn't starved for the job's entire
		// runtime.
		d.resources.Lock(qid)
		err := d.persistence.SetAsset(qid, store.AssetOut, m.Response)
		d.resources.Unlock()
		if err != nil {
			r.Message(ray.MessageError, err.Error())
			r.SetStatus(ray.StatusFailed)
		} else {
			r.SetStatus(ray.StatusCompleted)
		}
	}
	r.Complete("")
	if d.metrics != nil {
		d.metrics.ObserveOutcome(r.Status().String())
	}
	_ = d.persistence.SetAsset(qid, store.AssetRay, r.Snapshot())

	// Send a partial still pending from Emit ahead of the final UPDATE.
	d.publisher.mu.Lock()
	pending := d.publisher.pendingOut
	d.publisher.pendingOut = nil
	d.publisher.mu.Unlock()
	if pending != nil {
		d.publisher.emitPartial(pending)
	}
	d.emitFinal(r, m.Response)
}

// loadForExecution loads qid's persisted ray and, if it is already
// finished and not REMOVED, signals idempotent replay: the caller should
// re-emit the cached output rather than invoking the callback again.
func (d *Dispatcher) loadForExecution(qid string) (r *ray.Ray, cachedOut any, replay bool) {
	var snap ray.Snapshot
	if ok, _ := d.persistence.GetAsset(qid, store.AssetRay, &snap); ok {
		r = ray.FromSnapshot(snap)
	} else {
		r = ray.New(qid)
	}
	if r.Finished() && r.Status() != ray.StatusRemoved {
		var out any
		_, _ = d.persistence.GetAsset(qid, store.AssetOut, &out)
		return r, out, true
	}
	return r, nil, false
}

func (d *Dispatcher) emitFinal(r *ray.Ray, output any) {
	snap := r.Snapshot()
	rayBytes, err := ray.EncodeSnapshot(snap)
	if err != nil {
		log.Errorf("encode ray snapshot for %s: %v", r.Qid(), err)
	}
	outBytes, err := json.Marshal(output)
	if err != nil {
		log.Errorf("encode output for %s: %v", r.Qid(), err)
	}
	_ = d.bus.Publish(ipc.Update(ipc.UpdatePayload{
		Qid:    r.Qid(),
		Ray:    rayBytes,
		Output: outBytes,
	}))
}

// cancel runs the cancel state machine: silence the notifier, try a
// cooperative cancel, and hara-kiri if it isn't honored (or doesn't
// complete) within haraKiriTimeout.
func (d *Dispatcher) cancel(qid string) {
	d.mu.Lock()
	r := d.activeRay
	if r == nil || r.Qid() != qid {
		d.mu.Unlock()
		return
	}
	d.canceled[qid] = true
	d.mu.Unlock()

	r.OnUpdate(nil) // silence before anything else
	if d.metrics != nil {
		d.metrics.ObserveCancel()
	}

	accepted := d.reg.CancelSupported() && d.reg.Cancel()
	if !accepted {
		d.haraKiri()
		return
	}

	deadline := time.Now().Add(haraKiriTimeout)
	for time.Now().Before(deadline) {
		if r.Finished() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !r.Finished() {
		d.haraKiri()
	}
}
