// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rayhost/rayhost/clog"
	"github.com/rayhost/rayhost/config"
	"github.com/rayhost/rayhost/ipc"
	"github.com/rayhost/rayhost/metrics"
	"github.com/rayhost/rayhost/ray"
	"github.com/rayhost/rayhost/store"
	"github.com/rayhost/rayhost/watch"
)

var log = clog.New("supervisor")

// State is the Supervisor's process-level status, mirrored (independently)
// by the worker for its own suspend logic.
type State int

const (
	StateStarting State = iota
	StateRunning
	StatePaused
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateCrashed:
		return "CRASHED"
	default:
		return "STARTING"
	}
}

// NotifyKind classifies an outbound notification to a client session.
type NotifyKind int

const (
	NotifyProgress NotifyKind = iota
	NotifyResponse
)

// Notifier is the host's fan-out hook: given a target sid and the kind and
// payload of an event, deliver it over whatever transport (WebSocket, SSE)
// the HTTP layer uses. That transport itself is a host-level concern this
// package doesn't implement; this is the seam the Supervisor calls into.
type Notifier func(sid string, kind NotifyKind, payload any)

// WorkerCommand builds the *exec.Cmd used to (re)spawn the worker process,
// given the swapped publisher/subscriber ports the Supervisor computed for
// it. Hosts override this to point at their actual worker binary.
type WorkerCommand func(ctx context.Context, publishPort, peerPort int) *exec.Cmd

// Supervisor is the parent-process component that owns the queue (via
// Engine), the worker subprocess, and the duplex bus, and translates
// between the two. Grounded on pysdk/.../app/supervisor.py for the domain
// logic and on a Coordinator-style spawn/track/shutdown loop for the
// process-lifecycle shape.
type Supervisor struct {
	engine      *Engine
	persistence *store.PersistenceService
	resources   *store.ResourceService
	sessions    *SessionLink
	watchers    *watch.Registry
	metrics     *metrics.Collectors
	config      *config.Store

	bus           *ipc.Bus
	busPort       int
	workerPort    int
	workerCommand WorkerCommand

	mu     sync.Mutex
	state  State
	cmd    *exec.Cmd
	notify Notifier
}

// Config bundles the construction-time parameters of a Supervisor.
type Config struct {
	Persistence   *store.PersistenceService
	Resources     *store.ResourceService
	BusPort       int // this process's publisher port; 0 picks any free port
	WorkerPort    int // the port the worker process will publish on
	WorkerCommand WorkerCommand
	Metrics       *metrics.Collectors
	Notify        Notifier

	// ConfigPath, if set, is loaded into a config.Store the Supervisor
	// watches: every reload publishes CONFIGURE so the worker's onConfigure
	// re-reads it into the user config callback.
	ConfigPath string
}

// New constructs a Supervisor, binding its side of the bus and
// rematerializing the Engine from disk.
func New(cfg Config) (*Supervisor, error) {
	engine, err := NewEngine(cfg.Persistence)
	if err != nil {
		return nil, err
	}
	bus, err := ipc.NewBus(cfg.BusPort, cfg.WorkerPort)
	if err != nil {
		return nil, fmt.Errorf("supervisor: bind bus: %w", err)
	}

	var cfgStore *config.Store
	if cfg.ConfigPath != "" {
		cfgStore, err = config.Load(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("supervisor: load config: %w", err)
		}
	}

	s := &Supervisor{
		engine:        engine,
		persistence:   cfg.Persistence,
		resources:     cfg.Resources,
		sessions:      NewSessionLink(),
		watchers:      watch.NewRegistry(),
		metrics:       cfg.Metrics,
		config:        cfgStore,
		bus:           bus,
		busPort:       bus.Port(),
		workerPort:    cfg.WorkerPort,
		workerCommand: cfg.WorkerCommand,
		notify:        cfg.Notify,
		state:         StateStarting,
	}
	if s.config != nil {
		s.config.OnReload(func(*config.Store) {
			_ = s.Dispatch(ipc.Configure(), true)
		})
	}
	bus.Register(s.scheduleAction)
	return s, nil
}

// Start begins accepting/subscribing on the bus. Call once, after New. The
// returned errgroup can be Wait()ed on for clean shutdown once ctx is
// canceled.
func (s *Supervisor) Start(ctx context.Context) *errgroup.Group {
	g, gctx := errgroup.WithContext(ctx)
	s.bus.Start(gctx, g)
	if s.config != nil {
		_ = s.config.Watch(ctx.Done())
	}
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	return g
}

// Engine exposes the underlying job registry, e.g. for an HTTP handler that
// needs to read a Ray directly.
func (s *Supervisor) Engine() *Engine { return s.engine }

// State returns the Supervisor's current process-level status.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Prepare is the public prepare(...) operation: persist the request,
// enqueue it, and publish ADD so the worker picks it up.
func (s *Supervisor) Prepare(qid, sid, uid, rid string, request any) (string, error) {
	qid, err := s.engine.Prepare(qid, sid, uid, rid, request)
	if err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.ObserveEnqueue()
	}
	if err := s.Dispatch(ipc.Add(qid), true); err != nil {
		return "", err
	}
	return qid, nil
}

// pollInterval and checkEveryNth set how often Process re-publishes CHECK
// while waiting: every 10 ticks (1s) the worker is re-prodded in case it
// restarted and lost the original ADD.
const (
	pollInterval  = 100 * time.Millisecond
	checkEveryNth = 10
)

// Process is the public process(qid) operation: block until qid's Ray is
// finished, periodically re-publishing CHECK in case the worker restarted
// and lost the original ADD, and return its last-persisted output.
func (s *Supervisor) Process(ctx context.Context, qid string) (any, error) {
	r, ok := s.engine.Ray(qid)
	if !ok {
		return nil, fmt.Errorf("supervisor: unknown qid %s", qid)
	}

	ticks := 0
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if r.Finished() {
			break
		}
		if s.State() == StateCrashed {
			r.Message(ray.MessageError, "worker crashed")
			r.SetStatus(ray.StatusFailed)
			r.Complete("")
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		ticks++
		if ticks%checkEveryNth == 0 {
			_ = s.Dispatch(ipc.Check(qid), true)
		}
	}

	var out any
	_, _ = s.persistence.GetAsset(qid, store.AssetOut, &out)
	return out, nil
}

// CancelExecution marks qid CANCELED/finished and publishes REMOVE so the
// worker runs its cancel state machine if qid is currently running.
func (s *Supervisor) CancelExecution(qid string) error {
	r, ok := s.engine.Ray(qid)
	if !ok {
		return fmt.Errorf("supervisor: unknown qid %s", qid)
	}
	r.SetStatus(ray.StatusCanceled)
	r.Complete("")
	s.engine.RemoveFromQueue(qid)
	if s.metrics != nil {
		s.metrics.ObserveCancel()
		s.metrics.ObserveOutcome(ray.StatusCanceled.String())
	}
	return s.Dispatch(ipc.Remove(qid), true)
}

// Sync publishes SYNC so the worker re-reads qid's persisted input into its
// active session model.
func (s *Supervisor) Sync(qid string) error {
	return s.Dispatch(ipc.Sync(qid), true)
}

// Watch starts watching qid's partial-output stream for its owning session,
// installing a fresh Watcher and discarding any watcher that session already
// had (a session watches at most one qid at a time; switching qids drops the
// previously accumulated partial).
func (s *Supervisor) Watch(qid string) error {
	r, ok := s.engine.Ray(qid)
	if !ok {
		return fmt.Errorf("supervisor: unknown qid %s", qid)
	}
	sid := r.Sid()
	if sid == "" {
		return fmt.Errorf("supervisor: qid %s has no owning session", qid)
	}
	s.watchers.Start(sid)
	return nil
}

// ResetWatch clears qid's owning session's watcher state, the server-side
// half of the client's reset_watch(qid) recovery path: the next partial
// emitted for that session is a refresh.
func (s *Supervisor) ResetWatch(qid string) error {
	r, ok := s.engine.Ray(qid)
	if !ok {
		return fmt.Errorf("supervisor: unknown qid %s", qid)
	}
	if sid := r.Sid(); sid != "" {
		s.watchers.Stop(sid)
	}
	return nil
}

// Dispatch publishes msg on the bus, first ensuring the worker process is
// alive if startWorker is set. Grounded on supervisor.py's dispatch().
func (s *Supervisor) Dispatch(msg ipc.Action, startWorker bool) error {
	if startWorker {
		if err := s.ensureWorkerAlive(); err != nil {
			return err
		}
	}
	return s.bus.Publish(msg)
}

// ensureWorkerAlive spawns the worker process if it has never been started
// or has exited since the last check.
func (s *Supervisor) ensureWorkerAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil && s.cmd.ProcessState == nil {
		return nil // still running
	}
	if s.workerCommand == nil {
		return nil // host didn't wire a worker command; bus-only mode (tests)
	}

	cmd := s.workerCommand(context.Background(), s.workerPort, s.busPort)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start worker: %w", err)
	}
	s.cmd = cmd
	s.state = StateRunning

	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		if s.state != StatePaused {
			s.state = StateCrashed
		}
		s.mu.Unlock()
	}()
	return nil
}
