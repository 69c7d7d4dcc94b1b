package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rayhost/rayhost/callback"
	"github.com/rayhost/rayhost/ipc"
	"github.com/rayhost/rayhost/ray"
	"github.com/rayhost/rayhost/store"
	"github.com/rayhost/rayhost/worker"
)

type echoCallback struct{}

func (echoCallback) Execute(m *callback.Model) error {
	req := m.Request.(map[string]any)
	m.Response = map[string]any{"y": req["x"]}
	return nil
}

// newInProcessWorker wires a worker.Dispatcher directly to peerPort/busPort
// instead of spawning a subprocess, so the test exercises the real bus and
// dispatcher without needing a built worker binary.
func newInProcessWorker(t *testing.T, ctx context.Context, busPort, workerPort int, root string) {
	t.Helper()
	workerBus, err := ipc.NewBus(workerPort, busPort)
	require.NoError(t, err)
	go func() {
		g, gctx := newErrgroup(ctx)
		workerBus.Start(gctx, g)
	}()

	d := worker.NewDispatcher(
		workerBus,
		store.NewPersistenceService(root),
		store.NewResourceService(root),
		callback.NewV2(echoCallback{}),
	)
	go d.Run(ctx)
}

func TestSupervisorPrepareAndProcessHappyPath(t *testing.T) {
	root := t.TempDir()
	busPort := reservePortForTest(t)
	workerPort := reservePortForTest(t)

	s, err := New(Config{
		Persistence: store.NewPersistenceService(root),
		Resources:   store.NewResourceService(root),
		BusPort:     busPort,
		WorkerPort:  workerPort,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	newInProcessWorker(t, ctx, busPort, workerPort, root)

	qid, err := s.Prepare("", "sid1", "uid1", "rid1", map[string]any{"x": float64(5)})
	require.NoError(t, err)

	procCtx, procCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer procCancel()
	out, err := s.Process(procCtx, qid)
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(5), m["y"])

	r, ok := s.Engine().Ray(qid)
	require.True(t, ok)
	require.Equal(t, ray.StatusCompleted, r.Status())
}

func TestWatchInstallsAndResetClearsWatcherForOwningSession(t *testing.T) {
	root := t.TempDir()
	s, err := New(Config{
		Persistence: store.NewPersistenceService(root),
		Resources:   store.NewResourceService(root),
		BusPort:     reservePortForTest(t),
		WorkerPort:  reservePortForTest(t),
	})
	require.NoError(t, err)

	qid, err := s.Prepare("q1", "sid1", "uid1", "rid1", map[string]any{})
	require.NoError(t, err)

	require.NoError(t, s.Watch(qid))
	w, ok := s.watchers.Get("sid1")
	require.True(t, ok)

	delta, err := w.Observe(map[string]any{"items": []any{float64(1)}})
	require.NoError(t, err)
	require.NotNil(t, delta)
	require.True(t, delta.Refresh)

	require.NoError(t, s.ResetWatch(qid))
	_, ok = s.watchers.Get("sid1")
	require.False(t, ok)

	require.Error(t, s.Watch("missing-qid"))
}

func TestCancelExecutionMarksCanceledAndDequeues(t *testing.T) {
	root := t.TempDir()
	s, err := New(Config{
		Persistence: store.NewPersistenceService(root),
		Resources:   store.NewResourceService(root),
		BusPort:     reservePortForTest(t),
		WorkerPort:  reservePortForTest(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	qid, err := s.Prepare("q1", "sid1", "uid1", "rid1", map[string]any{})
	require.NoError(t, err)

	require.NoError(t, s.CancelExecution(qid))

	r, ok := s.Engine().Ray(qid)
	require.True(t, ok)
	require.Equal(t, ray.StatusCanceled, r.Status())
	require.True(t, r.Finished())
	require.Equal(t, 0, s.Engine().QueueDepth())
}
