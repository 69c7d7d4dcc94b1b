package worker

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rayhost/rayhost/callback"
	"github.com/rayhost/rayhost/config"
	"github.com/rayhost/rayhost/ipc"
	"github.com/rayhost/rayhost/ray"
	"github.com/rayhost/rayhost/store"
)

func reservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// busPair wires up two Bus endpoints the way the Supervisor and the worker
// process would, returning (workerSide, supervisorSide).
func busPair(t *testing.T) (*ipc.Bus, *ipc.Bus, func()) {
	t.Helper()
	portW := reservePort(t)
	portS := reservePort(t)

	workerBus, err := ipc.NewBus(portW, portS)
	require.NoError(t, err)
	supBus, err := ipc.NewBus(portS, portW)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	workerBus.Start(gctx, g)
	supBus.Start(gctx, g)

	return workerBus, supBus, func() {
		cancel()
		workerBus.Close()
		supBus.Close()
	}
}

type v2Once struct {
	response any
}

func (c *v2Once) Execute(m *callback.Model) error {
	m.Response = c.response
	return nil
}

func waitForUpdate(t *testing.T, ch chan ipc.Action, timeout time.Duration) ipc.UpdatePayload {
	t.Helper()
	select {
	case a := <-ch:
		require.Equal(t, ipc.ActionUpdate, a.Kind)
		return a.Data.(ipc.UpdatePayload)
	case <-time.After(timeout):
		t.Fatal("timed out waiting for UPDATE")
	}
	return ipc.UpdatePayload{}
}

func TestDispatcherHappyPath(t *testing.T) {
	workerBus, supBus, cleanup := busPair(t)
	defer cleanup()

	updates := make(chan ipc.Action, 16)
	supBus.Register(func(a ipc.Action) { updates <- a })

	persistence := store.NewPersistenceService(t.TempDir())
	resources := store.NewResourceService(t.TempDir())
	require.NoError(t, persistence.SetAsset("q1", store.AssetIn, map[string]any{"x": 1}))

	reg := callback.NewV2(&v2Once{response: map[string]any{"y": 2}})
	d := NewDispatcher(workerBus, persistence, resources, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool { return supBus.Publish(ipc.Add("q1")) == nil }, time.Second, 10*time.Millisecond)

	// Retry publish in case the worker's subscriber connection isn't up yet.
	for i := 0; i < 20; i++ {
		_ = supBus.Publish(ipc.Add("q1"))
		select {
		case a := <-updates:
			payload := a.Data.(ipc.UpdatePayload)
			if payload.Qid != "q1" {
				continue
			}
			snap, err := ray.DecodeSnapshot(payload.Ray)
			require.NoError(t, err)
			if snap.Status != ray.StatusCompleted {
				continue
			}
			var out map[string]any
			require.NoError(t, json.Unmarshal(payload.Output, &out))
			require.Equal(t, float64(2), out["y"])
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("never observed completed update")
}

type v2WithPartials struct {
	partials []any
	response any
}

func (c *v2WithPartials) Execute(m *callback.Model) error {
	for _, p := range c.partials {
		m.Emit(p)
		time.Sleep(20 * time.Millisecond)
	}
	m.Response = c.response
	return nil
}

func TestDispatcherStreamsPartialsBeforeCompletion(t *testing.T) {
	workerBus, supBus, cleanup := busPair(t)
	defer cleanup()

	updates := make(chan ipc.Action, 16)
	supBus.Register(func(a ipc.Action) { updates <- a })

	persistence := store.NewPersistenceService(t.TempDir())
	resources := store.NewResourceService(t.TempDir())
	require.NoError(t, persistence.SetAsset("q1", store.AssetIn, map[string]any{"x": 1}))

	reg := callback.NewV2(&v2WithPartials{
		partials: []any{map[string]any{"step": float64(1)}, map[string]any{"step": float64(2)}},
		response: map[string]any{"step": float64(3), "done": true},
	})
	d := NewDispatcher(workerBus, persistence, resources, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool { return supBus.Publish(ipc.Add("q1")) == nil }, time.Second, 10*time.Millisecond)

	var sawPartial bool
	for i := 0; i < 50; i++ {
		_ = supBus.Publish(ipc.Add("q1"))
		select {
		case a := <-updates:
			payload := a.Data.(ipc.UpdatePayload)
			if payload.Qid != "q1" {
				continue
			}
			if payload.Partial != nil {
				var p map[string]any
				require.NoError(t, json.Unmarshal(payload.Partial, &p))
				sawPartial = true
				continue
			}
			if payload.Ray == nil {
				continue
			}
			snap, err := ray.DecodeSnapshot(payload.Ray)
			require.NoError(t, err)
			if snap.Status != ray.StatusCompleted {
				continue
			}
			require.True(t, sawPartial, "expected at least one partial update before completion")
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("never observed completed update")
}

func TestDispatcherIdempotentReplay(t *testing.T) {
	persistence := store.NewPersistenceService(t.TempDir())
	resources := store.NewResourceService(t.TempDir())

	finishedRay := ray.New("q1")
	finishedRay.SetStatus(ray.StatusCompleted)
	finishedRay.Complete("")
	require.NoError(t, persistence.SetAsset("q1", store.AssetRay, finishedRay.Snapshot()))
	require.NoError(t, persistence.SetAsset("q1", store.AssetOut, map[string]any{"cached": true}))

	calls := 0
	reg := callback.NewV2(callbackFunc(func(m *callback.Model) error {
		calls++
		return nil
	}))

	workerBus, supBus, cleanup := busPair(t)
	defer cleanup()
	updates := make(chan ipc.Action, 16)
	supBus.Register(func(a ipc.Action) { updates <- a })

	d := NewDispatcher(workerBus, persistence, resources, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	for i := 0; i < 20; i++ {
		_ = supBus.Publish(ipc.Add("q1"))
		select {
		case a := <-updates:
			payload := a.Data.(ipc.UpdatePayload)
			var out map[string]any
			require.NoError(t, json.Unmarshal(payload.Output, &out))
			require.Equal(t, true, out["cached"])
			require.Equal(t, 0, calls) // callback never re-invoked
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	t.Fatal("never observed replayed update")
}

type callbackFunc func(*callback.Model) error

func (f callbackFunc) Execute(m *callback.Model) error { return f(m) }

func TestConfigureInvokesUserCallbackWithStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))
	cfgStore, err := config.Load(path)
	require.NoError(t, err)

	persistence := store.NewPersistenceService(t.TempDir())
	resources := store.NewResourceService(t.TempDir())
	reg := callback.NewV2(callbackFunc(func(m *callback.Model) error { return nil }))

	workerBus, supBus, cleanup := busPair(t)
	defer cleanup()

	var seen *config.Store
	d := NewDispatcher(workerBus, persistence, resources, reg, WithConfig(cfgStore, func(c *config.Store) {
		seen = c
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, supBus.Publish(ipc.Configure()))
	require.Eventually(t, func() bool { return seen != nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, "debug", seen.GetString("log_level"))
}

func TestConfigureWithoutStoreLogsInsteadOfPanicking(t *testing.T) {
	persistence := store.NewPersistenceService(t.TempDir())
	resources := store.NewResourceService(t.TempDir())
	reg := callback.NewV2(callbackFunc(func(m *callback.Model) error { return nil }))

	workerBus, supBus, cleanup := busPair(t)
	defer cleanup()

	d := NewDispatcher(workerBus, persistence, resources, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	require.NoError(t, supBus.Publish(ipc.Configure()))
	time.Sleep(20 * time.Millisecond) // no callback wired; just must not panic
}
