package ipc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// reservePort grabs an ephemeral port and releases it immediately, good
// enough for a test that dials back and forth on loopback.
func reservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestBusDeliversActionsBothWays(t *testing.T) {
	portA := reservePort(t)
	portB := reservePort(t)

	a, err := NewBus(portA, portB)
	require.NoError(t, err)
	b, err := NewBus(portB, portA)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	a.Start(gctx, g)
	b.Start(gctx, g)
	defer a.Close()
	defer b.Close()

	received := make(chan Action, 1)
	b.Register(func(act Action) { received <- act })

	require.Eventually(t, func() bool {
		return a.Publish(Check("q1")) == nil
	}, time.Second, 10*time.Millisecond)

	for i := 0; i < 20; i++ {
		_ = a.Publish(Check("q1"))
		select {
		case act := <-received:
			require.Equal(t, ActionCheck, act.Kind)
			require.Equal(t, "q1", act.Data)
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("action never delivered")
}

func TestCodecEncodeDecodeRoundTrip(t *testing.T) {
	var c Codec
	a := Update(UpdatePayload{Qid: "q1", Output: []byte("done")})
	b, err := c.Encode(a)
	require.NoError(t, err)
	got, err := c.Decode(b)
	require.NoError(t, err)
	require.Equal(t, ActionUpdate, got.Kind)
	payload, ok := got.Data.(UpdatePayload)
	require.True(t, ok)
	require.Equal(t, "q1", payload.Qid)
	require.Equal(t, []byte("done"), payload.Output)
}
