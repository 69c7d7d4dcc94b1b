package callback

import (
	"errors"
	"testing"

	"github.com/rayhost/rayhost/ray"
	"github.com/stretchr/testify/require"
)

type v1Echo struct{}

func (v1Echo) Execute(m *Model) (any, error) { return m.Request, nil }

type v2Full struct {
	canceled bool
}

func (c *v2Full) Execute(m *Model) error {
	m.Response = "done"
	return nil
}
func (c *v2Full) Cancel() bool           { c.canceled = true; return true }
func (c *v2Full) SuspendPeriod() int     { return 30 }
func (c *v2Full) IsSuspendAllowed() bool { return true }

type v2Bare struct{}

func (v2Bare) Execute(m *Model) error { return errors.New("boom") }

func TestV1ExecutePopulatesResponse(t *testing.T) {
	reg := NewV1(v1Echo{})
	m := &Model{Ray: ray.New("q1"), Request: "hi"}
	require.NoError(t, reg.Execute(m))
	require.Equal(t, "hi", m.Response)
	require.False(t, reg.CancelSupported())
	require.False(t, reg.SuspendSupported())
}

func TestV2FullSupportsCancelAndSuspend(t *testing.T) {
	cb := &v2Full{}
	reg := NewV2(cb)
	m := &Model{Ray: ray.New("q1")}
	require.NoError(t, reg.Execute(m))
	require.Equal(t, "done", m.Response)

	require.True(t, reg.CancelSupported())
	require.True(t, reg.Cancel())
	require.True(t, cb.canceled)

	require.True(t, reg.SuspendSupported())
	require.Equal(t, 30, reg.SuspendPeriod())
	require.True(t, reg.IsSuspendAllowed())
}

func TestV2BareHasNoCancelOrSuspend(t *testing.T) {
	reg := NewV2(v2Bare{})
	m := &Model{Ray: ray.New("q1")}
	err := reg.Execute(m)
	require.Error(t, err)

	require.False(t, reg.CancelSupported())
	require.False(t, reg.Cancel())
	require.False(t, reg.SuspendSupported())
	require.Equal(t, 0, reg.SuspendPeriod())
	require.False(t, reg.IsSuspendAllowed())
}
