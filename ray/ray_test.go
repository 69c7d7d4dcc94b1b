package ray

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompleteMarksFinished(t *testing.T) {
	r := New("q1")
	require.False(t, r.Finished())
	r.Complete("")
	require.True(t, r.Finished())
	snap := r.Snapshot()
	require.Equal(t, float64(100), snap.Bars["default"].Percent)
}

func TestSetStatusFiresOnUpdate(t *testing.T) {
	r := New("q1")
	var got Status = StatusUnknown
	calls := 0
	r.OnUpdate(func(ray *Ray) {
		calls++
		got = ray.Status()
	})
	r.SetStatus(StatusRunning)
	require.Equal(t, 1, calls)
	require.Equal(t, StatusRunning, got)
}

func TestOnUpdateNilSilencesNotifications(t *testing.T) {
	r := New("q1")
	calls := 0
	r.OnUpdate(func(*Ray) { calls++ })
	r.OnUpdate(nil)
	r.Message(MessageInfo, "hi")
	require.Equal(t, 0, calls)
}

func TestUpdatePreservesIdentity(t *testing.T) {
	r := New("q1")
	r.SetIdentity("sid1", "uid1", "rid1")
	r.Update(&Snapshot{Qid: "q2", Status: StatusCompleted, Finished: true})
	require.Equal(t, "q1", r.Qid())
	require.Equal(t, "sid1", r.Sid())
	require.Equal(t, StatusCompleted, r.Status())
	require.True(t, r.Finished())
}

func TestStatusTerminal(t *testing.T) {
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusCanceled.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusRemoved.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.False(t, StatusQueued.Terminal())
}

func TestProgressComputesPercent(t *testing.T) {
	r := New("q1")
	bar := r.Progress("", 50, 100)
	require.Equal(t, float64(50), bar.Percent)
}
