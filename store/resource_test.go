package store

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResourceWriteReadRoundTrip(t *testing.T) {
	r := NewResourceService(t.TempDir())
	r.Lock("q1")
	reid, err := r.Write([]byte("hello world"), "text", "utf-8")
	require.NoError(t, err)
	r.Unlock()

	got, ok, err := r.Read(reid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello world"), got.Data)
	require.Equal(t, "utf-8", got.Encoding)
	require.Contains(t, got.ContentType, "text/plain")
}

func TestResourceReadRejectsPathTraversal(t *testing.T) {
	r := NewResourceService(t.TempDir())
	_, _, err := r.Read("../../etc/passwd")
	require.Error(t, err)
}

func TestResourceReadMissReturnsNotOK(t *testing.T) {
	r := NewResourceService(t.TempDir())
	got, ok, err := r.Read("bin_raw_deadbeef")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, Resource{}, got)
}

func TestResourceLockSerializesExecutions(t *testing.T) {
	r := NewResourceService(t.TempDir())
	r.Lock("q1")

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Lock("q2")
		mu.Lock()
		order = append(order, "q2")
		mu.Unlock()
		r.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Empty(t, order)
	mu.Unlock()

	r.Unlock()
	wg.Wait()
	require.Equal(t, []string{"q2"}, order)
}

func TestResourceWritePathsAreRedirectedPerExecution(t *testing.T) {
	r := NewResourceService(t.TempDir())

	r.Lock("q1")
	reid1, err := r.Write([]byte("a"), "bin", "raw")
	require.NoError(t, err)
	r.Unlock()

	r.Lock("q2")
	reid2, err := r.Write([]byte("a"), "bin", "raw")
	require.NoError(t, err)
	r.Unlock()

	require.True(t, strings.HasPrefix(reid1, "bin_raw_"))
	require.Equal(t, reid1, reid2) // same content hashes identically regardless of directory
}
