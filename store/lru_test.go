package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(3)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	_, _, _ = c.Get("a") // touch a, making b the least recently used
	c.Set("d", 4)        // evicts b

	_, _, ok := c.Get("b")
	require.False(t, ok)

	v, _, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	require.Equal(t, 3, c.Len())
}

func TestLRUSetExistingKeyUpdatesValueWithoutGrowing(t *testing.T) {
	c := NewLRU(3)
	c.Set("a", 1)
	c.Set("a", 2)
	require.Equal(t, 1, c.Len())

	v, _, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestLRUDefaultCapacity(t *testing.T) {
	c := NewLRU(0)
	for i := 0; i < 5; i++ {
		c.Set(string(rune('a'+i)), i)
	}
	require.Equal(t, DefaultLRUCapacity, c.Len())
}

func TestLRUDelete(t *testing.T) {
	c := NewLRU(3)
	c.Set("a", 1)
	c.Delete("a")
	_, _, ok := c.Get("a")
	require.False(t, ok)
}
