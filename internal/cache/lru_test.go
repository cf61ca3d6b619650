package cache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestLRU_GetPut(t *testing.T) {
	c := New[int](2, 0, nil)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	c.Put("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string](2, 0, nil)
	c.Put("a", "A")
	c.Put("b", "B")
	c.Get("a") // b is now least recently used
	c.Put("c", "C")

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestLRU_TTL(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[int](10, time.Minute, clock)
	c.Put("a", 1)

	clock.Advance(30 * time.Second)
	_, ok := c.Get("a")
	assert.True(t, ok)

	clock.Advance(31 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry should expire after the ttl")
	assert.Equal(t, 0, c.Len())
}

func TestLRU_RemoveAndStats(t *testing.T) {
	c := New[int](3, 0, nil)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Remove("a")
	c.Remove("missing")

	c.Get("a")
	c.Get("b")

	assert.Equal(t, Stats{Entries: 1, Hits: 1, Misses: 1}, c.Stats())
}

func TestLRU_SingleEntry(t *testing.T) {
	c := New[int](0, 0, nil)
	c.Put("a", 1)
	c.Put("b", 2)
	_, ok := c.Get("a")
	assert.False(t, ok)
	v, ok := c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}
