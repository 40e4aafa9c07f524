package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AGIHouse/openscience/resource"
)

func TestLRU(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 100})
	c := NewLRU(50, 0, rc)

	c.Set("k1", make([]byte, 20))
	assert.Equal(t, int64(20), c.Size())
	assert.Equal(t, int64(20), rc.MemoryUsage())

	c.Set("k2", make([]byte, 20))
	assert.Equal(t, int64(40), c.Size())

	// 60 > 50 evicts k1.
	c.Set("k3", make([]byte, 20))
	assert.Equal(t, int64(40), c.Size())
	assert.Equal(t, int64(40), rc.MemoryUsage())

	_, ok := c.Get("k1")
	assert.False(t, ok)
	_, ok = c.Get("k2")
	assert.True(t, ok)
	_, ok = c.Get("k3")
	assert.True(t, ok)

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)

	// Oversized values are never cached.
	c.Set("big", make([]byte, 51))
	_, ok = c.Get("big")
	assert.False(t, ok)
}

func TestLRU_Replace(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 100})
	c := NewLRU(50, 0, rc)
	c.Set("k", make([]byte, 10))
	c.Set("k", make([]byte, 30))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(30), c.Size())
	assert.Equal(t, int64(30), rc.MemoryUsage())
}

func TestLRU_GlobalLimit(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 30})
	c := NewLRU(100, 0, rc)

	c.Set("k1", make([]byte, 20))
	c.Set("k2", make([]byte, 20))
	assert.Equal(t, int64(20), c.Size())

	_, ok := c.Get("k2")
	assert.False(t, ok, "k2 should not be cached due to global limit")
}

func TestLRU_TTL(t *testing.T) {
	c := NewLRU(100, time.Minute, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("k", []byte("v"))
	_, ok := c.Get("k")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestSharded_InvalidatePrefix(t *testing.T) {
	c := NewSharded(1<<20, 0, nil)
	c.Set("a/1", []byte("x"))
	c.Set("a/2", []byte("y"))
	c.Set("b/1", []byte("z"))

	assert.Equal(t, 2, c.InvalidatePrefix("a/"))
	_, ok := c.Get("a/1")
	assert.False(t, ok)
	v, ok := c.Get("b/1")
	assert.True(t, ok)
	assert.Equal(t, []byte("z"), v)
}
