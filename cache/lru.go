package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AGIHouse/openscience/resource"
)

// LRU is a size-bounded least-recently-used cache of byte values.
type LRU struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	ttl       time.Duration
	now       func() time.Time
	items     map[string]*list.Element
	evictList *list.List
	rc        *resource.Controller

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key     string
	value   []byte
	expires time.Time
}

// NewLRU creates a cache holding at most capacity bytes of values. A zero
// ttl keeps entries until evicted. rc may be nil.
func NewLRU(capacity int64, ttl time.Duration, rc *resource.Controller) *LRU {
	return &LRU{
		capacity:  capacity,
		ttl:       ttl,
		now:       time.Now,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		rc:        rc,
	}
}

// Get returns a cached value. Returned slices are read-only.
func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry)
		if c.ttl > 0 && !c.now().Before(ent.expires) {
			c.removeElement(el)
			c.misses.Add(1)
			return nil, false
		}
		c.hits.Add(1)
		c.evictList.MoveToFront(el)
		return ent.value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches b under key. The cache keeps b; callers must not modify it.
func (c *LRU) Set(key string, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}

	itemSize := int64(len(b))
	if itemSize > c.capacity {
		return
	}

	// Evict locally first so released memory is available to the controller.
	for c.size+itemSize > c.capacity {
		el := c.evictList.Back()
		if el == nil {
			break
		}
		c.removeElement(el)
	}

	if c.rc != nil && !c.rc.TryAcquireMemory(itemSize) {
		return
	}

	ent := &entry{key: key, value: b}
	if c.ttl > 0 {
		ent.expires = c.now().Add(c.ttl)
	}
	c.items[key] = c.evictList.PushFront(ent)
	c.size += itemSize
}

// InvalidatePrefix drops every entry whose key starts with prefix.
func (c *LRU) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doomed []*list.Element
	for key, el := range c.items {
		if strings.HasPrefix(key, prefix) {
			doomed = append(doomed, el)
		}
	}
	for _, el := range doomed {
		c.removeElement(el)
	}
	return len(doomed)
}

// Stats returns hit and miss counters.
func (c *LRU) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Size returns the bytes currently held.
func (c *LRU) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Len returns the number of entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRU) removeElement(el *list.Element) {
	c.evictList.Remove(el)
	ent := el.Value.(*entry)
	delete(c.items, ent.key)
	n := int64(len(ent.value))
	c.size -= n
	if c.rc != nil {
		c.rc.ReleaseMemory(n)
	}
}
