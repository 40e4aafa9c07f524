package cache

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/AGIHouse/openscience/resource"
)

const numShards = 16

// Sharded spreads keys over independent LRUs to cut lock contention.
type Sharded struct {
	shards [numShards]*LRU
}

// NewSharded creates a sharded cache; capacity is split evenly across shards.
func NewSharded(capacity int64, ttl time.Duration, rc *resource.Controller) *Sharded {
	per := capacity / numShards
	if per < 1 {
		per = 1
	}
	s := &Sharded{}
	for i := range numShards {
		s.shards[i] = NewLRU(per, ttl, rc)
	}
	return s
}

func (s *Sharded) shard(key string) *LRU {
	return s.shards[xxhash.Sum64String(key)%numShards]
}

// Get returns a cached value.
func (s *Sharded) Get(key string) ([]byte, bool) { return s.shard(key).Get(key) }

// Set caches a value.
func (s *Sharded) Set(key string, b []byte) { s.shard(key).Set(key, b) }

// InvalidatePrefix drops matching entries from every shard.
func (s *Sharded) InvalidatePrefix(prefix string) int {
	n := 0
	for _, sh := range s.shards {
		n += sh.InvalidatePrefix(prefix)
	}
	return n
}

// Stats sums hit and miss counters across shards.
func (s *Sharded) Stats() (hits, misses int64) {
	for _, sh := range s.shards {
		h, m := sh.Stats()
		hits += h
		misses += m
	}
	return hits, misses
}
