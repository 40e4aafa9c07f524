package corpus

import (
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultStripes = 256

// keyedMutex serializes work on string keys over a fixed set of stripes.
// Two keys may share a stripe; that only costs parallelism.
type keyedMutex struct {
	stripes []sync.Mutex
}

func newKeyedMutex(n int) *keyedMutex {
	if n <= 0 {
		n = defaultStripes
	}
	return &keyedMutex{stripes: make([]sync.Mutex, n)}
}

func (k *keyedMutex) stripe(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(k.stripes)))
}

// Lock acquires the stripes of every key in ascending stripe order and
// returns the matching unlock.
func (k *keyedMutex) Lock(keys ...string) func() {
	idx := make([]int, 0, len(keys))
	for _, key := range keys {
		idx = append(idx, k.stripe(key))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		k.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			k.stripes[idx[j]].Unlock()
		}
	}
}

func paperKey(id string) string { return "paper:" + id }

func setKey(id string, s string) string { return "set:" + id + "\x00" + s }

func extKey(k string) string { return "ext:" + k }

func fingerprintKey(fp string) string { return "fp:" + fp }
