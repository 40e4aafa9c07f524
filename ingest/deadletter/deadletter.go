// Package deadletter keeps index inserts that exhausted their retries so
// they can be inspected and replayed.
package deadletter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AGIHouse/openscience/model"
)

// Letter records one failed index insert. The vector stays in the corpus
// store; replay reloads it from there.
type Letter struct {
	Scheme    string          `json:"scheme"`
	PassageID model.PassageID `json:"passage_id"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error"`
	FailedAt  time.Time       `json:"failed_at"`
}

// Key is the storage key of l. Keys sort by scheme, then passage id.
func (l Letter) Key() string { return Key(l.Scheme, l.PassageID) }

// Key builds the storage key for (scheme, id).
func Key(scheme string, id model.PassageID) string {
	return fmt.Sprintf("%s/%020d", scheme, uint64(id))
}

// ParseKey splits a key produced by Key.
func ParseKey(key string) (string, model.PassageID, error) {
	i := strings.LastIndexByte(key, '/')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed dead letter key %q", key)
	}
	n, err := strconv.ParseUint(key[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed dead letter key %q: %w", key, err)
	}
	return key[:i], model.PassageID(n), nil
}

// Store persists dead letters. Putting a letter for an existing key replaces it.
type Store interface {
	Put(ctx context.Context, l Letter) error
	// List returns up to limit letters with key > after in key order.
	List(ctx context.Context, after string, limit int) ([]Letter, error)
	Delete(ctx context.Context, scheme string, id model.PassageID) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	letters map[string]Letter
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{letters: make(map[string]Letter)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, l Letter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters[l.Key()] = l
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, after string, limit int) ([]Letter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.letters))
	for k := range s.letters {
		if k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Letter, len(keys))
	for i, k := range keys {
		out[i] = s.letters[k]
	}
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, scheme string, id model.PassageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.letters, Key(scheme, id))
	return nil
}

// Len implements Store.
func (s *MemoryStore) Len(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
