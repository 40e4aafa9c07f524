package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// BlobPointerStore keeps pointers as JSON blobs in a BlobStore.
// Compare-and-swap is enforced by a process-local mutex.
type BlobPointerStore struct {
	mu    sync.Mutex
	blobs BlobStore
}

// NewBlobPointerStore wraps a BlobStore.
func NewBlobPointerStore(blobs BlobStore) *BlobPointerStore {
	return &BlobPointerStore{blobs: blobs}
}

// Latest reads the pointer blob.
func (s *BlobPointerStore) Latest(ctx context.Context, key string) (Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestLocked(ctx, key)
}

func (s *BlobPointerStore) latestLocked(ctx context.Context, key string) (Pointer, error) {
	data, err := s.blobs.Get(ctx, key)
	if err != nil {
		return Pointer{}, err
	}
	var p Pointer
	if err := json.Unmarshal(data, &p); err != nil {
		return Pointer{}, fmt.Errorf("decode pointer %s: %w", key, err)
	}
	return p, nil
}

// Commit writes version prev+1.
func (s *BlobPointerStore) Commit(ctx context.Context, key string, prev uint64, target string) (Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.latestLocked(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		cur = Pointer{}
	case err != nil:
		return Pointer{}, err
	}
	if cur.Version != prev {
		return Pointer{}, ErrConcurrentModification
	}

	next := Pointer{Version: prev + 1, Target: target}
	data, err := json.Marshal(next)
	if err != nil {
		return Pointer{}, err
	}
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return Pointer{}, err
	}
	return next, nil
}
