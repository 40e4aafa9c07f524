package blobstore

import (
	"context"
	"errors"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// ErrConcurrentModification is returned when a pointer commit loses a race.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// BlobStore reads and writes whole immutable blobs.
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Get returns the blob content.
	Get(ctx context.Context, name string) ([]byte, error)
	// Put writes a blob atomically, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names with the given prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Pointer is one committed version of a named pointer.
type Pointer struct {
	Version uint64 `json:"version"`
	Target  string `json:"target"`
}

// PointerStore keeps versioned pointers with compare-and-swap commits.
type PointerStore interface {
	// Latest returns the newest committed pointer, or ErrNotFound.
	Latest(ctx context.Context, key string) (Pointer, error)
	// Commit writes version prev+1 pointing at target. It fails with
	// ErrConcurrentModification when the latest version is not prev.
	Commit(ctx context.Context, key string, prev uint64, target string) (Pointer, error)
}
