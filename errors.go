package openscience

import (
	"errors"
	"fmt"

	"github.com/AGIHouse/openscience/blobstore"
	"github.com/AGIHouse/openscience/index"
	"github.com/AGIHouse/openscience/model"
)

var (
	// ErrValidation is returned when a request is malformed.
	ErrValidation = model.ErrValidation
	// ErrConflict is returned when a write contradicts stored state.
	ErrConflict = model.ErrConflict
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = model.ErrNotFound
	// ErrAlreadyExists is returned when an embedding is attached twice.
	ErrAlreadyExists = model.ErrAlreadyExists
	// ErrUnknownScheme is returned for an unregistered embedding scheme.
	ErrUnknownScheme = model.ErrUnknownScheme
	// ErrDimensionMismatch is returned when a vector does not fit its scheme.
	ErrDimensionMismatch = model.ErrDimensionMismatch
	// ErrIndexCorrupted is returned when a scheme's graph failed validation.
	ErrIndexCorrupted = model.ErrIndexCorrupted
	// ErrClosed is returned after Close.
	ErrClosed = model.ErrClosed
)

// ValidationError describes a rejected field.
type ValidationError = model.ValidationError

// DimensionMismatchError carries the expected and actual vector lengths.
type DimensionMismatchError = model.DimensionMismatchError

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrNotFound) {
		return err
	}
	// Missing snapshots surface from blob stores as fs errors.
	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, index.ErrNoSnapshotStore) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return err
}
