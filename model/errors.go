package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when a request is malformed.
	ErrValidation = errors.New("validation error")
	// ErrConflict is returned when a write contradicts existing state.
	ErrConflict = errors.New("conflict")
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when an immutable record is written twice.
	ErrAlreadyExists = errors.New("already exists")
	// ErrUnknownScheme is returned when an embedding scheme is not registered.
	ErrUnknownScheme = errors.New("unknown embedding scheme")
	// ErrDimensionMismatch is returned when a vector length differs from the scheme dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrIndexCorrupted is returned when a scheme's graph fails validation.
	ErrIndexCorrupted = errors.New("index corrupted")
	// ErrClosed is returned when a component is used after Close.
	ErrClosed = errors.New("closed")
)

// ValidationError describes a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for &ValidationError{Field: field, Reason: reason}.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DimensionMismatchError reports a vector whose length differs from its scheme.
type DimensionMismatchError struct {
	Scheme   string
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for scheme %q: expected %d, got %d", e.Scheme, e.Expected, e.Actual)
}

// Unwrap returns ErrDimensionMismatch.
func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// UnknownSchemeError names the scheme that was not registered.
type UnknownSchemeError struct {
	Scheme string
}

func (e *UnknownSchemeError) Error() string {
	return fmt.Sprintf("unknown embedding scheme %q", e.Scheme)
}

// Unwrap returns ErrUnknownScheme.
func (e *UnknownSchemeError) Unwrap() error { return ErrUnknownScheme }

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// AlreadyExistsf wraps ErrAlreadyExists with a formatted message.
func AlreadyExistsf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrAlreadyExists)
}

// IsRetryable reports whether an index operation failing with err may succeed later.
// Caller errors (validation, unknown scheme, dimension) never become valid on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrUnknownScheme),
		errors.Is(err, ErrDimensionMismatch),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrClosed):
		return false
	}
	return true
}
