package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any backend call.
	ErrValidation = errors.New("validation failed")
	// ErrTransient marks a network/auth failure that a retry or resync can fix.
	ErrTransient = errors.New("transient backend failure")
	// ErrNotFound marks a reference to a bookmark that no longer exists.
	ErrNotFound = errors.New("bookmark not found")
)

// ValidationError reports which field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransientError wraps a backend failure. Error returns the backend's own
// message so it can be shown to the user as-is.
type TransientError struct {
	Op  string
	Err error
}

// Transient wraps err as a TransientError for op. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }
