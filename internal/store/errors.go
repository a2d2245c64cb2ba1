package store

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when an operation runs against a store whose
	// connection has been released.
	ErrClosed = errors.New("store not connected")

	// ErrNotFound is returned for operations referencing an unknown task or
	// session id.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports malformed input to a create/append operation. It is
// surfaced synchronously to the caller and nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
