package physical

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates a uniqueness or referential constraint failure.
	ErrConflict = errors.New("constraint violation")

	// ErrAliasTaken indicates the short code is already registered.
	ErrAliasTaken = fmt.Errorf("%w: short code taken", ErrConflict)

	// ErrUnavailable marks connectivity-class failures: the backend could not
	// be reached or could not serve the request at all.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("backend closed")
)

// Unavailable wraps err as a connectivity failure of op.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// IsUnavailable reports whether err is a connectivity-class failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
