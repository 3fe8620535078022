// Package metastore serves blob metadata from a persistent backend and falls
// back to an in-process backend while the persistent one is unreachable.
package metastore

import "errors"

var (
	// ErrDegraded indicates an operation that needs the primary backend was
	// attempted while the store serves from its fallback.
	ErrDegraded = errors.New("metadata store degraded")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("metadata store closed")
)
