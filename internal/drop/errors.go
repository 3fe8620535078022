// Package drop orchestrates uploads and downloads across the blob store, the
// metadata store and the rate limiter.
package drop

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited indicates the client exhausted its request window.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrSizeExceeded indicates the upload is larger than the configured limit.
	ErrSizeExceeded = errors.New("upload exceeds size limit")

	// ErrStorage indicates the blob bytes could not be stored or read.
	ErrStorage = errors.New("blob storage failure")

	// ErrMetadata indicates the metadata store could not serve the request.
	ErrMetadata = errors.New("metadata failure")

	// ErrNotFound indicates no live blob matches the id or short code.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidInput indicates a malformed upload request.
	ErrInvalidInput = errors.New("invalid input")
)

// RateLimitError carries the wait before the client may retry.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
