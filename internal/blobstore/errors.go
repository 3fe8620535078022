// Package blobstore places uploaded blobs in the memory pool or on disk and
// reads them back for download.
package blobstore

import "errors"

var (
	// ErrNotFound indicates the placement no longer holds any bytes.
	ErrNotFound = errors.New("blob not found")

	// ErrTruncated indicates the stream ended before the declared length.
	ErrTruncated = errors.New("blob stream shorter than declared size")

	// ErrOverrun indicates the stream carried more bytes than declared.
	ErrOverrun = errors.New("blob stream longer than declared size")

	// ErrTooLarge indicates a stream of unknown length exceeded the size limit.
	ErrTooLarge = errors.New("blob exceeds maximum size")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("blob store closed")
)
