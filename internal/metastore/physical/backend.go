// Package physical defines the storage backend contract for drop metadata:
// blob records, short-code aliases and rate-limit windows.
package physical

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/drop/internal/placement"
)

// BlobRecord is the persisted description of one uploaded blob.
type BlobRecord struct {
	ID          uuid.UUID
	Filename    string
	ContentType string
	Size        int64
	Placement   placement.Placement
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int64
	// ExpiresAt is zero when the blob never expires.
	ExpiresAt time.Time
}

// Clone returns a copy safe to hand to another goroutine.
func (r *BlobRecord) Clone() *BlobRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// InMemory reports whether the record points at an in-memory placement.
func (r *BlobRecord) InMemory() bool {
	return placement.IsMemory(r.Placement)
}

// Expired reports whether the record has an expiry at or before now.
func (r *BlobRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// RateWindow is the fixed-window counter for one client address.
// A window that has never been written has zero Count and WindowStart.
type RateWindow struct {
	ClientIP    string
	Count       int64
	WindowStart time.Time
	UpdatedAt   time.Time
}

// RateFunc inspects and mutates a window inside the backend's atomic section.
// It returns false to leave the stored window untouched.
type RateFunc func(w *RateWindow) (write bool)

// Stats summarizes stored blob records.
type Stats struct {
	TotalFiles  int64
	TotalSize   int64
	MemoryFiles int64
	BackendType string
}

// Backend is the physical storage interface for metadata.
// All implementations must be safe for concurrent use.
type Backend interface {
	// Ping checks connectivity with a trivial round trip.
	Ping(ctx context.Context) error

	// CreateBlob inserts rec and, when alias is non-empty, its short code in one
	// atomic unit. Returns ErrConflict for a duplicate id and ErrAliasTaken when
	// the alias already exists; neither leaves partial state.
	CreateBlob(ctx context.Context, rec *BlobRecord, alias string) error

	// GetBlob returns the record for id or ErrNotFound.
	GetBlob(ctx context.Context, id uuid.UUID) (*BlobRecord, error)

	// ResolveAlias returns the blob id a short code refers to or ErrNotFound.
	ResolveAlias(ctx context.Context, code string) (uuid.UUID, error)

	// TouchBlob sets accessed_at and increments access_count.
	TouchBlob(ctx context.Context, id uuid.UUID, at time.Time) error

	// CreateAlias registers an additional short code for an existing blob.
	CreateAlias(ctx context.Context, code string, id uuid.UUID, at time.Time) error

	// AliasExists reports whether a short code is registered.
	AliasExists(ctx context.Context, code string) (bool, error)

	// DeleteBlob removes a record and its aliases, returning the removed record.
	DeleteBlob(ctx context.Context, id uuid.UUID) (*BlobRecord, error)

	// DeleteExpired removes up to limit records whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time, limit int) ([]*BlobRecord, error)

	// PurgeMemoryResident removes every record with an in-memory placement.
	PurgeMemoryResident(ctx context.Context) (int, error)

	// Stats summarizes stored records.
	Stats(ctx context.Context) (*Stats, error)

	// UpdateRateWindow runs fn on the window for clientIP atomically and
	// persists the result when fn returns true. It returns the final window.
	UpdateRateWindow(ctx context.Context, clientIP string, fn RateFunc) (*RateWindow, error)

	// DeleteStaleRateWindows removes windows last updated before the cutoff.
	DeleteStaleRateWindows(ctx context.Context, before time.Time) (int, error)

	// Close releases resources.
	Close() error
}
