// Package memory provides an in-process metadata backend. It serves as the
// Degraded-mode fallback and as a primary for single-process deployments.
package memory

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/drop/internal/metastore/physical"
)

func init() {
	physical.Register("memory", NewFactory, nil)
}

// NewFactory creates a memory backend. The config map is ignored.
func NewFactory(_ context.Context, _ map[string]string) (physical.Backend, error) {
	return New(), nil
}

type aliasEntry struct {
	id        uuid.UUID
	createdAt time.Time
}

// Backend keeps all metadata in maps guarded by one lock.
type Backend struct {
	mu          sync.RWMutex
	blobs       map[uuid.UUID]*physical.BlobRecord
	aliases     map[string]aliasEntry
	blobAliases map[uuid.UUID][]string
	rates       map[string]physical.RateWindow
	closed      atomic.Bool
}

// New creates an empty memory backend.
func New() *Backend {
	return &Backend{
		blobs:       make(map[uuid.UUID]*physical.BlobRecord),
		aliases:     make(map[string]aliasEntry),
		blobAliases: make(map[uuid.UUID][]string),
		rates:       make(map[string]physical.RateWindow),
	}
}

func (b *Backend) Ping(_ context.Context) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}
	return nil
}

func (b *Backend) CreateBlob(_ context.Context, rec *physical.BlobRecord, alias string) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.blobs[rec.ID]; ok {
		return physical.ErrConflict
	}
	if alias != "" {
		if _, ok := b.aliases[alias]; ok {
			return physical.ErrAliasTaken
		}
		b.aliases[alias] = aliasEntry{id: rec.ID, createdAt: rec.CreatedAt}
		b.blobAliases[rec.ID] = append(b.blobAliases[rec.ID], alias)
	}
	b.blobs[rec.ID] = rec.Clone()
	return nil
}

func (b *Backend) GetBlob(_ context.Context, id uuid.UUID) (*physical.BlobRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.blobs[id]
	if !ok {
		return nil, physical.ErrNotFound
	}
	return rec.Clone(), nil
}

func (b *Backend) ResolveAlias(_ context.Context, code string) (uuid.UUID, error) {
	if b.closed.Load() {
		return uuid.Nil, physical.ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.aliases[code]
	if !ok {
		return uuid.Nil, physical.ErrNotFound
	}
	return e.id, nil
}

func (b *Backend) TouchBlob(_ context.Context, id uuid.UUID, at time.Time) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.blobs[id]
	if !ok {
		return physical.ErrNotFound
	}
	rec.AccessedAt = at
	rec.AccessCount++
	return nil
}

func (b *Backend) CreateAlias(_ context.Context, code string, id uuid.UUID, at time.Time) error {
	if b.closed.Load() {
		return physical.ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.blobs[id]; !ok {
		return physical.ErrConflict
	}
	if _, ok := b.aliases[code]; ok {
		return physical.ErrAliasTaken
	}
	b.aliases[code] = aliasEntry{id: id, createdAt: at}
	b.blobAliases[id] = append(b.blobAliases[id], code)
	return nil
}

func (b *Backend) AliasExists(_ context.Context, code string) (bool, error) {
	if b.closed.Load() {
		return false, physical.ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.aliases[code]
	return ok, nil
}

func (b *Backend) DeleteBlob(_ context.Context, id uuid.UUID) (*physical.BlobRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteLocked(id)
}

func (b *Backend) deleteLocked(id uuid.UUID) (*physical.BlobRecord, error) {
	rec, ok := b.blobs[id]
	if !ok {
		return nil, physical.ErrNotFound
	}
	for _, code := range b.blobAliases[id] {
		delete(b.aliases, code)
	}
	delete(b.blobAliases, id)
	delete(b.blobs, id)
	return rec, nil
}

func (b *Backend) DeleteExpired(_ context.Context, now time.Time, limit int) ([]*physical.BlobRecord, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []uuid.UUID
	for id, rec := range b.blobs {
		if rec.Expired(now) {
			expired = append(expired, id)
		}
	}
	slices.SortFunc(expired, func(x, y uuid.UUID) int {
		return b.blobs[x].ExpiresAt.Compare(b.blobs[y].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	out := make([]*physical.BlobRecord, 0, len(expired))
	for _, id := range expired {
		rec, _ := b.deleteLocked(id)
		out = append(out, rec)
	}
	return out, nil
}

func (b *Backend) PurgeMemoryResident(_ context.Context) (int, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, rec := range b.blobs {
		if rec.InMemory() {
			_, _ = b.deleteLocked(id)
			n++
		}
	}
	return n, nil
}

func (b *Backend) Stats(_ context.Context) (*physical.Stats, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	st := &physical.Stats{BackendType: "memory"}
	for _, rec := range b.blobs {
		st.TotalFiles++
		st.TotalSize += rec.Size
		if rec.InMemory() {
			st.MemoryFiles++
		}
	}
	return st, nil
}

func (b *Backend) UpdateRateWindow(_ context.Context, clientIP string, fn physical.RateFunc) (*physical.RateWindow, error) {
	if b.closed.Load() {
		return nil, physical.ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.rates[clientIP]
	if !ok {
		w = physical.RateWindow{ClientIP: clientIP}
	}
	if fn(&w) {
		b.rates[clientIP] = w
	}
	return &w, nil
}

func (b *Backend) DeleteStaleRateWindows(_ context.Context, before time.Time) (int, error) {
	if b.closed.Load() {
		return 0, physical.ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for ip, w := range b.rates {
		if w.UpdatedAt.Before(before) {
			delete(b.rates, ip)
			n++
		}
	}
	return n, nil
}

// Blobs returns a snapshot of every stored record.
func (b *Backend) Blobs() []*physical.BlobRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*physical.BlobRecord, 0, len(b.blobs))
	for _, rec := range b.blobs {
		out = append(out, rec.Clone())
	}
	return out
}

func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}
