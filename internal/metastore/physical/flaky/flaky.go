// Package flaky wraps the memory backend with switchable connectivity
// failures for exercising Degraded mode in tests.
package flaky

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/drop/internal/metastore/physical"
	"github.com/gezibash/drop/internal/metastore/physical/memory"
)

// ErrDown is the cause wrapped into every injected failure.
var ErrDown = errors.New("connection refused")

// Backend fails every call with physical.ErrUnavailable while Down is set.
// HideAliases makes AliasExists report false, forcing collisions at insert.
type Backend struct {
	*memory.Backend
	Down        atomic.Bool
	HideAliases atomic.Bool
	Pings       atomic.Int32
}

// New returns a reachable, empty backend.
func New() *Backend {
	return &Backend{Backend: memory.New()}
}

func (b *Backend) fail(op string) error {
	if b.Down.Load() {
		return physical.Unavailable(op, ErrDown)
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	b.Pings.Add(1)
	if err := b.fail("ping"); err != nil {
		return err
	}
	return b.Backend.Ping(ctx)
}

func (b *Backend) CreateBlob(ctx context.Context, rec *physical.BlobRecord, alias string) error {
	if err := b.fail("create blob"); err != nil {
		return err
	}
	return b.Backend.CreateBlob(ctx, rec, alias)
}

func (b *Backend) GetBlob(ctx context.Context, id uuid.UUID) (*physical.BlobRecord, error) {
	if err := b.fail("get blob"); err != nil {
		return nil, err
	}
	return b.Backend.GetBlob(ctx, id)
}

func (b *Backend) ResolveAlias(ctx context.Context, code string) (uuid.UUID, error) {
	if err := b.fail("resolve alias"); err != nil {
		return uuid.Nil, err
	}
	return b.Backend.ResolveAlias(ctx, code)
}

func (b *Backend) TouchBlob(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := b.fail("touch blob"); err != nil {
		return err
	}
	return b.Backend.TouchBlob(ctx, id, at)
}

func (b *Backend) CreateAlias(ctx context.Context, code string, id uuid.UUID, at time.Time) error {
	if err := b.fail("create alias"); err != nil {
		return err
	}
	return b.Backend.CreateAlias(ctx, code, id, at)
}

func (b *Backend) AliasExists(ctx context.Context, code string) (bool, error) {
	if err := b.fail("alias exists"); err != nil {
		return false, err
	}
	if b.HideAliases.Load() {
		return false, nil
	}
	return b.Backend.AliasExists(ctx, code)
}

func (b *Backend) DeleteBlob(ctx context.Context, id uuid.UUID) (*physical.BlobRecord, error) {
	if err := b.fail("delete blob"); err != nil {
		return nil, err
	}
	return b.Backend.DeleteBlob(ctx, id)
}

func (b *Backend) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]*physical.BlobRecord, error) {
	if err := b.fail("delete expired"); err != nil {
		return nil, err
	}
	return b.Backend.DeleteExpired(ctx, now, limit)
}

func (b *Backend) PurgeMemoryResident(ctx context.Context) (int, error) {
	if err := b.fail("purge memory"); err != nil {
		return 0, err
	}
	return b.Backend.PurgeMemoryResident(ctx)
}

func (b *Backend) Stats(ctx context.Context) (*physical.Stats, error) {
	if err := b.fail("stats"); err != nil {
		return nil, err
	}
	return b.Backend.Stats(ctx)
}

func (b *Backend) UpdateRateWindow(ctx context.Context, clientIP string, fn physical.RateFunc) (*physical.RateWindow, error) {
	if err := b.fail("update rate window"); err != nil {
		return nil, err
	}
	return b.Backend.UpdateRateWindow(ctx, clientIP, fn)
}

func (b *Backend) DeleteStaleRateWindows(ctx context.Context, before time.Time) (int, error) {
	if err := b.fail("delete stale rate windows"); err != nil {
		return 0, err
	}
	return b.Backend.DeleteStaleRateWindows(ctx, before)
}
