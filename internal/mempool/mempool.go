// Package mempool accounts for the bytes held by in-memory blob placements.
package mempool

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gezibash/drop/internal/storage"
)

// FallbackCapacity is used when system memory cannot be read or is below the reserve.
const FallbackCapacity int64 = 100 << 20

// Pool is a process-wide byte budget. The zero value has no capacity.
type Pool struct {
	capacity int64
	used     atomic.Int64
}

// New creates a pool with a fixed capacity in bytes.
func New(capacity int64) *Pool {
	if capacity < 0 {
		capacity = 0
	}
	return &Pool{capacity: capacity}
}

// Capacity returns the configured budget.
func (p *Pool) Capacity() int64 { return p.capacity }

// Used returns the bytes currently reserved.
func (p *Pool) Used() int64 { return p.used.Load() }

// Available returns the bytes that can still be reserved.
func (p *Pool) Available() int64 {
	return max(p.capacity-p.used.Load(), 0)
}

// TryReserve admits size bytes if they fit. It never blocks and has no side
// effects on failure. Zero-byte reservations always succeed.
func (p *Pool) TryReserve(size int64) (*Reservation, bool) {
	if size < 0 {
		return nil, false
	}
	if size == 0 {
		return &Reservation{}, true
	}
	for {
		used := p.used.Load()
		next := used + size
		if next > p.capacity || next < used {
			return nil, false
		}
		if p.used.CompareAndSwap(used, next) {
			return &Reservation{pool: p, size: size}, true
		}
	}
}

// Release returns size bytes to the pool, saturating at zero.
func (p *Pool) Release(size int64) {
	if size <= 0 {
		return
	}
	for {
		used := p.used.Load()
		next := used - size
		if next < 0 {
			slog.Warn("mempool release exceeds usage", "used_bytes", used, "release_bytes", size)
			next = 0
		}
		if p.used.CompareAndSwap(used, next) {
			return
		}
	}
}

// Reservation is a scoped hold on pool bytes. Release is idempotent, so
// callers can defer it and call Keep once the bytes belong to a placement.
type Reservation struct {
	pool *Pool
	size int64
	done atomic.Bool
}

// Size returns the reserved byte count.
func (r *Reservation) Size() int64 {
	if r == nil {
		return 0
	}
	return r.size
}

// Release gives the bytes back unless already released or kept.
func (r *Reservation) Release() {
	if r == nil || r.pool == nil || !r.done.CompareAndSwap(false, true) {
		return
	}
	r.pool.Release(r.size)
}

// Keep transfers ownership of the bytes to the caller; later Release calls
// become no-ops and the bytes must be returned with Pool.Release.
func (r *Reservation) Keep() {
	if r != nil {
		r.done.Store(true)
	}
}

// CapacityFromSystem derives a budget from available memory:
// (available - reserved) * ratio, or FallbackCapacity when that is not positive.
func CapacityFromSystem(ctx context.Context, ratio float64, reserved int64) int64 {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		slog.WarnContext(ctx, "read system memory failed, using fallback pool capacity",
			"error", err, "capacity", storage.FormatBytes(FallbackCapacity))
		return FallbackCapacity
	}
	return capacityFrom(int64(vm.Available), ratio, reserved)
}

func capacityFrom(available int64, ratio float64, reserved int64) int64 {
	if available <= reserved || ratio <= 0 {
		return FallbackCapacity
	}
	capacity := int64(float64(available-reserved) * ratio)
	if capacity <= 0 {
		return FallbackCapacity
	}
	return capacity
}
