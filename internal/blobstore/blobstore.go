package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/drop/internal/mempool"
	"github.com/gezibash/drop/internal/observability"
	"github.com/gezibash/drop/internal/placement"
	"github.com/gezibash/drop/internal/storage"
)

// Config controls placement decisions.
type Config struct {
	// TempDir holds on-disk blobs.
	TempDir string
	// StreamThreshold is the size at or above which blobs always go to disk.
	StreamThreshold int64
	// MaxFileSize bounds streams whose length is not declared.
	MaxFileSize int64
	// BufferSize is the copy buffer for disk writes.
	BufferSize int
}

// Stats summarizes the memory-resident blobs.
type Stats struct {
	MemoryBlobs int
	MemoryBytes int64
}

// Store chooses a placement for each blob and serves reads from it.
type Store struct {
	cfg     Config
	pool    *mempool.Pool
	arena   *memoryArena
	disk    *DiskWriter
	metrics *observability.Metrics
	closed  atomic.Bool
}

// New creates a Store writing disk blobs under cfg.TempDir.
func New(cfg Config, pool *mempool.Pool, metrics *observability.Metrics) (*Store, error) {
	if cfg.TempDir == "" {
		return nil, storage.NewConfigError("blobstore", "temp_dir", "cannot be empty")
	}
	if cfg.StreamThreshold < 0 {
		return nil, storage.NewConfigErrorWithValue("blobstore", "stream_threshold", fmt.Sprint(cfg.StreamThreshold), "must be non-negative")
	}
	if cfg.MaxFileSize <= 0 {
		return nil, storage.NewConfigErrorWithValue("blobstore", "max_file_size", fmt.Sprint(cfg.MaxFileSize), "must be positive")
	}
	if pool == nil {
		pool = mempool.New(0)
	}

	disk, err := NewDiskWriter(storage.ExpandPath(cfg.TempDir), cfg.BufferSize)
	if err != nil {
		return nil, storage.NewConfigErrorWithCause("blobstore", "temp_dir", "failed to prepare directory", err)
	}

	slog.Info("blobstore initialized",
		"temp_dir", disk.Dir(),
		"stream_threshold", storage.FormatBytes(cfg.StreamThreshold),
		"pool_capacity", storage.FormatBytes(pool.Capacity()))

	return &Store{
		cfg:     cfg,
		pool:    pool,
		arena:   newMemoryArena(pool),
		disk:    disk,
		metrics: metrics,
	}, nil
}

// Pool returns the memory pool backing in-memory placements.
func (s *Store) Pool() *mempool.Pool { return s.pool }

// Disk returns the disk writer.
func (s *Store) Disk() *DiskWriter { return s.disk }

// Store reads r into a new placement for id and returns it with the byte count.
// declared is the announced length, or -1 when unknown. Pool exhaustion only
// moves the blob to disk; it never fails the call.
func (s *Store) Store(ctx context.Context, id uuid.UUID, r io.Reader, declared int64) (p placement.Placement, n int64, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "blobstore.store")
	defer func() { op.End(err) }()

	if s.closed.Load() {
		return nil, 0, ErrClosed
	}

	switch {
	case declared >= 0 && declared < s.cfg.StreamThreshold:
		if res, ok := s.pool.TryReserve(declared); ok {
			p, n, err = s.storeMemory(ctx, id, r, declared, res)
		} else {
			slog.DebugContext(ctx, "memory pool full, streaming to disk",
				"blob_id", id, "size_bytes", declared, "pool_available", s.pool.Available())
			p, n, err = s.storeDisk(ctx, id, r, declared)
		}
	case declared >= 0:
		p, n, err = s.storeDisk(ctx, id, r, declared)
	default:
		p, n, err = s.storeUnknown(ctx, id, r)
	}
	if err != nil {
		return nil, n, err
	}

	if s.metrics != nil {
		s.metrics.Placements.WithLabelValues(string(p.Kind())).Inc()
		s.metrics.BytesProcessed.WithLabelValues("in").Add(float64(n))
	}
	slog.DebugContext(ctx, "blob placed", "blob_id", id, "placement", p.Kind(), "size_bytes", n)
	return p, n, nil
}

func (s *Store) storeMemory(ctx context.Context, id uuid.UUID, r io.Reader, size int64, res *mempool.Reservation) (placement.Placement, int64, error) {
	defer res.Release()

	buf := make([]byte, size)
	src := &contextReader{ctx: ctx, r: r}
	n, err := io.ReadFull(src, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, int64(n), fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, n, size)
		}
		return nil, int64(n), fmt.Errorf("read blob: %w", err)
	}

	extra, err := io.CopyN(io.Discard, src, 1)
	if extra > 0 {
		return nil, int64(n) + extra, fmt.Errorf("%w: declared %d bytes", ErrOverrun, size)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, int64(n), fmt.Errorf("read blob: %w", err)
	}

	handle := id.String()
	s.arena.put(handle, buf, res)
	return placement.InMemory{Handle: handle}, size, nil
}

func (s *Store) storeDisk(ctx context.Context, id uuid.UUID, r io.Reader, declared int64) (placement.Placement, int64, error) {
	path, n, err := s.disk.Write(ctx, id, r, declared, s.cfg.MaxFileSize)
	if err != nil {
		return nil, n, err
	}
	return placement.OnDisk{Path: path}, n, nil
}

// storeUnknown streams to disk first, then moves small blobs into memory
// when the pool has room.
func (s *Store) storeUnknown(ctx context.Context, id uuid.UUID, r io.Reader) (placement.Placement, int64, error) {
	path, n, err := s.disk.Write(ctx, id, r, -1, s.cfg.MaxFileSize)
	if err != nil {
		return nil, n, err
	}
	onDisk := placement.OnDisk{Path: path}
	if n >= s.cfg.StreamThreshold {
		return onDisk, n, nil
	}

	res, ok := s.pool.TryReserve(n)
	if !ok {
		return onDisk, n, nil
	}
	defer res.Release()

	data, err := os.ReadFile(path)
	if err != nil || int64(len(data)) != n {
		slog.WarnContext(ctx, "promote blob to memory failed, keeping disk placement", "blob_id", id, "error", err)
		return onDisk, n, nil
	}

	handle := id.String()
	s.arena.put(handle, data, res)
	if err := s.disk.Remove(path); err != nil {
		slog.WarnContext(ctx, "remove promoted blob file", "path", path, "error", err)
	}
	return placement.InMemory{Handle: handle}, n, nil
}

// Open returns a reader over the blob at p and its size.
func (s *Store) Open(ctx context.Context, p placement.Placement) (rc io.ReadCloser, size int64, err error) {
	if s.closed.Load() {
		return nil, 0, ErrClosed
	}

	switch p := p.(type) {
	case placement.InMemory:
		rc, size, err = s.arena.open(p.Handle)
	case placement.OnDisk:
		rc, size, err = s.disk.Open(p.Path)
	default:
		return nil, 0, fmt.Errorf("open blob: unknown placement %T", p)
	}
	if err != nil {
		return nil, 0, err
	}
	if s.metrics != nil {
		s.metrics.BytesProcessed.WithLabelValues("out").Add(float64(size))
	}
	return rc, size, nil
}

// Remove releases the storage behind p. Removing an absent blob succeeds.
func (s *Store) Remove(ctx context.Context, p placement.Placement) error {
	switch p := p.(type) {
	case placement.InMemory:
		s.arena.remove(p.Handle)
		return nil
	case placement.OnDisk:
		return s.disk.Remove(p.Path)
	case nil:
		return nil
	default:
		return fmt.Errorf("remove blob: unknown placement %T", p)
	}
}

// Stats reports memory-resident blob counts.
func (s *Store) Stats() Stats {
	count, size := s.arena.stats()
	return Stats{MemoryBlobs: count, MemoryBytes: size}
}

// SweepOrphans removes blob files older than olderThan whose id is not
// referenced. A referenced lookup error skips that file.
func (s *Store) SweepOrphans(ctx context.Context, olderThan time.Time, referenced func(context.Context, uuid.UUID) (bool, error)) (int, error) {
	files, err := s.disk.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !f.ModTime.Before(olderThan) {
			continue
		}
		ok, err := referenced(ctx, f.ID)
		if err != nil {
			slog.WarnContext(ctx, "orphan check failed", "blob_id", f.ID, "error", err)
			continue
		}
		if ok {
			continue
		}
		if err := s.disk.Remove(f.Path); err != nil {
			slog.WarnContext(ctx, "remove orphan blob file", "path", f.Path, "error", err)
			continue
		}
		removed++
		slog.InfoContext(ctx, "removed orphan blob file", "blob_id", f.ID, "size", storage.FormatBytes(f.Size))
	}
	return removed, nil
}

// Close drops in-memory blobs and refuses further operations. Disk files stay.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.arena.clear()
	return nil
}
