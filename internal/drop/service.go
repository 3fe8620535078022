package drop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/gezibash/drop/internal/blobstore"
	"github.com/gezibash/drop/internal/metastore"
	"github.com/gezibash/drop/internal/metastore/physical"
	"github.com/gezibash/drop/internal/observability"
	"github.com/gezibash/drop/internal/placement"
	"github.com/gezibash/drop/internal/ratelimit"
	"github.com/gezibash/drop/internal/shortcode"
	"github.com/gezibash/drop/internal/storage"
)

const defaultContentType = "application/octet-stream"

// Config holds the orchestrator limits and sweep schedule.
type Config struct {
	// MaxFileSize bounds a single upload.
	MaxFileSize int64
	// DefaultTTL sets the expiry of new uploads; zero keeps them forever.
	DefaultTTL time.Duration
	// SweepInterval schedules the expiry and orphan sweeps.
	SweepInterval time.Duration
	// OrphanGrace is the minimum age of a blob file before it may be
	// treated as an orphan.
	OrphanGrace time.Duration
}

// UploadRequest describes one incoming blob.
type UploadRequest struct {
	Body io.Reader
	// Size is the declared length, or -1 when unknown.
	Size        int64
	Filename    string
	ContentType string
	ClientAddr  string
}

// UploadResult identifies a stored blob.
type UploadResult struct {
	ID        uuid.UUID
	ShortCode string
	Filename  string
	Size      int64
	Placement placement.Kind
	ExpiresAt time.Time
}

// Download is an open blob. The caller must close Body.
type Download struct {
	ID          uuid.UUID
	Body        io.ReadCloser
	Filename    string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// PoolUsage reports memory pool occupancy.
type PoolUsage struct {
	UsedBytes     int64 `json:"used_bytes"`
	CapacityBytes int64 `json:"capacity_bytes"`
}

// StorageStats summarizes stored blobs as seen by the serving metadata backend.
type StorageStats struct {
	TotalFiles  int64  `json:"total_files"`
	TotalSize   int64  `json:"total_size"`
	MemoryFiles int64  `json:"memory_files"`
	DiskFiles   int64  `json:"disk_files"`
	Backend     string `json:"backend"`
}

// Health is the service state rendered by the health endpoint.
type Health struct {
	Status        string        `json:"status"`
	Backend       string        `json:"backend"`
	Mode          string        `json:"mode"`
	Pool          PoolUsage     `json:"memory_pool"`
	Storage       *StorageStats `json:"storage_stats,omitempty"`
	ActiveUploads int64         `json:"active_uploads"`
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCodeGenerator replaces the short code generator.
func WithCodeGenerator(g *shortcode.Generator) Option {
	return func(s *Service) { s.codes = g }
}

// Service is the upload/download orchestrator.
type Service struct {
	cfg     Config
	blobs   *blobstore.Store
	meta    *metastore.Store
	limiter *ratelimit.Limiter
	codes   *shortcode.Generator
	metrics *observability.Metrics
	now     func() time.Time
	active  atomic.Int64
}

// New wires the orchestrator and registers it as the metadata discard hook.
func New(cfg Config, blobs *blobstore.Store, meta *metastore.Store, limiter *ratelimit.Limiter, metrics *observability.Metrics, opts ...Option) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = time.Hour
	}
	s := &Service{
		cfg:     cfg,
		blobs:   blobs,
		meta:    meta,
		limiter: limiter,
		codes:   shortcode.New(),
		metrics: metrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	meta.OnDiscard(s.releaseDiscarded)

	if metrics != nil {
		pool := blobs.Pool()
		metrics.GaugeFunc("drop_pool_used_bytes", "Bytes reserved in the memory pool.",
			func() float64 { return float64(pool.Used()) })
		metrics.GaugeFunc("drop_pool_capacity_bytes", "Capacity of the memory pool in bytes.",
			func() float64 { return float64(pool.Capacity()) })
	}
	return s
}

// Upload admits, stores and registers one blob.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (res *UploadResult, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "drop.upload")
	defer func() { op.End(err) }()

	if req.Body == nil {
		return nil, fmt.Errorf("%w: missing body", ErrInvalidInput)
	}
	if req.Size < -1 {
		return nil, fmt.Errorf("%w: negative size %d", ErrInvalidInput, req.Size)
	}

	s.trackUpload(1)
	defer s.trackUpload(-1)

	if s.limiter != nil {
		d, err := s.limiter.Allow(ctx, req.ClientAddr)
		switch {
		case err != nil:
			slog.WarnContext(ctx, "rate limit check failed, admitting request", "client", req.ClientAddr, "error", err)
		case !d.Allowed:
			op.Fail("rate_limited")
			return nil, &RateLimitError{RetryAfter: d.RetryAfter}
		}
	}

	if s.cfg.MaxFileSize > 0 && req.Size > s.cfg.MaxFileSize {
		op.Fail("size_exceeded")
		return nil, fmt.Errorf("%w: %s declared, limit %s",
			ErrSizeExceeded, storage.FormatBytes(req.Size), storage.FormatBytes(s.cfg.MaxFileSize))
	}

	id := uuid.New()
	filename := SanitizeFilename(req.Filename)
	contentType := req.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	p, n, err := s.blobs.Store(ctx, id, req.Body, req.Size)
	if err != nil {
		if errors.Is(err, blobstore.ErrTooLarge) {
			op.Fail("size_exceeded")
			return nil, fmt.Errorf("%w: %w", ErrSizeExceeded, err)
		}
		op.Fail("storage")
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	now := s.now().UTC()
	rec := &physical.BlobRecord{
		ID:          id,
		Filename:    filename,
		ContentType: contentType,
		Size:        n,
		Placement:   p,
		CreatedAt:   now,
		AccessedAt:  now,
	}
	if s.cfg.DefaultTTL > 0 {
		rec.ExpiresAt = now.Add(s.cfg.DefaultTTL)
	}

	code, err := s.meta.CreateBlobWithAlias(ctx, rec, s.codes)
	if err != nil {
		if rmErr := s.blobs.Remove(ctx, p); rmErr != nil {
			slog.ErrorContext(ctx, "remove blob after metadata failure", "blob_id", id, "error", rmErr)
		}
		op.Fail("metadata")
		slog.ErrorContext(ctx, "register blob metadata", "blob_id", id, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrMetadata, err)
	}

	op.SetAttributes(
		attribute.String("blob.id", id.String()),
		attribute.String("blob.placement", string(p.Kind())),
		attribute.Int64("blob.size", n),
	)
	slog.InfoContext(ctx, "blob uploaded",
		"blob_id", id,
		"short_code", code,
		"filename", filename,
		"size", storage.FormatBytes(n),
		"placement", p.Kind(),
		"mode", s.meta.Mode())

	return &UploadResult{
		ID:        id,
		ShortCode: code,
		Filename:  filename,
		Size:      n,
		Placement: p.Kind(),
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

func (s *Service) trackUpload(delta int64) {
	s.active.Add(delta)
	if s.metrics != nil {
		s.metrics.ActiveUploads.Add(float64(delta))
	}
}

// Download resolves idOrCode and opens the blob for reading.
func (s *Service) Download(ctx context.Context, idOrCode string) (dl *Download, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "drop.download")
	defer func() { op.End(err) }()

	rec, err := s.lookup(ctx, idOrCode)
	if err != nil {
		return nil, err
	}

	if rec.Expired(s.now()) {
		s.discard(ctx, rec, "expired")
		return nil, fmt.Errorf("%w: %s expired", ErrNotFound, idOrCode)
	}

	body, size, err := s.blobs.Open(ctx, rec.Placement)
	if errors.Is(err, blobstore.ErrNotFound) {
		slog.WarnContext(ctx, "blob bytes missing, removing record",
			"blob_id", rec.ID, "placement", rec.Placement.Kind())
		s.discard(ctx, rec, "missing")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrCode)
	}
	if err != nil {
		op.Fail("storage")
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	op.SetAttributes(
		attribute.String("blob.id", rec.ID.String()),
		attribute.String("blob.placement", string(rec.Placement.Kind())),
	)
	if err := s.meta.TouchBlob(ctx, rec.ID); err != nil {
		slog.WarnContext(ctx, "record blob access", "blob_id", rec.ID, "error", err)
	}

	return &Download{
		ID:          rec.ID,
		Body:        body,
		Filename:    rec.Filename,
		ContentType: rec.ContentType,
		Size:        size,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// Delete removes a blob's record and then its bytes.
func (s *Service) Delete(ctx context.Context, idOrCode string) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "drop.delete")
	defer func() { op.End(err) }()

	rec, err := s.lookup(ctx, idOrCode)
	if err != nil {
		return err
	}
	removed, err := s.meta.DeleteBlob(ctx, rec.ID)
	if errors.Is(err, physical.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, idOrCode)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMetadata, err)
	}
	if err := s.blobs.Remove(ctx, removed.Placement); err != nil {
		slog.WarnContext(ctx, "remove deleted blob bytes, leaving for orphan sweep", "blob_id", rec.ID, "error", err)
	}
	slog.InfoContext(ctx, "blob deleted", "blob_id", rec.ID)
	return nil
}

func (s *Service) lookup(ctx context.Context, idOrCode string) (*physical.BlobRecord, error) {
	rec, err := s.meta.GetBlob(ctx, idOrCode)
	if errors.Is(err, physical.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrCode)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadata, err)
	}
	return rec, nil
}

// discard deletes rec's metadata and then its bytes, best effort.
func (s *Service) discard(ctx context.Context, rec *physical.BlobRecord, reason string) {
	if _, err := s.meta.DeleteBlob(ctx, rec.ID); err != nil && !errors.Is(err, physical.ErrNotFound) {
		slog.WarnContext(ctx, "delete blob record", "blob_id", rec.ID, "reason", reason, "error", err)
		return
	}
	if err := s.blobs.Remove(ctx, rec.Placement); err != nil {
		slog.WarnContext(ctx, "remove blob bytes", "blob_id", rec.ID, "reason", reason, "error", err)
	}
	if s.metrics != nil {
		s.metrics.SweptBlobs.WithLabelValues(reason).Inc()
	}
}

// releaseDiscarded frees the storage of records dropped with the fallback.
func (s *Service) releaseDiscarded(ctx context.Context, recs []*physical.BlobRecord) {
	for _, rec := range recs {
		if err := s.blobs.Remove(ctx, rec.Placement); err != nil {
			slog.WarnContext(ctx, "release discarded blob", "blob_id", rec.ID, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.SweptBlobs.WithLabelValues("discarded").Inc()
		}
	}
}

// CurrentMode returns the metadata store mode.
func (s *Service) CurrentMode() metastore.Mode {
	return s.meta.Mode()
}

// PoolUsage returns the memory pool occupancy.
func (s *Service) PoolUsage() PoolUsage {
	pool := s.blobs.Pool()
	return PoolUsage{UsedBytes: pool.Used(), CapacityBytes: pool.Capacity()}
}

// ActiveUploads returns the number of uploads in flight.
func (s *Service) ActiveUploads() int64 {
	return s.active.Load()
}

// StorageStats summarizes stored blobs.
func (s *Service) StorageStats(ctx context.Context) (*StorageStats, error) {
	st, err := s.meta.ListStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadata, err)
	}
	return &StorageStats{
		TotalFiles:  st.TotalFiles,
		TotalSize:   st.TotalSize,
		MemoryFiles: st.MemoryFiles,
		DiskFiles:   st.TotalFiles - st.MemoryFiles,
		Backend:     st.BackendType,
	}, nil
}

// Health reports the overall service state.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:        "healthy",
		Backend:       s.meta.BackendName(),
		Mode:          s.meta.Mode().String(),
		Pool:          s.PoolUsage(),
		ActiveUploads: s.ActiveUploads(),
	}
	if s.meta.Mode() != metastore.Connected {
		h.Status = "degraded"
	}
	if st, err := s.StorageStats(ctx); err == nil {
		h.Storage = st
	} else {
		slog.WarnContext(ctx, "health storage stats", "error", err)
	}
	return h
}

// Run purges stale memory-resident records, then runs the metadata probe,
// the rate window sweep and the blob sweeps until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if n, err := s.meta.PurgeMemoryResident(ctx); err != nil {
		slog.WarnContext(ctx, "purge memory-resident records", "error", err)
	} else if n > 0 {
		slog.InfoContext(ctx, "purged memory-resident records from previous run", "records", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.meta.Run(ctx) })
	if s.limiter != nil && s.limiter.Enabled() {
		g.Go(func() error { return s.limiter.Run(ctx) })
	}
	g.Go(func() error { return s.runSweeps(ctx) })
	return g.Wait()
}

func (s *Service) runSweeps(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("blob sweeps stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "expiry sweep failed", "error", err)
			}
			if _, err := s.SweepOrphans(ctx); err != nil && ctx.Err() == nil {
				slog.ErrorContext(ctx, "orphan sweep failed", "error", err)
			}
		}
	}
}

// SweepExpired deletes expired records and then their bytes.
func (s *Service) SweepExpired(ctx context.Context) (n int, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "drop.sweep_expired")
	defer func() { op.End(err) }()

	recs, err := s.meta.DeleteExpired(ctx, s.now())
	for _, rec := range recs {
		if rmErr := s.blobs.Remove(ctx, rec.Placement); rmErr != nil {
			slog.WarnContext(ctx, "remove expired blob", "blob_id", rec.ID, "error", rmErr)
			continue
		}
		n++
	}
	if s.metrics != nil && n > 0 {
		s.metrics.SweptBlobs.WithLabelValues("expired").Add(float64(n))
	}
	if n > 0 {
		slog.InfoContext(ctx, "expired blobs removed", "count", n)
	}
	return n, err
}

// SweepOrphans removes blob files without a record. It does nothing while
// the metadata store is degraded.
func (s *Service) SweepOrphans(ctx context.Context) (n int, err error) {
	if s.meta.Mode() != metastore.Connected {
		slog.DebugContext(ctx, "skipping orphan sweep while degraded")
		return 0, nil
	}

	op, ctx := observability.StartOperation(ctx, s.metrics, "drop.sweep_orphans")
	defer func() { op.End(err) }()

	n, err = s.blobs.SweepOrphans(ctx, s.now().Add(-s.cfg.OrphanGrace), s.meta.HasBlob)
	if s.metrics != nil && n > 0 {
		s.metrics.SweptBlobs.WithLabelValues("orphan").Add(float64(n))
	}
	return n, err
}
