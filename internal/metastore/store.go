package metastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/drop/internal/metastore/physical"
	"github.com/gezibash/drop/internal/metastore/physical/memory"
	"github.com/gezibash/drop/internal/observability"
	"github.com/gezibash/drop/internal/shortcode"
)

// Mode is the backend currently serving metadata operations.
type Mode int32

const (
	// Connected serves from the primary backend.
	Connected Mode = iota
	// Degraded serves from the in-process fallback.
	Degraded
)

func (m Mode) String() string {
	switch m {
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	}
	return fmt.Sprintf("mode(%d)", int32(m))
}

// expiryBatch bounds the records removed per backend call during a sweep.
const expiryBatch = 500

// Config selects the primary backend and tunes the health probe.
type Config struct {
	Backend       string
	BackendConfig map[string]string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	ProbeRetries  int
}

func (c *Config) withDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.ProbeRetries <= 0 {
		c.ProbeRetries = 1
	}
}

// DiscardFunc receives the records dropped when the store leaves Degraded mode.
type DiscardFunc func(ctx context.Context, recs []*physical.BlobRecord)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the time source used for access and alias timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDiscardHook registers the callback run with Degraded-era records on
// recovery.
func WithDiscardHook(fn DiscardFunc) Option {
	return func(s *Store) { s.onDiscard = fn }
}

type primaryRef struct {
	physical.Backend
}

// Store routes every metadata operation to the primary backend or, while the
// primary is unreachable, to an in-process fallback.
type Store struct {
	cfg     Config
	metrics *observability.Metrics
	connect func(ctx context.Context) (physical.Backend, error)

	mode    atomic.Int32
	primary atomic.Pointer[primaryRef]

	// fbMu is held shared by operations running on the fallback and
	// exclusively while recovery swaps it out.
	fbMu     sync.RWMutex
	fallback *memory.Backend

	// permanent marks an in-process primary that can never fail.
	permanent bool
	onDiscard DiscardFunc

	now       func() time.Time
	closed    atomic.Bool

	// afterDegrade runs between a primary failure and the fallback retry.
	afterDegrade func()
}

// Open creates the configured primary backend and wraps it in a Store. A
// primary that is unreachable at startup leaves the store Degraded; the probe
// loop keeps trying to connect.
func Open(ctx context.Context, cfg Config, metrics *observability.Metrics, opts ...Option) (*Store, error) {
	cfg.withDefaults()
	s := newStore(cfg, metrics, opts...)
	s.connect = func(ctx context.Context) (physical.Backend, error) {
		return physical.New(ctx, cfg.Backend, cfg.BackendConfig, metrics)
	}

	b, err := s.connect(ctx)
	switch {
	case err == nil:
		s.primary.Store(&primaryRef{b})
	case physical.IsUnavailable(err) && !s.permanent:
		s.mode.Store(int32(Degraded))
		slog.WarnContext(ctx, "metadata backend unreachable at startup, serving from memory",
			"backend", cfg.Backend, "error", err)
	default:
		return nil, fmt.Errorf("open metadata backend %q: %w", cfg.Backend, err)
	}
	return s, nil
}

// New wraps an existing primary backend.
func New(primary physical.Backend, cfg Config, metrics *observability.Metrics, opts ...Option) *Store {
	cfg.withDefaults()
	s := newStore(cfg, metrics, opts...)
	s.primary.Store(&primaryRef{primary})
	return s
}

func newStore(cfg Config, metrics *observability.Metrics, opts ...Option) *Store {
	s := &Store{
		cfg:       cfg,
		metrics:   metrics,
		fallback:  memory.New(),
		permanent: cfg.Backend == "memory",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if metrics != nil {
		metrics.GaugeFunc("drop_metadata_connected", "Whether metadata is served by the primary backend (1) or the fallback (0).",
			func() float64 {
				if s.Mode() == Connected {
					return 1
				}
				return 0
			})
	}
	return s
}

// Mode returns the current mode.
func (s *Store) Mode() Mode {
	return Mode(s.mode.Load())
}

// BackendName returns the configured primary backend name.
func (s *Store) BackendName() string {
	return s.cfg.Backend
}

// OnDiscard registers the recovery callback. It must be set before Run.
func (s *Store) OnDiscard(fn DiscardFunc) {
	s.onDiscard = fn
}

// do runs fn against one backend chosen from a single mode snapshot. A
// connectivity failure on the primary degrades the store and fn is retried
// on the fallback. The fallback is never written while the store is
// Connected: if a probe recovered the store in between, fn goes back to the
// primary once, and a second miss returns the primary's error.
// Cancelled callers never change the mode.
func (s *Store) do(ctx context.Context, fn func(physical.Backend) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	var primaryErr error
	attempts := 0
	for {
		if s.Mode() == Connected {
			if attempts == 2 {
				return primaryErr
			}
			attempts++
			err := fn(s.primary.Load())
			if err == nil || !physical.IsUnavailable(err) || ctx.Err() != nil {
				return err
			}
			primaryErr = err
			s.degrade(ctx, err)
			if s.afterDegrade != nil {
				s.afterDegrade()
			}
			continue
		}

		s.fbMu.RLock()
		if s.Mode() == Connected {
			s.fbMu.RUnlock()
			continue
		}
		err := fn(s.fallback)
		s.fbMu.RUnlock()
		return err
	}
}

// call is do for operations that produce a value.
func call[T any](ctx context.Context, s *Store, fn func(physical.Backend) (T, error)) (T, error) {
	var out T
	err := s.do(ctx, func(b physical.Backend) error {
		var err error
		out, err = fn(b)
		return err
	})
	return out, err
}

func (s *Store) degrade(ctx context.Context, cause error) {
	if s.permanent || !s.mode.CompareAndSwap(int32(Connected), int32(Degraded)) {
		return
	}
	if s.metrics != nil {
		s.metrics.ModeTransitions.WithLabelValues(Degraded.String()).Inc()
	}
	slog.ErrorContext(ctx, "metadata backend unreachable, switching to in-memory fallback",
		"backend", s.cfg.Backend, "mode", Degraded, "error", cause)
}

// restore swaps in an empty fallback and returns to Connected. Records held
// by the old fallback are not migrated; they go to the discard hook.
func (s *Store) restore(ctx context.Context) {
	s.fbMu.Lock()
	if s.Mode() == Connected {
		s.fbMu.Unlock()
		return
	}
	old := s.fallback
	s.fallback = memory.New()
	s.mode.Store(int32(Connected))
	s.fbMu.Unlock()

	discarded := old.Blobs()
	_ = old.Close()

	if s.metrics != nil {
		s.metrics.ModeTransitions.WithLabelValues(Connected.String()).Inc()
		s.metrics.DiscardedRecords.Add(float64(len(discarded)))
	}
	slog.InfoContext(ctx, "metadata backend reachable again", "backend", s.cfg.Backend, "mode", Connected)
	if len(discarded) > 0 {
		slog.WarnContext(ctx, "discarding metadata written while degraded", "records", len(discarded))
		if s.onDiscard != nil {
			s.onDiscard(ctx, discarded)
		}
	}
}

// Probe checks the primary with up to ProbeRetries attempts. Failure degrades
// the store; success while Degraded recovers it.
func (s *Store) Probe(ctx context.Context) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.probe")
	defer func() { op.End(err) }()

	if s.permanent {
		return nil
	}

	for range s.cfg.ProbeRetries {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		err = s.ping(pctx)
		cancel()
		if err == nil || ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		s.degrade(ctx, err)
		return fmt.Errorf("probe %s: %w", s.cfg.Backend, err)
	}
	if s.Mode() == Degraded {
		s.restore(ctx)
	}
	return nil
}

func (s *Store) ping(ctx context.Context) error {
	ref := s.primary.Load()
	if ref == nil {
		if s.connect == nil {
			return physical.Unavailable("connect", errors.New("no primary backend"))
		}
		b, err := s.connect(ctx)
		if err != nil {
			return err
		}
		if !s.primary.CompareAndSwap(nil, &primaryRef{b}) {
			_ = b.Close()
		}
		ref = s.primary.Load()
	}
	return ref.Ping(ctx)
}

// Run probes the primary every ProbeInterval until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	if s.permanent {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("metadata probe loop stopped")
			return nil
		case <-ticker.C:
			if err := s.Probe(ctx); err != nil && ctx.Err() == nil {
				slog.DebugContext(ctx, "metadata probe failed", "error", err)
			}
		}
	}
}

// CreateBlob persists rec without an alias.
func (s *Store) CreateBlob(ctx context.Context, rec *physical.BlobRecord) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.create_blob")
	defer func() { op.End(err) }()

	return s.do(ctx, func(b physical.Backend) error {
		return b.CreateBlob(ctx, rec, "")
	})
}

// CreateBlobWithAlias persists rec together with a freshly generated short
// code. A code taken between generation and insert is regenerated, within the
// generator's attempt budget.
func (s *Store) CreateBlobWithAlias(ctx context.Context, rec *physical.BlobRecord, gen *shortcode.Generator) (code string, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.create_blob_with_alias")
	defer func() { op.End(err) }()

	for attempt := 1; attempt <= gen.MaxAttempts(); attempt++ {
		code, err = gen.Generate(ctx, shortcode.CheckerFunc(s.AliasExists))
		if err != nil {
			return "", err
		}
		err = s.do(ctx, func(b physical.Backend) error {
			return b.CreateBlob(ctx, rec, code)
		})
		if !errors.Is(err, physical.ErrAliasTaken) {
			if err != nil {
				return "", err
			}
			return code, nil
		}
		slog.DebugContext(ctx, "short code taken at insert, regenerating", "attempt", attempt)
	}
	return "", fmt.Errorf("register alias for %s: %w", rec.ID, shortcode.ErrExhausted)
}

// GetBlob looks a record up by its UUID or by one of its short codes.
func (s *Store) GetBlob(ctx context.Context, idOrCode string) (rec *physical.BlobRecord, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.get_blob")
	defer func() { op.End(err) }()

	id, parseErr := uuid.Parse(idOrCode)
	if parseErr != nil && !shortcode.Valid(idOrCode) {
		return nil, physical.ErrNotFound
	}

	return call(ctx, s, func(b physical.Backend) (*physical.BlobRecord, error) {
		if parseErr == nil {
			return b.GetBlob(ctx, id)
		}
		resolved, err := b.ResolveAlias(ctx, idOrCode)
		if err != nil {
			return nil, err
		}
		return b.GetBlob(ctx, resolved)
	})
}

// HasBlob reports whether the primary backend holds a record for id. It
// returns ErrDegraded instead of consulting the fallback.
func (s *Store) HasBlob(ctx context.Context, id uuid.UUID) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	if s.Mode() != Connected {
		return false, ErrDegraded
	}
	_, err := s.primary.Load().GetBlob(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, physical.ErrNotFound):
		return false, nil
	case physical.IsUnavailable(err) && ctx.Err() == nil:
		s.degrade(ctx, err)
	}
	return false, err
}

// TouchBlob records an access at the current time.
func (s *Store) TouchBlob(ctx context.Context, id uuid.UUID) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.touch_blob")
	defer func() { op.End(err) }()

	at := s.now().UTC()
	return s.do(ctx, func(b physical.Backend) error {
		return b.TouchBlob(ctx, id, at)
	})
}

// CreateAlias registers an additional short code for id.
func (s *Store) CreateAlias(ctx context.Context, code string, id uuid.UUID) (err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.create_alias")
	defer func() { op.End(err) }()

	if !shortcode.Valid(code) {
		return fmt.Errorf("alias %q: %w", code, physical.ErrConflict)
	}
	at := s.now().UTC()
	return s.do(ctx, func(b physical.Backend) error {
		return b.CreateAlias(ctx, code, id, at)
	})
}

// AliasExists reports whether code is registered.
func (s *Store) AliasExists(ctx context.Context, code string) (bool, error) {
	return call(ctx, s, func(b physical.Backend) (bool, error) {
		return b.AliasExists(ctx, code)
	})
}

// DeleteBlob removes the record for id and returns it.
func (s *Store) DeleteBlob(ctx context.Context, id uuid.UUID) (rec *physical.BlobRecord, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.delete_blob")
	defer func() { op.End(err) }()

	return call(ctx, s, func(b physical.Backend) (*physical.BlobRecord, error) {
		return b.DeleteBlob(ctx, id)
	})
}

// ListStats summarizes the records of the serving backend.
func (s *Store) ListStats(ctx context.Context) (stats *physical.Stats, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.stats")
	defer func() { op.End(err) }()

	return call(ctx, s, func(b physical.Backend) (*physical.Stats, error) {
		return b.Stats(ctx)
	})
}

// DeleteExpired removes every record expired at now and returns them.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (recs []*physical.BlobRecord, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.delete_expired")
	defer func() { op.End(err) }()

	for {
		batch, err := call(ctx, s, func(b physical.Backend) ([]*physical.BlobRecord, error) {
			return b.DeleteExpired(ctx, now, expiryBatch)
		})
		recs = append(recs, batch...)
		if err != nil {
			return recs, err
		}
		if len(batch) < expiryBatch {
			return recs, nil
		}
	}
}

// PurgeMemoryResident removes records whose bytes lived in a previous
// process's memory.
func (s *Store) PurgeMemoryResident(ctx context.Context) (n int, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.purge_memory")
	defer func() { op.End(err) }()

	return call(ctx, s, func(b physical.Backend) (int, error) {
		return b.PurgeMemoryResident(ctx)
	})
}

// UpdateRateWindow runs fn atomically on the window for clientIP.
func (s *Store) UpdateRateWindow(ctx context.Context, clientIP string, fn physical.RateFunc) (*physical.RateWindow, error) {
	return call(ctx, s, func(b physical.Backend) (*physical.RateWindow, error) {
		return b.UpdateRateWindow(ctx, clientIP, fn)
	})
}

// DeleteStaleRateWindows removes windows not updated since before.
func (s *Store) DeleteStaleRateWindows(ctx context.Context, before time.Time) (n int, err error) {
	op, ctx := observability.StartOperation(ctx, s.metrics, "metastore.delete_stale_rate_windows")
	defer func() { op.End(err) }()

	return call(ctx, s, func(b physical.Backend) (int, error) {
		return b.DeleteStaleRateWindows(ctx, before)
	})
}

// Close releases the primary and the fallback.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var errs []error
	if ref := s.primary.Load(); ref != nil {
		errs = append(errs, ref.Close())
	}
	s.fbMu.Lock()
	errs = append(errs, s.fallback.Close())
	s.fbMu.Unlock()
	return errors.Join(errs...)
}
