// Package ratelimit admits requests per client address using fixed windows
// persisted through the metadata store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/gezibash/drop/internal/metastore/physical"
	"github.com/gezibash/drop/internal/observability"
)

// WindowStore persists rate windows. metastore.Store implements it.
type WindowStore interface {
	UpdateRateWindow(ctx context.Context, clientIP string, fn physical.RateFunc) (*physical.RateWindow, error)
	DeleteStaleRateWindows(ctx context.Context, before time.Time) (int, error)
}

// Config tunes the limiter. A Limit of zero disables limiting.
type Config struct {
	Limit         int
	Window        time.Duration
	Retention     time.Duration
	SweepInterval time.Duration
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// Limiter is a fixed-window request limiter.
type Limiter struct {
	store   WindowStore
	cfg     Config
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates a Limiter backed by store.
func New(store WindowStore, cfg Config, metrics *observability.Metrics, opts ...Option) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	l := &Limiter{store: store, cfg: cfg, metrics: metrics, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enabled reports whether requests are limited at all.
func (l *Limiter) Enabled() bool {
	return l.cfg.Limit > 0
}

// Allow records a request from clientAddr and reports whether it is admitted.
// A window opens on the first request and resets once it is a full window
// old. Rejected requests do not count.
func (l *Limiter) Allow(ctx context.Context, clientAddr string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}

	ip := ClientIP(clientAddr)
	now := l.now().UTC()
	limit := int64(l.cfg.Limit)

	var d Decision
	w, err := l.store.UpdateRateWindow(ctx, ip, func(w *physical.RateWindow) bool {
		if w.Count == 0 || now.Sub(w.WindowStart) >= l.cfg.Window {
			w.Count = 0
			w.WindowStart = now
		}
		reset := w.WindowStart.Add(l.cfg.Window)
		if w.Count >= limit {
			d = Decision{Count: w.Count, RetryAfter: reset.Sub(now), ResetAt: reset}
			return false
		}
		w.Count++
		w.UpdatedAt = now
		d = Decision{Allowed: true, Count: w.Count, ResetAt: reset}
		return true
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", ip, err)
	}
	d.Limit = l.cfg.Limit
	d.Count = w.Count

	if !d.Allowed {
		if l.metrics != nil {
			l.metrics.RateLimitRejections.Inc()
		}
		slog.WarnContext(ctx, "rate limit exceeded", "client_ip", ip, "count", d.Count, "retry_after", d.RetryAfter)
	}
	return d, nil
}

// Sweep deletes windows not updated within the retention horizon.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.DeleteStaleRateWindows(ctx, l.now().Add(-l.cfg.Retention))
}

// Run sweeps stale windows every SweepInterval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := l.Sweep(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "rate window sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.InfoContext(ctx, "rate window sweep completed", "deleted", n)
			}
		}
	}
}

// ClientIP reduces a remote address to its IP: the port is stripped and
// IPv4-mapped IPv6 addresses are unmapped. Unparseable input is returned
// trimmed.
func ClientIP(addr string) string {
	addr = strings.TrimSpace(addr)
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap().WithZone("").String()
	}
	return host
}
