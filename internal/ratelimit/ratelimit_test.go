package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/drop/internal/metastore/physical"
	"github.com/gezibash/drop/internal/metastore/physical/memory"
	"github.com/gezibash/drop/internal/observability"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }
func newClock() *clock                   { return &clock{t: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)} }

func newTestLimiter(t *testing.T, limit int, c *clock) (*Limiter, *memory.Backend, *observability.Metrics) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	metrics := observability.NewMetrics()
	l := New(store, Config{Limit: limit, Window: time.Minute, Retention: time.Hour}, metrics, WithClock(c.Now))
	return l, store, metrics
}

func TestSixtyFirstRequestRejected(t *testing.T) {
	c := newClock()
	l, _, metrics := newTestLimiter(t, 60, c)
	ctx := context.Background()

	for i := 1; i <= 60; i++ {
		d, err := l.Allow(ctx, "203.0.113.9:51234")
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if !d.Allowed || d.Count != int64(i) {
			t.Fatalf("request %d = %+v, want admitted with count %d", i, d, i)
		}
		c.Advance(500 * time.Millisecond)
	}

	d, err := l.Allow(ctx, "203.0.113.9:51234")
	if err != nil {
		t.Fatalf("Allow #61: %v", err)
	}
	if d.Allowed {
		t.Fatal("61st request admitted")
	}
	if want := 30 * time.Second; d.RetryAfter != want {
		t.Fatalf("RetryAfter = %v, want %v", d.RetryAfter, want)
	}
	if v := testutil.ToFloat64(metrics.RateLimitRejections); v != 1 {
		t.Fatalf("rejections metric = %v, want 1", v)
	}

	c.Advance(30 * time.Second)
	d, err = l.Allow(ctx, "203.0.113.9:40000")
	if err != nil {
		t.Fatalf("Allow after window: %v", err)
	}
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("after window = %+v, want admitted with count 1", d)
	}
}

func TestWindowResetsExactlyAtWindowLength(t *testing.T) {
	c := newClock()
	l, _, _ := newTestLimiter(t, 1, c)
	ctx := context.Background()

	if d, err := l.Allow(ctx, "198.51.100.7:1000"); err != nil || !d.Allowed {
		t.Fatalf("first request = %+v, %v", d, err)
	}

	c.Advance(time.Minute - time.Nanosecond)
	d, err := l.Allow(ctx, "198.51.100.7:1000")
	if err != nil || d.Allowed {
		t.Fatalf("request just inside the window = %+v, %v; want rejected", d, err)
	}
	if d.RetryAfter != time.Nanosecond {
		t.Fatalf("RetryAfter = %v, want 1ns", d.RetryAfter)
	}

	c.Advance(time.Nanosecond)
	d, err = l.Allow(ctx, "198.51.100.7:1000")
	if err != nil || !d.Allowed || d.Count != 1 {
		t.Fatalf("request at the window boundary = %+v, %v; want a fresh window", d, err)
	}
}

func TestRejectedRequestsDoNotExtendWindow(t *testing.T) {
	c := newClock()
	l, store, _ := newTestLimiter(t, 2, c)
	ctx := context.Background()

	for range 5 {
		_, _ = l.Allow(ctx, "198.51.100.1")
	}
	w, err := store.UpdateRateWindow(ctx, "198.51.100.1", func(*physical.RateWindow) bool { return false })
	if err != nil {
		t.Fatal(err)
	}
	if w.Count != 2 {
		t.Fatalf("stored count = %d, want 2", w.Count)
	}
}

func TestClientsAreIndependent(t *testing.T) {
	c := newClock()
	l, _, _ := newTestLimiter(t, 1, c)
	ctx := context.Background()

	if d, _ := l.Allow(ctx, "10.0.0.1:1"); !d.Allowed {
		t.Fatal("first client rejected")
	}
	if d, _ := l.Allow(ctx, "10.0.0.2:1"); !d.Allowed {
		t.Fatal("second client rejected by first client's window")
	}
	if d, _ := l.Allow(ctx, "10.0.0.1:2"); d.Allowed {
		t.Fatal("first client admitted past its limit from another port")
	}
}

func TestZeroLimitDisables(t *testing.T) {
	c := newClock()
	l, _, _ := newTestLimiter(t, 0, c)
	for range 100 {
		d, err := l.Allow(context.Background(), "10.0.0.1")
		if err != nil || !d.Allowed {
			t.Fatalf("disabled limiter = %+v, %v", d, err)
		}
	}
	if l.Enabled() {
		t.Fatal("Enabled with zero limit")
	}
}

func TestSweepRemovesStaleWindows(t *testing.T) {
	c := newClock()
	l, _, _ := newTestLimiter(t, 5, c)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "10.0.0.1")
	c.Advance(2 * time.Hour)
	_, _ = l.Allow(ctx, "10.0.0.2")

	n, err := l.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
}

type failingStore struct{ WindowStore }

func (failingStore) UpdateRateWindow(context.Context, string, physical.RateFunc) (*physical.RateWindow, error) {
	return nil, physical.ErrClosed
}

func TestStoreErrorPropagates(t *testing.T) {
	l := New(failingStore{}, Config{Limit: 1}, nil)
	if _, err := l.Allow(context.Background(), "10.0.0.1"); !errors.Is(err, physical.ErrClosed) {
		t.Fatalf("Allow = %v, want ErrClosed", err)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct{ in, want string }{
		{"192.0.2.1:8080", "192.0.2.1"},
		{"192.0.2.1", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"2001:db8::1", "2001:db8::1"},
		{"[::ffff:192.0.2.7]:9000", "192.0.2.7"},
		{" 198.51.100.4 ", "198.51.100.4"},
		{"not-an-ip", "not-an-ip"},
	}
	for _, tt := range tests {
		if got := ClientIP(tt.in); got != tt.want {
			t.Errorf("ClientIP(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
