// Package physicaltest is the conformance suite every metadata backend runs.
package physicaltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gezibash/drop/internal/metastore/physical"
	"github.com/gezibash/drop/internal/placement"
)

// Run executes the suite. newBackend must return a fresh, empty backend and
// register its cleanup with t.
func Run(t *testing.T, newBackend func(t *testing.T) physical.Backend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b physical.Backend)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"DuplicateID", testDuplicateID},
		{"AliasTakenLeavesNoRecord", testAliasTaken},
		{"Aliases", testAliases},
		{"Touch", testTouch},
		{"DeleteCascades", testDeleteCascades},
		{"DeleteExpired", testDeleteExpired},
		{"PurgeMemoryResident", testPurgeMemoryResident},
		{"Stats", testStats},
		{"RateWindow", testRateWindow},
		{"RateWindowConcurrent", testRateWindowConcurrent},
		{"StaleRateWindows", testStaleRateWindows},
		{"Closed", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

// Now returns a timestamp every backend stores without loss.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// DiskRecord builds an on-disk record for tests.
func DiskRecord(size int64) *physical.BlobRecord {
	id := uuid.New()
	now := Now()
	return &physical.BlobRecord{
		ID:          id,
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		Size:        size,
		Placement:   placement.OnDisk{Path: "/var/tmp/drop/blob-" + id.String()},
		CreatedAt:   now,
		AccessedAt:  now,
	}
}

// MemoryRecord builds an in-memory record for tests.
func MemoryRecord(size int64) *physical.BlobRecord {
	rec := DiskRecord(size)
	rec.Filename = "note.txt"
	rec.ContentType = "text/plain"
	rec.Placement = placement.InMemory{Handle: rec.ID.String()}
	return rec
}

func mustCreate(t *testing.T, b physical.Backend, rec *physical.BlobRecord, alias string) {
	t.Helper()
	if err := b.CreateBlob(context.Background(), rec, alias); err != nil {
		t.Fatalf("CreateBlob(%s, %q): %v", rec.ID, alias, err)
	}
}

func assertRecord(t *testing.T, got, want *physical.BlobRecord) {
	t.Helper()
	if got.ID != want.ID {
		t.Errorf("ID = %s, want %s", got.ID, want.ID)
	}
	if got.Filename != want.Filename || got.ContentType != want.ContentType {
		t.Errorf("name/type = %q/%q, want %q/%q", got.Filename, got.ContentType, want.Filename, want.ContentType)
	}
	if got.Size != want.Size {
		t.Errorf("Size = %d, want %d", got.Size, want.Size)
	}
	if got.Placement != want.Placement {
		t.Errorf("Placement = %v, want %v", got.Placement, want.Placement)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
}

func testCreateAndGet(t *testing.T, b physical.Backend) {
	ctx := context.Background()

	disk := DiskRecord(4096)
	disk.ExpiresAt = Now().Add(time.Hour)
	mem := MemoryRecord(10)
	mustCreate(t, b, disk, "disk0001")
	mustCreate(t, b, mem, "")

	got, err := b.GetBlob(ctx, disk.ID)
	if err != nil {
		t.Fatalf("GetBlob disk: %v", err)
	}
	assertRecord(t, got, disk)

	got, err = b.GetBlob(ctx, mem.ID)
	if err != nil {
		t.Fatalf("GetBlob memory: %v", err)
	}
	assertRecord(t, got, mem)
	if got.AccessCount != 0 {
		t.Errorf("AccessCount = %d, want 0", got.AccessCount)
	}

	if _, err := b.GetBlob(ctx, uuid.New()); !errors.Is(err, physical.ErrNotFound) {
		t.Errorf("GetBlob unknown = %v, want ErrNotFound", err)
	}
}

func testDuplicateID(t *testing.T, b physical.Backend) {
	rec := DiskRecord(1)
	mustCreate(t, b, rec, "dupe0001")

	err := b.CreateBlob(context.Background(), rec, "dupe0002")
	if !errors.Is(err, physical.ErrConflict) {
		t.Fatalf("CreateBlob duplicate = %v, want ErrConflict", err)
	}
	if physical.IsUnavailable(err) {
		t.Fatalf("constraint failure classified as unavailable: %v", err)
	}
	if ok, _ := b.AliasExists(context.Background(), "dupe0002"); ok {
		t.Fatal("failed create left its alias behind")
	}
}

func testAliasTaken(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	mustCreate(t, b, DiskRecord(1), "taken001")

	second := DiskRecord(2)
	err := b.CreateBlob(ctx, second, "taken001")
	if !errors.Is(err, physical.ErrAliasTaken) {
		t.Fatalf("CreateBlob with taken alias = %v, want ErrAliasTaken", err)
	}
	if _, err := b.GetBlob(ctx, second.ID); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("record persisted despite alias failure: %v", err)
	}
}

func testAliases(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	rec := DiskRecord(1)
	mustCreate(t, b, rec, "first001")

	id, err := b.ResolveAlias(ctx, "first001")
	if err != nil || id != rec.ID {
		t.Fatalf("ResolveAlias = %s, %v; want %s", id, err, rec.ID)
	}
	if _, err := b.ResolveAlias(ctx, "missing1"); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("ResolveAlias missing = %v, want ErrNotFound", err)
	}

	if err := b.CreateAlias(ctx, "second01", rec.ID, Now()); err != nil {
		t.Fatalf("CreateAlias: %v", err)
	}
	if ok, err := b.AliasExists(ctx, "second01"); err != nil || !ok {
		t.Fatalf("AliasExists = %v, %v", ok, err)
	}
	if err := b.CreateAlias(ctx, "second01", rec.ID, Now()); !errors.Is(err, physical.ErrAliasTaken) {
		t.Fatalf("CreateAlias duplicate = %v, want ErrAliasTaken", err)
	}
	if err := b.CreateAlias(ctx, "orphan01", uuid.New(), Now()); !errors.Is(err, physical.ErrConflict) {
		t.Fatalf("CreateAlias for unknown blob = %v, want ErrConflict", err)
	}
	if ok, _ := b.AliasExists(ctx, "orphan01"); ok {
		t.Fatal("alias for unknown blob was registered")
	}
}

func testTouch(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	rec := DiskRecord(1)
	mustCreate(t, b, rec, "")

	later := rec.AccessedAt.Add(time.Minute)
	for range 3 {
		if err := b.TouchBlob(ctx, rec.ID, later); err != nil {
			t.Fatalf("TouchBlob: %v", err)
		}
	}
	got, err := b.GetBlob(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if got.AccessCount != 3 || !got.AccessedAt.Equal(later) {
		t.Fatalf("after touch: count=%d accessed=%v, want 3 and %v", got.AccessCount, got.AccessedAt, later)
	}
	if err := b.TouchBlob(ctx, uuid.New(), later); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("TouchBlob unknown = %v, want ErrNotFound", err)
	}
}

func testDeleteCascades(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	rec := DiskRecord(100)
	mustCreate(t, b, rec, "gone0001")
	if err := b.CreateAlias(ctx, "gone0002", rec.ID, Now()); err != nil {
		t.Fatalf("CreateAlias: %v", err)
	}

	got, err := b.DeleteBlob(ctx, rec.ID)
	if err != nil {
		t.Fatalf("DeleteBlob: %v", err)
	}
	if got.Placement != rec.Placement {
		t.Fatalf("DeleteBlob returned placement %v, want %v", got.Placement, rec.Placement)
	}
	for _, code := range []string{"gone0001", "gone0002"} {
		if ok, _ := b.AliasExists(ctx, code); ok {
			t.Errorf("alias %s survived delete", code)
		}
	}
	if _, err := b.DeleteBlob(ctx, rec.ID); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("second DeleteBlob = %v, want ErrNotFound", err)
	}
}

func testDeleteExpired(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	now := Now()

	var expired []*physical.BlobRecord
	for i := range 3 {
		rec := DiskRecord(int64(i + 1))
		rec.ExpiresAt = now.Add(-time.Duration(i+1) * time.Minute)
		mustCreate(t, b, rec, fmt.Sprintf("exp%05d", i))
		expired = append(expired, rec)
	}
	future := DiskRecord(1)
	future.ExpiresAt = now.Add(time.Hour)
	mustCreate(t, b, future, "")
	forever := DiskRecord(1)
	mustCreate(t, b, forever, "")

	first, err := b.DeleteExpired(ctx, now, 2)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("DeleteExpired limit 2 removed %d", len(first))
	}
	rest, err := b.DeleteExpired(ctx, now, 10)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("second DeleteExpired removed %d, want 1", len(rest))
	}

	for _, rec := range expired {
		if _, err := b.GetBlob(ctx, rec.ID); !errors.Is(err, physical.ErrNotFound) {
			t.Errorf("expired %s still present: %v", rec.ID, err)
		}
	}
	for _, rec := range []*physical.BlobRecord{future, forever} {
		if _, err := b.GetBlob(ctx, rec.ID); err != nil {
			t.Errorf("live %s removed: %v", rec.ID, err)
		}
	}
	if ok, _ := b.AliasExists(ctx, "exp00000"); ok {
		t.Error("alias of expired blob survived")
	}
}

func testPurgeMemoryResident(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	mem1, mem2, disk := MemoryRecord(1), MemoryRecord(2), DiskRecord(3)
	mustCreate(t, b, mem1, "mem00001")
	mustCreate(t, b, mem2, "")
	mustCreate(t, b, disk, "dsk00001")

	n, err := b.PurgeMemoryResident(ctx)
	if err != nil {
		t.Fatalf("PurgeMemoryResident: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	if _, err := b.GetBlob(ctx, disk.ID); err != nil {
		t.Fatalf("disk record purged: %v", err)
	}
	if ok, _ := b.AliasExists(ctx, "mem00001"); ok {
		t.Fatal("alias of purged record survived")
	}
}

func testStats(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	mustCreate(t, b, MemoryRecord(10), "")
	mustCreate(t, b, DiskRecord(1000), "")
	gone := DiskRecord(5)
	mustCreate(t, b, gone, "")
	if _, err := b.DeleteBlob(ctx, gone.ID); err != nil {
		t.Fatalf("DeleteBlob: %v", err)
	}

	st, err := b.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalFiles != 2 || st.TotalSize != 1010 || st.MemoryFiles != 1 {
		t.Fatalf("Stats = %+v, want 2 files / 1010 bytes / 1 in memory", st)
	}
	if st.BackendType == "" {
		t.Fatal("Stats.BackendType empty")
	}
}

func increment(now time.Time) physical.RateFunc {
	return func(w *physical.RateWindow) bool {
		if w.Count == 0 {
			w.WindowStart = now
		}
		w.Count++
		w.UpdatedAt = now
		return true
	}
}

func testRateWindow(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	now := Now()

	var seen physical.RateWindow
	w, err := b.UpdateRateWindow(ctx, "10.0.0.1", func(w *physical.RateWindow) bool {
		seen = *w
		return false
	})
	if err != nil {
		t.Fatalf("UpdateRateWindow: %v", err)
	}
	if seen.Count != 0 || !seen.WindowStart.IsZero() || seen.ClientIP != "10.0.0.1" {
		t.Fatalf("fresh window = %+v, want empty for 10.0.0.1", seen)
	}
	if w.Count != 0 {
		t.Fatalf("returned window = %+v", w)
	}

	for range 2 {
		if _, err := b.UpdateRateWindow(ctx, "10.0.0.1", increment(now)); err != nil {
			t.Fatalf("UpdateRateWindow: %v", err)
		}
	}
	w, err = b.UpdateRateWindow(ctx, "10.0.0.1", func(w *physical.RateWindow) bool { return false })
	if err != nil {
		t.Fatalf("UpdateRateWindow read: %v", err)
	}
	if w.Count != 2 || !w.WindowStart.Equal(now) || !w.UpdatedAt.Equal(now) {
		t.Fatalf("window = %+v, want count 2 started %v", w, now)
	}

	other, err := b.UpdateRateWindow(ctx, "10.0.0.2", func(w *physical.RateWindow) bool { return false })
	if err != nil || other.Count != 0 {
		t.Fatalf("other client window = %+v, %v", other, err)
	}
}

func testRateWindowConcurrent(t *testing.T, b physical.Backend) {
	const workers = 20
	now := Now()

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.UpdateRateWindow(context.Background(), "192.0.2.7", increment(now)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent UpdateRateWindow: %v", err)
	}

	w, err := b.UpdateRateWindow(context.Background(), "192.0.2.7", func(*physical.RateWindow) bool { return false })
	if err != nil {
		t.Fatalf("UpdateRateWindow read: %v", err)
	}
	if w.Count != workers {
		t.Fatalf("count = %d, want %d (lost updates)", w.Count, workers)
	}
}

func testStaleRateWindows(t *testing.T, b physical.Backend) {
	ctx := context.Background()
	now := Now()

	if _, err := b.UpdateRateWindow(ctx, "old", increment(now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("UpdateRateWindow: %v", err)
	}
	if _, err := b.UpdateRateWindow(ctx, "new", increment(now)); err != nil {
		t.Fatalf("UpdateRateWindow: %v", err)
	}

	n, err := b.DeleteStaleRateWindows(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteStaleRateWindows: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d windows, want 1", n)
	}
	w, _ := b.UpdateRateWindow(ctx, "old", func(*physical.RateWindow) bool { return false })
	if w.Count != 0 {
		t.Fatalf("stale window survived: %+v", w)
	}
	w, _ = b.UpdateRateWindow(ctx, "new", func(*physical.RateWindow) bool { return false })
	if w.Count != 1 {
		t.Fatalf("fresh window removed: %+v", w)
	}
}

func testClosed(t *testing.T, b physical.Backend) {
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx := context.Background()
	if err := b.Ping(ctx); err == nil {
		t.Error("Ping after Close succeeded")
	}
	if _, err := b.GetBlob(ctx, uuid.New()); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("GetBlob after Close = %v, want ErrClosed", err)
	}
	if err := b.CreateBlob(ctx, DiskRecord(1), ""); !errors.Is(err, physical.ErrClosed) {
		t.Errorf("CreateBlob after Close = %v, want ErrClosed", err)
	}
}
