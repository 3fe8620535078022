package drop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/drop/internal/blobstore"
	"github.com/gezibash/drop/internal/mempool"
	"github.com/gezibash/drop/internal/metastore"
	"github.com/gezibash/drop/internal/metastore/physical"
	"github.com/gezibash/drop/internal/metastore/physical/flaky"
	"github.com/gezibash/drop/internal/observability"
	"github.com/gezibash/drop/internal/placement"
	"github.com/gezibash/drop/internal/ratelimit"
	"github.com/gezibash/drop/internal/shortcode"
)

type testEnv struct {
	svc     *Service
	blobs   *blobstore.Store
	meta    *metastore.Store
	primary *flaky.Backend
	metrics *observability.Metrics
	now     time.Time
}

type envOptions struct {
	poolCapacity int64
	threshold    int64
	maxFileSize  int64
	rateLimit    int
	ttl          time.Duration
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	if o.threshold == 0 {
		o.threshold = 50 << 20
	}
	if o.maxFileSize == 0 {
		o.maxFileSize = 1 << 20
	}
	if o.poolCapacity == 0 {
		o.poolCapacity = 1 << 20
	}

	env := &testEnv{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return env.now }
	env.metrics = observability.NewMetrics()

	blobs, err := blobstore.New(blobstore.Config{
		TempDir:         t.TempDir(),
		StreamThreshold: o.threshold,
		MaxFileSize:     o.maxFileSize,
	}, mempool.New(o.poolCapacity), env.metrics)
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	env.primary = flaky.New()
	env.meta = metastore.New(env.primary, metastore.Config{Backend: "flaky", ProbeRetries: 1}, env.metrics,
		metastore.WithClock(clock))
	t.Cleanup(func() { env.meta.Close() })

	limiter := ratelimit.New(env.meta, ratelimit.Config{Limit: o.rateLimit, Window: time.Minute}, env.metrics,
		ratelimit.WithClock(clock))

	env.blobs = blobs
	env.svc = New(Config{MaxFileSize: o.maxFileSize, DefaultTTL: o.ttl, OrphanGrace: time.Hour},
		blobs, env.meta, limiter, env.metrics, WithClock(clock))
	return env
}

func (e *testEnv) upload(t *testing.T, data string) *UploadResult {
	t.Helper()
	res, err := e.svc.Upload(context.Background(), UploadRequest{
		Body:        strings.NewReader(data),
		Size:        int64(len(data)),
		Filename:    "hello.txt",
		ContentType: "text/plain",
		ClientAddr:  "192.0.2.10:5555",
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return res
}

func (e *testEnv) tempFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(e.blobs.Disk().Dir())
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func readDownload(t *testing.T, dl *Download) []byte {
	t.Helper()
	defer dl.Body.Close()
	data, err := io.ReadAll(dl.Body)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	return data
}

func TestUploadDownloadSmallBlob(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	res := env.upload(t, "0123456789")
	if res.ID == uuid.Nil {
		t.Fatal("upload returned nil id")
	}
	if !shortcode.Valid(res.ShortCode) {
		t.Fatalf("short code %q is not 8 base36 characters", res.ShortCode)
	}
	if res.Placement != placement.KindMemory || res.Size != 10 {
		t.Fatalf("result = %+v, want 10 bytes in memory", res)
	}

	dl, err := env.svc.Download(ctx, res.ShortCode)
	if err != nil {
		t.Fatalf("Download by code: %v", err)
	}
	if got := readDownload(t, dl); string(got) != "0123456789" {
		t.Fatalf("download = %q", got)
	}
	if dl.ContentType != "text/plain" || dl.Filename != "hello.txt" || dl.Size != 10 {
		t.Fatalf("download meta = %+v", dl)
	}

	dl, err = env.svc.Download(ctx, res.ID.String())
	if err != nil {
		t.Fatalf("Download by id: %v", err)
	}
	readDownload(t, dl)

	rec, err := env.meta.GetBlob(ctx, res.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessCount != 2 {
		t.Fatalf("AccessCount = %d, want 2", rec.AccessCount)
	}
}

func TestUploadLargeBlobGoesToDisk(t *testing.T) {
	env := newTestEnv(t, envOptions{threshold: 16})
	data := strings.Repeat("z", 64)

	res := env.upload(t, data)
	if res.Placement != placement.KindDisk {
		t.Fatalf("placement = %s, want disk", res.Placement)
	}
	if env.svc.PoolUsage().UsedBytes != 0 {
		t.Fatalf("pool used = %d, want 0", env.svc.PoolUsage().UsedBytes)
	}
	dl, err := env.svc.Download(context.Background(), res.ShortCode)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got := readDownload(t, dl); string(got) != data {
		t.Fatal("disk round trip mismatch")
	}
}

func TestUploadOversizeRejectedBeforeStorage(t *testing.T) {
	env := newTestEnv(t, envOptions{maxFileSize: 100})

	_, err := env.svc.Upload(context.Background(), UploadRequest{
		Body: bytes.NewReader(make([]byte, 101)),
		Size: 101,
	})
	if !errors.Is(err, ErrSizeExceeded) {
		t.Fatalf("Upload = %v, want ErrSizeExceeded", err)
	}
	if env.tempFiles(t) != 0 {
		t.Fatal("oversize upload created a temp file")
	}
	if env.svc.PoolUsage().UsedBytes != 0 {
		t.Fatal("oversize upload reserved pool bytes")
	}
}

func TestUploadOversizeUnknownLength(t *testing.T) {
	env := newTestEnv(t, envOptions{maxFileSize: 100})

	_, err := env.svc.Upload(context.Background(), UploadRequest{
		Body: bytes.NewReader(make([]byte, 500)),
		Size: -1,
	})
	if !errors.Is(err, ErrSizeExceeded) {
		t.Fatalf("Upload = %v, want ErrSizeExceeded", err)
	}
	if env.tempFiles(t) != 0 {
		t.Fatal("partial file left behind")
	}
}

func TestUploadTruncatedBodyIsStorageError(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_, err := env.svc.Upload(context.Background(), UploadRequest{Body: strings.NewReader("abc"), Size: 10})
	if !errors.Is(err, ErrStorage) || !errors.Is(err, blobstore.ErrTruncated) {
		t.Fatalf("Upload = %v, want ErrStorage wrapping ErrTruncated", err)
	}
	if env.svc.PoolUsage().UsedBytes != 0 {
		t.Fatal("failed upload kept pool bytes")
	}
}

func TestUploadInvalidInput(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()
	if _, err := env.svc.Upload(ctx, UploadRequest{Size: 1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil body = %v", err)
	}
	if _, err := env.svc.Upload(ctx, UploadRequest{Body: strings.NewReader(""), Size: -5}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("negative size = %v", err)
	}
}

func TestUploadDefaultsAndSanitizes(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	res, err := env.svc.Upload(context.Background(), UploadRequest{
		Body:     strings.NewReader("x"),
		Size:     1,
		Filename: "../../secret?.txt",
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	dl, err := env.svc.Download(context.Background(), res.ShortCode)
	if err != nil {
		t.Fatal(err)
	}
	readDownload(t, dl)
	if dl.Filename != "secret.txt" || dl.ContentType != defaultContentType {
		t.Fatalf("download meta = %q / %q", dl.Filename, dl.ContentType)
	}
}

func TestRateLimitedUpload(t *testing.T) {
	env := newTestEnv(t, envOptions{rateLimit: 2})
	ctx := context.Background()

	env.upload(t, "a")
	env.upload(t, "b")
	_, err := env.svc.Upload(ctx, UploadRequest{Body: strings.NewReader("c"), Size: 1, ClientAddr: "192.0.2.10:1"})

	var rl *RateLimitError
	if !errors.As(err, &rl) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third upload = %v, want RateLimitError", err)
	}
	if rl.RetryAfter != time.Minute {
		t.Fatalf("RetryAfter = %v, want 1m", rl.RetryAfter)
	}

	env.now = env.now.Add(time.Minute)
	env.upload(t, "d")
}

func TestDownloadUnknown(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for _, key := range []string{uuid.NewString(), "zzzzzzzz", "not a key"} {
		if _, err := env.svc.Download(context.Background(), key); !errors.Is(err, ErrNotFound) {
			t.Errorf("Download(%q) = %v, want ErrNotFound", key, err)
		}
	}
}

func TestDownloadExpired(t *testing.T) {
	env := newTestEnv(t, envOptions{ttl: time.Hour})
	res := env.upload(t, "ephemeral")
	if res.ExpiresAt.IsZero() {
		t.Fatal("ttl did not set expiry")
	}

	env.now = env.now.Add(2 * time.Hour)
	if _, err := env.svc.Download(context.Background(), res.ShortCode); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Download expired = %v, want ErrNotFound", err)
	}
	if env.svc.PoolUsage().UsedBytes != 0 {
		t.Fatal("expired blob still holds pool bytes")
	}
}

func TestDownloadMissingBytesRemovesRecord(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	rec := &physical.BlobRecord{
		ID:          uuid.New(),
		Filename:    "ghost.txt",
		ContentType: "text/plain",
		Size:        5,
		CreatedAt:   env.now,
		AccessedAt:  env.now,
	}
	rec.Placement = placement.InMemory{Handle: rec.ID.String()}
	if err := env.meta.CreateBlob(ctx, rec); err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.Download(ctx, rec.ID.String()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Download = %v, want ErrNotFound", err)
	}
	if _, err := env.meta.GetBlob(ctx, rec.ID.String()); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("record without bytes survived: %v", err)
	}
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t, envOptions{threshold: 4})
	ctx := context.Background()
	res := env.upload(t, "on disk please")

	if err := env.svc.Delete(ctx, res.ShortCode); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if env.tempFiles(t) != 0 {
		t.Fatal("file survived delete")
	}
	if _, err := env.svc.Download(ctx, res.ID.String()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Download deleted = %v", err)
	}
	if err := env.svc.Delete(ctx, res.ID.String()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestDegradedUploadsSucceedAndAreReleasedOnRecovery(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	env.primary.Down.Store(true)
	res := env.upload(t, "degraded!")
	if env.svc.CurrentMode() != metastore.Degraded {
		t.Fatalf("mode = %v, want degraded", env.svc.CurrentMode())
	}
	if h := env.svc.Health(ctx); h.Status != "degraded" {
		t.Fatalf("health status = %q", h.Status)
	}
	dl, err := env.svc.Download(ctx, res.ShortCode)
	if err != nil {
		t.Fatalf("Download while degraded: %v", err)
	}
	readDownload(t, dl)
	if env.svc.PoolUsage().UsedBytes != 9 {
		t.Fatalf("pool used = %d, want 9", env.svc.PoolUsage().UsedBytes)
	}

	env.primary.Down.Store(false)
	if err := env.meta.Probe(ctx); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if env.svc.CurrentMode() != metastore.Connected {
		t.Fatalf("mode = %v, want connected", env.svc.CurrentMode())
	}
	if env.svc.PoolUsage().UsedBytes != 0 {
		t.Fatalf("discarded blob still holds %d pool bytes", env.svc.PoolUsage().UsedBytes)
	}
	if v := testutil.ToFloat64(env.metrics.SweptBlobs.WithLabelValues("discarded")); v != 1 {
		t.Fatalf("discarded sweep metric = %v, want 1", v)
	}

	after := env.upload(t, "persisted")
	if _, err := env.primary.Backend.GetBlob(ctx, after.ID); err != nil {
		t.Fatalf("upload after recovery missed primary: %v", err)
	}
}

func TestMetadataFailureRemovesPlacement(t *testing.T) {
	env := newTestEnv(t, envOptions{threshold: 4})
	env.primary.HideAliases.Store(true)
	fixed := bytes.Repeat([]byte{3}, 16*shortcode.DefaultMaxAttempts*2)
	env.svc.codes = shortcode.New(shortcode.WithRand(bytes.NewReader(fixed)))

	env.upload(t, "first blob")
	_, err := env.svc.Upload(context.Background(), UploadRequest{Body: strings.NewReader("second blob"), Size: 11})
	if !errors.Is(err, ErrMetadata) || !errors.Is(err, shortcode.ErrExhausted) {
		t.Fatalf("Upload = %v, want ErrMetadata wrapping ErrExhausted", err)
	}
	if env.tempFiles(t) != 1 {
		t.Fatalf("temp files = %d, want only the first blob", env.tempFiles(t))
	}
}

func TestStorageStatsAndHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{threshold: 8})
	ctx := context.Background()
	env.upload(t, "tiny")
	env.upload(t, "larger than eight")

	st, err := env.svc.StorageStats(ctx)
	if err != nil {
		t.Fatalf("StorageStats: %v", err)
	}
	if st.TotalFiles != 2 || st.MemoryFiles != 1 || st.DiskFiles != 1 || st.TotalSize != 21 {
		t.Fatalf("stats = %+v", st)
	}

	h := env.svc.Health(ctx)
	if h.Status != "healthy" || h.Mode != "connected" || h.Backend != "flaky" {
		t.Fatalf("health = %+v", h)
	}
	if h.Storage == nil || h.Pool.UsedBytes != 4 || h.ActiveUploads != 0 {
		t.Fatalf("health details = %+v", h)
	}
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t, envOptions{ttl: time.Minute, threshold: 4})
	env.upload(t, "memory")
	env.upload(t, "m")

	env.now = env.now.Add(time.Hour)
	n, err := env.svc.SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	if env.tempFiles(t) != 0 || env.svc.PoolUsage().UsedBytes != 0 {
		t.Fatal("expired storage not released")
	}
}

func TestSweepOrphans(t *testing.T) {
	env := newTestEnv(t, envOptions{threshold: 4})
	ctx := context.Background()

	kept := env.upload(t, "referenced")
	orphan := uuid.New()
	if _, _, err := env.blobs.Disk().Write(ctx, orphan, strings.NewReader("lost"), 4, 100); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	for _, id := range []uuid.UUID{kept.ID, orphan} {
		if err := os.Chtimes(env.blobs.Disk().PathFor(id), old, old); err != nil {
			t.Fatal(err)
		}
	}
	env.now = time.Now()

	env.primary.Down.Store(true)
	env.meta.Probe(ctx)
	if n, _ := env.svc.SweepOrphans(ctx); n != 0 {
		t.Fatalf("orphan sweep ran while degraded, removed %d", n)
	}
	env.primary.Down.Store(false)
	if err := env.meta.Probe(ctx); err != nil {
		t.Fatal(err)
	}

	n, err := env.svc.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, err := os.Stat(env.blobs.Disk().PathFor(kept.ID)); err != nil {
		t.Fatalf("referenced file removed: %v", err)
	}
}

func TestRunPurgesAndStops(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	stale := &physical.BlobRecord{
		ID:         uuid.New(),
		Filename:   "stale",
		CreatedAt:  env.now,
		AccessedAt: env.now,
	}
	stale.Placement = placement.InMemory{Handle: stale.ID.String()}
	if err := env.meta.CreateBlob(ctx, stale); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- env.svc.Run(runCtx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := env.primary.Backend.GetBlob(ctx, stale.ID); errors.Is(err, physical.ErrNotFound) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if _, err := env.primary.Backend.GetBlob(ctx, stale.ID); !errors.Is(err, physical.ErrNotFound) {
		t.Fatalf("memory-resident record survived startup purge: %v", err)
	}
}
