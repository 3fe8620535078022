package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gezibash/drop/internal/blobstore"
	"github.com/gezibash/drop/internal/drop"
	"github.com/gezibash/drop/internal/mempool"
	"github.com/gezibash/drop/internal/metastore"
	"github.com/gezibash/drop/internal/metastore/physical/memory"
	"github.com/gezibash/drop/internal/observability"
	"github.com/gezibash/drop/internal/ratelimit"
)

const publicURL = "https://drop.example"

type testOptions struct {
	maxFileSize int64
	maxRequest  int64
	rateLimit   int
}

func newTestServer(t *testing.T, o testOptions) (*httptest.Server, *observability.Metrics) {
	t.Helper()
	if o.maxFileSize == 0 {
		o.maxFileSize = 1 << 20
	}
	metrics := observability.NewMetrics()

	blobs, err := blobstore.New(blobstore.Config{
		TempDir:         t.TempDir(),
		StreamThreshold: 64,
		MaxFileSize:     o.maxFileSize,
	}, mempool.New(1<<20), metrics)
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	meta := metastore.New(memory.New(), metastore.Config{Backend: "memory"}, metrics)
	t.Cleanup(func() { meta.Close() })

	limiter := ratelimit.New(meta, ratelimit.Config{Limit: o.rateLimit, Window: time.Minute}, metrics)
	svc := drop.New(drop.Config{MaxFileSize: o.maxFileSize}, blobs, meta, limiter, metrics)

	ts := httptest.NewServer(NewHandler(svc, Config{PublicURL: publicURL, MaxRequestSize: o.maxRequest}, metrics))
	t.Cleanup(ts.Close)
	return ts, metrics
}

// multipartBody builds a form with one text field and one file part.
// A non-negative declared size is sent as the part's Content-Length.
func multipartBody(t *testing.T, filename, contentType string, data []byte, declared int) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("note", "ignored"); err != nil {
		t.Fatal(err)
	}

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	hdr.Set("Content-Type", contentType)
	if declared >= 0 {
		hdr.Set("Content-Length", strconv.Itoa(declared))
	}
	pw, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func postFile(t *testing.T, ts *httptest.Server, filename string, data []byte, declared int) *http.Response {
	t.Helper()
	body, ct := multipartBody(t, filename, "text/plain", data, declared)
	resp, err := http.Post(ts.URL+"/drop", ct, body)
	if err != nil {
		t.Fatalf("POST /drop: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeUpload(t *testing.T, resp *http.Response) uploadResponse {
	t.Helper()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d: %s", resp.StatusCode, b)
	}
	var up uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return up
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUploadAndDownload(t *testing.T) {
	for _, tt := range []struct {
		name     string
		data     []byte
		declared bool
	}{
		{"memory declared", []byte("0123456789"), true},
		{"memory undeclared", []byte("0123456789"), false},
		{"disk", bytes.Repeat([]byte("d"), 500), true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newTestServer(t, testOptions{})
			declared := -1
			if tt.declared {
				declared = len(tt.data)
			}
			up := decodeUpload(t, postFile(t, ts, "notes.txt", tt.data, declared))

			code := strings.TrimPrefix(up.ShortURL, publicURL+"/drop/")
			if len(code) != 8 {
				t.Fatalf("short_url = %q", up.ShortURL)
			}
			if up.FullURL != publicURL+"/drop/"+up.ID {
				t.Fatalf("full_url = %q", up.FullURL)
			}
			if up.Size != int64(len(tt.data)) || up.Filename != "notes.txt" {
				t.Fatalf("upload = %+v", up)
			}

			resp := get(t, ts.URL+"/drop/"+code)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("download status = %d", resp.StatusCode)
			}
			got, _ := io.ReadAll(resp.Body)
			if !bytes.Equal(got, tt.data) {
				t.Fatal("downloaded bytes differ")
			}
			if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
				t.Errorf("Content-Type = %q", ct)
			}
			if cd := resp.Header.Get("Content-Disposition"); cd != `attachment; filename=notes.txt` {
				t.Errorf("Content-Disposition = %q", cd)
			}
			if cl := resp.Header.Get("Content-Length"); cl != strconv.Itoa(len(tt.data)) {
				t.Errorf("Content-Length = %q", cl)
			}
		})
	}
}

func TestDownloadUnknown(t *testing.T) {
	ts, _ := newTestServer(t, testOptions{})
	for _, id := range []string{"abcdefgh", "00000000-0000-0000-0000-000000000000", "nope"} {
		if resp := get(t, ts.URL+"/drop/"+id); resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", id, resp.StatusCode)
		}
	}
}

func TestUploadTooLarge(t *testing.T) {
	t.Run("declared", func(t *testing.T) {
		ts, _ := newTestServer(t, testOptions{maxFileSize: 100})
		resp := postFile(t, ts, "big.bin", make([]byte, 101), 101)
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, want 413", resp.StatusCode)
		}
	})
	t.Run("undeclared", func(t *testing.T) {
		ts, _ := newTestServer(t, testOptions{maxFileSize: 100})
		resp := postFile(t, ts, "big.bin", make([]byte, 500), -1)
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, want 413", resp.StatusCode)
		}
	})
	t.Run("request cap", func(t *testing.T) {
		ts, metrics := newTestServer(t, testOptions{maxRequest: 256})
		resp := postFile(t, ts, "big.bin", make([]byte, 4096), -1)
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Fatalf("status = %d, want 413", resp.StatusCode)
		}
		if n := testutil.ToFloat64(metrics.OperationTotal.WithLabelValues("drop.upload", "error")); n != 0 {
			t.Fatalf("oversized request reached the upload service (%v failed uploads)", n)
		}
	})
	t.Run("request cap while streaming", func(t *testing.T) {
		ts, _ := newTestServer(t, testOptions{maxRequest: 256})
		body, ct := multipartBody(t, "big.bin", "text/plain", make([]byte, 4096), -1)
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/drop", io.MultiReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", ct)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Fatalf("chunked status = %d, want 413", resp.StatusCode)
		}
	})
}

func TestUploadBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, testOptions{})

	resp, err := http.Post(ts.URL+"/drop", "text/plain", strings.NewReader("raw"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-multipart = %d, want 400", resp.StatusCode)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("only", "fields")
	_ = mw.Close()
	resp, err = http.Post(ts.URL+"/drop", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no file part = %d, want 400", resp.StatusCode)
	}

	short := postFile(t, ts, "short.txt", []byte("abc"), 10)
	if short.StatusCode != http.StatusBadRequest {
		t.Errorf("truncated part = %d, want 400", short.StatusCode)
	}
}

func TestUploadRateLimited(t *testing.T) {
	ts, metrics := newTestServer(t, testOptions{rateLimit: 1})

	decodeUpload(t, postFile(t, ts, "a.txt", []byte("a"), 1))
	resp := postFile(t, ts, "b.txt", []byte("b"), 1)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 1 || secs > 60 {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}
	if v := testutil.ToFloat64(metrics.RateLimitRejections); v != 1 {
		t.Fatalf("rejections metric = %v, want 1", v)
	}
}

func TestDelete(t *testing.T) {
	ts, _ := newTestServer(t, testOptions{})
	up := decodeUpload(t, postFile(t, ts, "gone.txt", []byte("bye"), 3))

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/drop/"+up.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE = %d, want 204", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/drop/"+up.ID); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET after delete = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, testOptions{})
	decodeUpload(t, postFile(t, ts, "x.txt", []byte("x"), 1))

	resp := get(t, ts.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var h drop.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "healthy" || h.Mode != "connected" || h.Backend != "memory" {
		t.Fatalf("health = %+v", h)
	}
	if h.Storage == nil || h.Storage.TotalFiles != 1 || h.Pool.UsedBytes != 1 {
		t.Fatalf("health details = %+v", h)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	for _, tt := range []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{30 * time.Second, 30},
		{30500 * time.Millisecond, 31},
	} {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
