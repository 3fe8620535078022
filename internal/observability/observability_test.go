package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func newTestObservability(t *testing.T) *Observability {
	t.Helper()
	obs, err := New(context.Background(), Config{
		LogLevel:       "error",
		LogFormat:      "json",
		ServiceName:    "drop-test",
		ServiceVersion: "0.0.1",
	}, io.Discard)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = obs.Close(context.Background()) })
	return obs
}

// --- Shutdown Coordinator ---

func TestShutdownCoordinatorLIFO(t *testing.T) {
	var order []int
	sc := &ShutdownCoordinator{}

	for i := 1; i <= 3; i++ {
		sc.Register(fmt.Sprintf("h%d", i), func(ctx context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	if err := sc.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("expected LIFO [3,2,1], got %v", order)
	}
}

func TestShutdownCoordinatorError(t *testing.T) {
	var ran int
	sc := &ShutdownCoordinator{}
	sc.Register("first", func(ctx context.Context) error { ran++; return nil })
	sc.Register("bad", func(ctx context.Context) error { ran++; return errors.New("fail") })
	sc.Register("third", func(ctx context.Context) error { ran++; return nil })

	err := sc.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bad") {
		t.Fatalf("error should mention 'bad': %v", err)
	}
	if ran != 3 {
		t.Fatalf("expected all 3 handlers to run, got %d", ran)
	}

	if again := sc.Shutdown(context.Background()); again != err || ran != 3 {
		t.Fatalf("second Shutdown = %v after %d runs, want the first result without rerunning", again, ran)
	}
}

// --- Metrics ---

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	m.Placements.WithLabelValues("memory").Inc()
	m.RateLimitRejections.Inc()

	if got := testutil.ToFloat64(m.Placements.WithLabelValues("memory")); got != 1 {
		t.Fatalf("placements = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.RateLimitRejections); got != 1 {
		t.Fatalf("rejections = %f, want 1", got)
	}
}

func TestGaugeFunc(t *testing.T) {
	m := NewMetrics()
	v := 42.0
	m.GaugeFunc("drop_test_gauge", "test gauge", func() float64 { return v })
	// Second registration under the same name is ignored.
	m.GaugeFunc("drop_test_gauge", "test gauge", func() float64 { return -1 })

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "drop_test_gauge" {
			if got := f.GetMetric()[0].GetGauge().GetValue(); got != 42 {
				t.Fatalf("gauge = %f, want 42", got)
			}
			return
		}
	}
	t.Fatal("drop_test_gauge not gathered")
}

// --- Logging ---

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "json", &buf)

	logger.Info("hello", "key", "val")

	var entry map[string]any
	if err := json.NewDecoder(&buf).Decode(&entry); err != nil {
		t.Fatalf("output not valid JSON: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "hello" {
		t.Fatalf("expected msg=hello, got %v", entry["msg"])
	}
}

func TestSetupLoggerText(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger("info", "text", &buf)

	slog.Info("testmsg")

	out := buf.String()
	if !strings.Contains(out, "testmsg") {
		t.Fatalf("expected 'testmsg' in output: %s", out)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &m); err == nil {
		t.Fatal("expected non-JSON output for text format")
	}
}

func TestSetupLoggerAutoNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger("info", "auto", &buf)
	logger.Info("piped")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("auto format on a buffer should be JSON: %v\nraw: %s", err, buf.String())
	}
}

func TestSetupLoggerLevels(t *testing.T) {
	tests := []struct {
		level      string
		logAt      slog.Level
		shouldShow bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelWarn, false},
		{"error", slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.level, tt.logAt), func(t *testing.T) {
			var buf bytes.Buffer
			logger := SetupLogger(tt.level, "json", &buf)

			logger.Log(context.Background(), tt.logAt, "test")

			if got := buf.Len() > 0; got != tt.shouldShow {
				t.Fatalf("level=%s logAt=%s: expected visible=%v got %v", tt.level, tt.logAt, tt.shouldShow, got)
			}
		})
	}
}

func TestPrettyHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(h).With("component", "pool")

	logger.Info("hello world", "foo", "bar")

	out := buf.String()
	for _, want := range []string{"hello world", "foo=bar", "component=pool"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output: %s", want, out)
		}
	}
	if h.Enabled(context.Background(), slog.LevelDebug-1) {
		t.Fatal("below-debug level should be disabled")
	}
}

func TestPrettyHandlerGroupsAndQuoting(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, nil)).WithGroup("upload")

	logger.Info("blob uploaded", "filename", "my report.pdf", slog.Group("pool", "used", 10))

	out := buf.String()
	for _, want := range []string{`upload.filename="my report.pdf"`, "upload.pool.used=10"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output: %s", want, out)
		}
	}
}

func TestTraceHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &TraceHandler{Handler: slog.NewJSONHandler(&buf, nil)}

	h2 := h.WithAttrs([]slog.Attr{slog.String("a", "b")})
	if _, ok := h2.(*TraceHandler); !ok {
		t.Fatalf("expected *TraceHandler, got %T", h2)
	}
	slog.New(h2).Info("test")
	if !strings.Contains(buf.String(), `"a":"b"`) {
		t.Fatalf("expected attr in output: %s", buf.String())
	}
}

// --- Operation ---

func TestStartOperationEnd(t *testing.T) {
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "test_op", attribute.String("k", "v"))
	op.End(nil)

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("test_op", "ok")); got != 1 {
		t.Fatalf("expected 1 ok operation, got %f", got)
	}
}

func TestStartOperationEndError(t *testing.T) {
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "fail_op")
	op.Fail("storage")
	op.End(errors.New("boom"))

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("fail_op", "error")); got != 1 {
		t.Fatalf("expected 1 error operation, got %f", got)
	}
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("fail_op", "storage")); got != 1 {
		t.Fatalf("expected 1 storage error, got %f", got)
	}
}

func TestStartOperationCanceled(t *testing.T) {
	m := NewMetrics()

	op, _ := StartOperation(context.Background(), m, "cancel_op")
	op.End(fmt.Errorf("read body: %w", context.Canceled))

	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("cancel_op", StatusCanceled)); got != 1 {
		t.Fatalf("expected 1 canceled operation, got %f", got)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("cancel_op", StatusError)); got != 0 {
		t.Fatalf("canceled operation counted as error: %f", got)
	}
}

func TestOperationNilMetrics(t *testing.T) {
	op, _ := StartOperation(context.Background(), nil, "nil_metrics")
	op.Fail("x")
	op.End(nil)
}

// --- Observability ---

func TestNewObservabilityNoOTLP(t *testing.T) {
	obs := newTestObservability(t)
	switch obs.TracerProvider.(type) {
	case *tracenoop.TracerProvider, tracenoop.TracerProvider:
	default:
		t.Fatalf("expected noop tracer provider, got %T", obs.TracerProvider)
	}
}

func TestNewObservabilityWithOTLP(t *testing.T) {
	obs, err := New(context.Background(), Config{
		LogLevel:       "debug",
		LogFormat:      "json",
		OTLPEndpoint:   "localhost:4318",
		OTLPProtocol:   "http",
		ServiceName:    "drop-test",
		ServiceVersion: "0.0.1",
	}, io.Discard)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obs.sdkTP == nil {
		t.Fatal("expected non-nil sdkTP when OTLP enabled")
	}
	if err := obs.Close(context.Background()); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}

func TestInitTracerGRPC(t *testing.T) {
	tp, err := InitTracer(context.Background(), TracerConfig{
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		SampleRatio:    0.25,
		ServiceName:    "drop-test",
		ServiceVersion: "0.0.1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp == nil {
		t.Fatal("expected non-nil provider")
	}
	_ = tp.Shutdown(context.Background())
}

func TestInitTracerUnknownProtocol(t *testing.T) {
	if _, err := InitTracer(context.Background(), TracerConfig{Endpoint: "localhost:4317", Protocol: "udp"}); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestServeMetricsHealth(t *testing.T) {
	obs := newTestObservability(t)

	reason := ""
	srv, err := obs.ServeMetrics(context.Background(), "127.0.0.1:0", func() string { return reason })
	if err != nil {
		t.Fatalf("ServeMetrics: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	get := func(path string) string {
		t.Helper()
		resp, err := http.Get("http://" + srv.Addr + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	if got := get("/health"); got != "OK" {
		t.Fatalf("/health = %q, want OK", got)
	}
	reason = "metadata degraded"
	if got := get("/health"); got != "DEGRADED: metadata degraded" {
		t.Fatalf("/health = %q", got)
	}
	if got := get("/metrics"); !strings.Contains(got, "drop_operation_total") && !strings.Contains(got, "drop_active_uploads") {
		t.Fatalf("/metrics missing drop metrics:\n%s", got)
	}
}

func TestServeMetricsBadAddr(t *testing.T) {
	obs := newTestObservability(t)
	if _, err := obs.ServeMetrics(context.Background(), "not-an-addr", nil); err == nil {
		t.Fatal("expected listen error")
	}
}

// --- HTTP middleware ---

func TestHTTPMiddlewareRecordsRoute(t *testing.T) {
	m := NewMetrics()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /drop/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	})
	h := HTTPMiddleware(m, mux)

	req := httptest.NewRequest(http.MethodGet, "/drop/abc12345", nil)
	req.Header.Set("traceparent", "00-00000000000000000000000000000001-0000000000000001-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := testutil.ToFloat64(m.OperationTotal.WithLabelValues("http GET /drop/{id}", "404")); got != 1 {
		t.Fatalf("route counter = %f, want 1", got)
	}
}

func TestStatusRecorder(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, err := rec.Write([]byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rec.WriteHeader(http.StatusTeapot)
	if rec.status != http.StatusOK {
		t.Fatalf("status after implicit header = %d, want 200", rec.status)
	}
	if rec.written != 3 {
		t.Fatalf("written = %d, want 3", rec.written)
	}
}
