// Package observability wires the drop server's logging, Prometheus metrics
// and OpenTelemetry tracing, and coordinates component shutdown.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config is the subset of server configuration this package reads.
type Config struct {
	LogLevel       string
	LogFormat      string
	OTLPEndpoint   string
	OTLPProtocol   string
	SampleRatio    float64
	ServiceName    string
	ServiceVersion string
}

// Observability bundles the process-wide logger, metrics registry, tracer
// provider and shutdown coordinator.
type Observability struct {
	Logger         *slog.Logger
	Metrics        *Metrics
	TracerProvider trace.TracerProvider
	Shutdown       *ShutdownCoordinator
	ServiceName    string
	ServiceVersion string

	sdkTP *sdktrace.TracerProvider
}

// New installs the logger and, when an OTLP endpoint is configured, an
// exporting tracer provider. Without one, spans go to a no-op provider.
func New(ctx context.Context, cfg Config, w io.Writer) (*Observability, error) {
	o := &Observability{
		Logger:         SetupLogger(cfg.LogLevel, cfg.LogFormat, w),
		Metrics:        NewMetrics(),
		TracerProvider: tracenoop.NewTracerProvider(),
		Shutdown:       &ShutdownCoordinator{},
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
	}

	if cfg.OTLPEndpoint == "" {
		slog.Info("tracing disabled, no otlp endpoint configured")
		return o, nil
	}

	tp, err := InitTracer(ctx, TracerConfig{
		Endpoint:       cfg.OTLPEndpoint,
		Protocol:       cfg.OTLPProtocol,
		SampleRatio:    cfg.SampleRatio,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: cfg.ServiceVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	o.TracerProvider = tp
	o.sdkTP = tp
	o.Shutdown.Register("tracer", tp.Shutdown)
	slog.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint, "protocol", cfg.OTLPProtocol)
	return o, nil
}

// Close flushes spans and stops every registered component.
func (o *Observability) Close(ctx context.Context) error {
	return o.Shutdown.Shutdown(ctx)
}

// ServeMetrics binds addr and serves /metrics and /health on it until
// shutdown. /health answers 200 even while degraded, with the reason in the
// body, because a degraded server still accepts uploads.
func (o *Observability) ServeMetrics(ctx context.Context, addr string, degraded func() string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(o.Metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		body := "OK"
		if degraded != nil {
			if reason := degraded(); reason != "" {
				body = "DEGRADED: " + reason
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, body)
	})

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		slog.Info("metrics server listening", "addr", srv.Addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	o.Shutdown.Register("metrics-server", srv.Shutdown)
	return srv, nil
}
