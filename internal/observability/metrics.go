package observability

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the drop meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	BytesProcessed    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec

	Placements          *prometheus.CounterVec
	RateLimitRejections prometheus.Counter
	ModeTransitions     *prometheus.CounterVec
	DiscardedRecords    prometheus.Counter
	ActiveUploads       prometheus.Gauge
	SweptBlobs          *prometheus.CounterVec
}

// NewMetrics creates a custom Prometheus registry with the standard drop metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drop_operation_duration_seconds",
			Help:    "Duration of operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_operation_total",
			Help: "Total number of operations.",
		}, []string{"operation", "status"}),
		BytesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_bytes_processed_total",
			Help: "Total blob bytes processed.",
		}, []string{"direction"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_errors_total",
			Help: "Total number of errors.",
		}, []string{"operation", "type"}),
		Placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_placements_total",
			Help: "Stored blobs by placement.",
		}, []string{"placement"}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drop_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		ModeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_metadata_mode_transitions_total",
			Help: "Metadata store mode transitions by target mode.",
		}, []string{"to"}),
		DiscardedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drop_metadata_discarded_records_total",
			Help: "Blob records dropped with the fallback store on recovery.",
		}),
		ActiveUploads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drop_active_uploads",
			Help: "Uploads currently in flight.",
		}),
		SweptBlobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_swept_total",
			Help: "Blobs and files removed by background sweeps.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.OperationDuration, m.OperationTotal, m.BytesProcessed, m.ErrorsTotal,
		m.Placements, m.RateLimitRejections, m.ModeTransitions, m.DiscardedRecords,
		m.ActiveUploads, m.SweptBlobs,
	)
	return m
}

// GaugeFunc registers a gauge whose value is sampled from fn at scrape time.
// Registering the same name twice keeps the first collector.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	err := m.Registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
	var already prometheus.AlreadyRegisteredError
	if err != nil && !errors.As(err, &already) {
		slog.Error("register gauge", "name", name, "error", err)
	}
}
