package observability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Operation status labels.
const (
	StatusOK       = "ok"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

// Operation times one service or metadata call and reports it as a span,
// a duration histogram sample and a debug log line.
type Operation struct {
	ctx     context.Context
	span    trace.Span
	metrics *Metrics
	name    string
	start   time.Time
	logger  *slog.Logger
}

// StartOperation begins tracking name. Callers end it with a deferred
// closure so the named error result is observed:
//
//	op, ctx := observability.StartOperation(ctx, m, "drop.upload")
//	defer func() { op.End(err) }()
func StartOperation(ctx context.Context, m *Metrics, name string, attrs ...attribute.KeyValue) (*Operation, context.Context) {
	ctx, span := tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	logger := slog.Default().With("operation", name)
	logger.DebugContext(ctx, "operation started")

	return &Operation{
		ctx:     ctx,
		span:    span,
		metrics: m,
		name:    name,
		start:   time.Now(),
		logger:  logger,
	}, ctx
}

// SetAttributes annotates the operation's span once values such as the
// blob id or placement are known.
func (o *Operation) SetAttributes(attrs ...attribute.KeyValue) {
	o.span.SetAttributes(attrs...)
}

// End finishes the operation. A caller that went away is recorded as
// canceled, not as a failure.
func (o *Operation) End(err error) {
	elapsed := time.Since(o.start)
	status := statusOf(err)

	switch status {
	case StatusError:
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
		o.logger.WarnContext(o.ctx, "operation failed", "error", err, "duration", elapsed)
	case StatusCanceled:
		o.span.AddEvent("canceled", trace.WithAttributes(attribute.String("reason", err.Error())))
		o.logger.DebugContext(o.ctx, "operation canceled", "duration", elapsed)
	default:
		o.logger.DebugContext(o.ctx, "operation completed", "duration", elapsed)
	}
	o.span.End()

	if o.metrics == nil {
		return
	}
	o.metrics.OperationDuration.WithLabelValues(o.name, status).Observe(elapsed.Seconds())
	o.metrics.OperationTotal.WithLabelValues(o.name, status).Inc()
}

// Fail counts an error of the given class, e.g. "rate_limited" or "storage".
func (o *Operation) Fail(class string) {
	if o.metrics != nil {
		o.metrics.ErrorsTotal.WithLabelValues(o.name, class).Inc()
	}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, context.Canceled):
		return StatusCanceled
	default:
		return StatusError
	}
}
