package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/saber71/backend-storage/internal/httpx"
)

const instrumentationName = "github.com/saber71/backend-storage/pkg/storage"

type telemetry struct {
	tracer       trace.Tracer
	requests     metric.Int64Counter
	duration     metric.Int64Histogram
	transactions metric.Int64Counter
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider, logger pslog.Logger) *telemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	t := &telemetry{tracer: tp.Tracer(instrumentationName)}
	var err error

	t.requests, err = meter.Int64Counter(
		"storage.client.requests",
		metric.WithDescription("Calls made to the storage service"),
	)
	logMetricInitError(logger, "storage.client.requests", err)

	t.duration, err = meter.Int64Histogram(
		"storage.client.request.duration_ms",
		metric.WithDescription("Round-trip time of storage service calls"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "storage.client.request.duration_ms", err)

	t.transactions, err = meter.Int64Counter(
		"storage.client.transactions",
		metric.WithDescription("Transaction scopes ended, by outcome"),
	)
	logMetricInitError(logger, "storage.client.transactions", err)

	return t
}

func (t *telemetry) startCall(ctx context.Context, op, tid string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "storage."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("storage.operation", op))
	if tid != "" {
		span.SetAttributes(attribute.String("storage.tid", tid))
	}
	return ctx, span
}

// endCall closes span and records the call. status is the received HTTP
// status, or 0 when no response arrived.
func (t *telemetry) endCall(ctx context.Context, span trace.Span, op string, status int, err error, elapsed time.Duration) {
	result := "ok"
	var httpErr *httpx.HTTPError
	switch {
	case errors.As(err, &httpErr):
		result = "remote_error"
		status = httpErr.ReceivedStatus
	case err != nil:
		result = "transport_error"
	case !httpx.Successful(status):
		result = "unchecked_failure"
	}
	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	attrs := metric.WithAttributes(
		attribute.String("storage.operation", op),
		attribute.String("storage.result", result),
	)
	if t.requests != nil {
		t.requests.Add(ctx, 1, attrs)
	}
	if t.duration != nil {
		t.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func (t *telemetry) startTxn(ctx context.Context, tid string) trace.Span {
	_, span := t.tracer.Start(ctx, "storage.transaction", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("storage.tid", tid))
	return span
}

func (t *telemetry) endTxn(ctx context.Context, span trace.Span, outcome string, err error) {
	result := "ok"
	span.SetAttributes(attribute.String("storage.txn.outcome", outcome))
	if err != nil {
		result = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion_failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	if t.transactions != nil {
		t.transactions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("storage.txn.outcome", outcome),
			attribute.String("storage.result", result),
		))
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
