package mock

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

const meterName = "github.com/saber71/backend-storage/pkg/storage/mock"

type serverMetrics struct {
	requests     metric.Int64Counter
	transactions metric.Int64Counter
	openTxns     metric.Int64UpDownCounter
}

func newServerMetrics(provider metric.MeterProvider, logger pslog.Logger) *serverMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)
	m := &serverMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"storage.mock.requests",
		metric.WithDescription("Requests handled by the in-memory storage service"),
	)
	logMetricInitError(logger, "storage.mock.requests", err)

	m.transactions, err = meter.Int64Counter(
		"storage.mock.transactions",
		metric.WithDescription("Transactions ended, by outcome"),
	)
	logMetricInitError(logger, "storage.mock.transactions", err)

	m.openTxns, err = meter.Int64UpDownCounter(
		"storage.mock.transactions.open",
		metric.WithDescription("Transactions with staged writes awaiting an end signal"),
	)
	logMetricInitError(logger, "storage.mock.transactions.open", err)

	return m
}

func (m *serverMetrics) recordRequest(ctx context.Context, route string, status int) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("storage.route", route),
		attribute.String("http.status_code", strconv.Itoa(status)),
	))
}

func (m *serverMetrics) recordTxnOpened(ctx context.Context) {
	if m == nil || m.openTxns == nil {
		return
	}
	m.openTxns.Add(metricContext(ctx), 1)
}

func (m *serverMetrics) recordTxnEnded(ctx context.Context, outcome string, staged bool) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	if m.transactions != nil {
		m.transactions.Add(ctx, 1, metric.WithAttributes(attribute.String("storage.txn.outcome", outcome)))
	}
	if staged && m.openTxns != nil {
		m.openTxns.Add(ctx, -1)
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
