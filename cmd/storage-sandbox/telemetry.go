package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"pkt.systems/pslog"
)

// installPropagator lets the server handler join traces started by clients.
func installPropagator() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

type metricsBundle struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler
	logger   pslog.Logger
}

// setupMetrics installs a global meter provider backed by a Prometheus
// registry and returns the handler that exposes it.
func setupMetrics(ctx context.Context, logger pslog.Logger) (*metricsBundle, error) {
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("storage-sandbox")),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)
	logger.Info("telemetry.metrics.enabled", "path", "/metrics")
	return &metricsBundle{
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		logger:   logger,
	}, nil
}

func (b *metricsBundle) Shutdown(ctx context.Context) error {
	if b == nil || b.provider == nil {
		return nil
	}
	if err := b.provider.Shutdown(ctx); err != nil {
		b.logger.Warn("telemetry.shutdown.metrics_failure", "error", err)
		return err
	}
	return nil
}
