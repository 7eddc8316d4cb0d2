package storage_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/saber71/backend-storage/pkg/storage"
)

func findSpan(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, s := range spans {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func spanAttr(s sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func sumCounter(t *testing.T, rm metricdata.ResourceMetrics, name string, match func(attribute.Set) bool) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s has unexpected type %T", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if match == nil || match(dp.Attributes) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func attrEquals(key, want string) func(attribute.Set) bool {
	return func(set attribute.Set) bool {
		v, ok := set.Value(attribute.Key(key))
		return ok && v.AsString() == want
	}
}

func TestTransactionTelemetry(t *testing.T) {
	rs := newRecordingServer(t)
	rs.fail("/storage/search", http.StatusNotFound)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	client := rs.client(t, ids("tel"), storage.WithTracerProvider(tp), storage.WithMeterProvider(mp))
	ctx := context.Background()

	err := client.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		resp, err := tx.Save(ctx, storage.Document{"name": "users"})
		if err != nil {
			return err
		}
		storage.Discard(resp)
		_, err = tx.Search(ctx, storage.Document{"name": "users"})
		return err
	})
	if !errors.Is(err, storage.ErrRemoteCallFailed) {
		t.Fatalf("expected search failure, got %v", err)
	}

	spans := recorder.Ended()
	txSpan := findSpan(spans, "storage.transaction")
	saveSpan := findSpan(spans, "storage.save")
	searchSpan := findSpan(spans, "storage.search")
	endSpan := findSpan(spans, "storage.transaction_end")
	if txSpan == nil || saveSpan == nil || searchSpan == nil || endSpan == nil {
		t.Fatalf("missing spans, got %d ended spans", len(spans))
	}
	if saveSpan.Parent().SpanID() != txSpan.SpanContext().SpanID() {
		t.Fatalf("save span is not a child of the transaction span")
	}
	if v, ok := spanAttr(saveSpan, "storage.tid"); !ok || v.AsString() != "tel-1" {
		t.Fatalf("save span tid = %v", v)
	}
	if searchSpan.Status().Code != codes.Error {
		t.Fatalf("search span status = %v", searchSpan.Status())
	}
	if v, ok := spanAttr(searchSpan, "http.response.status_code"); !ok || v.AsInt64() != http.StatusNotFound {
		t.Fatalf("search span status code = %v", v)
	}
	if v, ok := spanAttr(txSpan, "storage.txn.outcome"); !ok || v.AsString() != "rollback" {
		t.Fatalf("transaction outcome = %v", v)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := sumCounter(t, rm, "storage.client.requests", nil); got != 3 {
		t.Fatalf("requests = %d, want 3", got)
	}
	if got := sumCounter(t, rm, "storage.client.requests", attrEquals("storage.result", "remote_error")); got != 1 {
		t.Fatalf("remote errors = %d, want 1", got)
	}
	if got := sumCounter(t, rm, "storage.client.transactions", attrEquals("storage.txn.outcome", "rollback")); got != 1 {
		t.Fatalf("rollbacks = %d, want 1", got)
	}
}
