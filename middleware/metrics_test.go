package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	mw "github.com/xraph/fabric/middleware"
)

// collect runs each outcome through the metrics middleware and returns the
// recorded metrics by name.
func collect(t *testing.T, outcomes ...error) map[string]metricdata.Metrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := mw.MetricsWithMeter(mp.Meter("test"))
	for _, outcome := range outcomes {
		got := m(context.Background(), newTestInvocation(), func(context.Context) error { return outcome })
		if !errors.Is(got, outcome) {
			t.Fatalf("middleware returned %v, want %v", got, outcome)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func statusOf(t *testing.T, set attribute.Set) string {
	t.Helper()
	v, ok := set.Value("status")
	if !ok {
		t.Fatal("data point has no status attribute")
	}
	return v.AsString()
}

func TestMetricsCountsEventsByStatus(t *testing.T) {
	boom := errors.New("boom")
	got := collect(t, nil, nil, boom)

	executions, ok := got["fabric.event.executions"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("executions = %T", got["fabric.event.executions"].Data)
	}
	counts := map[string]int64{}
	for _, dp := range executions.DataPoints {
		counts[statusOf(t, dp.Attributes)] += dp.Value
		for key, want := range map[string]string{"subscription": "resize-images", "kind": "consumer"} {
			if v, _ := dp.Attributes.Value(attribute.Key(key)); v.AsString() != want {
				t.Errorf("attribute %s = %q, want %q", key, v.AsString(), want)
			}
		}
	}
	if counts["ok"] != 2 || counts["error"] != 1 {
		t.Errorf("executions by status = %v", counts)
	}

	duration, ok := got["fabric.event.duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration = %T", got["fabric.event.duration"].Data)
	}
	var observed uint64
	for _, dp := range duration.DataPoints {
		observed += dp.Count
	}
	if observed != 3 {
		t.Errorf("duration observations = %d, want 3", observed)
	}
	if unit := got["fabric.event.duration"].Unit; unit != "s" {
		t.Errorf("duration unit = %q", unit)
	}
}

func TestMetricsSumsInputBytes(t *testing.T) {
	got := collect(t, nil, nil)
	input, ok := got["fabric.event.input"].Data.(metricdata.Sum[int64])
	if !ok || len(input.DataPoints) != 1 {
		t.Fatalf("input = %+v", got["fabric.event.input"].Data)
	}
	if v := input.DataPoints[0].Value; v != 84 {
		t.Errorf("input bytes = %d, want 84", v)
	}
}

func TestMetricsWithoutProvider(t *testing.T) {
	called := false
	err := mw.Metrics()(context.Background(), newTestInvocation(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Errorf("err = %v, called = %v", err, called)
	}
}
