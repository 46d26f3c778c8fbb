package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/fabric/ext"
	"github.com/xraph/fabric/id"
)

// Compile-time interface checks.
var (
	_ ext.Extension             = (*MetricsExtension)(nil)
	_ ext.SubscriptionStarted   = (*MetricsExtension)(nil)
	_ ext.SubscriptionStopped   = (*MetricsExtension)(nil)
	_ ext.SubscriptionSucceeded = (*MetricsExtension)(nil)
	_ ext.SubscriptionFailed    = (*MetricsExtension)(nil)
	_ ext.NodeJoined            = (*MetricsExtension)(nil)
	_ ext.NodeEvicted           = (*MetricsExtension)(nil)
	_ ext.MasterPromoted        = (*MetricsExtension)(nil)
	_ ext.RequestResolved       = (*MetricsExtension)(nil)
)

// meterName is the instrumentation scope of the extension's instruments.
const meterName = "github.com/xraph/fabric/observability"

// MetricsExtension records lifecycle counters through an OTel meter.
// Register it as a fabric extension to track subscription outcomes,
// joins, evictions, recovered subscriptions, promotions and request
// resolutions.
type MetricsExtension struct {
	SubscriptionStarted   metric.Int64Counter
	SubscriptionStopped   metric.Int64Counter
	SubscriptionSucceeded metric.Int64Counter
	SubscriptionFailed    metric.Int64Counter
	NodeJoined            metric.Int64Counter
	NodeEvicted           metric.Int64Counter
	Recovered             metric.Int64Counter
	MasterPromoted        metric.Int64Counter
	RequestResolved       metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Instrument creation errors fall back to noop
// instruments per the OTel API contract.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	return &MetricsExtension{
		SubscriptionStarted:   counter("fabric.subscription.started", "Subscriptions started"),
		SubscriptionStopped:   counter("fabric.subscription.stopped", "Subscriptions stopped"),
		SubscriptionSucceeded: counter("fabric.subscription.succeeded", "Successful subscription events"),
		SubscriptionFailed:    counter("fabric.subscription.failed", "Failed subscription events"),
		NodeJoined:            counter("fabric.node.joined", "Nodes that joined the membership table"),
		NodeEvicted:           counter("fabric.node.evicted", "Nodes evicted for inactivity"),
		Recovered:             counter("fabric.subscription.recovered", "Subscriptions queued for recovery"),
		MasterPromoted:        counter("fabric.master.promoted", "Master role acquisitions"),
		RequestResolved:       counter("fabric.request.resolved", "Allocation requests resolved"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Subscription lifecycle hooks ────────────────────

// OnSubscriptionStarted implements ext.SubscriptionStarted.
func (m *MetricsExtension) OnSubscriptionStarted(ctx context.Context, _, kind string) error {
	m.SubscriptionStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	return nil
}

// OnSubscriptionStopped implements ext.SubscriptionStopped.
func (m *MetricsExtension) OnSubscriptionStopped(ctx context.Context, _ string) error {
	m.SubscriptionStopped.Add(ctx, 1)
	return nil
}

// OnSubscriptionSucceeded implements ext.SubscriptionSucceeded.
func (m *MetricsExtension) OnSubscriptionSucceeded(ctx context.Context, _ string, _ time.Duration) error {
	m.SubscriptionSucceeded.Add(ctx, 1)
	return nil
}

// OnSubscriptionFailed implements ext.SubscriptionFailed.
func (m *MetricsExtension) OnSubscriptionFailed(ctx context.Context, _ string, _ error) error {
	m.SubscriptionFailed.Add(ctx, 1)
	return nil
}

// ── Cluster lifecycle hooks ─────────────────────────

// OnNodeJoined implements ext.NodeJoined.
func (m *MetricsExtension) OnNodeJoined(ctx context.Context, _ string) error {
	m.NodeJoined.Add(ctx, 1)
	return nil
}

// OnNodeEvicted implements ext.NodeEvicted.
func (m *MetricsExtension) OnNodeEvicted(ctx context.Context, _ string, subs []string) error {
	m.NodeEvicted.Add(ctx, 1)
	if len(subs) > 0 {
		m.Recovered.Add(ctx, int64(len(subs)))
	}
	return nil
}

// OnMasterPromoted implements ext.MasterPromoted.
func (m *MetricsExtension) OnMasterPromoted(ctx context.Context, _ string) error {
	m.MasterPromoted.Add(ctx, 1)
	return nil
}

// OnRequestResolved implements ext.RequestResolved.
func (m *MetricsExtension) OnRequestResolved(ctx context.Context, _ id.RequestID, status string) error {
	m.RequestResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	return nil
}
