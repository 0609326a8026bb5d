package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/dlq"
	"github.com/xraph/switchboard/ext"
	"github.com/xraph/switchboard/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*MetricsExtension)(nil)
	_ ext.EventRouted         = (*MetricsExtension)(nil)
	_ ext.RouteFailed         = (*MetricsExtension)(nil)
	_ ext.StepDispatched      = (*MetricsExtension)(nil)
	_ ext.StepSkipped         = (*MetricsExtension)(nil)
	_ ext.ClientConnected     = (*MetricsExtension)(nil)
	_ ext.ClientDisconnected  = (*MetricsExtension)(nil)
	_ ext.ClientRejected      = (*MetricsExtension)(nil)
	_ ext.RateLimited         = (*MetricsExtension)(nil)
	_ ext.MessageDeadLettered = (*MetricsExtension)(nil)
	_ ext.ChannelReconnected  = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/switchboard/observability"

// MetricsExtension records system-wide lifecycle metrics with OTel
// instruments. Register it on the extension registry to track routing
// outcomes, step assignment, sessions, dead letters, and store reconnects.
type MetricsExtension struct {
	EventsRouted      metric.Int64Counter
	RouteFailures     metric.Int64Counter
	StepsDispatched   metric.Int64Counter
	StepsSkipped      metric.Int64Counter
	ClientsConnected  metric.Int64Counter
	ClientsRejected   metric.Int64Counter
	ActiveSessions    metric.Int64UpDownCounter
	RateLimited       metric.Int64Counter
	DeadLettered      metric.Int64Counter
	ChannelReconnects metric.Int64Counter
	RouteLatency      metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. On error the API returns noop instruments.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	m.EventsRouted, _ = meter.Int64Counter("switchboard.events.routed",
		metric.WithDescription("Events that started a workflow instance"))
	m.RouteFailures, _ = meter.Int64Counter("switchboard.events.failed",
		metric.WithDescription("Events that could not be routed"))
	m.StepsDispatched, _ = meter.Int64Counter("switchboard.steps.dispatched",
		metric.WithDescription("Steps queued for a worker"))
	m.StepsSkipped, _ = meter.Int64Counter("switchboard.steps.skipped",
		metric.WithDescription("Steps with no assignable worker"))
	m.ClientsConnected, _ = meter.Int64Counter("switchboard.clients.connected",
		metric.WithDescription("Socket sessions registered"))
	m.ClientsRejected, _ = meter.Int64Counter("switchboard.clients.rejected",
		metric.WithDescription("Connections refused for an invalid credential"))
	m.ActiveSessions, _ = meter.Int64UpDownCounter("switchboard.clients.active",
		metric.WithDescription("Live socket sessions"))
	m.RateLimited, _ = meter.Int64Counter("switchboard.clients.rate_limited",
		metric.WithDescription("Events rejected by the per-session rate limit"))
	m.DeadLettered, _ = meter.Int64Counter("switchboard.messages.dead_lettered",
		metric.WithDescription("Bus messages published to the dead-letter topic"))
	m.ChannelReconnects, _ = meter.Int64Counter("switchboard.channel.reconnects",
		metric.WithDescription("Store link recoveries"))
	m.RouteLatency, _ = meter.Float64Histogram("switchboard.events.route_latency",
		metric.WithDescription("Time to start a workflow instance"),
		metric.WithUnit("s"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Routing hooks ───────────────────────────────────

// OnEventRouted implements ext.EventRouted.
func (m *MetricsExtension) OnEventRouted(ctx context.Context, ev *workflow.Event, _, _ string, elapsed time.Duration) error {
	attrs := metric.WithAttributes(attribute.String("source", ev.Source))
	m.EventsRouted.Add(ctx, 1, attrs)
	m.RouteLatency.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnRouteFailed implements ext.RouteFailed.
func (m *MetricsExtension) OnRouteFailed(ctx context.Context, ev *workflow.Event, err error) error {
	m.RouteFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", ev.Source),
		attribute.String("code", switchboard.Code(err)),
	))
	return nil
}

// OnStepDispatched implements ext.StepDispatched.
func (m *MetricsExtension) OnStepDispatched(ctx context.Context, _ string, _ *workflow.Step, _ workflow.Worker) error {
	m.StepsDispatched.Add(ctx, 1)
	return nil
}

// OnStepSkipped implements ext.StepSkipped.
func (m *MetricsExtension) OnStepSkipped(ctx context.Context, _ string, _ *workflow.Step, reason string) error {
	m.StepsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	return nil
}

// ── Connection hooks ────────────────────────────────

// OnClientConnected implements ext.ClientConnected.
func (m *MetricsExtension) OnClientConnected(ctx context.Context, _ string, authenticated bool) error {
	m.ClientsConnected.Add(ctx, 1, metric.WithAttributes(attribute.Bool("authenticated", authenticated)))
	m.ActiveSessions.Add(ctx, 1)
	return nil
}

// OnClientDisconnected implements ext.ClientDisconnected.
func (m *MetricsExtension) OnClientDisconnected(ctx context.Context, _, _ string) error {
	m.ActiveSessions.Add(ctx, -1)
	return nil
}

// OnClientRejected implements ext.ClientRejected.
func (m *MetricsExtension) OnClientRejected(ctx context.Context, _ string, _ error) error {
	m.ClientsRejected.Add(ctx, 1)
	return nil
}

// OnRateLimited implements ext.RateLimited.
func (m *MetricsExtension) OnRateLimited(ctx context.Context, _, _ string) error {
	m.RateLimited.Add(ctx, 1)
	return nil
}

// ── Other hooks ─────────────────────────────────────

// OnMessageDeadLettered implements ext.MessageDeadLettered.
func (m *MetricsExtension) OnMessageDeadLettered(ctx context.Context, entry *dlq.Entry) error {
	m.DeadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", entry.OriginalMessage.Topic)))
	return nil
}

// OnChannelReconnected implements ext.ChannelReconnected.
func (m *MetricsExtension) OnChannelReconnected(ctx context.Context, _ int) error {
	m.ChannelReconnects.Add(ctx, 1)
	return nil
}
