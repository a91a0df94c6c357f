package backend

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter                 metric.Meter
	progressStarted       metric.Int64Counter
	progressStopped       metric.Int64Counter
	progressErrors        metric.Int64Counter
	transfersCompleted    metric.Int64Counter
	transfersFailed       metric.Int64Counter
	notificationsSent     metric.Int64Counter
	notificationsReceived metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter
// measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/HenryTangIntel/nixl/backend"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	m := &OTelMetrics{meter: meter}

	var err error
	if m.progressStarted, err = meter.Int64Counter("nixl.backend.progress.started",
		metric.WithDescription("Number of times the progress loop started")); err != nil {
		return nil, err
	}
	if m.progressStopped, err = meter.Int64Counter("nixl.backend.progress.stopped",
		metric.WithDescription("Number of times the progress loop stopped")); err != nil {
		return nil, err
	}
	if m.progressErrors, err = meter.Int64Counter("nixl.backend.progress.errors",
		metric.WithDescription("Number of transport errors surfaced while driving progress")); err != nil {
		return nil, err
	}
	if m.transfersCompleted, err = meter.Int64Counter("nixl.backend.transfers.completed",
		metric.WithDescription("Number of transfer requests reaching the completed state")); err != nil {
		return nil, err
	}
	if m.transfersFailed, err = meter.Int64Counter("nixl.backend.transfers.failed",
		metric.WithDescription("Number of transfer requests reaching the failed state")); err != nil {
		return nil, err
	}
	if m.notificationsSent, err = meter.Int64Counter("nixl.backend.notifications.sent",
		metric.WithDescription("Number of outbound notifications posted")); err != nil {
		return nil, err
	}
	if m.notificationsReceived, err = meter.Int64Counter("nixl.backend.notifications.received",
		metric.WithDescription("Number of inbound notifications delivered")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *OTelMetrics) ProgressLoopStarted(attrs map[string]string) {
	m.progressStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (m *OTelMetrics) ProgressLoopStopped(attrs map[string]string) {
	m.progressStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (m *OTelMetrics) ProgressError(kind string, _ error, attrs map[string]string) {
	kvs := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	m.progressErrors.Add(context.Background(), 1, metric.WithAttributes(kvs...))
}

func (m *OTelMetrics) TransferCompleted(attrs map[string]string) {
	m.transfersCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (m *OTelMetrics) TransferFailed(_ error, attrs map[string]string) {
	m.transfersFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (m *OTelMetrics) NotificationSent(attrs map[string]string) {
	m.notificationsSent.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (m *OTelMetrics) NotificationReceived(attrs map[string]string) {
	m.notificationsReceived.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	return kvs
}
