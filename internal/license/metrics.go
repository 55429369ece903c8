package license

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the client metrics
const MeterName = "amposlicense/license"

// Metrics holds the client's OpenTelemetry instruments
type Metrics struct {
	Verifications  metric.Int64Counter
	OnlineChecks   metric.Int64Counter
	GraceFallbacks metric.Int64Counter
	TamperEvents   metric.Int64Counter
	BestEffortRuns metric.Int64Counter
}

// NewMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	var (
		m   Metrics
		err error
	)
	if m.Verifications, err = meter.Int64Counter("ampos_license_verifications_total",
		metric.WithDescription("License verifications by final state and source")); err != nil {
		return nil, err
	}
	if m.OnlineChecks, err = meter.Int64Counter("ampos_license_online_checks_total",
		metric.WithDescription("Portal check-ins by outcome")); err != nil {
		return nil, err
	}
	if m.GraceFallbacks, err = meter.Int64Counter("ampos_license_grace_fallbacks_total",
		metric.WithDescription("Verdicts served from the offline grace period")); err != nil {
		return nil, err
	}
	if m.TamperEvents, err = meter.Int64Counter("ampos_license_tamper_events_total",
		metric.WithDescription("Integrity violations by origin")); err != nil {
		return nil, err
	}
	if m.BestEffortRuns, err = meter.Int64Counter("ampos_license_best_effort_total",
		metric.WithDescription("Best-effort side effects by name and result")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}
