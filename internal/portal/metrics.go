package portal

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the portal metrics
const MeterName = "amposlicense/portal"

// Metrics holds the portal's OpenTelemetry instruments
type Metrics struct {
	CheckIns    metric.Int64Counter
	Incidents   metric.Int64Counter
	Suspensions metric.Int64Counter
	Notices     metric.Int64Counter
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
	if m.CheckIns, err = meter.Int64Counter("ampos_portal_checkins_total",
		metric.WithDescription("Client check-ins by outcome")); err != nil {
		return nil, err
	}
	if m.Incidents, err = meter.Int64Counter("ampos_portal_incidents_total",
		metric.WithDescription("Security incidents recorded by event")); err != nil {
		return nil, err
	}
	if m.Suspensions, err = meter.Int64Counter("ampos_portal_suspensions_total",
		metric.WithDescription("Licenses suspended automatically")); err != nil {
		return nil, err
	}
	if m.Notices, err = meter.Int64Counter("ampos_portal_notifications_total",
		metric.WithDescription("Security notices by recipient and result")); err != nil {
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
