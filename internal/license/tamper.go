package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"amposlicense/internal/security"
	"amposlicense/pkg/contracts/domain"
)

// TamperResponder runs the fixed response to an integrity violation: alert
// log, best-effort report, cache wipe, terminal payload.
type TamperResponder struct {
	portal     Portal
	store      *Store
	licenseKey string
	device     security.DeviceIdentity
	logger     *slog.Logger
	metrics    *Metrics
	now        func() time.Time
}

// Respond never fails; the returned error is what the host must surface.
func (t *TamperResponder) Respond(ctx context.Context, origin, reason string) *TamperError {
	t.metrics.add(ctx, t.metrics.TamperEvents, attribute.String("origin", origin))

	t.logger.LogAttrs(ctx, slog.LevelError, "SECURITY ALERT: tampering detected",
		slog.String("component", component),
		slog.Bool("security_alert", true),
		slog.String("origin", origin),
		slog.String("reason", reason),
		slog.String("license", maskLicenseKey(t.licenseKey)),
		slog.String("device_id", t.device.ID),
		slog.String("hostname", t.device.Hostname),
	)

	alert := domain.SecurityAlert{
		LicenseKey: t.licenseKey,
		Event:      domain.EventTamperingDetected,
		Reason:     reason,
		DeviceID:   t.device.ID,
		Hostname:   t.device.Hostname,
		Timestamp:  t.now().Unix(),
	}
	t.bestEffort(ctx, "tamper_report", func(ctx context.Context) error {
		return t.portal.ReportTamper(ctx, alert)
	})

	t.bestEffort(ctx, "cache_clear", func(context.Context) error {
		return t.store.Clear()
	})

	return newTamperError(reason)
}

// bestEffort runs fn, records the attempt and discards any error or panic.
func (t *TamperResponder) bestEffort(ctx context.Context, name string, fn func(context.Context) error) {
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			t.logger.WarnContext(ctx, "best-effort action panicked",
				slog.String("component", component),
				slog.String("action", name),
				slog.String("panic", fmt.Sprint(r)))
		}
		t.metrics.add(ctx, t.metrics.BestEffortRuns,
			attribute.String("name", name), attribute.String("result", result))
	}()

	if err := fn(ctx); err != nil {
		result = "error"
		t.logger.WarnContext(ctx, "best-effort action failed",
			slog.String("component", component),
			slog.String("action", name),
			slog.String("error", err.Error()))
	}
}
