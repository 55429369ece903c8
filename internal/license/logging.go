package license

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const component = "license_client"

// logAction writes one structured record and mirrors it as a span event
func logAction(ctx context.Context, logger *slog.Logger, level slog.Level, action, result string, attrs ...slog.Attr) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("license."+action, trace.WithAttributes(
			attribute.String("result", result),
		))
	}

	all := make([]slog.Attr, 0, len(attrs)+3)
	all = append(all,
		slog.String("component", component),
		slog.String("action", action),
		slog.String("result", result),
	)
	all = append(all, attrs...)
	logger.LogAttrs(ctx, level, "license "+action, all...)
}

// maskLicenseKey keeps the first and last four characters
func maskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
