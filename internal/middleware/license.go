package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"amposlicense/internal/license"
)

// Verifier runs a license verification
type Verifier interface {
	Verify(ctx context.Context, force bool) license.Result
}

// GuardConfig configures LicenseGuard
type GuardConfig struct {
	// Support is shown in license failure payloads
	Support string
	// CacheTTL keeps a valid result for this long; zero verifies on every
	// request. Failures are never cached.
	CacheTTL time.Duration
	// ExcludePaths are served without a license (exact match or, with a
	// trailing slash, prefix match)
	ExcludePaths []string
	Logger       *slog.Logger
}

// LicenseGuard blocks the wrapped handler unless the license verifies. A
// tamper outcome is rendered as the security violation payload and a
// license failure as the validation failure payload, both with 403; the
// next handler is never called in either case.
type LicenseGuard struct {
	verifier Verifier
	cfg      GuardConfig
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	validTill time.Time
}

// NewLicenseGuard creates a guard around verifier
func NewLicenseGuard(verifier Verifier, cfg GuardConfig) *LicenseGuard {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseGuard{
		verifier: verifier,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "license_guard")),
		now:      time.Now,
	}
}

// Invalidate drops a cached valid result
func (g *LicenseGuard) Invalidate() {
	g.mu.Lock()
	g.validTill = time.Time{}
	g.mu.Unlock()
}

// Handler returns the middleware handler function
func (g *LicenseGuard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := otel.Tracer("amposlicense/middleware").Start(r.Context(), "license_guard",
			trace.WithAttributes(attribute.String("http.path", r.URL.Path)))
		defer span.End()

		if g.cachedValid() {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			next.ServeHTTP(w, r)
			return
		}

		res := g.verifier.Verify(ctx, false)
		span.SetAttributes(
			attribute.String("license.state", string(res.State)),
			attribute.String("license.source", string(res.Source)),
		)

		if te, ok := res.TamperError(); ok {
			g.Invalidate()
			g.logger.ErrorContext(ctx, "request blocked: integrity violation",
				slog.Bool("security_alert", true),
				slog.String("path", r.URL.Path),
				slog.String("reason", te.Reason))
			payload := te.Payload
			_ = render.Render(w, r, &payload)
			return
		}
		if !res.Valid() {
			g.Invalidate()
			g.logger.WarnContext(ctx, "request blocked: license not valid",
				slog.String("path", r.URL.Path),
				slog.String("reason", res.Reason))
			_ = render.Render(w, r, res.FailurePayload(g.cfg.Support))
			return
		}

		g.remember()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *LicenseGuard) cachedValid() bool {
	if g.cfg.CacheTTL <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Before(g.validTill)
}

func (g *LicenseGuard) remember() {
	if g.cfg.CacheTTL <= 0 {
		return
	}
	g.mu.Lock()
	g.validTill = g.now().Add(g.cfg.CacheTTL)
	g.mu.Unlock()
}

func (g *LicenseGuard) excluded(path string) bool {
	for _, p := range g.cfg.ExcludePaths {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return true
		}
	}
	return false
}
