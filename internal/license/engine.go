package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"amposlicense/internal/config"
	"amposlicense/internal/security"
	"amposlicense/pkg/contracts/domain"
)

const (
	// DefaultRefreshAfter is the cache age at which an online check is due
	DefaultRefreshAfter = 24 * time.Hour
	// DefaultGracePeriod is how long a verdict survives portal outages
	DefaultGracePeriod = 7 * 24 * time.Hour

	tracerName = "amposlicense/license"
)

// Options describes what the Engine protects and how it ages verdicts
type Options struct {
	LicenseKey     string
	BaseDir        string
	ProtectedFiles []string
	SelfPath       string
	Version        string
	RefreshAfter   time.Duration
	GracePeriod    time.Duration
	// GraceOnRejection lets a verdict inside the grace period absorb a
	// portal rejection other than checksum_mismatch.
	GraceOnRejection bool
}

// Engine verifies the license of one installation. It holds no mutable
// state and may be shared between goroutines.
type Engine struct {
	opts    Options
	portal  Portal
	store   *Store
	tamper  *TamperResponder
	device  security.DeviceIdentity
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option customises an Engine
type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metric instruments
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDevice overrides the detected host identity
func WithDevice(d security.DeviceIdentity) Option {
	return func(e *Engine) { e.device = d }
}

// NewEngine wires an Engine from its collaborators
func NewEngine(opts Options, portal Portal, store *Store, options ...Option) *Engine {
	if opts.RefreshAfter <= 0 {
		opts.RefreshAfter = DefaultRefreshAfter
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	e := &Engine{
		opts:   opts,
		portal: portal,
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, o := range options {
		o(e)
	}
	if e.device.ID == "" {
		e.device = security.CurrentDevice()
	}
	if e.metrics == nil {
		m, err := NewMetrics(nil)
		if err != nil {
			m, _ = NewMetrics(noop.Meter{})
		}
		e.metrics = m
	}
	e.tamper = &TamperResponder{
		portal:     portal,
		store:      store,
		licenseKey: opts.LicenseKey,
		device:     e.device,
		logger:     e.logger,
		metrics:    e.metrics,
		now:        e.now,
	}
	return e
}

// New builds an Engine, its Store and a PortalClient from configuration.
// licenseKey must already be resolved with Config.ResolveLicenseKey.
func New(cfg config.ClientConfig, licenseKey string, options ...Option) (*Engine, error) {
	probe := &Engine{logger: slog.Default()}
	for _, o := range options {
		o(probe)
	}
	device := probe.device
	if device.ID == "" {
		device = security.CurrentDevice()
	}

	dir := cfg.CacheDir
	if dir == "" {
		dir = DefaultCacheDir()
	}
	store, err := NewStore(dir, licenseKey, security.DeriveKey(licenseKey, device.ID))
	if err != nil {
		return nil, err
	}

	client, err := NewPortalClient(PortalClientConfig{
		BaseURL:        cfg.PortalURL,
		Version:        cfg.Version,
		ConnectTimeout: cfg.ConnectTimeout,
		CheckInTimeout: cfg.CheckInTimeout,
		ReportTimeout:  cfg.ReportTimeout,
		Pins:           cfg.PinnedKeys,
	}, probe.logger)
	if err != nil {
		return nil, err
	}

	self := cfg.SelfPath
	if self == "" {
		self = security.SelfPath()
	}
	opts := Options{
		LicenseKey:       licenseKey,
		BaseDir:          cfg.BaseDir,
		ProtectedFiles:   cfg.ProtectedFiles,
		SelfPath:         self,
		Version:          cfg.Version,
		RefreshAfter:     cfg.RefreshAfter,
		GracePeriod:      cfg.GracePeriod,
		GraceOnRejection: cfg.GraceOnRejection,
	}
	return NewEngine(opts, client, store, append([]Option{WithDevice(device)}, options...)...), nil
}

// Verify runs the verification state machine. force skips the cache and
// always checks in with the portal.
func (e *Engine) Verify(ctx context.Context, force bool) (res Result) {
	ctx, span := e.tracer.Start(ctx, "license.Verify", trace.WithAttributes(attribute.Bool("force", force)))
	defer span.End()

	res.enter(StateStart)
	defer func() {
		if r := recover(); r != nil {
			res = e.recoverWithGrace(ctx, res, fmt.Errorf("panic during verification: %v", r))
		}
		e.record(ctx, span, res)
	}()

	res.enter(StateIntegrityCheck)
	sum, err := security.ComputeChecksum(e.opts.BaseDir, e.opts.ProtectedFiles, e.opts.SelfPath)
	if err != nil {
		return e.recoverWithGrace(ctx, res, fmt.Errorf("checksum computation failed: %w", err))
	}
	stored, ok := e.store.LoadChecksum()
	switch {
	case !ok:
		if err := e.store.SaveChecksum(sum); err != nil {
			logAction(ctx, e.logger, slog.LevelWarn, "checksum_store", "failed", slog.String("error", err.Error()))
		} else {
			logAction(ctx, e.logger, slog.LevelInfo, "checksum_store", "bootstrapped")
		}
	case !security.SecureCompare([]byte(stored), []byte(sum)):
		res.enter(StateTampered)
		te := e.tamper.Respond(ctx, "local", "Local file integrity check failed")
		return e.finish(res, StateInvalid, SourceNone, nil, domain.ReasonChecksumMismatch, te)
	}

	if e.opts.LicenseKey == "" {
		res.enter(StateLicenseMissing)
		logAction(ctx, e.logger, slog.LevelError, "verify", "license_missing")
		return e.finish(res, StateInvalid, SourceNone, nil, "license key not configured", ErrNoLicenseKey)
	}

	res.enter(StateCacheLookup)
	cached, hasCache := e.store.Load()
	if force || !hasCache || e.refreshDue(cached) {
		res.enter(StateOnlineCheck)
		return e.online(ctx, res, sum, cached)
	}

	res.enter(StateCachedDecision)
	return e.cachedDecision(ctx, res, cached)
}

// Refresh forces an online check
func (e *Engine) Refresh(ctx context.Context) Result {
	return e.Verify(ctx, true)
}

// LicenseInfo returns the license from the cached verdict, if any
func (e *Engine) LicenseInfo() (*domain.LicenseInfo, bool) {
	v, ok := e.store.Load()
	if !ok {
		return nil, false
	}
	info := v.License
	return &info, true
}

// CachedAt returns when the cached verdict was written
func (e *Engine) CachedAt() (time.Time, bool) {
	v, ok := e.store.Load()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(v.CachedAt, 0), true
}

// ClearCache removes the cached verdict and stored checksum
func (e *Engine) ClearCache() error {
	return e.store.Clear()
}

// Device returns the host identity used for check-ins
func (e *Engine) Device() security.DeviceIdentity {
	return e.device
}

// refreshDue is inclusive: a verdict exactly RefreshAfter old is refreshed.
// A verdict dated in the future is treated as stale.
func (e *Engine) refreshDue(v *CachedVerdict) bool {
	age := v.Age(e.now())
	return age < 0 || age >= e.opts.RefreshAfter
}

// withinGrace is inclusive: a verdict exactly GracePeriod old still counts.
func (e *Engine) withinGrace(v *CachedVerdict) bool {
	if v == nil || !v.Valid {
		return false
	}
	age := v.Age(e.now())
	return age >= 0 && age <= e.opts.GracePeriod
}

func (e *Engine) online(ctx context.Context, res Result, sum string, cached *CachedVerdict) Result {
	req := domain.CheckInRequest{
		LicenseKey: e.opts.LicenseKey,
		Checksum:   sum,
		DeviceID:   e.device.ID,
		Hostname:   e.device.Hostname,
		Version:    e.opts.Version,
		Timestamp:  e.now().Unix(),
	}

	resp, err := e.portal.CheckIn(ctx, req)
	if err != nil {
		e.metrics.add(ctx, e.metrics.OnlineChecks, attribute.String("outcome", "unreachable"))
		logAction(ctx, e.logger, slog.LevelWarn, "check_in", "unreachable", slog.String("error", err.Error()))
		return e.graceFallback(ctx, res, cached, "portal unreachable", err)
	}

	if resp.Valid {
		e.metrics.add(ctx, e.metrics.OnlineChecks, attribute.String("outcome", "valid"))
		verdict := CachedVerdict{Valid: true, CachedAt: e.now().Unix()}
		if resp.License != nil {
			verdict.License = *resp.License
		}
		if err := e.store.Save(verdict); err != nil {
			logAction(ctx, e.logger, slog.LevelWarn, "cache_save", "failed", slog.String("error", err.Error()))
		}
		logAction(ctx, e.logger, slog.LevelInfo, "check_in", "valid",
			slog.String("license", maskLicenseKey(e.opts.LicenseKey)),
			slog.String("status", string(verdict.License.Status)))
		return e.finish(res, StateValid, SourceOnline, &verdict.License, "", nil)
	}

	e.metrics.add(ctx, e.metrics.OnlineChecks, attribute.String("outcome", "rejected"), attribute.String("reason", resp.Reason))
	if resp.Reason == domain.ReasonChecksumMismatch {
		res.enter(StateTampered)
		te := e.tamper.Respond(ctx, "remote", "Remote checksum verification failed")
		return e.finish(res, StateInvalid, SourceOnline, nil, resp.Reason, te)
	}

	logAction(ctx, e.logger, slog.LevelWarn, "check_in", "rejected",
		slog.String("license", maskLicenseKey(e.opts.LicenseKey)),
		slog.String("reason", resp.Reason))
	rejection := fmt.Errorf("%w: %s", ErrLicenseRejected, resp.Reason)
	if e.opts.GraceOnRejection {
		return e.graceFallback(ctx, res, cached, resp.Reason, rejection)
	}
	return e.finish(res, StateInvalid, SourceOnline, nil, resp.Reason, rejection)
}

func (e *Engine) cachedDecision(ctx context.Context, res Result, cached *CachedVerdict) Result {
	if !cached.Valid {
		return e.finish(res, StateInvalid, SourceCache, nil, "cached verdict invalid", ErrLicenseRejected)
	}
	if cached.License.ExpiredAt(e.now()) {
		logAction(ctx, e.logger, slog.LevelWarn, "cached_decision", "expired",
			slog.String("expires_at", cached.License.ExpiresAt))
		return e.finish(res, StateInvalid, SourceCache, nil, domain.ReasonExpired, ErrLicenseExpired)
	}
	info := cached.License
	return e.finish(res, StateValid, SourceCache, &info, "", nil)
}

// graceFallback accepts the existing verdict when it is inside the grace
// period; cause explains why no fresh verdict was obtained.
func (e *Engine) graceFallback(ctx context.Context, res Result, cached *CachedVerdict, reason string, cause error) Result {
	if e.withinGrace(cached) {
		e.metrics.add(ctx, e.metrics.GraceFallbacks)
		logAction(ctx, e.logger, slog.LevelWarn, "grace_period", "accepted",
			slog.String("reason", reason),
			slog.Duration("cache_age", cached.Age(e.now())),
			slog.String("cause", cause.Error()))
		info := cached.License
		return e.finish(res, StateValid, SourceGrace, &info, reason, nil)
	}
	logAction(ctx, e.logger, slog.LevelError, "grace_period", "exhausted",
		slog.String("reason", reason),
		slog.String("cause", cause.Error()))
	return e.finish(res, StateInvalid, SourceNone, nil, reason, fmt.Errorf("%w: %w", ErrGraceExpired, cause))
}

// recoverWithGrace handles unexpected failures by attempting one grace
// fallback against whatever cache is readable.
func (e *Engine) recoverWithGrace(ctx context.Context, res Result, cause error) Result {
	logAction(ctx, e.logger, slog.LevelError, "verify", "internal_error", slog.String("error", cause.Error()))

	var cached *CachedVerdict
	func() {
		defer func() { _ = recover() }()
		cached, _ = e.store.Load()
	}()
	return e.graceFallback(ctx, res, cached, "internal error", cause)
}

func (e *Engine) finish(res Result, final State, src Source, info *domain.LicenseInfo, reason string, err error) Result {
	res.enter(final)
	res.Source = src
	res.License = info
	res.Reason = reason
	res.Err = err
	return res
}

func (e *Engine) record(ctx context.Context, span trace.Span, res Result) {
	e.metrics.add(ctx, e.metrics.Verifications,
		attribute.String("state", string(res.State)),
		attribute.String("source", string(res.Source)))
	span.SetAttributes(
		attribute.String("license.state", string(res.State)),
		attribute.String("license.source", string(res.Source)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
}
