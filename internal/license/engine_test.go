package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amposlicense/internal/security"
	"amposlicense/pkg/contracts/domain"
)

const testKey = "AMPOS-1A2B3-C4D5E-6F7A8-9B0C1"

var errTimeout = fmt.Errorf("%w: context deadline exceeded", ErrPortalUnreachable)

type fakePortal struct {
	mu        sync.Mutex
	resp      *domain.CheckInResponse
	err       error
	panicMsg  string
	reportErr error
	checkIns  []domain.CheckInRequest
	alerts    []domain.SecurityAlert
}

func (f *fakePortal) CheckIn(_ context.Context, req domain.CheckInRequest) (*domain.CheckInResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkIns = append(f.checkIns, req)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.resp, f.err
}

func (f *fakePortal) ReportTamper(_ context.Context, alert domain.SecurityAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return f.reportErr
}

func (f *fakePortal) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.checkIns), len(f.alerts)
}

func validResponse() *domain.CheckInResponse {
	return &domain.CheckInResponse{
		Valid: true,
		License: &domain.LicenseInfo{
			LicenseKey: testKey,
			Status:     domain.LicenseStatusActive,
			MaxDevices: 1,
			ExpiresAt:  "2030-01-01T00:00:00Z",
		},
	}
}

type harness struct {
	t      *testing.T
	base   string
	files  []string
	now    time.Time
	portal *fakePortal
	store  *Store
	logs   *bytes.Buffer
	opts   Options
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		base:   t.TempDir(),
		files:  []string{"ampos.yaml", "web/index.html"},
		now:    time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		portal: &fakePortal{resp: validResponse()},
		logs:   &bytes.Buffer{},
	}
	h.writeFile("ampos.yaml", "client:\n  version: 2.0.0\n")
	h.writeFile("web/index.html", "<html>dashboard</html>")

	store, err := NewStore(t.TempDir(), testKey, security.DeriveKey(testKey, "device-1"))
	require.NoError(t, err)
	h.store = store
	h.opts = Options{
		LicenseKey:       testKey,
		BaseDir:          h.base,
		ProtectedFiles:   h.files,
		Version:          "2.0.0",
		GraceOnRejection: true,
	}
	return h
}

func (h *harness) writeFile(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.base, rel)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0644))
}

func (h *harness) engine() *Engine {
	logger := slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewEngine(h.opts, h.portal, h.store,
		WithClock(func() time.Time { return h.now }),
		WithLogger(logger),
		WithDevice(security.DeviceIdentity{ID: "device-1", Hostname: "host-1"}),
	)
}

// seed stores the current checksum and a valid verdict of the given age.
func (h *harness) seed(age time.Duration) {
	h.t.Helper()
	sum, err := security.ComputeChecksum(h.base, h.files, "")
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.SaveChecksum(sum))
	require.NoError(h.t, h.store.Save(CachedVerdict{
		Valid:    true,
		License:  *validResponse().License,
		CachedAt: h.now.Add(-age).Unix(),
	}))
}

func (h *harness) logContains(level, substr string) bool {
	for _, line := range strings.Split(strings.TrimSpace(h.logs.String()), "\n") {
		var entry map[string]any
		if json.Unmarshal([]byte(line), &entry) != nil {
			continue
		}
		if entry["level"] == level && strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

func TestVerifyBootstrapsChecksum(t *testing.T) {
	h := newHarness(t)
	_, ok := h.store.LoadChecksum()
	require.False(t, ok)

	res := h.engine().Verify(context.Background(), false)
	assert.True(t, res.Valid())

	stored, ok := h.store.LoadChecksum()
	require.True(t, ok)
	want, err := security.ComputeChecksum(h.base, h.files, "")
	require.NoError(t, err)
	assert.Equal(t, want, stored)
}

func TestVerifyWithoutLicenseKeyFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.opts.LicenseKey = ""

	res := h.engine().Verify(context.Background(), false)

	assert.Equal(t, StateInvalid, res.State)
	assert.ErrorIs(t, res.Err, ErrNoLicenseKey)
	assert.Contains(t, res.Path, StateLicenseMissing)
	checkIns, _ := h.portal.calls()
	assert.Zero(t, checkIns)
}

func TestVerifyFreshInstallChecksInAndCaches(t *testing.T) {
	h := newHarness(t)

	res := h.engine().Verify(context.Background(), false)

	require.True(t, res.Valid())
	assert.Equal(t, SourceOnline, res.Source)
	assert.Equal(t, []State{StateStart, StateIntegrityCheck, StateCacheLookup, StateOnlineCheck, StateValid}, res.Path)

	cached, ok := h.store.Load()
	require.True(t, ok)
	assert.True(t, cached.Valid)
	assert.Equal(t, h.now.Unix(), cached.CachedAt)
	assert.Equal(t, testKey, cached.License.LicenseKey)

	require.Len(t, h.portal.checkIns, 1)
	req := h.portal.checkIns[0]
	assert.Equal(t, testKey, req.LicenseKey)
	assert.Equal(t, "device-1", req.DeviceID)
	assert.Equal(t, "host-1", req.Hostname)
	assert.Len(t, req.Checksum, 64)
}

func TestVerifyValidVerdictWithoutLicenseDetails(t *testing.T) {
	h := newHarness(t)
	h.portal.resp = &domain.CheckInResponse{Valid: true}

	res := h.engine().Verify(context.Background(), false)

	require.True(t, res.Valid())
	assert.Equal(t, SourceOnline, res.Source)
	require.NotNil(t, res.License)
	assert.Empty(t, res.License.LicenseKey)

	cached, ok := h.store.Load()
	require.True(t, ok)
	assert.True(t, cached.Valid)
	assert.Equal(t, h.now.Unix(), cached.CachedAt)

	h.now = h.now.Add(time.Hour)
	res = h.engine().Verify(context.Background(), false)
	require.True(t, res.Valid())
	assert.Equal(t, SourceCache, res.Source)
	checkIns, _ := h.portal.calls()
	assert.Equal(t, 1, checkIns)
}

func TestVerifyUnreachablePortalWithinGrace(t *testing.T) {
	h := newHarness(t)
	h.seed(3 * 24 * time.Hour)
	h.portal.resp, h.portal.err = nil, errTimeout

	res := h.engine().Verify(context.Background(), false)

	assert.True(t, res.Valid())
	assert.Equal(t, SourceGrace, res.Source)
	assert.True(t, h.logContains("WARN", "grace_period"))

	cached, ok := h.store.Load()
	require.True(t, ok)
	assert.Equal(t, h.now.Add(-3*24*time.Hour).Unix(), cached.CachedAt, "grace must not refresh cached_at")
}

func TestVerifyUnreachablePortalAfterGrace(t *testing.T) {
	h := newHarness(t)
	h.seed(10 * 24 * time.Hour)
	h.portal.resp, h.portal.err = nil, errTimeout

	res := h.engine().Verify(context.Background(), false)

	assert.Equal(t, StateInvalid, res.State)
	assert.ErrorIs(t, res.Err, ErrGraceExpired)
	assert.ErrorIs(t, res.Err, ErrPortalUnreachable)
	assert.False(t, res.Tampered())
}

func TestVerifyLocalTamperingWipesCacheAndReports(t *testing.T) {
	h := newHarness(t)
	h.seed(time.Hour)
	h.writeFile("web/index.html", "<html>dashboard</html><script>bypass()</script>")

	res := h.engine().Verify(context.Background(), false)

	assert.Equal(t, StateInvalid, res.State)
	assert.Contains(t, res.Path, StateTampered)
	require.True(t, res.Tampered())

	te, ok := res.TamperError()
	require.True(t, ok)
	assert.Equal(t, "SECURITY VIOLATION", te.Payload.Error)
	assert.Equal(t, CodeTamperDetected, te.Payload.Code)
	assert.Equal(t, 403, te.StatusCode())

	_, hasVerdict := h.store.Load()
	_, hasChecksum := h.store.LoadChecksum()
	assert.False(t, hasVerdict)
	assert.False(t, hasChecksum)

	checkIns, alerts := h.portal.calls()
	assert.Zero(t, checkIns)
	require.Equal(t, 1, alerts)
	assert.Equal(t, domain.EventTamperingDetected, h.portal.alerts[0].Event)
	assert.Equal(t, testKey, h.portal.alerts[0].LicenseKey)
	assert.True(t, h.logContains("ERROR", `"security_alert":true`))
}

func TestVerifyTamperReportFailureIsSwallowed(t *testing.T) {
	h := newHarness(t)
	h.seed(time.Hour)
	h.portal.reportErr = errors.New("connection refused")
	h.writeFile("ampos.yaml", "tampered")

	res := h.engine().Verify(context.Background(), false)

	assert.True(t, res.Tampered())
	_, alerts := h.portal.calls()
	assert.Equal(t, 1, alerts, "report attempt must be observable even when it fails")
	assert.True(t, h.logContains("WARN", "best-effort action failed"))
}

func TestVerifyTamperWithoutLicenseKeyStillReports(t *testing.T) {
	h := newHarness(t)
	h.seed(time.Hour)
	h.opts.LicenseKey = ""
	h.writeFile("ampos.yaml", "tampered")

	res := h.engine().Verify(context.Background(), false)

	assert.True(t, res.Tampered())
	assert.NotContains(t, res.Path, StateLicenseMissing)
	_, alerts := h.portal.calls()
	require.Equal(t, 1, alerts)
	assert.Empty(t, h.portal.alerts[0].LicenseKey)
	assert.Equal(t, domain.EventTamperingDetected, h.portal.alerts[0].Event)
}

func TestVerifyRemoteChecksumMismatchIsTamper(t *testing.T) {
	h := newHarness(t)
	h.seed(30 * time.Hour)
	h.portal.resp = &domain.CheckInResponse{Valid: false, Reason: domain.ReasonChecksumMismatch}

	res := h.engine().Verify(context.Background(), false)

	assert.Equal(t, StateInvalid, res.State)
	assert.True(t, res.Tampered())
	assert.Equal(t, []State{StateStart, StateIntegrityCheck, StateCacheLookup, StateOnlineCheck, StateTampered, StateInvalid}, res.Path)

	_, hasVerdict := h.store.Load()
	assert.False(t, hasVerdict, "grace period must not absorb a checksum mismatch")
	_, alerts := h.portal.calls()
	assert.Equal(t, 1, alerts)
}

func TestRefreshIntervalBoundary(t *testing.T) {
	tests := []struct {
		name       string
		age        time.Duration
		wantOnline bool
	}{
		{"fresh", time.Minute, false},
		{"just under 24h", 24*time.Hour - time.Second, false},
		{"exactly 24h", 24 * time.Hour, true},
		{"over 24h", 25 * time.Hour, true},
		{"future dated", -time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(tt.age)

			res := h.engine().Verify(context.Background(), false)
			require.True(t, res.Valid())

			checkIns, _ := h.portal.calls()
			if tt.wantOnline {
				assert.Equal(t, 1, checkIns)
				assert.Equal(t, SourceOnline, res.Source)
			} else {
				assert.Zero(t, checkIns)
				assert.Equal(t, SourceCache, res.Source)
			}
		})
	}
}

func TestGracePeriodBoundary(t *testing.T) {
	tests := []struct {
		name  string
		age   time.Duration
		valid bool
	}{
		{"exactly 7 days", 7 * 24 * time.Hour, true},
		{"7 days plus 1s", 7*24*time.Hour + time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.seed(tt.age)
			h.portal.resp, h.portal.err = nil, errTimeout

			res := h.engine().Verify(context.Background(), false)
			assert.Equal(t, tt.valid, res.Valid())
		})
	}
}

func TestForceSkipsFreshCache(t *testing.T) {
	h := newHarness(t)
	h.seed(time.Minute)

	res := h.engine().Refresh(context.Background())

	assert.True(t, res.Valid())
	assert.Equal(t, SourceOnline, res.Source)
	checkIns, _ := h.portal.calls()
	assert.Equal(t, 1, checkIns)
}

func TestRejectionPolicy(t *testing.T) {
	for _, graceOnRejection := range []bool{true, false} {
		t.Run(fmt.Sprintf("grace_on_rejection=%v", graceOnRejection), func(t *testing.T) {
			h := newHarness(t)
			h.opts.GraceOnRejection = graceOnRejection
			h.seed(2 * 24 * time.Hour)
			h.portal.resp = &domain.CheckInResponse{Valid: false, Reason: domain.ReasonSuspended}

			res := h.engine().Verify(context.Background(), false)

			assert.Equal(t, graceOnRejection, res.Valid())
			assert.Equal(t, domain.ReasonSuspended, res.Reason)
			assert.False(t, res.Tampered())
			if !graceOnRejection {
				assert.ErrorIs(t, res.Err, ErrLicenseRejected)
			}
		})
	}
}

func TestRejectionWithoutCacheIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.portal.resp = &domain.CheckInResponse{Valid: false, Reason: domain.ReasonNotFound}

	res := h.engine().Verify(context.Background(), false)

	assert.Equal(t, StateInvalid, res.State)
	payload := res.FailurePayload("support@example.com")
	assert.Equal(t, "License Validation Failed", payload.Error)
	assert.Equal(t, "support@example.com", payload.Support)
	assert.Equal(t, domain.ReasonNotFound, payload.Details)
}

func TestCachedDecisionHonoursExpiry(t *testing.T) {
	h := newHarness(t)
	sum, err := security.ComputeChecksum(h.base, h.files, "")
	require.NoError(t, err)
	require.NoError(t, h.store.SaveChecksum(sum))
	require.NoError(t, h.store.Save(CachedVerdict{
		Valid:    true,
		License:  domain.LicenseInfo{LicenseKey: testKey, Status: domain.LicenseStatusActive, ExpiresAt: "2025-03-09 00:00:00"},
		CachedAt: h.now.Add(-time.Hour).Unix(),
	}))

	res := h.engine().Verify(context.Background(), false)

	assert.Equal(t, StateInvalid, res.State)
	assert.Equal(t, SourceCache, res.Source)
	assert.ErrorIs(t, res.Err, ErrLicenseExpired)
}

func TestCorruptCacheTriggersOnlineCheck(t *testing.T) {
	h := newHarness(t)
	h.seed(time.Hour)
	require.NoError(t, os.WriteFile(h.store.verdictPath, []byte("garbage"), 0600))

	res := h.engine().Verify(context.Background(), false)

	assert.True(t, res.Valid())
	assert.Equal(t, SourceOnline, res.Source)
}

func TestPanicFallsBackToGrace(t *testing.T) {
	h := newHarness(t)
	h.seed(2 * 24 * time.Hour)
	h.portal.panicMsg = "decoder exploded"

	res := h.engine().Verify(context.Background(), false)

	assert.True(t, res.Valid())
	assert.Equal(t, SourceGrace, res.Source)
	assert.True(t, h.logContains("ERROR", "internal_error"))
}

func TestPanicWithoutCacheFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.portal.panicMsg = "boom"

	res := h.engine().Verify(context.Background(), false)

	assert.Equal(t, StateInvalid, res.State)
	assert.ErrorIs(t, res.Err, ErrGraceExpired)
}

func TestLicenseInfoAndClearCache(t *testing.T) {
	h := newHarness(t)
	e := h.engine()

	_, ok := e.LicenseInfo()
	assert.False(t, ok)

	require.True(t, e.Verify(context.Background(), false).Valid())
	info, ok := e.LicenseInfo()
	require.True(t, ok)
	assert.Equal(t, domain.LicenseStatusActive, info.Status)

	at, ok := e.CachedAt()
	require.True(t, ok)
	assert.Equal(t, h.now.Unix(), at.Unix())

	require.NoError(t, e.ClearCache())
	require.NoError(t, e.ClearCache())
	_, ok = e.LicenseInfo()
	assert.False(t, ok)
}
