package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amposlicense/internal/config"
	"amposlicense/internal/middleware"
	"amposlicense/internal/portal"
	"amposlicense/pkg/contracts/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	cfg.Portal.DBPath = fmt.Sprintf("file:app_%s?mode=memory&cache=shared", name)
	cfg.Portal.JWTSecret = testSecret
	cfg.Portal.Port = 0
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "prometheus"
	cfg.SMTP.Host = ""
	cfg.Sheets.Enabled = false
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	a, err := NewApplication(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		a.WebSocketHub.Stop()
		_ = a.Store.Close()
	})
	return a
}

func do(a *Application, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, req)
	return rec
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := middleware.IssueAdminToken([]byte(testSecret), "ops@example.com", time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func TestApplicationHealthEndpoints(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	assert.Equal(t, http.StatusOK, do(a, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	assert.Equal(t, http.StatusOK, do(a, httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)

	rec := do(a, httptest.NewRequest(http.MethodGet, "/api/v1/version", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "api_version")

	rec = do(a, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ampos_http_requests")
}

func TestApplicationSecurityHeadersAndRequestID(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	rec := do(a, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestApplicationNotFoundProblem(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	rec := do(a, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "/problems/not-found")
}

func TestApplicationAdminRequiresToken(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	rec := do(a, httptest.NewRequest(http.MethodGet, "/api/v1/admin/licenses", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/licenses", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rec = do(a, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestApplicationAdminDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Portal.JWTSecret = ""
	a := newTestApp(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/licenses", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	assert.Equal(t, http.StatusUnauthorized, do(a, req).Code)
}

func TestApplicationCheckInAndTamperFlow(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	customer := &portal.Customer{Email: "owner@example.com"}
	require.NoError(t, a.Services.Admin.CreateCustomer(ctx, customer))
	product := &portal.Product{Name: "AMPOS Pro", MaxDevices: 1, LicenseDurationDays: 30}
	require.NoError(t, a.Services.Admin.CreateProduct(ctx, product))
	lic, err := a.Services.Admin.GenerateLicense(ctx, customer.ID, product.ID, "")
	require.NoError(t, err)

	checkIn := func() domain.CheckInResponse {
		body, err := json.Marshal(domain.CheckInRequest{
			LicenseKey: lic.LicenseKey,
			Checksum:   strings.Repeat("ab", 32),
			DeviceID:   "device-1",
			Version:    "2.4.0",
			Timestamp:  time.Now().Unix(),
		})
		require.NoError(t, err)
		rec := do(a, httptest.NewRequest(http.MethodPost, "/api/v1/licenses/check-in", bytes.NewReader(body)))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp domain.CheckInResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}
	assert.True(t, checkIn().Valid)

	alert, err := json.Marshal(domain.SecurityAlert{
		LicenseKey: lic.LicenseKey,
		Event:      domain.EventTamperingDetected,
		Reason:     "checksum_mismatch",
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/security/alerts", bytes.NewReader(alert))
	req.Header.Set("Origin", "https://shop.example.com")
	rec := do(a, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	resp := checkIn()
	assert.False(t, resp.Valid)
	assert.Equal(t, domain.ReasonSuspended, resp.Reason)
}

func TestApplicationAlertPreflight(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/security/alerts", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := do(a, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestApplicationRateLimitsPublicRoutes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Portal.RateLimit = config.RateLimitConfig{Enabled: true, RPS: 0.001, Burst: 1}
	a := newTestApp(t, cfg)

	first := do(a, httptest.NewRequest(http.MethodPost, "/api/v1/licenses/check-in", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, first.Code)
	second := do(a, httptest.NewRequest(http.MethodPost, "/api/v1/licenses/check-in", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// health is not limited
	assert.Equal(t, http.StatusOK, do(a, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

func TestApplicationStopClosesResources(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewApplication(cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)

	require.NoError(t, a.Stop(context.Background()))
	assert.Error(t, a.Store.Ping(context.Background()))
}
