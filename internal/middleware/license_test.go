package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amposlicense/internal/license"
)

type stubVerifier struct {
	calls  atomic.Int32
	result license.Result
}

func (s *stubVerifier) Verify(context.Context, bool) license.Result {
	s.calls.Add(1)
	return s.result
}

func tamperResult() license.Result {
	te := &license.TamperError{
		Reason: "Local file integrity check failed",
		Payload: license.TamperPayload{
			Error:   "SECURITY VIOLATION",
			Message: "Unauthorized modification detected.",
			Details: "Local file integrity check failed",
			Code:    license.CodeTamperDetected,
		},
	}
	return license.Result{State: license.StateInvalid, Source: license.SourceNone, Err: te}
}

func serveGuard(g *LicenseGuard, path string) (*httptest.ResponseRecorder, bool) {
	called := false
	h := g.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec, called
}

func TestLicenseGuardTamperHalts(t *testing.T) {
	g := NewLicenseGuard(&stubVerifier{result: tamperResult()}, GuardConfig{Logger: discard()})
	rec, called := serveGuard(g, "/")

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "SECURITY VIOLATION", body["error"])
	assert.Equal(t, "AMPOS_TAMPER_DETECTED", body["code"])
	assert.Equal(t, "Local file integrity check failed", body["details"])
	assert.NotEmpty(t, body["message"])
}

func TestLicenseGuardInvalidHalts(t *testing.T) {
	v := &stubVerifier{result: license.Result{State: license.StateInvalid, Reason: "suspended", Err: license.ErrLicenseRejected}}
	g := NewLicenseGuard(v, GuardConfig{Support: "support@example.com", Logger: discard()})
	rec, called := serveGuard(g, "/")

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "License Validation Failed", body["error"])
	assert.Equal(t, "suspended", body["details"])
	assert.Equal(t, "support@example.com", body["support"])
}

func TestLicenseGuardValidPasses(t *testing.T) {
	v := &stubVerifier{result: license.Result{State: license.StateValid, Source: license.SourceCache}}
	g := NewLicenseGuard(v, GuardConfig{Logger: discard()})

	rec, called := serveGuard(g, "/")
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	serveGuard(g, "/")
	assert.Equal(t, int32(2), v.calls.Load(), "without a TTL every request verifies")
}

func TestLicenseGuardCachesValidResult(t *testing.T) {
	v := &stubVerifier{result: license.Result{State: license.StateValid}}
	g := NewLicenseGuard(v, GuardConfig{CacheTTL: time.Minute, Logger: discard()})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	serveGuard(g, "/")
	serveGuard(g, "/")
	assert.Equal(t, int32(1), v.calls.Load())

	now = now.Add(time.Minute)
	serveGuard(g, "/")
	assert.Equal(t, int32(2), v.calls.Load())

	v.result = tamperResult()
	g.Invalidate()
	rec, called := serveGuard(g, "/")
	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, _ = serveGuard(g, "/")
	assert.Equal(t, http.StatusForbidden, rec.Code, "failures are not cached")
}

func TestLicenseGuardExcludedPaths(t *testing.T) {
	v := &stubVerifier{result: tamperResult()}
	g := NewLicenseGuard(v, GuardConfig{ExcludePaths: []string{"/healthz", "/static/"}, Logger: discard()})

	_, called := serveGuard(g, "/healthz")
	assert.True(t, called)
	_, called = serveGuard(g, "/static/app.js")
	assert.True(t, called)
	_, called = serveGuard(g, "/healthz/deep")
	assert.False(t, called)
	assert.Equal(t, int32(1), v.calls.Load())
}
