package license

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amposlicense/internal/security"
	"amposlicense/pkg/contracts/domain"
)

func newTLSPortal(t *testing.T, handler http.HandlerFunc) (*PortalClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	client, err := NewPortalClient(PortalClientConfig{
		BaseURL:        srv.URL,
		Version:        "2.0.0",
		ConnectTimeout: time.Second,
		CheckInTimeout: 2 * time.Second,
		ReportTimeout:  200 * time.Millisecond,
		RootCAs:        pool,
	}, nil)
	require.NoError(t, err)
	return client, srv
}

func TestPortalClientCheckIn(t *testing.T) {
	var gotReq domain.CheckInRequest
	client, _ := newTLSPortal(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, CheckInPath, r.URL.Path)
		assert.Equal(t, "AMPOS-Client/2.0.0", r.UserAgent())

		body, _ := io.ReadAll(r.Body)
		assert.True(t, security.VerifySignature(testKey, body, r.Header.Get(security.SignatureHeader)))
		require.NoError(t, json.Unmarshal(body, &gotReq))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(validResponse())
	})

	resp, err := client.CheckIn(context.Background(), domain.CheckInRequest{LicenseKey: testKey, Checksum: "abc", DeviceID: "d"})
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, domain.LicenseStatusActive, resp.License.Status)
	assert.Equal(t, "abc", gotReq.Checksum)
}

func TestPortalClientCheckInFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("<html>maintenance</html>"))
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(5 * time.Second):
			case <-r.Context().Done():
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTLSPortal(t, tt.handler)
			_, err := client.CheckIn(context.Background(), domain.CheckInRequest{LicenseKey: testKey})
			assert.ErrorIs(t, err, ErrPortalUnreachable)
		})
	}
}

func TestPortalClientValidWithoutLicense(t *testing.T) {
	client, _ := newTLSPortal(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"valid":true}`))
	})
	resp, err := client.CheckIn(context.Background(), domain.CheckInRequest{LicenseKey: testKey})
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Nil(t, resp.License)
}

func TestPortalClientRejectionIsNotAnError(t *testing.T) {
	client, _ := newTLSPortal(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"valid":false,"reason":"checksum_mismatch"}`))
	})
	resp, err := client.CheckIn(context.Background(), domain.CheckInRequest{LicenseKey: testKey})
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, domain.ReasonChecksumMismatch, resp.Reason)
}

func TestPortalClientReportTamper(t *testing.T) {
	received := make(chan domain.SecurityAlert, 1)
	client, _ := newTLSPortal(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, AlertPath, r.URL.Path)
		var alert domain.SecurityAlert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		received <- alert
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	err := client.ReportTamper(context.Background(), domain.SecurityAlert{LicenseKey: testKey, Event: domain.EventTamperingDetected})
	require.NoError(t, err)
	assert.Equal(t, domain.EventTamperingDetected, (<-received).Event)
}

func TestPortalClientReportTamperTimeout(t *testing.T) {
	client, _ := newTLSPortal(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(3 * time.Second):
		case <-r.Context().Done():
		}
	})

	start := time.Now()
	err := client.ReportTamper(context.Background(), domain.SecurityAlert{LicenseKey: testKey})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewPortalClientRequiresHTTPS(t *testing.T) {
	for _, u := range []string{"http://license.example.com", "ftp://x", "://bad", "https://"} {
		_, err := NewPortalClient(PortalClientConfig{BaseURL: u}, nil)
		assert.Error(t, err, u)
	}
}

func TestPortalClientUntrustedCertificate(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client, err := NewPortalClient(PortalClientConfig{BaseURL: srv.URL, ConnectTimeout: time.Second, CheckInTimeout: time.Second}, nil)
	require.NoError(t, err)
	_, err = client.CheckIn(context.Background(), domain.CheckInRequest{LicenseKey: testKey})
	assert.ErrorIs(t, err, ErrPortalUnreachable)
}
