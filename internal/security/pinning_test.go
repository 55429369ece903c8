package security

import (
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransportPinning(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pool := x509.NewCertPool()
	pool.AddCert(srv.Certificate())
	goodPin := SPKIHash(srv.Certificate())

	tests := []struct {
		name    string
		pins    []string
		wantErr bool
	}{
		{"no pins", nil, false},
		{"matching pin", []string{goodPin}, false},
		{"matching pin upper case", []string{"  " + strings.ToUpper(goodPin)}, false},
		{"mismatched pin", []string{"00" + goodPin[2:]}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &http.Client{
				Transport: NewTransport(TransportConfig{ConnectTimeout: time.Second, Pins: tt.pins, RootCAs: pool}),
				Timeout:   5 * time.Second,
			}
			resp, err := client.Get(srv.URL)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		})
	}
}

func TestNewTransportVerifiesCertificates(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	client := &http.Client{Transport: NewTransport(TransportConfig{ConnectTimeout: time.Second})}
	_, err := client.Get(srv.URL)
	assert.Error(t, err, "self-signed certificate must not be trusted")
}
