package security

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// TransportConfig configures the hardened client transport
type TransportConfig struct {
	ConnectTimeout time.Duration
	// Pins are hex SHA-256 digests of a certificate's SubjectPublicKeyInfo.
	// When non-empty, at least one certificate in the verified chain must match.
	Pins []string
	// RootCAs overrides the system pool; used by tests.
	RootCAs *x509.CertPool
}

// NewTransport builds an http.Transport with certificate verification
// always on, TLS 1.2 minimum, and optional SPKI pinning.
func NewTransport(cfg TransportConfig) *http.Transport {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    cfg.RootCAs,
	}
	if len(cfg.Pins) > 0 {
		pins := make([]string, len(cfg.Pins))
		for i, p := range cfg.Pins {
			pins[i] = strings.ToLower(strings.TrimSpace(p))
		}
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, chains [][]*x509.Certificate) error {
			return verifyPins(pins, chains)
		}
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
}

func verifyPins(pins []string, chains [][]*x509.Certificate) error {
	if len(chains) == 0 {
		return errors.New("no verified certificate chains")
	}
	for _, chain := range chains {
		for _, cert := range chain {
			got := SPKIHash(cert)
			for _, pin := range pins {
				if got == pin {
					return nil
				}
			}
		}
	}
	return fmt.Errorf("certificate pin verification failed for %s", chains[0][0].Subject.CommonName)
}

// SPKIHash calculates the hex SHA-256 of a certificate's public key info
func SPKIHash(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(hash[:])
}
