package license

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"amposlicense/internal/security"
	"amposlicense/pkg/contracts"
	"amposlicense/pkg/contracts/domain"
)

const (
	CheckInPath = "/api/v1/licenses/check-in"
	AlertPath   = "/api/v1/security/alerts"

	maxResponseBytes = 1 << 20
)

// Portal is the remote side the Engine talks to
type Portal interface {
	CheckIn(ctx context.Context, req domain.CheckInRequest) (*domain.CheckInResponse, error)
	ReportTamper(ctx context.Context, alert domain.SecurityAlert) error
}

// PortalClientConfig configures PortalClient
type PortalClientConfig struct {
	BaseURL        string
	Version        string
	ConnectTimeout time.Duration
	CheckInTimeout time.Duration
	ReportTimeout  time.Duration
	Pins           []string
	RootCAs        *x509.CertPool
}

// PortalClient talks to the licensing portal over HTTPS
type PortalClient struct {
	checkInURL string
	alertURL   string
	userAgent  string
	checkIn    *http.Client
	report     *http.Client
	logger     *slog.Logger
}

// NewPortalClient validates the base URL and builds the HTTP clients.
// Plain HTTP is refused.
func NewPortalClient(cfg PortalClientConfig, logger *slog.Logger) (*PortalClient, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid portal url: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("portal url must be https: %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := security.NewTransport(security.TransportConfig{
		ConnectTimeout: cfg.ConnectTimeout,
		Pins:           cfg.Pins,
		RootCAs:        cfg.RootCAs,
	})
	base := u.String()
	return &PortalClient{
		checkInURL: base + CheckInPath,
		alertURL:   base + AlertPath,
		userAgent:  contracts.UserAgent(cfg.Version),
		checkIn:    &http.Client{Transport: transport, Timeout: cfg.CheckInTimeout},
		report:     &http.Client{Transport: transport, Timeout: cfg.ReportTimeout},
		logger:     logger,
	}, nil
}

// CheckIn posts a check-in and decodes the verdict. Every failure is
// reported as ErrPortalUnreachable with the cause attached.
func (c *PortalClient) CheckIn(ctx context.Context, req domain.CheckInRequest) (*domain.CheckInResponse, error) {
	body, status, err := c.post(ctx, c.checkIn, c.checkInURL, req.LicenseKey, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPortalUnreachable, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrPortalUnreachable, status)
	}

	var resp domain.CheckInResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrPortalUnreachable, err)
	}
	return &resp, nil
}

// ReportTamper sends a security alert. The error is informational only.
func (c *PortalClient) ReportTamper(ctx context.Context, alert domain.SecurityAlert) error {
	_, status, err := c.post(ctx, c.report, c.alertURL, alert.LicenseKey, alert)
	if err != nil {
		return err
	}
	if status/100 != 2 {
		return fmt.Errorf("tamper report rejected with status %d", status)
	}
	return nil
}

func (c *PortalClient) post(ctx context.Context, client *http.Client, endpoint, licenseKey string, payload any) ([]byte, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(security.SignatureHeader, security.SignBody(licenseKey, data))

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.DebugContext(ctx, "portal request completed",
		slog.String("component", component),
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))
	return body, resp.StatusCode, nil
}
