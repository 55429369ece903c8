package http

import (
	"context"
	"io"

	"amposlicense/internal/portal"
	"amposlicense/pkg/contracts/domain"
)

// CheckInService answers client check-ins
type CheckInService interface {
	CheckIn(ctx context.Context, req domain.CheckInRequest) (*domain.CheckInResponse, error)
}

// IncidentService records security alerts
type IncidentService interface {
	HandleAlert(ctx context.Context, alert domain.SecurityAlert, remoteIP string) (*domain.AlertResponse, error)
}

// AdminService is the license management surface used by AdminHandler
type AdminService interface {
	CreateCustomer(ctx context.Context, c *portal.Customer) error
	CreateProduct(ctx context.Context, p *portal.Product) error
	GenerateLicense(ctx context.Context, customerID, productID uint, status domain.LicenseStatus) (*portal.License, error)
	UpdateLicense(ctx context.Context, id uint, u portal.LicenseUpdate) (*portal.License, error)
	ReleaseLicense(ctx context.Context, id uint) error
	DeleteLicense(ctx context.Context, id uint) error
	License(ctx context.Context, id uint) (*portal.License, error)
	ListLicenses(ctx context.Context) ([]portal.License, error)
	TierStats(ctx context.Context) ([]portal.TierStat, error)
	ListIncidents(ctx context.Context, licenseKey string, limit int) ([]portal.SecurityIncident, error)
	RegisterChecksum(ctx context.Context, version, checksum string) (*portal.ReleaseChecksum, error)
	ExportIncidents(ctx context.Context, licenseKey string, w io.Writer) error
}

// Pinger reports backend reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClientCounter reports connected live-feed clients
type ClientCounter interface {
	ClientCount() int
}
