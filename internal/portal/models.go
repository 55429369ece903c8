package portal

import (
	"strings"
	"time"

	"amposlicense/pkg/contracts/domain"
)

// ProductCategory marks products whose licenses this portal issues
const ProductCategory = "AMPOS"

// Customer owns licenses and receives security notices
type Customer struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"uniqueIndex;size:255;not null" json:"email"`
	FirstName string    `gorm:"size:100" json:"first_name"`
	LastName  string    `gorm:"size:100" json:"last_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullName returns "First Last", falling back to the e-mail address
func (c Customer) FullName() string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		return c.Email
	}
	return name
}

// Product is a license tier
type Product struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Name                string    `gorm:"uniqueIndex;size:120;not null" json:"name"`
	Category            string    `gorm:"size:32;not null;index" json:"category"`
	Price               float64   `json:"price"`
	MaxDevices          int       `gorm:"not null;default:1" json:"max_devices"`
	LicenseDurationDays int       `gorm:"not null;default:365" json:"license_duration_days"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// License is the authoritative license record
type License struct {
	ID                  uint                 `gorm:"primaryKey" json:"id"`
	LicenseKey          string               `gorm:"uniqueIndex;size:64;not null" json:"license_key"`
	CustomerID          uint                 `gorm:"not null;index" json:"customer_id"`
	Customer            Customer             `json:"customer"`
	ProductID           uint                 `gorm:"not null;index" json:"product_id"`
	Product             Product              `json:"product"`
	Status              domain.LicenseStatus `gorm:"size:16;not null;index" json:"status"`
	MaxDevices          int                  `gorm:"not null;default:1" json:"max_devices"`
	BoundInstallationID *string              `gorm:"size:128" json:"bound_installation_id,omitempty"`
	ExpiresAt           *time.Time           `json:"expires_at,omitempty"`
	LastActiveAt        *time.Time           `json:"last_active_at,omitempty"`
	SuspensionReason    *string              `gorm:"size:600" json:"suspension_reason,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// Info converts the record into the wire payload returned to clients.
// Customer and Product must be preloaded for the names to be filled.
func (l *License) Info() domain.LicenseInfo {
	info := domain.LicenseInfo{
		LicenseKey:   l.LicenseKey,
		Status:       l.Status,
		MaxDevices:   l.MaxDevices,
		CustomerName: l.Customer.FullName(),
		ProductName:  l.Product.Name,
	}
	if l.ExpiresAt != nil {
		info.ExpiresAt = l.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return info
}

// LicenseActivation records one device seen with a license
type LicenseActivation struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	LicenseID  uint      `gorm:"not null;uniqueIndex:idx_activation_device" json:"license_id"`
	DeviceID   string    `gorm:"size:128;not null;uniqueIndex:idx_activation_device" json:"device_id"`
	Hostname   string    `gorm:"size:255" json:"hostname"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// SecurityIncident is an append-only record of a client security alert
type SecurityIncident struct {
	ID         uint             `gorm:"primaryKey" json:"id"`
	LicenseID  uint             `gorm:"not null;index" json:"license_id"`
	LicenseKey string           `gorm:"size:64;not null;index" json:"license_key"`
	EventType  domain.EventType `gorm:"size:32;not null" json:"event_type"`
	Reason     string           `gorm:"size:600" json:"reason"`
	DeviceID   string           `gorm:"size:128" json:"device_id"`
	Hostname   string           `gorm:"size:255" json:"hostname"`
	IPAddress  string           `gorm:"size:64" json:"ip_address"`
	Payload    string           `gorm:"type:text" json:"payload"`
	ReportedAt time.Time        `json:"reported_at"`
	CreatedAt  time.Time        `gorm:"index" json:"created_at"`
}

// ToDomain returns the read model published to admins
func (i *SecurityIncident) ToDomain() domain.Incident {
	return domain.Incident{
		ID:         i.ID,
		LicenseKey: i.LicenseKey,
		Event:      i.EventType,
		Reason:     i.Reason,
		DeviceID:   i.DeviceID,
		Hostname:   i.Hostname,
		IPAddress:  i.IPAddress,
		CreatedAt:  i.CreatedAt,
	}
}

// ReleaseChecksum is the expected fingerprint of a released client version
type ReleaseChecksum struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Version   string    `gorm:"uniqueIndex;size:32;not null" json:"version"`
	Checksum  string    `gorm:"size:64;not null" json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
