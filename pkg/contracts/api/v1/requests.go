// Package api contains the request and response bodies of the portal admin
// API, version v1.
package api

import (
	"time"

	"amposlicense/pkg/contracts/domain"
)

// CreateCustomerRequest creates a license holder
type CreateCustomerRequest struct {
	Email     string `json:"email" validate:"required,email,max=255"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

// CreateProductRequest creates a license tier
type CreateProductRequest struct {
	Name                string  `json:"name" validate:"required,max=120"`
	Category            string  `json:"category" validate:"omitempty,max=32"`
	Price               float64 `json:"price" validate:"gte=0"`
	MaxDevices          int     `json:"max_devices" validate:"gte=0,lte=10000"`
	LicenseDurationDays int     `json:"license_duration_days" validate:"gte=0,lte=36500"`
}

// GenerateLicenseRequest issues a license for a customer and product
type GenerateLicenseRequest struct {
	CustomerID uint                 `json:"customer_id" validate:"required"`
	ProductID  uint                 `json:"product_id" validate:"required"`
	Status     domain.LicenseStatus `json:"status" validate:"omitempty,oneof=active free expired revoked suspended"`
}

// UpdateLicenseRequest edits status, expiry and device limit
type UpdateLicenseRequest struct {
	Status     domain.LicenseStatus `json:"status" validate:"required,oneof=active free expired revoked suspended"`
	ExpiresAt  *time.Time           `json:"expires_at"`
	MaxDevices int                  `json:"max_devices" validate:"gte=0,lte=10000"`
}

// RegisterChecksumRequest records the expected fingerprint of a release
type RegisterChecksumRequest struct {
	Version  string `json:"version" validate:"required,max=32"`
	Checksum string `json:"checksum" validate:"required,hexadecimal,len=64"`
}

// IssueTokenResponse carries a freshly issued admin token
type IssueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
