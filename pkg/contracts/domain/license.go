// Package domain contains the wire types shared by the AMPOS license client
// and the licensing portal.
package domain

import (
	"strings"
	"time"
)

// LicenseStatus represents the status of a license
type LicenseStatus string

const (
	LicenseStatusActive    LicenseStatus = "active"
	LicenseStatusFree      LicenseStatus = "free"
	LicenseStatusExpired   LicenseStatus = "expired"
	LicenseStatusRevoked   LicenseStatus = "revoked"
	LicenseStatusSuspended LicenseStatus = "suspended"
)

// Usable reports whether a license in this status may run the product
func (s LicenseStatus) Usable() bool {
	return s == LicenseStatusActive || s == LicenseStatusFree
}

// Rejection reasons returned by the portal on check-in
const (
	ReasonChecksumMismatch = "checksum_mismatch"
	ReasonNotFound         = "not_found"
	ReasonExpired          = "expired"
	ReasonSuspended        = "suspended"
	ReasonRevoked          = "revoked"
	ReasonDeviceLimit      = "device_limit"
	ReasonBadSignature     = "bad_signature"
)

// expiryLayouts are accepted for LicenseInfo.ExpiresAt
var expiryLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// LicenseInfo is the license payload the portal returns on a valid check-in
// and the client keeps in its cache.
type LicenseInfo struct {
	LicenseKey   string        `json:"license_key"`
	Status       LicenseStatus `json:"status"`
	MaxDevices   int           `json:"max_devices"`
	ExpiresAt    string        `json:"expires_at,omitempty"`
	CustomerName string        `json:"customer_name,omitempty"`
	ProductName  string        `json:"product_name,omitempty"`
}

// Expiry parses ExpiresAt. ok is false when the license has no expiry or the
// value cannot be parsed.
func (l LicenseInfo) Expiry() (t time.Time, ok bool) {
	v := strings.TrimSpace(l.ExpiresAt)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ExpiredAt reports whether the license has an expiry in the past relative to now
func (l LicenseInfo) ExpiredAt(now time.Time) bool {
	exp, ok := l.Expiry()
	return ok && now.After(exp)
}

// CheckInRequest is sent by the client to verify a license online
type CheckInRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=10,max=64"`
	Checksum   string `json:"checksum" validate:"required,hexadecimal,len=64"`
	DeviceID   string `json:"device_id" validate:"required,max=128"`
	Hostname   string `json:"hostname" validate:"max=255"`
	Version    string `json:"version" validate:"required,max=32"`
	Timestamp  int64  `json:"timestamp" validate:"required"`
}

// CheckInResponse is the portal's verdict
type CheckInResponse struct {
	Valid   bool         `json:"valid"`
	License *LicenseInfo `json:"license,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Message string       `json:"message,omitempty"`
}
