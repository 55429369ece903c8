package domain

import "time"

// EventType classifies a security alert
type EventType string

const (
	EventTamperingDetected EventType = "tampering_detected"
	EventIntegrityWarning  EventType = "integrity_warning"
	EventLicenseMisuse     EventType = "license_misuse"
)

// Suspends reports whether alerts of this type suspend the license
func (e EventType) Suspends() bool {
	return e == EventTamperingDetected
}

// SecurityAlert is the tamper report body posted by clients
type SecurityAlert struct {
	LicenseKey string    `json:"license_key" validate:"required,max=64"`
	Event      EventType `json:"event" validate:"required,oneof=tampering_detected integrity_warning license_misuse"`
	Reason     string    `json:"reason" validate:"max=500"`
	DeviceID   string    `json:"device_id" validate:"max=128"`
	Hostname   string    `json:"hostname" validate:"max=255"`
	Timestamp  int64     `json:"timestamp"`
	IPAddress  string    `json:"ip_address,omitempty" validate:"omitempty,ip"`
}

// AlertResponse acknowledges a security alert
type AlertResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
	IncidentID       uint   `json:"incident_id,omitempty"`
	LicenseSuspended bool   `json:"license_suspended,omitempty"`
}

// Incident is the read model of a stored security incident
type Incident struct {
	ID         uint      `json:"id"`
	LicenseKey string    `json:"license_key"`
	Event      EventType `json:"event"`
	Reason     string    `json:"reason"`
	DeviceID   string    `json:"device_id"`
	Hostname   string    `json:"hostname"`
	IPAddress  string    `json:"ip_address"`
	CreatedAt  time.Time `json:"created_at"`
}
