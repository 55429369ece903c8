package license

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

var (
	// ErrNoLicenseKey is returned when no license key was configured
	ErrNoLicenseKey = errors.New("license key not configured")
	// ErrPortalUnreachable covers every transport, status and decoding
	// failure talking to the portal
	ErrPortalUnreachable = errors.New("license portal unreachable")
	// ErrTampered marks an integrity violation
	ErrTampered = errors.New("integrity violation detected")
	// ErrLicenseRejected is returned when the portal refuses the license
	ErrLicenseRejected = errors.New("license rejected by portal")
	// ErrLicenseExpired is returned when the cached license has expired
	ErrLicenseExpired = errors.New("license expired")
	// ErrGraceExpired is returned when no fresh enough verdict is available
	ErrGraceExpired = errors.New("offline grace period exhausted")
)

// Error codes carried in user-facing payloads
const (
	CodeTamperDetected = "AMPOS_TAMPER_DETECTED"
	CodeLicenseInvalid = "AMPOS_LICENSE_INVALID"
)

// TamperPayload is served to the user after an integrity violation
type TamperPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details"`
	Code    string `json:"code"`
}

// Render implements the render.Renderer interface
func (p *TamperPayload) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusForbidden)
	return nil
}

// TamperError is the terminal outcome of a tamper response
type TamperError struct {
	Reason  string
	Payload TamperPayload
}

func (e *TamperError) Error() string {
	return "tampering detected: " + e.Reason
}

func (e *TamperError) Unwrap() error {
	return ErrTampered
}

// StatusCode is the HTTP status the host must respond with
func (e *TamperError) StatusCode() int {
	return http.StatusForbidden
}

func newTamperError(reason string) *TamperError {
	return &TamperError{
		Reason: reason,
		Payload: TamperPayload{
			Error:   "SECURITY VIOLATION",
			Message: "Unauthorized modification detected. This incident has been logged and reported.",
			Details: reason,
			Code:    CodeTamperDetected,
		},
	}
}

// FailurePayload is served when the license is not valid for reasons other
// than tampering
type FailurePayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Support string `json:"support,omitempty"`
	Code    string `json:"code"`
}

// Render implements the render.Renderer interface
func (p *FailurePayload) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusForbidden)
	return nil
}
