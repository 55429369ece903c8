package license

import (
	"errors"
	"time"

	"amposlicense/pkg/contracts/domain"
)

// State is a node of the verification state machine
type State string

const (
	StateStart          State = "START"
	StateIntegrityCheck State = "INTEGRITY_CHECK"
	StateTampered       State = "TAMPERED"
	StateLicenseMissing State = "LICENSE_MISSING"
	StateCacheLookup    State = "CACHE_LOOKUP"
	StateOnlineCheck    State = "ONLINE_CHECK"
	StateCachedDecision State = "CACHED_DECISION"
	StateValid          State = "VALID"
	StateInvalid        State = "INVALID"
)

// Source records which evidence a verdict was based on
type Source string

const (
	SourceOnline Source = "online"
	SourceCache  Source = "cache"
	SourceGrace  Source = "grace"
	SourceNone   Source = "none"
)

// CachedVerdict is the persisted result of the last successful online check
type CachedVerdict struct {
	Valid    bool               `json:"valid"`
	License  domain.LicenseInfo `json:"license"`
	CachedAt int64              `json:"cached_at"`
}

// Age returns how long ago the verdict was cached
func (v CachedVerdict) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(v.CachedAt, 0))
}

// Result is the outcome of one Verify call
type Result struct {
	State   State
	Source  Source
	License *domain.LicenseInfo
	// Reason is the portal rejection reason or a short local explanation
	Reason string
	Err    error
	// Path lists every state visited, starting with START
	Path []State
}

// Valid reports whether the host may proceed
func (r Result) Valid() bool {
	return r.State == StateValid
}

// Tampered reports whether verification ended in a tamper response
func (r Result) Tampered() bool {
	return errors.Is(r.Err, ErrTampered)
}

// TamperError returns the tamper outcome, if any
func (r Result) TamperError() (*TamperError, bool) {
	var te *TamperError
	ok := errors.As(r.Err, &te)
	return te, ok
}

// FailurePayload builds the user-facing payload for a non-tamper failure
func (r Result) FailurePayload(support string) *FailurePayload {
	details := r.Reason
	if details == "" && r.Err != nil {
		details = r.Err.Error()
	}
	return &FailurePayload{
		Error:   "License Validation Failed",
		Message: "This installation does not have a valid license.",
		Details: details,
		Support: support,
		Code:    CodeLicenseInvalid,
	}
}

func (r *Result) enter(s State) {
	r.Path = append(r.Path, s)
	r.State = s
}
