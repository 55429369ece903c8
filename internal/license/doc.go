// Package license implements the client side of the AMPOS license
// enforcement protocol.
//
// An Engine is constructed by the host application and asked to Verify on
// each protected entry point. Verification walks a small state machine:
//
//	START -> INTEGRITY_CHECK -> TAMPERED
//	                         -> LICENSE_MISSING
//	                         -> CACHE_LOOKUP -> ONLINE_CHECK    -> VALID | INVALID
//	                                         -> CACHED_DECISION -> VALID | INVALID
//
// The verdict of the last successful online check is kept encrypted in a
// Store outside the web root. A check-in older than the refresh interval
// triggers a new online check; when the portal cannot be reached a verdict
// younger than the grace period is still honoured.
//
// Any integrity violation, local or confirmed by the portal, goes through
// the TamperResponder, which reports the incident, wipes the cache and
// returns the payload the host must serve instead of the protected response.
//
// Processes sharing a cache directory are not coordinated; the last writer
// wins.
package license
