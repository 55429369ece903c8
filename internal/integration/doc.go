// Package integration holds end-to-end tests that run the license client
// against a real portal over TLS.
package integration
