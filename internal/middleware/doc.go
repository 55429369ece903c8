// Package middleware provides the HTTP middleware of the licensing portal
// and of protected hosts: request ids, logging, recovery, tracing, rate
// limiting, CORS, admin JWT authentication, request binding, and the
// license guard.
package middleware
