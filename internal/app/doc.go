// Package app wires the AMPOS licensing portal together: configuration,
// logging and telemetry, the SQLite store, the portal services and the HTTP
// router.
//
// # Routes
//
//	GET  /healthz, /readyz, /metrics
//	GET  /api/v1/version
//	POST /api/v1/licenses/check-in        rate limited
//	POST /api/v1/security/alerts          rate limited, CORS
//	     /api/v1/admin/...                admin bearer token
//	GET  /api/v1/admin/ws                 live incident feed
//
// # Graceful Shutdown
//
// Run handles SIGINT and SIGTERM. The HTTP server drains, the incident hub
// disconnects its clients, the database is closed and telemetry is flushed.
//
// Initialization errors are returned to the caller; the package never calls
// os.Exit.
package app
