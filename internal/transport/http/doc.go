// Package http contains the portal's HTTP handlers: client check-in, the
// security alert webhook, the JWT-protected admin API, health and metrics.
// Handlers expose Routes so the application can mount them on a chi router.
package http
