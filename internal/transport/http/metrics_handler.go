package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler returns h, or the default prometheus handler when h is nil
func MetricsHandler(h http.Handler) http.Handler {
	if h == nil {
		return promhttp.Handler()
	}
	return h
}
