package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"amposlicense/internal/infrastructure"
	"amposlicense/internal/middleware"
	"amposlicense/internal/security"
	"amposlicense/pkg/contracts/domain"
)

// SecurityHandler is the security alert webhook
type SecurityHandler struct {
	service          IncidentService
	binder           *middleware.Binder
	requireSignature bool
	logger           *slog.Logger
}

// NewSecurityHandler creates a security alert handler. With requireSignature
// set, alerts without a valid X-AMPOS-Signature are refused before anything
// is recorded.
func NewSecurityHandler(service IncidentService, binder *middleware.Binder, requireSignature bool, logger *slog.Logger) *SecurityHandler {
	return &SecurityHandler{
		service:          service,
		binder:           binder,
		requireSignature: requireSignature,
		logger:           logger.With(slog.String("handler", "security")),
	}
}

// ServeHTTP handles /api/v1/security/alerts. Only POST is accepted; CORS
// preflight is answered by the CORS middleware in front of it.
func (h *SecurityHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.Alert(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		render.Status(r, http.StatusMethodNotAllowed)
		render.JSON(w, r, &domain.AlertResponse{Error: "Method not allowed"})
	}
}

// Alert records a security alert
func (h *SecurityHandler) Alert(w http.ResponseWriter, r *http.Request) {
	body, apiErr := h.binder.ReadBody(w, r)
	if apiErr != nil {
		render.Status(r, apiErr.StatusCode)
		render.JSON(w, r, &domain.AlertResponse{Error: "Invalid request data", Message: apiErr.Message})
		return
	}
	var alert domain.SecurityAlert
	if apiErr := h.binder.Bind(body, &alert); apiErr != nil {
		render.Status(r, apiErr.StatusCode)
		render.JSON(w, r, &domain.AlertResponse{Error: "Invalid request data", Message: apiErr.Message})
		return
	}

	if h.requireSignature && !security.VerifySignature(alert.LicenseKey, body, r.Header.Get(security.SignatureHeader)) {
		h.logger.WarnContext(r.Context(), "security alert signature mismatch",
			slog.String("event", string(alert.Event)),
			slog.String("remote_addr", middleware.ClientIP(r)))
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, &domain.AlertResponse{Error: "Invalid signature"})
		return
	}

	resp, err := h.service.HandleAlert(r.Context(), alert, middleware.ClientIP(r))
	if err != nil {
		infrastructure.RecordError(r.Context(), err)
		h.logger.ErrorContext(r.Context(), "security alert handler error", slog.String("error", err.Error()))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, &domain.AlertResponse{Error: "Failed to process security alert"})
		return
	}
	render.JSON(w, r, resp)
}
