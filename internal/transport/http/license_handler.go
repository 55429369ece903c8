package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "amposlicense/internal/errors"
	"amposlicense/internal/middleware"
	"amposlicense/internal/security"
	"amposlicense/pkg/contracts/domain"
)

// LicenseHandler serves client check-ins
type LicenseHandler struct {
	service          CheckInService
	binder           *middleware.Binder
	requireSignature bool
	logger           *slog.Logger
}

// NewLicenseHandler creates a license handler. With requireSignature set,
// check-ins without a valid X-AMPOS-Signature are refused.
func NewLicenseHandler(service CheckInService, binder *middleware.Binder, requireSignature bool, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:          service,
		binder:           binder,
		requireSignature: requireSignature,
		logger:           logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the license routes
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/check-in", h.CheckIn)
	return r
}

// CheckIn handles POST /api/v1/licenses/check-in. Rejections are 200
// responses with valid=false; only malformed requests and server failures
// use error statuses.
func (h *LicenseHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, apiErr := h.binder.ReadBody(w, r)
	if apiErr != nil {
		_ = render.Render(w, r, apierrors.NewErrorResponse(apiErr))
		return
	}
	var req domain.CheckInRequest
	if apiErr := h.binder.Bind(body, &req); apiErr != nil {
		_ = render.Render(w, r, apierrors.NewErrorResponse(apiErr))
		return
	}

	if h.requireSignature && !security.VerifySignature(req.LicenseKey, body, r.Header.Get(security.SignatureHeader)) {
		h.logger.WarnContext(ctx, "check-in signature mismatch",
			slog.String("device_id", req.DeviceID),
			slog.String("remote_addr", middleware.ClientIP(r)))
		render.JSON(w, r, &domain.CheckInResponse{
			Valid:   false,
			Reason:  domain.ReasonBadSignature,
			Message: "Request signature mismatch",
		})
		return
	}

	resp, err := h.service.CheckIn(ctx, req)
	if err != nil {
		_ = render.Render(w, r, apierrors.NewErrorResponse(apierrors.NewInternalError("Check-in failed")))
		return
	}
	render.JSON(w, r, resp)
}
