package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "amposlicense/internal/errors"
	"amposlicense/internal/middleware"
	"amposlicense/internal/portal"
	api "amposlicense/pkg/contracts/api/v1"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// AdminHandler serves the license management API
type AdminHandler struct {
	service AdminService
	binder  *middleware.Binder
	logger  *slog.Logger
}

// NewAdminHandler creates an admin handler
func NewAdminHandler(service AdminService, binder *middleware.Binder, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service: service,
		binder:  binder,
		logger:  logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns the admin routes. Authentication is applied by the caller.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/customers", h.CreateCustomer)
	r.Post("/products", h.CreateProduct)
	r.Get("/stats/tiers", h.TierStats)

	r.Route("/licenses", func(r chi.Router) {
		r.Get("/", h.ListLicenses)
		r.Post("/", h.GenerateLicense)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetLicense)
			r.Put("/", h.UpdateLicense)
			r.Delete("/", h.DeleteLicense)
			r.Post("/release", h.ReleaseLicense)
		})
	})

	r.Get("/incidents", h.ListIncidents)
	r.Get("/incidents/export", h.ExportIncidents)
	r.Post("/checksums", h.RegisterChecksum)
	return r
}

// CreateCustomer handles POST /customers
func (h *AdminHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req api.CreateCustomerRequest
	if !h.decode(w, r, &req) {
		return
	}
	c := &portal.Customer{Email: req.Email, FirstName: req.FirstName, LastName: req.LastName}
	if err := h.service.CreateCustomer(r.Context(), c); err != nil {
		h.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, c)
}

// CreateProduct handles POST /products
func (h *AdminHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req api.CreateProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := &portal.Product{
		Name:                req.Name,
		Category:            req.Category,
		Price:               req.Price,
		MaxDevices:          req.MaxDevices,
		LicenseDurationDays: req.LicenseDurationDays,
	}
	if err := h.service.CreateProduct(r.Context(), p); err != nil {
		h.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, p)
}

// GenerateLicense handles POST /licenses
func (h *AdminHandler) GenerateLicense(w http.ResponseWriter, r *http.Request) {
	var req api.GenerateLicenseRequest
	if !h.decode(w, r, &req) {
		return
	}
	lic, err := h.service.GenerateLicense(r.Context(), req.CustomerID, req.ProductID, req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.audit(r, "license_generated", lic.ID)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, lic)
}

// ListLicenses handles GET /licenses
func (h *AdminHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListLicenses(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, list)
}

// GetLicense handles GET /licenses/{id}
func (h *AdminHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	lic, err := h.service.License(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, lic)
}

// UpdateLicense handles PUT /licenses/{id}
func (h *AdminHandler) UpdateLicense(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	var req api.UpdateLicenseRequest
	if !h.decode(w, r, &req) {
		return
	}
	lic, err := h.service.UpdateLicense(r.Context(), id, portal.LicenseUpdate{
		Status:     req.Status,
		ExpiresAt:  req.ExpiresAt,
		MaxDevices: req.MaxDevices,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.audit(r, "license_updated", id)
	render.JSON(w, r, lic)
}

// ReleaseLicense handles POST /licenses/{id}/release
func (h *AdminHandler) ReleaseLicense(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	if err := h.service.ReleaseLicense(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.audit(r, "license_released", id)
	w.WriteHeader(http.StatusNoContent)
}

// DeleteLicense handles DELETE /licenses/{id}
func (h *AdminHandler) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	id, ok := h.licenseID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteLicense(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.audit(r, "license_deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

// TierStats handles GET /stats/tiers
func (h *AdminHandler) TierStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.TierStats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, stats)
}

// ListIncidents handles GET /incidents?license_key=&limit=
func (h *AdminHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 1000 {
			h.fail(w, r, apierrors.NewWithDetails(http.StatusBadRequest, "INVALID_PARAMETER",
				"limit must be between 0 and 1000", v))
			return
		}
		limit = n
	}
	list, err := h.service.ListIncidents(r.Context(), r.URL.Query().Get("license_key"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.JSON(w, r, list)
}

// ExportIncidents handles GET /incidents/export and streams an XLSX file
func (h *AdminHandler) ExportIncidents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="ampos-incidents-%s.xlsx"`,
		time.Now().UTC().Format("20060102")))
	if err := h.service.ExportIncidents(r.Context(), r.URL.Query().Get("license_key"), w); err != nil {
		h.logger.ErrorContext(r.Context(), "incident export failed", slog.String("error", err.Error()))
		w.Header().Del("Content-Disposition")
		h.fail(w, r, err)
	}
}

// RegisterChecksum handles POST /checksums
func (h *AdminHandler) RegisterChecksum(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterChecksumRequest
	if !h.decode(w, r, &req) {
		return
	}
	rc, err := h.service.RegisterChecksum(r.Context(), req.Version, req.Checksum)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, rc)
}

func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if apiErr := h.binder.Decode(w, r, dst); apiErr != nil {
		_ = render.Render(w, r, apierrors.NewErrorResponse(apiErr))
		return false
	}
	return true
}

func (h *AdminHandler) licenseID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil || id == 0 {
		h.fail(w, r, apierrors.NewWithDetails(http.StatusBadRequest, "INVALID_PARAMETER",
			"license id must be a positive integer", chi.URLParam(r, "id")))
		return 0, false
	}
	return uint(id), true
}

// fail maps service errors onto API errors
func (h *AdminHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierrors.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, portal.ErrLicenseNotFound):
		apiErr = apierrors.ErrLicenseNotFound
	case errors.Is(err, portal.ErrCustomerNotFound):
		apiErr = apierrors.NotFoundError("Customer")
	case errors.Is(err, portal.ErrProductNotFound):
		apiErr = apierrors.NotFoundError("Product")
	case errors.Is(err, portal.ErrNotAmposProduct), errors.Is(err, portal.ErrInvalidStatus):
		apiErr = apierrors.New(http.StatusUnprocessableEntity, "UNPROCESSABLE", err.Error())
	case errors.Is(err, portal.ErrDuplicate):
		apiErr = apierrors.ErrConflict
	default:
		h.logger.ErrorContext(r.Context(), "admin request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		apiErr = apierrors.ErrInternalServer
	}
	_ = render.Render(w, r, apierrors.NewErrorResponse(apiErr))
}

func (h *AdminHandler) audit(r *http.Request, action string, licenseID uint) {
	subject := ""
	if claims, ok := middleware.AdminFromContext(r.Context()); ok {
		subject = claims.Subject
	}
	h.logger.InfoContext(r.Context(), "admin action",
		slog.String("action", action),
		slog.Uint64("license_id", uint64(licenseID)),
		slog.String("admin", subject))
}
