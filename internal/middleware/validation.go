package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "amposlicense/internal/errors"
)

// DefaultMaxBodySize caps request bodies read by Binder
const DefaultMaxBodySize = 1 << 20

// Binder reads, decodes and validates JSON request bodies
type Binder struct {
	validate    *validator.Validate
	maxBodySize int64
}

// NewBinder creates a binder that reports field errors by their JSON names
func NewBinder() *Binder {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Binder{validate: v, maxBodySize: DefaultMaxBodySize}
}

// ReadBody reads the request body up to the size limit
func (b *Binder) ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, *apierrors.APIError) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierrors.New(http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE",
				fmt.Sprintf("Request body exceeds %d bytes", b.maxBodySize))
		}
		return nil, apierrors.InvalidRequestWithError(err)
	}
	return body, nil
}

// Bind decodes body into dst and validates it
func (b *Binder) Bind(body []byte, dst any) *apierrors.APIError {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(dst); err != nil {
		return apierrors.InvalidRequestWithError(err)
	}
	if err := b.validate.Struct(dst); err != nil {
		return apierrors.FromValidation(err)
	}
	return nil
}

// Decode reads and binds the request body in one step
func (b *Binder) Decode(w http.ResponseWriter, r *http.Request, dst any) *apierrors.APIError {
	body, apiErr := b.ReadBody(w, r)
	if apiErr != nil {
		return apiErr
	}
	return b.Bind(body, dst)
}

// ContentTypeValidator rejects bodies that are not one of contentTypes
func ContentTypeValidator(contentTypes ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			ct := r.Header.Get("Content-Type")
			for _, allowed := range contentTypes {
				if strings.HasPrefix(ct, allowed) {
					next.ServeHTTP(w, r)
					return
				}
			}
			_ = render.Render(w, r, apierrors.NewErrorResponse(apierrors.NewWithDetails(
				http.StatusUnsupportedMediaType,
				"UNSUPPORTED_MEDIA_TYPE",
				"Unsupported content type",
				map[string]any{"content_type": ct, "allowed": contentTypes},
			)))
		})
	}
}
