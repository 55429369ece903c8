package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v4"

	apierrors "amposlicense/internal/errors"
)

// RoleAdmin is the only role allowed on admin routes
const RoleAdmin = "admin"

const adminIssuer = "ampos-portal"

// AdminClaims are the claims of a portal admin token
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type adminCtxKey struct{}

// IssueAdminToken signs an HS256 admin token for subject valid for ttl
func IssueAdminToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    adminIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return token, nil
}

// ParseAdminToken validates signature, expiry, issuer and role
func ParseAdminToken(secret []byte, raw string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !claims.VerifyIssuer(adminIssuer, true) {
		return nil, errors.New("unexpected token issuer")
	}
	if claims.Role != RoleAdmin {
		return nil, errors.New("token lacks admin role")
	}
	return claims, nil
}

// AdminFromContext returns the authenticated admin's claims
func AdminFromContext(ctx context.Context) (*AdminClaims, bool) {
	c, ok := ctx.Value(adminCtxKey{}).(*AdminClaims)
	return c, ok
}

// AdminAuth requires a valid "Authorization: Bearer <jwt>" admin token.
// WebSocket upgrades may pass the token as the access_token query parameter
// since browsers cannot set headers on them. With an empty secret every
// request is refused.
func AdminAuth(secret []byte, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			deny := func(detail string, err error) {
				attrs := []any{
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", ClientIP(r)),
					slog.String("reason", detail),
				}
				if err != nil {
					attrs = append(attrs, slog.String("error", err.Error()))
				}
				logger.WarnContext(ctx, "admin authentication failed", attrs...)
				problem := apierrors.NewProblemDetails(http.StatusUnauthorized, apierrors.TypeAuth,
					"Unauthorized", detail, r.URL.Path).
					WithExtension("trace_id", middleware.GetReqID(ctx))
				w.Header().Set("WWW-Authenticate", `Bearer realm="ampos-admin"`)
				_ = render.Render(w, r, problem)
			}

			if len(secret) == 0 {
				deny("Admin API is disabled", nil)
				return
			}
			scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok && isUpgrade(r) {
				scheme, token, ok = "bearer", r.URL.Query().Get("access_token"), true
			}
			if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
				deny("Missing or malformed bearer token", nil)
				return
			}
			claims, err := ParseAdminToken(secret, strings.TrimSpace(token))
			if err != nil {
				deny("Invalid or expired token", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, adminCtxKey{}, claims)))
		})
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
