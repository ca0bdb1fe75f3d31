package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedTenantContextKey = ContextKey("authenticatedTenant")
)

// AuthenticatedTenant holds the tenant identity extracted from the token.
// Every persona and call lookup downstream is keyed by TenantID; requests
// never reach a handler without one.
type AuthenticatedTenant struct {
	TenantID string
	Subject  string
}

// AuthMiddleware validates the Bearer JWT and places the tenant identity on
// the request context. Tokens are HS256 signed with the shared access secret
// and must carry a non-empty tenant_id claim.
func AuthMiddleware(accessSecret string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(accessSecret), nil
			})
			if err != nil || !token.Valid {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			tenantID, _ := claims["tenant_id"].(string)
			if tenantID == "" {
				logger.WarnContext(r.Context(), "Token valid but tenant_id claim missing")
				http.Error(w, "Token missing tenant context", http.StatusForbidden)
				return
			}
			subject, _ := claims["sub"].(string)

			authTenant := AuthenticatedTenant{
				TenantID: tenantID,
				Subject:  subject,
			}

			ctx := context.WithValue(r.Context(), AuthenticatedTenantContextKey, authTenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFromContext extracts the authenticated tenant, reporting whether the
// auth middleware ran.
func TenantFromContext(ctx context.Context) (AuthenticatedTenant, bool) {
	t, ok := ctx.Value(AuthenticatedTenantContextKey).(AuthenticatedTenant)
	return t, ok && t.TenantID != ""
}
