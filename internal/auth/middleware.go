// Package auth resolves the calling tenant from API keys or JWTs and makes
// it available to request handlers.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/amberhq/amber/internal/repository"
)

// APIKeyHeader carries the tenant API key.
const APIKeyHeader = "X-API-Key"

type contextKey string

const (
	tenantContextKey contextKey = "tenant"
	userContextKey   contextKey = "user"
	adminContextKey  contextKey = "admin"
)

// TenantResolver looks up tenants during authentication. The tenant
// repository satisfies it directly.
type TenantResolver interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*repository.Tenant, error)
	GetByID(ctx context.Context, id uuid.UUID) (*repository.Tenant, error)
}

// Middleware authenticates requests via API key or bearer token.
type Middleware struct {
	tenants     TenantResolver
	jwt         *JWTManager
	adminAPIKey string
	onReject    func(w http.ResponseWriter, r *http.Request, status int, message string)
}

// NewMiddleware creates the auth middleware. jwt may be nil to disable
// bearer-token auth. onReject writes the error response; nil uses a plain
// http.Error.
func NewMiddleware(tenants TenantResolver, jwt *JWTManager, adminAPIKey string, onReject func(http.ResponseWriter, *http.Request, int, string)) *Middleware {
	if onReject == nil {
		onReject = func(w http.ResponseWriter, r *http.Request, status int, message string) {
			http.Error(w, message, status)
		}
	}
	return &Middleware{tenants: tenants, jwt: jwt, adminAPIKey: adminAPIKey, onReject: onReject}
}

// RequireTenant authenticates the request and stores the tenant in context.
// API keys are checked first, then bearer tokens. The admin key authenticates
// without a tenant; handlers that need one reject it downstream.
func (m *Middleware) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if key := r.Header.Get(APIKeyHeader); key != "" {
			if m.isAdminKey(key) {
				next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, adminContextKey, true)))
				return
			}
			tenant, err := m.tenants.GetByAPIKey(ctx, key)
			if err != nil {
				m.onReject(w, r, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, tenantContextKey, tenant)))
			return
		}

		if token, ok := bearerToken(r); ok && m.jwt != nil {
			claims, err := m.jwt.ValidateToken(token)
			if err != nil {
				m.onReject(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			tenantID, err := claims.GetTenantID()
			if err != nil {
				m.onReject(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			// The token proves identity; the repository lookup proves the
			// tenant still exists and is active.
			tenant, err := m.tenants.GetByID(ctx, tenantID)
			if err != nil {
				m.onReject(w, r, http.StatusUnauthorized, "unknown tenant")
				return
			}
			ctx = context.WithValue(ctx, tenantContextKey, tenant)
			if claims.UserID != "" {
				ctx = context.WithValue(ctx, userContextKey, claims.UserID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		m.onReject(w, r, http.StatusUnauthorized, "authentication required")
	})
}

// RequireAdmin allows only the admin API key through.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsAdmin(r.Context()) {
			next.ServeHTTP(w, r)
			return
		}
		if key := r.Header.Get(APIKeyHeader); m.isAdminKey(key) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminContextKey, true)))
			return
		}
		m.onReject(w, r, http.StatusForbidden, "admin access required")
	})
}

func (m *Middleware) isAdminKey(key string) bool {
	return m.adminAPIKey != "" &&
		subtle.ConstantTimeCompare([]byte(key), []byte(m.adminAPIKey)) == 1
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// TenantFromContext returns the authenticated tenant, if any.
func TenantFromContext(ctx context.Context) (*repository.Tenant, bool) {
	tenant, ok := ctx.Value(tenantContextKey).(*repository.Tenant)
	return tenant, ok
}

// UserFromContext returns the authenticated user ID, if the bearer token
// carried one.
func UserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey).(string)
	return userID
}

// IsAdmin reports whether the request authenticated with the admin key.
func IsAdmin(ctx context.Context) bool {
	admin, _ := ctx.Value(adminContextKey).(bool)
	return admin
}
