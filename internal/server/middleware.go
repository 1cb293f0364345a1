package server

import (
	"fmt"
	"math"
	"net/http"

	"github.com/amberhq/amber/internal/auth"
	"github.com/amberhq/amber/internal/ratelimit"
)

// rateLimitMiddleware enforces the tenant's allowance for a scope. Denied
// requests get a Retry-After header in whole seconds, rounded up.
func (s *Server) rateLimitMiddleware(scope ratelimit.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, ok := auth.TenantFromContext(r.Context())
			if !ok {
				// Admin-key requests bypass tenant rate limits.
				next.ServeHTTP(w, r)
				return
			}

			decision, err := s.deps.RateLimit.Allow(r.Context(), tenant.ID, scope)
			if err != nil {
				s.logger.Warn("rate limit check failed", "tenant_id", tenant.ID, "scope", scope, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
				writeError(w, r, http.StatusTooManyRequests, codeRateLimited,
					fmt.Sprintf("rate limit exceeded for %s, retry in %ds", scope, seconds))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
