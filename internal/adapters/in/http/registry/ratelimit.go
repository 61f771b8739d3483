package registry

import (
	"encoding/json"
	"net/http"

	"github.com/bnema/zerowrap"

	"github.com/bnema/dockyard/internal/adapters/dto"
	"github.com/bnema/dockyard/internal/adapters/in/http/middleware"
	"github.com/bnema/dockyard/internal/boundaries/out"
)

// RateLimitMiddleware limits registry traffic with a global limiter and a
// per-client limiter. The client address honors proxy headers only from
// trustedProxies. A nil limiter disables that check.
func RateLimitMiddleware(
	globalLimiter out.RateLimiter,
	ipLimiter out.RateLimiter,
	trustedProxies []string,
	log zerowrap.Logger,
) func(http.Handler) http.Handler {
	if globalLimiter == nil && ipLimiter == nil {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	trustedNets := middleware.ParseTrustedProxies(trustedProxies)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if globalLimiter != nil && !globalLimiter.Allow(ctx, "global") {
				log.Warn().
					Str(zerowrap.FieldLayer, "adapter").
					Str(zerowrap.FieldAdapter, "http").
					Str("limit", "global").
					Msg("rate limit exceeded")
				sendRateLimitError(w)
				return
			}

			ip := middleware.GetClientIP(r, trustedNets)
			if ipLimiter != nil && !ipLimiter.Allow(ctx, "ip:"+ip) {
				log.Warn().
					Str(zerowrap.FieldLayer, "adapter").
					Str(zerowrap.FieldAdapter, "http").
					Str("limit", "ip").
					Str(zerowrap.FieldClientIP, ip).
					Msg("rate limit exceeded")
				sendRateLimitError(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// sendRateLimitError sends an HTTP 429 response in Docker Registry API format.
func sendRateLimitError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(apiVersionHeader, apiVersion)
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(dto.RegistryErrorResponse{
		Errors: []dto.RegistryErrorItem{{
			Code:    dto.ErrCodeTooManyRequests,
			Message: "rate limit exceeded",
		}},
	})
}
