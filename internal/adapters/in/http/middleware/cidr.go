package middleware

import (
	"encoding/json"
	"net/http"
	"net/netip"

	"github.com/bnema/zerowrap"

	"github.com/bnema/dockyard/internal/adapters/dto"
)

// loopback is always allowed so local tooling can reach the registry.
var loopback = ParseTrustedProxies([]string{"127.0.0.0/8", "::1"})

// CIDRAllowlist restricts access to clients inside allowed. An empty list
// lets all traffic through.
func CIDRAllowlist(allowed, trusted []netip.Prefix, log zerowrap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := GetClientIP(r, trusted)
			if IsTrustedProxy(clientIP, loopback) || IsTrustedProxy(clientIP, allowed) {
				next.ServeHTTP(w, r)
				return
			}

			log.Warn().
				Str(zerowrap.FieldLayer, "adapter").
				Str(zerowrap.FieldAdapter, "http").
				Str(zerowrap.FieldMethod, r.Method).
				Str(zerowrap.FieldPath, r.URL.Path).
				Str(zerowrap.FieldClientIP, clientIP).
				Msg("registry access denied by CIDR allowlist")

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(dto.RegistryErrorResponse{
				Errors: []dto.RegistryErrorItem{{Code: dto.ErrCodeDenied, Message: "access denied"}},
			})
		})
	}
}
