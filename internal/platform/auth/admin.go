package auth

import (
	"net/http"
	"strings"

	"github.com/example/clubhouse/internal/platform/api"
)

// RequireAdmin allows the request only if RequireUser already injected
// role=admin into context. Used for the operator endpoints.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := RoleFromContext(r.Context())
		if strings.ToLower(strings.TrimSpace(role)) != "admin" {
			api.Forbidden(w, "ADMIN_ONLY", "admin role required", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
