package auth

import (
	"net/http"
	"strings"

	"github.com/example/watch-platform/internal/platform/api"
	"github.com/example/watch-platform/internal/platform/httpserver"
)

// RoleAdmin is the role allowed through RequireAdmin.
const RoleAdmin = "admin"

// RequireAdmin allows the request only if RequireUser already injected
// role=admin into the context.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := RoleFromContext(r.Context())
		if !strings.EqualFold(strings.TrimSpace(role), RoleAdmin) {
			api.Forbidden(w, "admin role required", httpserver.RequestIDFromContext(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}
