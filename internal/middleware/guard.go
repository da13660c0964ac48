package middleware

import (
	"context"
	"net/http"

	"github.com/agriboost/agriboost-web/internal/identity"
)

// LoginPath is the unauthenticated entry point.
const LoginPath = "/login"

// ProtectedViews are the SPA routes that require an active session.
var ProtectedViews = []string{"/dashboard", "/disease", "/iot", "/history", "/crop-history", "/settings"}

// SessionChecker reports whether a device currently has an active session.
type SessionChecker interface {
	Active(ctx context.Context, deviceID string) bool
}

// RequireSession redirects to LoginPath when the requesting device has no
// active session. It is evaluated on every request; it must run after
// identity.Middleware.
func RequireSession(sessions SessionChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID := identity.DeviceIDFromContext(r.Context())
			if deviceID == "" || !sessions.Active(r.Context(), deviceID) {
				http.Redirect(w, r, LoginPath, http.StatusFound)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
