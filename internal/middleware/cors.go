// Package middleware provides HTTP middleware for the AgriBoost web server.
package middleware

import (
	"net/http"
	"strings"

	"github.com/agriboost/agriboost-web/internal/identity"
)

// corsMethods are the methods the JSON API answers to.
var corsMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}

// corsHeaders are the request headers the SPA sends.
var corsHeaders = []string{"Content-Type", identity.TabHeaderName}

// CORS returns middleware that lets the SPA origins call the API. "*" admits
// any origin but never with credentials; the device cookie is only shared
// with origins listed explicitly.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	explicit := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		explicit[o] = true
	}
	methods := strings.Join(corsMethods, ", ")
	headers := strings.Join(corsHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin != "" && (wildcard || explicit[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				if explicit[origin] {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
