// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DeviceCookieName   = "agriboost_device"
	TabHeaderName      = "X-AgriBoost-Tab-ID"
	DefaultTabIDValue  = "default"
	deviceCookieMaxAge = 180 * 24 * time.Hour
)

type contextKey int

const (
	deviceIDKey contextKey = iota
	tabIDKey
)

var tabIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// WithDeviceID returns a copy of ctx carrying the device ID. Background work
// done on behalf of a device (polling, refresh) uses it to reach the device's
// credentials.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// DeviceIDFromContext extracts the device ID from the context.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

// TabIDFromContext extracts the browser tab ID from the request context.
func TabIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tabIDKey).(string); ok {
		return v
	}
	return DefaultTabIDValue
}

func isValidDeviceID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func sanitizeTabID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !tabIDPattern.MatchString(id) {
		return DefaultTabIDValue
	}
	return id
}

func setDeviceCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     DeviceCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(deviceCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(deviceCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateDeviceID(w http.ResponseWriter, r *http.Request, isDev bool) string {
	var id string
	if c, err := r.Cookie(DeviceCookieName); err == nil && isValidDeviceID(c.Value) {
		id = c.Value
	} else {
		id = uuid.NewString()
	}
	// Refresh the cookie on every request so active devices never expire.
	setDeviceCookie(w, id, isDev)
	return id
}

func tabIDFromRequest(r *http.Request) string {
	tid := r.Header.Get(TabHeaderName)
	if tid == "" {
		tid = r.URL.Query().Get("tab_id")
	}
	return sanitizeTabID(tid)
}

// Middleware injects the device ID and per-request tab ID.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID := getOrCreateDeviceID(w, r, isDev)

			ctx := WithDeviceID(r.Context(), deviceID)
			ctx = context.WithValue(ctx, tabIDKey, tabIDFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
