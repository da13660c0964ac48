// Package apiclient talks to the AgriBoost backend on behalf of a device.
//
// Every call goes through Transport, which attaches the device's access token,
// and on a 401 refreshes it once and replays the request.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agriboost/agriboost-web/internal/identity"
	"github.com/agriboost/agriboost-web/internal/store"
	"golang.org/x/sync/singleflight"
)

const refreshPath = "/token/refresh/"

// defaultRefreshTimeout bounds a refresh that outlives the request which
// started it.
const defaultRefreshTimeout = 15 * time.Second

// SessionExpiredFunc is called after a failed refresh has cleared a device's
// credentials.
type SessionExpiredFunc func(deviceID string)

type retriedKey struct{}

// markRetried sets the one-shot marker that stops a second refresh for the
// same logical request.
func markRetried(ctx context.Context) context.Context {
	return context.WithValue(ctx, retriedKey{}, true)
}

func isRetried(ctx context.Context) bool {
	v, _ := ctx.Value(retriedKey{}).(bool)
	return v
}

// TransportConfig configures NewTransport.
type TransportConfig struct {
	// BaseURL is the backend API root, e.g. http://127.0.0.1:8000/api.
	BaseURL string
	// Base performs the actual HTTP exchange. Defaults to http.DefaultTransport.
	Base http.RoundTripper
	// RefreshTimeout bounds each refresh call. Defaults to 15s.
	RefreshTimeout time.Duration
	Logger         *slog.Logger
}

// Transport is an http.RoundTripper implementing the authenticated request
// pipeline. The device is taken from the request context
// (identity.WithDeviceID).
type Transport struct {
	store          store.Store
	base           http.RoundTripper
	refreshURL     string
	refreshTimeout time.Duration
	logger         *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	onExpired []SessionExpiredFunc
}

// NewTransport creates the pipeline over the given credential store.
func NewTransport(s store.Store, cfg TransportConfig) *Transport {
	base := cfg.Base
	if base == nil {
		base = http.DefaultTransport
	}
	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		store:          s,
		base:           base,
		refreshURL:     cfg.BaseURL + refreshPath,
		refreshTimeout: timeout,
		logger:         logger,
	}
}

// OnSessionExpired registers fn to be called when a device's session is
// cleared after an unrecoverable refresh failure.
func (t *Transport) OnSessionExpired(fn SessionExpiredFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpired = append(t.onExpired, fn)
}

func (t *Transport) emitExpired(deviceID string) {
	t.mu.RLock()
	observers := append([]SessionExpiredFunc(nil), t.onExpired...)
	t.mu.RUnlock()
	for _, fn := range observers {
		fn(deviceID)
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	deviceID := identity.DeviceIDFromContext(ctx)

	req, err := replayable(req)
	if err != nil {
		return nil, err
	}

	out, err := t.authorize(req, deviceID)
	if err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || isRetried(ctx) || deviceID == "" {
		return resp, nil
	}

	bucket := store.NewBucket(t.store, deviceID)
	refresh, ok, err := bucket.Lookup(ctx, store.KeyRefresh)
	if err != nil {
		t.logger.Warn("Failed to read refresh token", "device_id", deviceID, "error", err)
		return resp, nil
	}
	if !ok {
		return resp, nil
	}

	if _, err := t.refresh(ctx, bucket, refresh); err != nil {
		return resp, nil
	}

	drain(resp)

	retry := req.Clone(markRetried(ctx))
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		retry.Body = body
	}
	return t.RoundTrip(retry)
}

// authorize returns a copy of req carrying the device's bearer token, if one
// is stored.
func (t *Transport) authorize(req *http.Request, deviceID string) (*http.Request, error) {
	out := req.Clone(req.Context())
	out.Header.Del("Authorization")
	if deviceID == "" {
		return out, nil
	}

	access, ok, err := store.NewBucket(t.store, deviceID).Lookup(req.Context(), store.KeyAccess)
	if err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}
	if ok {
		out.Header.Set("Authorization", "Bearer "+access)
	}
	return out, nil
}

// refresh exchanges the refresh token for a new access token. Concurrent
// callers for the same device share one backend call. On failure the
// device's credentials are cleared and the session-expired observers run.
func (t *Transport) refresh(ctx context.Context, bucket *store.Bucket, refreshToken string) (string, error) {
	deviceID := bucket.Namespace()

	v, err, shared := t.group.Do(deviceID, func() (interface{}, error) {
		// The refresh belongs to every waiter, not just the request that
		// started it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.refreshTimeout)
		defer cancel()

		access, err := t.requestAccessToken(rctx, refreshToken)
		if err == nil {
			err = bucket.Set(rctx, store.KeyAccess, access)
		}
		if err != nil {
			t.logger.Warn("Token refresh failed, clearing session",
				"device_id", deviceID,
				"error", err)
			if clearErr := bucket.Clear(rctx); clearErr != nil {
				t.logger.Error("Failed to clear credentials after refresh failure",
					"device_id", deviceID,
					"error", clearErr)
			}
			t.emitExpired(deviceID)
			return "", err
		}

		t.logger.Debug("Access token refreshed", "device_id", deviceID)
		return access, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		t.logger.Debug("Joined in-flight token refresh", "device_id", deviceID)
	}
	return v.(string), nil
}

func (t *Transport) requestAccessToken(ctx context.Context, refreshToken string) (string, error) {
	payload, err := json.Marshal(map[string]string{"refresh": refreshToken})
	if err != nil {
		return "", fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.refreshURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return "", errors.Join(ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", decodeAPIError(resp)
	}

	var body struct {
		Access string `json:"access"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if body.Access == "" {
		return "", errors.New("refresh response carried no access token")
	}
	return body.Access, nil
}

// replayable returns req, or a copy of it with GetBody set when the body
// cannot otherwise be sent a second time. req itself is not modified.
func replayable(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return req, nil
	}
	data, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return out, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
