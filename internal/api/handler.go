// Package api provides the HTTP handlers behind the AgriBoost views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/agriboost/agriboost-web/internal/apiclient"
	"github.com/agriboost/agriboost-web/internal/domain"
	"github.com/agriboost/agriboost-web/internal/identity"
	"github.com/agriboost/agriboost-web/internal/session"
	"github.com/go-chi/chi/v5"
)

const maxJSONBody = 1 << 20

// Backend is the subset of the backend client used by the handlers.
type Backend interface {
	Login(ctx context.Context, email, password string) (*apiclient.AuthResult, error)
	Register(ctx context.Context, req apiclient.RegisterRequest) (*apiclient.RegisterResult, error)
	VerifyOTP(ctx context.Context, userID, otp string) (*apiclient.AuthResult, error)
	UpdateProfile(ctx context.Context, update apiclient.ProfileUpdate) (*domain.User, error)
	ChangePassword(ctx context.Context, oldPassword, newPassword string) (string, error)
	UserHistory(ctx context.Context) ([]domain.ActivityEntry, error)
	CropHistory(ctx context.Context) ([]domain.CropHistoryEntry, error)
	PredictDisease(ctx context.Context, filename string, image io.Reader) (*domain.DiseasePrediction, error)
	SensorFeed(ctx context.Context) (*domain.FeedEnvelope, error)
	Predictions(ctx context.Context) ([]domain.PredictionRecord, error)
	PredictFertilizer(ctx context.Context, req domain.FertilizerRequest) (*domain.PredictionRecord, error)
}

// Sessions resolves the session context of a device.
type Sessions interface {
	Get(ctx context.Context, deviceID string) *session.Context
}

// LiveConnections ends a device's open dashboard connections.
type LiveConnections interface {
	CloseDevice(deviceID string)
}

// Pinger reports whether the credential store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of Handler.
type Deps struct {
	Backend       Backend
	Sessions      Sessions
	Live          LiveConnections
	Store         Pinger
	MaxUploadSize int64
	Logger        *slog.Logger
}

// Handler serves the JSON API used by the views.
type Handler struct {
	backend       Backend
	sessions      Sessions
	live          LiveConnections
	store         Pinger
	maxUploadSize int64
	logger        *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.MaxUploadSize <= 0 {
		d.MaxUploadSize = 10 << 20
	}
	return &Handler{
		backend:       d.Backend,
		sessions:      d.Sessions,
		live:          d.Live,
		store:         d.Store,
		maxUploadSize: d.MaxUploadSize,
		logger:        logger,
	}
}

// RegisterRoutes registers the API routes. limited wraps the endpoints that
// reach expensive backend work (sign-in and predictions); it may be nil.
func (h *Handler) RegisterRoutes(r chi.Router, limited func(http.Handler) http.Handler) {
	if limited == nil {
		limited = func(next http.Handler) http.Handler { return next }
	}

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(limited).Post("/login", h.Login)
			r.With(limited).Post("/register", h.Register)
			r.With(limited).Post("/verify-otp", h.VerifyOTP)
			r.Post("/logout", h.Logout)
		})

		r.Get("/me", h.GetMe)
		r.Put("/profile", h.UpdateProfile)
		r.Put("/password", h.ChangePassword)
		r.Get("/history", h.UserHistory)

		r.Get("/disease/history", h.CropHistory)
		r.With(limited).Post("/disease/predict", h.PredictDisease)

		r.Get("/sensors/feed", h.SensorFeed)
		r.Get("/sensors/predictions", h.Predictions)
		r.With(limited).Post("/sensors/predict", h.PredictFertilizer)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// session returns the requesting device's session context.
func (h *Handler) session(r *http.Request) *session.Context {
	return h.sessions.Get(r.Context(), identity.DeviceIDFromContext(r.Context()))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "Invalid request body.")
		return false
	}
	return true
}

// failure describes how a backend error is shown to the user.
type failure struct {
	// fields are tried in order for a backend-provided message.
	fields []string
	// fallback is shown when the backend answered without a usable message.
	fallback string
	// unreachable is shown when no response arrived. Defaults to fallback.
	unreachable string
}

// backendError writes err as the user-visible message described by f. Backend
// statuses are passed through; a missing response becomes 502.
func (h *Handler) backendError(w http.ResponseWriter, r *http.Request, err error, f failure) {
	var apiErr *apiclient.APIError
	switch {
	case errors.As(err, &apiErr):
		msg := apiclient.FieldMessage(err, f.fields...)
		if msg == "" {
			msg = f.fallback
		}
		h.logger.Info("Backend rejected request", "path", r.URL.Path, "status", apiErr.Status, "error", err)
		Error(w, apiErr.Status, msg)
	case errors.Is(err, apiclient.ErrUnreachable):
		msg := f.unreachable
		if msg == "" {
			msg = f.fallback
		}
		h.logger.Warn("Backend unreachable", "path", r.URL.Path, "error", err)
		Error(w, http.StatusBadGateway, msg)
	default:
		h.logger.Error("Backend call failed", "path", r.URL.Path, "error", err)
		Error(w, http.StatusBadGateway, f.fallback)
	}
}
