package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/agriboost/agriboost-web/internal/apiclient"
	"github.com/agriboost/agriboost-web/internal/domain"
	"github.com/agriboost/agriboost-web/internal/identity"
)

const (
	msgServerUnreachable = "Server unreachable. Please try again later."
	msgServerError       = "Server error. Try again later."
	msgSessionSaveFailed = "Failed to save your session. Please try again."
	msgNotLoggedIn       = "You are not logged in!"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login signs the device in and stores the issued credentials.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.backend.Login(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		h.backendError(w, r, err, failure{
			fields:      []string{"detail"},
			fallback:    "Invalid email or password!",
			unreachable: msgServerUnreachable,
		})
		return
	}

	if err := h.session(r).LoginUser(r.Context(), res.User, res.Tokens()); err != nil {
		h.logger.Error("Failed to store login", "device_id", identity.DeviceIDFromContext(r.Context()), "error", err)
		Error(w, http.StatusInternalServerError, msgSessionSaveFailed)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user":     res.User,
		"redirect": "/dashboard",
	})
}

type registerRequest struct {
	FullName        string `json:"full_name"`
	Email           string `json:"email"`
	Address         string `json:"address"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
}

// registrationFields are reported in this order, with these prefixes.
var registrationFields = []struct{ field, prefix string }{
	{"email", "Email error: "},
	{"password", "Password error: "},
	{"confirm_password", "Confirm Password error: "},
	{"full_name", "Name error: "},
	{"detail", ""},
}

// Register creates an account and remembers the new user until the OTP is
// verified.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Password != req.ConfirmPassword {
		Error(w, http.StatusBadRequest, "Passwords do not match.")
		return
	}

	res, err := h.backend.Register(r.Context(), apiclient.RegisterRequest{
		FullName:        req.FullName,
		Email:           strings.TrimSpace(req.Email),
		Address:         req.Address,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})
	if err != nil {
		h.registrationError(w, r, err)
		return
	}

	user := res.User
	if user == nil {
		user = &domain.User{FullName: req.FullName, Email: req.Email, Address: req.Address}
	}
	if err := h.session(r).SetUser(r.Context(), user); err != nil {
		h.logger.Warn("Failed to cache registered user", "error", err)
	}

	JSON(w, http.StatusCreated, map[string]interface{}{
		"message":  "User registered successfully! Please verify OTP.",
		"user_id":  res.UserID(),
		"redirect": "/verify-otp",
	})
}

func (h *Handler) registrationError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) {
		h.backendError(w, r, err, failure{fallback: "Something went wrong. Try again later."})
		return
	}
	for _, f := range registrationFields {
		if msg := apiclient.FieldMessage(err, f.field); msg != "" {
			Error(w, apiErr.Status, f.prefix+msg)
			return
		}
	}
	Error(w, apiErr.Status, "Registration failed. Please try again.")
}

type verifyOTPRequest struct {
	UserID string `json:"user_id"`
	OTP    string `json:"otp"`
}

// VerifyOTP activates a freshly registered account.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		Error(w, http.StatusBadRequest, "Missing user ID. Please register again.")
		return
	}

	res, err := h.backend.VerifyOTP(r.Context(), req.UserID, strings.TrimSpace(req.OTP))
	if err != nil {
		h.backendError(w, r, err, failure{
			fields:      []string{"detail"},
			fallback:    "Invalid OTP. Please try again.",
			unreachable: msgServerError,
		})
		return
	}

	if err := h.session(r).LoginUser(r.Context(), res.User, res.Tokens()); err != nil {
		h.logger.Error("Failed to store verified session", "error", err)
		Error(w, http.StatusInternalServerError, msgSessionSaveFailed)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"message":  "OTP verified successfully! Redirecting...",
		"user":     res.User,
		"redirect": "/login",
	})
}

// Logout erases the device's credentials and closes its live dashboards.
// It always succeeds.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	h.session(r).Logout(r.Context())
	if h.live != nil {
		h.live.CloseDevice(deviceID)
	}
	JSON(w, http.StatusOK, map[string]string{"redirect": "/login"})
}
