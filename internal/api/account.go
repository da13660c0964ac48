package api

import (
	"net/http"
	"time"

	"github.com/agriboost/agriboost-web/internal/apiclient"
	"github.com/agriboost/agriboost-web/internal/domain"
)

type meResponse struct {
	User            *domain.User `json:"user"`
	Active          bool         `json:"active"`
	AccessExpiresAt *time.Time   `json:"access_expires_at,omitempty"`
}

// GetMe returns the device's current user and whether it holds a session.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	resp := meResponse{User: sess.Current()}

	if token, ok := sess.AccessToken(r.Context()); ok {
		resp.Active = true
		if exp, ok := apiclient.AccessTokenExpiry(token); ok {
			exp = exp.UTC()
			resp.AccessExpiresAt = &exp
		}
	}
	JSON(w, http.StatusOK, resp)
}

// UpdateProfile saves profile changes and makes the result the current user.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	sess := h.session(r)
	if !sess.Active(r.Context()) {
		Error(w, http.StatusUnauthorized, msgNotLoggedIn)
		return
	}

	var req apiclient.ProfileUpdate
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.backend.UpdateProfile(r.Context(), req)
	if err != nil {
		h.backendError(w, r, err, failure{
			fields:      []string{"email", "full_name", "detail"},
			fallback:    "Profile update failed",
			unreachable: msgServerError,
		})
		return
	}

	if err := sess.SetUser(r.Context(), user); err != nil {
		h.logger.Warn("Failed to cache updated profile", "error", err)
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"user":    user,
		"message": "Profile updated successfully!",
	})
}

type changePasswordRequest struct {
	OldPassword     string `json:"old_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// ChangePassword changes the account password.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if !h.session(r).Active(r.Context()) {
		Error(w, http.StatusUnauthorized, msgNotLoggedIn)
		return
	}

	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.NewPassword != req.ConfirmPassword {
		Error(w, http.StatusBadRequest, "New password and confirmation do not match!")
		return
	}

	msg, err := h.backend.ChangePassword(r.Context(), req.OldPassword, req.NewPassword)
	if err != nil {
		// A new_password complaint outranks an old_password one.
		h.backendError(w, r, err, failure{
			fields:      []string{"new_password", "old_password"},
			fallback:    "Password change failed!",
			unreachable: msgServerError,
		})
		return
	}
	if msg == "" {
		msg = "Password changed successfully!"
	}
	JSON(w, http.StatusOK, map[string]string{"message": msg})
}

type activityItem struct {
	domain.ActivityEntry
	ParsedDetails *domain.ActivityDetails `json:"parsed_details,omitempty"`
}

// UserHistory lists the account's activity.
func (h *Handler) UserHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.backend.UserHistory(r.Context())
	if err != nil {
		h.backendError(w, r, err, failure{
			fields:   []string{"detail"},
			fallback: "Failed to load history.",
		})
		return
	}

	items := make([]activityItem, 0, len(entries))
	for i := range entries {
		items = append(items, activityItem{
			ActivityEntry: entries[i],
			ParsedDetails: entries[i].ParsedDetails(),
		})
	}
	JSON(w, http.StatusOK, items)
}
