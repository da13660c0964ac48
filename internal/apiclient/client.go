package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/agriboost/agriboost-web/internal/domain"
	"github.com/agriboost/agriboost-web/internal/identity"
)

// Client exposes the backend endpoints used by the web client. Every call is
// made on behalf of the device found in ctx.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client that sends requests through rt.
func New(baseURL string, rt http.RoundTripper, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: rt, Timeout: timeout},
	}
}

// AuthResult is returned by login and OTP verification.
type AuthResult struct {
	Access  string       `json:"access"`
	Refresh string       `json:"refresh"`
	User    *domain.User `json:"user"`
	Message string       `json:"message,omitempty"`
}

// Tokens returns the credential set carried by the result.
func (a *AuthResult) Tokens() domain.Tokens {
	return domain.Tokens{Access: a.Access, Refresh: a.Refresh}
}

// RegisterRequest is the body of POST /users/register/.
type RegisterRequest struct {
	FullName        string `json:"full_name"`
	Email           string `json:"email"`
	Address         string `json:"address,omitempty"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password,omitempty"`
}

// RegisterResult is the body of a successful registration.
type RegisterResult struct {
	Message string          `json:"message,omitempty"`
	RawID   json.RawMessage `json:"user_id"`
	User    *domain.User    `json:"user,omitempty"`
}

// UserID returns the new account's ID as a string, whatever its JSON type.
func (r *RegisterResult) UserID() string {
	return strings.Trim(string(r.RawID), `"`)
}

// ProfileUpdate is the body of PUT /users/profile/.
type ProfileUpdate struct {
	FullName string `json:"full_name,omitempty"`
	Email    string `json:"email,omitempty"`
	Address  string `json:"address,omitempty"`
}

// anonymous strips the device from ctx so the request carries no bearer token
// and a 401 is returned as is. Used by the sign-in endpoints.
func anonymous(ctx context.Context) context.Context {
	return identity.WithDeviceID(ctx, "")
}

// Login signs a user in with email and password.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	var out AuthResult
	body := map[string]string{"email": email, "password": password}
	if err := c.doJSON(anonymous(ctx), http.MethodPost, "/users/login/", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates an account. The backend answers with the new user's ID and
// sends an OTP out of band.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	var out RegisterResult
	if err := c.doJSON(anonymous(ctx), http.MethodPost, "/users/register/", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyOTP activates an account and signs it in.
func (c *Client) VerifyOTP(ctx context.Context, userID, otp string) (*AuthResult, error) {
	var out AuthResult
	body := map[string]string{"user_id": userID, "otp": otp}
	if err := c.doJSON(anonymous(ctx), http.MethodPost, "/users/verify-otp/", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateProfile saves profile changes and returns the updated user.
func (c *Client) UpdateProfile(ctx context.Context, update ProfileUpdate) (*domain.User, error) {
	var out domain.User
	if err := c.doJSON(ctx, http.MethodPut, "/users/profile/", update, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChangePassword changes the account password and returns the backend's
// confirmation message.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	body := map[string]string{"old_password": oldPassword, "new_password": newPassword}
	if err := c.doJSON(ctx, http.MethodPut, "/users/change-password/", body, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// UserHistory lists the account's activity, most recent first.
func (c *Client) UserHistory(ctx context.Context) ([]domain.ActivityEntry, error) {
	var out []domain.ActivityEntry
	if err := c.doJSON(ctx, http.MethodGet, "/users/history/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CropHistory lists past disease predictions.
func (c *Client) CropHistory(ctx context.Context) ([]domain.CropHistoryEntry, error) {
	var out []domain.CropHistoryEntry
	if err := c.doJSON(ctx, http.MethodGet, "/disease/crop-history/", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PredictDisease uploads a leaf image for classification.
func (c *Client) PredictDisease(ctx context.Context, filename string, image io.Reader) (*domain.DiseasePrediction, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return nil, fmt.Errorf("create image part: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, fmt.Errorf("copy image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	var out domain.DiseaseEnvelope
	if err := c.do(ctx, http.MethodPost, "/disease/predict/", &buf, mw.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	if out.Prediction == nil {
		return nil, errors.New("prediction response carried no prediction")
	}
	return out.Prediction, nil
}

// SensorFeed fetches the latest sensor snapshot envelope.
func (c *Client) SensorFeed(ctx context.Context) (*domain.FeedEnvelope, error) {
	var out domain.FeedEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/sensors/feed/", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Predictions lists past fertilizer predictions, most recent first.
func (c *Client) Predictions(ctx context.Context) ([]domain.PredictionRecord, error) {
	var out domain.PredictionHistory
	if err := c.doJSON(ctx, http.MethodGet, "/sensors/predictions/", nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// PredictFertilizer requests a fertilizer recommendation.
func (c *Client) PredictFertilizer(ctx context.Context, req domain.FertilizerRequest) (*domain.PredictionRecord, error) {
	var out domain.PredictionEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/sensors/predict/", req, &out); err != nil {
		return nil, err
	}
	return &out.Prediction, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	if in == nil {
		return c.do(ctx, method, path, nil, "", out)
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	return c.do(ctx, method, path, bytes.NewReader(payload), "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, errors.Join(ErrUnreachable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
