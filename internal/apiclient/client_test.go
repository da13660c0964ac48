package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agriboost/agriboost-web/internal/domain"
	"github.com/agriboost/agriboost-web/internal/identity"
	"github.com/agriboost/agriboost-web/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *store.MemoryStore) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s := store.NewMemory()
	tr := NewTransport(s, TransportConfig{BaseURL: srv.URL + "/api"})
	return New(srv.URL+"/api/", tr, 5*time.Second), s
}

func deviceCtx() context.Context {
	return identity.WithDeviceID(context.Background(), testDevice)
}

func TestLogin(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users/login/", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "a@b.com", in["email"])
		assert.Equal(t, "x", in["password"])
		_, _ = w.Write([]byte(`{"access":"A1","refresh":"R1","user":{"full_name":"A","role":"farmer"}}`))
	}))

	res, err := c.Login(deviceCtx(), "a@b.com", "x")
	require.NoError(t, err)
	assert.Equal(t, domain.Tokens{Access: "A1", Refresh: "R1"}, res.Tokens())
	require.NotNil(t, res.User)
	assert.Equal(t, "A", res.User.FullName)
	assert.Equal(t, "farmer", res.User.Extra["role"])
}

func TestLoginInvalidCredentials(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid credentials"}`))
	}))

	_, err := c.Login(deviceCtx(), "a@b.com", "bad")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, "Invalid credentials", FieldMessage(err, "detail"))
}

func TestLoginIgnoresStoredCredentials(t *testing.T) {
	var refreshCalls int
	c, s := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/token/refresh/" {
			refreshCalls++
			return
		}
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid credentials"}`))
	}))
	ctx := deviceCtx()
	require.NoError(t, s.Set(ctx, testDevice, store.KeyAccess, "stale"))
	require.NoError(t, s.Set(ctx, testDevice, store.KeyRefresh, "R0"))

	_, err := c.Login(ctx, "a@b.com", "bad")
	assert.True(t, IsUnauthorized(err))
	assert.Zero(t, refreshCalls)
	v, err := s.Get(ctx, testDevice, store.KeyRefresh)
	require.NoError(t, err)
	assert.Equal(t, "R0", v)
}

func TestRegisterValidationErrors(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"email":["user with this email already exists."],"password":["Too short."]}`))
	}))

	_, err := c.Register(deviceCtx(), RegisterRequest{Email: "a@b.com", Password: "x"})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.False(t, IsUnauthorized(err))
	assert.Equal(t, "user with this email already exists.", FieldMessage(err, "email", "password"))
	assert.Equal(t, "Too short.", FieldMessage(err, "confirm_password", "password"))
	assert.Empty(t, FieldMessage(err, "full_name", "detail"))
}

func TestRegisterUserID(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"message":"User registered successfully.","user_id":42}`))
	}))

	res, err := c.Register(deviceCtx(), RegisterRequest{Email: "a@b.com", Password: "x"})
	require.NoError(t, err)
	assert.Equal(t, "42", res.UserID())
	assert.Nil(t, res.User)
}

func TestUnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url+"/api", NewTransport(store.NewMemory(), TransportConfig{BaseURL: url + "/api"}), time.Second)
	_, err := c.SensorFeed(deviceCtx())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable))
}

func TestSensorFeedAndPredictions(t *testing.T) {
	c, s := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sensors/feed/":
			_, _ = w.Write([]byte(`{"sensors":[{"temperature":25,"phosphorous":12}],"source":"firebase","last_updated":"T"}`))
		case "/api/sensors/predictions/":
			assert.Equal(t, "Bearer A1", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"count":1,"results":[{"id":3,"recommended_fertilizer":"Urea","fertilizer_amount":"120.50"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	require.NoError(t, s.Set(context.Background(), testDevice, store.KeyAccess, "A1"))

	env, err := c.SensorFeed(deviceCtx())
	require.NoError(t, err)
	require.Len(t, env.Sensors, 1)
	assert.Equal(t, 25.0, *env.Sensors[0].Temperature)
	assert.Equal(t, 12.0, *env.Sensors[0].Phosphorus)
	assert.Equal(t, domain.SourceLive, domain.SourceLabel(env.Source))

	recs, err := c.Predictions(deviceCtx())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Urea", recs[0].RecommendedFertilizer)
	assert.Equal(t, "120.5", recs[0].AmountPerHectare.Decimal.String())
}

func TestPredictFertilizerError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to predict fertilizer","detail":"model missing"}`))
	}))

	_, err := c.PredictFertilizer(deviceCtx(), domain.FertilizerRequest{SoilType: "Loamy"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Failed to predict fertilizer", apiErr.Summary())
	assert.Equal(t, "model missing", apiErr.Detail)
	assert.Contains(t, apiErr.Error(), "500")
}

func TestPredictDiseaseUploadsMultipart(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/disease/predict/", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "leaf.jpg", hdr.Filename)
		assert.Equal(t, "jpeg-bytes", string(data))
		_, _ = w.Write([]byte(`{"prediction":{"label":"Rust","confidence":0.91,"recommendation":"Apply fungicide"}}`))
	}))

	pred, err := c.PredictDisease(deviceCtx(), "leaf.jpg", strings.NewReader("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "Rust", pred.Label)
	assert.Equal(t, "high", pred.ConfidenceBand())
}

func TestUserHistoryAndChangePassword(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/users/history/":
			_, _ = w.Write([]byte(`[{"id":1,"action":"login","details":"{\"ip\":\"1.2.3.4\"}","created_at":"2024-01-01T00:00:00Z"}]`))
		case "/api/users/change-password/":
			assert.Equal(t, http.MethodPut, r.Method)
			_, _ = w.Write([]byte(`{"message":"Password updated successfully."}`))
		}
	}))

	hist, err := c.UserHistory(deviceCtx())
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "1.2.3.4", hist[0].ParsedDetails().IP)

	msg, err := c.ChangePassword(deviceCtx(), "old", "new")
	require.NoError(t, err)
	assert.Equal(t, "Password updated successfully.", msg)
}

func TestAccessTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp":     exp.Unix(),
		"user_id": 7,
	}).SignedString([]byte("not-the-backend-key"))
	require.NoError(t, err)

	got, ok := AccessTokenExpiry(tok)
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = AccessTokenExpiry("opaque-token")
	assert.False(t, ok)
	_, ok = AccessTokenExpiry("")
	assert.False(t, ok)
}
