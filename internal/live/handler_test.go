package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agriboost/agriboost-web/internal/domain"
	"github.com/agriboost/agriboost-web/internal/feed"
	"github.com/agriboost/agriboost-web/internal/identity"
	"github.com/agriboost/agriboost-web/internal/session"
	"github.com/agriboost/agriboost-web/internal/store"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = "9b2f6c0e-3a8d-4f51-9d1e-2c7a4b6e8f10"

type staticSource struct{}

func (staticSource) SensorFeed(context.Context) (*domain.FeedEnvelope, error) {
	temp, moisture := 24.5, 41.0
	return &domain.FeedEnvelope{
		Sensors:     []domain.SensorSnapshot{{Temperature: &temp, SoilMoisture: &moisture}},
		Source:      "firebase",
		LastUpdated: "2026-10-15T10:00:00Z",
	}, nil
}

func (staticSource) Predictions(context.Context) ([]domain.PredictionRecord, error) {
	return nil, nil
}

func (staticSource) PredictFertilizer(context.Context, domain.FertilizerRequest) (*domain.PredictionRecord, error) {
	return &domain.PredictionRecord{ID: 1, RecommendedFertilizer: "Urea"}, nil
}

type liveEnv struct {
	srv *httptest.Server
	reg *session.Registry
	mgr *Manager
}

func newLiveEnv(t *testing.T, cfg HandlerConfig) *liveEnv {
	t.Helper()
	reg := session.NewRegistry(store.NewMemory(), nil)
	mgr := NewManager()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	h := NewHandler(reg, staticSource{}, mgr, cfg)
	srv := httptest.NewServer(identity.Middleware(true)(h))
	t.Cleanup(srv.Close)
	return &liveEnv{srv: srv, reg: reg, mgr: mgr}
}

func (e *liveEnv) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Cookie", identity.DeviceCookieName+"="+testDevice)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/iot?tab_id=tab-1"
	return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
}

func (e *liveEnv) connect(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := e.dial(t, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

type received struct {
	Type  string     `json:"type"`
	View  *feed.View `json:"view"`
	Error string     `json:"error"`
}

func readUntil(t *testing.T, c *websocket.Conn, want string, match func(received) bool) received {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		var msg received
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == want && (match == nil || match(msg)) {
			return msg
		}
	}
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, data))
}

func hasSnapshot(m received) bool { return m.View != nil && m.View.Snapshot != nil }

func TestLiveStreamsFeedView(t *testing.T) {
	env := newLiveEnv(t, HandlerConfig{})
	c := env.connect(t)

	msg := readUntil(t, c, "view", hasSnapshot)
	assert.Equal(t, "polling", msg.View.State)
	assert.Equal(t, 24.5, *msg.View.Snapshot.Temperature)
	assert.Equal(t, domain.SourceLive, msg.View.Source)
	assert.Equal(t, 1, env.mgr.Count(testDevice))
}

func TestLivePingAndPredict(t *testing.T) {
	env := newLiveEnv(t, HandlerConfig{})
	c := env.connect(t)
	readUntil(t, c, "view", hasSnapshot)

	send(t, c, map[string]string{"type": "ping"})
	readUntil(t, c, "pong", nil)

	send(t, c, map[string]string{"type": "predict", "soil_type": ""})
	msg := readUntil(t, c, "error", nil)
	assert.Equal(t, "Please select a soil type before predicting.", msg.Error)

	send(t, c, map[string]string{"type": "predict", "soil_type": "Black"})
	msg = readUntil(t, c, "view", func(m received) bool { return m.View != nil && m.View.Prediction != nil })
	assert.Equal(t, "Urea", msg.View.Prediction.RecommendedFertilizer)
}

func TestLiveSessionExpired(t *testing.T) {
	env := newLiveEnv(t, HandlerConfig{})
	c := env.connect(t)
	readUntil(t, c, "view", hasSnapshot)

	ctx := context.Background()
	sess := env.reg.Get(ctx, testDevice)
	require.NoError(t, sess.LoginUser(ctx, &domain.User{FullName: "A"}, domain.Tokens{Access: "A1"}))
	sess.Logout(ctx)

	readUntil(t, c, "session_expired", nil)
}

func TestLiveCloseDeviceEndsConnection(t *testing.T) {
	env := newLiveEnv(t, HandlerConfig{})
	c := env.connect(t)
	readUntil(t, c, "view", hasSnapshot)

	env.mgr.CloseDevice(testDevice)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := c.Read(ctx); err != nil {
			break
		}
	}
	require.Eventually(t, func() bool { return env.mgr.Count(testDevice) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLiveRejectsForeignOrigin(t *testing.T) {
	env := newLiveEnv(t, HandlerConfig{AllowedOrigin: "http://localhost:5173"})

	_, resp, err := env.dial(t, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
