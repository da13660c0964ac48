package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/agriboost/agriboost-web/internal/domain"
	"github.com/agriboost/agriboost-web/internal/feed"
	"github.com/agriboost/agriboost-web/internal/identity"
	"github.com/agriboost/agriboost-web/internal/session"
	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// Sessions resolves the session context of a device.
type Sessions interface {
	Get(ctx context.Context, deviceID string) *session.Context
}

// HandlerConfig configures NewHandler.
type HandlerConfig struct {
	AllowedOrigin string
	IsDev         bool
	PollInterval  time.Duration
	HistoryLimit  int
	Logger        *slog.Logger
}

// Handler serves GET /ws/iot. Each connection runs its own feed.Feed.
type Handler struct {
	sessions Sessions
	src      feed.Source
	mgr      *Manager
	cfg      HandlerConfig
	logger   *slog.Logger
}

// NewHandler creates a live dashboard handler.
func NewHandler(sessions Sessions, src feed.Source, mgr *Manager, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		src:      src,
		mgr:      mgr,
		cfg:      cfg,
		logger:   logger,
	}
}

// clientMessage is a message from the dashboard.
type clientMessage struct {
	Type     string `json:"type"`
	SoilType string `json:"soil_type,omitempty"`
}

// serverMessage is a message to the dashboard.
type serverMessage struct {
	Type  string     `json:"type"`
	View  *feed.View `json:"view,omitempty"`
	Error string     `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())
	logger := h.logger.With("device_id", deviceID, "tab_id", tabID)

	if deviceID == "" {
		http.Error(w, "device identity required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "dashboard closed"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := h.mgr.Register(deviceID, tabID, cancel)
	defer h.mgr.Unregister(conn)

	sess := h.sessions.Get(ctx, deviceID)
	users, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	views := make(chan feed.View, 1)
	control := make(chan serverMessage, 8)

	f := feed.New(h.src, feed.Config{
		Interval:     h.cfg.PollInterval,
		HistoryLimit: h.cfg.HistoryLimit,
		HasSession:   sess.Active,
		Logger:       logger,
	})
	f.OnChange(func(v feed.View) {
		select {
		case <-views:
		default:
		}
		views <- v
	})
	if err := f.Start(ctx); err != nil {
		logger.Error("Failed to start feed", "error", err)
		return
	}
	defer f.Stop()

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, f, control, logger)
	}()

	logger.Info("Live dashboard connected")
	h.writeLoop(ctx, ws, views, control, users, logger)
	logger.Info("Live dashboard disconnected")
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" || origin == h.cfg.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, f *feed.Feed, control chan<- serverMessage, logger *slog.Logger) {
	send := func(msg serverMessage) {
		select {
		case control <- msg:
		case <-ctx.Done():
		}
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("WebSocket closed", "error", err)
			} else {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			send(serverMessage{Type: "error", Error: "Malformed message."})
			continue
		}

		switch msg.Type {
		case "ping":
			send(serverMessage{Type: "pong"})
		case "predict":
			go func(soilType string) {
				if _, err := f.Predict(ctx, soilType); err != nil {
					logger.Info("Fertilizer prediction failed", "soil_type", soilType, "error", err)
					send(serverMessage{Type: "error", Error: feed.Message(err)})
				}
			}(msg.SoilType)
		default:
			logger.Debug("Ignoring unknown message", "type", msg.Type)
		}
	}
}

func (h *Handler) writeLoop(ctx context.Context, ws *websocket.Conn, views <-chan feed.View, control <-chan serverMessage, users <-chan *domain.User, logger *slog.Logger) {
	for {
		var msg serverMessage
		select {
		case <-ctx.Done():
			return
		case v := <-views:
			msg = serverMessage{Type: "view", View: &v}
		case msg = <-control:
		case u, ok := <-users:
			if !ok {
				users = nil
				continue
			}
			if u != nil {
				continue
			}
			msg = serverMessage{Type: "session_expired"}
		}

		if err := writeJSON(ctx, ws, msg); err != nil {
			if ctx.Err() == nil {
				logger.Debug("WebSocket write error", "error", err)
			}
			return
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
