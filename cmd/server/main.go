// AgriBoost web server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agriboost/agriboost-web/internal/api"
	"github.com/agriboost/agriboost-web/internal/apiclient"
	"github.com/agriboost/agriboost-web/internal/config"
	"github.com/agriboost/agriboost-web/internal/identity"
	"github.com/agriboost/agriboost-web/internal/live"
	"github.com/agriboost/agriboost-web/internal/middleware"
	"github.com/agriboost/agriboost-web/internal/session"
	"github.com/agriboost/agriboost-web/internal/store"
	"github.com/agriboost/agriboost-web/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "backend", cfg.BackendURL)

	// Credential store.
	creds, err := store.Open(cfg)
	if err != nil {
		slog.Error("Failed to open credential store", "backend", cfg.CredentialStore, "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := creds.Close(); closeErr != nil {
			slog.Error("Failed to close credential store", "error", closeErr)
		}
	}()

	if err := creds.Ping(context.Background()); err != nil {
		slog.Error("Credential store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Credential store connected", "backend", cfg.CredentialStore)

	// Sessions and the authenticated request pipeline.
	sessions := session.NewRegistry(creds, logger)
	transport := apiclient.NewTransport(creds, apiclient.TransportConfig{
		BaseURL: cfg.BackendURL,
		Logger:  logger,
	})
	transport.OnSessionExpired(sessions.HandleSessionExpired)
	backend := apiclient.New(cfg.BackendURL, transport, cfg.RequestTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Handlers.
	liveMgr := live.NewManager()
	apiHandler := api.NewHandler(api.Deps{
		Backend:       backend,
		Sessions:      sessions,
		Live:          liveMgr,
		Store:         creds,
		MaxUploadSize: cfg.MaxUploadSize,
		Logger:        logger,
	})
	wsHandler := live.NewHandler(sessions, backend, liveMgr, live.HandlerConfig{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		PollInterval:  cfg.Feed.PollInterval,
		HistoryLimit:  cfg.Feed.HistoryLimit,
		Logger:        logger,
	})
	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	apiHandler.RegisterRoutes(r, limiter.Middleware)

	// WebSocket endpoint; connecting mounts the IoT dashboard.
	r.Get("/ws/iot", wsHandler.ServeHTTP)

	// Serve embedded frontend. Protected views need an active session.
	spa := web.SPAHandler()
	guard := middleware.RequireSession(sessions)
	for _, view := range middleware.ProtectedViews {
		r.With(guard).Handle(view, spa)
		r.With(guard).Handle(view+"/*", spa)
	}
	r.Handle("/*", spa)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long lived
		IdleTimeout:  120 * time.Second,
	}

	// Start idle session sweeper.
	sweeper := session.SweeperConfig{
		Interval: time.Minute,
		IdleTTL:  cfg.SessionIdleTTL,
	}
	if purger, ok := creds.(session.Purger); ok && cfg.CredentialRetention > 0 {
		sweeper.Purger = purger
		sweeper.Retention = cfg.CredentialRetention
	}
	session.StartSweeper(ctx, sessions, sweeper)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
