package session

import (
	"context"
	"log/slog"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// Purger removes stored credentials not written for longer than ttl.
type Purger interface {
	PurgeStale(ctx context.Context, ttl time.Duration) (int64, error)
}

// SweeperConfig configures StartSweeper.
type SweeperConfig struct {
	// Interval between sweeps. Defaults to 5 minutes.
	Interval time.Duration
	// IdleTTL evicts in-memory contexts unused for this long.
	IdleTTL time.Duration
	// Purger and Retention, when both set, also purge stale stored
	// credentials.
	Purger    Purger
	Retention time.Duration
}

// StartSweeper runs a background goroutine that periodically evicts idle
// sessions until ctx is canceled.
func StartSweeper(ctx context.Context, reg *Registry, cfg SweeperConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "idle_ttl", cfg.IdleTTL)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, reg, cfg)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, reg *Registry, cfg SweeperConfig) {
	if cfg.IdleTTL > 0 {
		if n := reg.EvictIdle(cfg.IdleTTL); n > 0 {
			slog.Info("Session sweeper evicted idle sessions", "count", n, "remaining", reg.Len())
		}
	}

	if cfg.Purger == nil || cfg.Retention <= 0 {
		return
	}
	deleted, err := cfg.Purger.PurgeStale(ctx, cfg.Retention)
	if err != nil {
		slog.Error("Session sweeper failed to purge stale credentials", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Session sweeper purged stale credentials", "count", deleted)
	}
}
