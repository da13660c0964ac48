// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port                string          `yaml:"port"`
	FrontendURL         string          `yaml:"frontend_url"`
	BackendURL          string          `yaml:"backend_url"`
	LogLevel            string          `yaml:"log_level"`
	CredentialStore     string          `yaml:"credential_store"`
	DBPath              string          `yaml:"db_path"`
	Redis               RedisConfig     `yaml:"redis"`
	CredentialRetention time.Duration   `yaml:"credential_retention"`
	RequestTimeout      time.Duration   `yaml:"request_timeout"`
	SessionIdleTTL      time.Duration   `yaml:"session_idle_ttl"`
	Feed                FeedConfig      `yaml:"feed"`
	MaxUploadSize       int64           `yaml:"max_upload_size"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
}

// RedisConfig configures the Redis credential store backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// FeedConfig controls the IoT polling feed.
type FeedConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	HistoryLimit int           `yaml:"history_limit"`
}

// RateLimitConfig controls per-device throttling of expensive backend calls.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// Default returns the built-in configuration before any file or environment
// overrides are applied.
func Default() *Config {
	return &Config{
		Port:            "8080",
		BackendURL:      "http://127.0.0.1:8000/api",
		LogLevel:        "info",
		CredentialStore: StoreSQLite,
		DBPath:          "./data/agriboost.db",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "agriboost:cred",
		},
		CredentialRetention: 30 * 24 * time.Hour,
		RequestTimeout:      30 * time.Second,
		SessionIdleTTL:      30 * time.Minute,
		Feed: FeedConfig{
			PollInterval: 5 * time.Second,
			HistoryLimit: 10,
		},
		MaxUploadSize: 10 << 20,
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 20,
			Burst:             5,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// CONFIG_FILE, and environment variables, in that order of precedence.
func Load() (*Config, error) {
	cfg, err := loadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.FrontendURL = getEnv("FRONTEND_URL", cfg.FrontendURL)
	cfg.BackendURL = strings.TrimRight(getEnv("BACKEND_URL", cfg.BackendURL), "/")
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.CredentialStore = strings.ToLower(getEnv("CREDENTIAL_STORE", cfg.CredentialStore))
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.KeyPrefix = getEnv("REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)
	cfg.CredentialRetention = getEnvDuration("CREDENTIAL_RETENTION", cfg.CredentialRetention)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.SessionIdleTTL = getEnvDuration("SESSION_IDLE_TTL", cfg.SessionIdleTTL)
	cfg.Feed.PollInterval = getEnvDuration("POLL_INTERVAL", cfg.Feed.PollInterval)
	cfg.Feed.HistoryLimit = getEnvInt("HISTORY_LIMIT", cfg.Feed.HistoryLimit)
	cfg.MaxUploadSize = int64(getEnvInt("MAX_UPLOAD_SIZE", int(cfg.MaxUploadSize)))
	cfg.RateLimit.RequestsPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", cfg.RateLimit.RequestsPerMinute)
	cfg.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFile returns defaults overlaid with the YAML file at path. A missing
// file is not an error.
func loadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Info("Config file not found, using defaults", "path", path)
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL cannot be empty")
	}
	if u, err := url.Parse(c.BackendURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BACKEND_URL must be an absolute URL, got %q", c.BackendURL)
	}
	switch c.CredentialStore {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR cannot be empty")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("CREDENTIAL_STORE must be one of sqlite, redis, memory; got %q", c.CredentialStore)
	}
	if c.CredentialRetention < 0 {
		return fmt.Errorf("CREDENTIAL_RETENTION must be >= 0")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0")
	}
	if c.Feed.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be > 0")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerMinute <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
