package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agriboost/agriboost-web/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed credential store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS credentials (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	CREATE INDEX IF NOT EXISTS idx_credentials_updated ON credentials(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the value stored for namespace/key.
func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE namespace = ? AND key = ?`, namespace, key)

	var value string
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("scan credential row: %w", err)
	}
	return value, nil
}

// Set upserts the value for namespace/key.
func (s *SQLiteStore) Set(ctx context.Context, namespace, key, value string) error {
	query := `
	INSERT INTO credentials (namespace, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(namespace, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, namespace, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// Delete removes namespace/key.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM credentials WHERE namespace = ? AND key = ?`, namespace, key)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms
			slog.Debug("Credential delete failed with SQLITE_BUSY, retrying",
				"namespace", namespace,
				"key", key,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("delete credential %s after %d attempts: %w", key, i+1, err)
	}

	return nil
}

// PurgeStale removes every namespace whose newest write is older than ttl.
// A namespace is purged whole, so a recently refreshed access token keeps its
// refresh token and cached user.
func (s *SQLiteStore) PurgeStale(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
	DELETE FROM credentials WHERE namespace IN (
		SELECT namespace FROM credentials
		GROUP BY namespace
		HAVING MAX(updated_at) < ?
	)`
	result, err := s.db.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("purge stale credentials: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
