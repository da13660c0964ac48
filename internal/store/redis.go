package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a Redis hash per namespace.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires an idle namespace. Zero keeps it forever.
	TTL         time.Duration
	DialTimeout time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(opts RedisOptions) (*RedisStore, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			slog.Warn("failed to close redis client after ping failure", "error", closeErr)
		}
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	slog.Info("Connected to Redis", "addr", opts.Addr, "db", opts.DB)
	return newRedisWithClient(client, opts.KeyPrefix, opts.TTL), nil
}

func newRedisWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agriboost:cred"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (r *RedisStore) hashKey(namespace string) string {
	return r.keyPrefix + ":" + namespace
}

// Get returns the value stored for namespace/key.
func (r *RedisStore) Get(ctx context.Context, namespace, key string) (string, error) {
	v, err := r.client.HGet(ctx, r.hashKey(namespace), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, nil
}

// Set stores value under namespace/key and refreshes the namespace TTL.
func (r *RedisStore) Set(ctx context.Context, namespace, key, value string) error {
	hk := r.hashKey(namespace)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, hk, key, value)
	if r.ttl > 0 {
		pipe.Expire(ctx, hk, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

// Delete removes namespace/key.
func (r *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := r.client.HDel(ctx, r.hashKey(namespace), key).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return nil
}

// Ping verifies Redis connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
