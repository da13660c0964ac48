// Package store provides the credential store: a small key-value persistence
// layer for the tokens and cached profile of each browser device.
package store

import (
	"context"
	"errors"
)

// Keys held for every device.
const (
	KeyAccess  = "access"
	KeyRefresh = "refresh"
	KeyUser    = "user"
)

// AllKeys lists every key the session owns, in erase order.
var AllKeys = []string{KeyAccess, KeyRefresh, KeyUser}

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// Store is a namespaced key-value store. The namespace is the device ID.
// Writes are last-write-wins.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, namespace, key string) (string, error)

	// Set stores value under key.
	Set(ctx context.Context, namespace, key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Bucket binds a Store to one namespace.
type Bucket struct {
	store     Store
	namespace string
}

// NewBucket returns a view of s restricted to namespace.
func NewBucket(s Store, namespace string) *Bucket {
	return &Bucket{store: s, namespace: namespace}
}

// Namespace returns the namespace the bucket is bound to.
func (b *Bucket) Namespace() string {
	return b.namespace
}

// Get returns the value for key, or ErrNotFound.
func (b *Bucket) Get(ctx context.Context, key string) (string, error) {
	return b.store.Get(ctx, b.namespace, key)
}

// Lookup returns the value for key and whether it was present. Backend errors
// are reported as absent together with the error.
func (b *Bucket) Lookup(ctx context.Context, key string) (string, bool, error) {
	v, err := b.store.Get(ctx, b.namespace, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, v != "", nil
}

// Set stores value under key.
func (b *Bucket) Set(ctx context.Context, key, value string) error {
	return b.store.Set(ctx, b.namespace, key, value)
}

// Delete removes key.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	return b.store.Delete(ctx, b.namespace, key)
}

// Clear removes every session key, attempting each one even if an earlier
// deletion fails. The first error is returned.
func (b *Bucket) Clear(ctx context.Context) error {
	var firstErr error
	for _, key := range AllKeys {
		if err := b.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
