package store

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store. Contents do not survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]string)}
}

// Get returns the value stored for namespace/key.
func (m *MemoryStore) Get(_ context.Context, namespace, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.data[namespace][key]; ok {
		return v, nil
	}
	return "", ErrNotFound
}

// Set stores value under namespace/key.
func (m *MemoryStore) Set(_ context.Context, namespace, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[namespace]; !ok {
		m.data[namespace] = make(map[string]string)
	}
	m.data[namespace][key] = value
	return nil
}

// Delete removes namespace/key.
func (m *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keys, ok := m.data[namespace]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.data, namespace)
		}
	}
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
