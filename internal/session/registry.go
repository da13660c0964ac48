package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agriboost/agriboost-web/internal/store"
)

// Registry owns one Context per device, created on first use.
type Registry struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Context
}

// NewRegistry creates an empty registry over s.
func NewRegistry(s store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    s,
		logger:   logger,
		sessions: make(map[string]*Context),
	}
}

// Get returns the device's Context, creating and initializing it from the
// store if needed.
func (r *Registry) Get(ctx context.Context, deviceID string) *Context {
	r.mu.Lock()
	c, ok := r.sessions[deviceID]
	if !ok {
		c = NewContext(store.NewBucket(r.store, deviceID), r.logger)
		r.sessions[deviceID] = c
	}
	r.mu.Unlock()

	c.Initialize(ctx)
	return c
}

// Lookup returns the device's Context only if it is already loaded.
func (r *Registry) Lookup(deviceID string) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[deviceID]
	return c, ok
}

// HandleSessionExpired clears the in-memory user of a device whose refresh
// failed. It has the signature of apiclient.SessionExpiredFunc.
func (r *Registry) HandleSessionExpired(deviceID string) {
	c, ok := r.Lookup(deviceID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.expire(ctx)
}

// EvictIdle drops contexts unused for longer than ttl that have no
// subscribers. Their state is reloaded from the store on next use.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	threshold := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, c := range r.sessions {
		if c.idleSince().After(threshold) || c.subscriberCount() > 0 {
			continue
		}
		delete(r.sessions, id)
		evicted++
	}
	return evicted
}

// Len returns the number of loaded contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Active reports whether deviceID holds an access token. It lets the
// registry serve as the route guard's session checker.
func (r *Registry) Active(ctx context.Context, deviceID string) bool {
	return r.Get(ctx, deviceID).Active(ctx)
}
