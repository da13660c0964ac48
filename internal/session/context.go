// Package session holds the signed-in user of each device and keeps it
// mirrored in the credential store.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agriboost/agriboost-web/internal/domain"
	"github.com/agriboost/agriboost-web/internal/store"
)

// Context is the reactive "current user" cell of one device. It is mutated
// only through its methods; every transition is mirrored to the store's
// cached-user entry before observers are notified.
type Context struct {
	bucket *store.Bucket
	logger *slog.Logger

	initOnce sync.Once

	mu       sync.RWMutex
	user     *domain.User
	lastSeen time.Time
	subs     map[int]chan *domain.User
	nextSub  int
}

// NewContext creates an uninitialized Context over the device's bucket.
func NewContext(bucket *store.Bucket, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		bucket:   bucket,
		logger:   logger.With("device_id", bucket.Namespace()),
		lastSeen: time.Now(),
		subs:     make(map[int]chan *domain.User),
	}
}

// DeviceID returns the device the context belongs to.
func (c *Context) DeviceID() string {
	return c.bucket.Namespace()
}

// Initialize adopts the cached user from the store if it is present and well
// formed. A malformed cache entry is dropped. Only the first call has any
// effect.
func (c *Context) Initialize(ctx context.Context) {
	c.initOnce.Do(func() {
		raw, ok, err := c.bucket.Lookup(ctx, store.KeyUser)
		if err != nil {
			c.logger.Warn("Failed to read cached user", "error", err)
			return
		}
		if !ok {
			return
		}

		var u domain.User
		if err := json.Unmarshal([]byte(raw), &u); err != nil || !u.Valid() {
			c.logger.Warn("Discarding malformed cached user", "error", err)
			if delErr := c.bucket.Delete(ctx, store.KeyUser); delErr != nil {
				c.logger.Warn("Failed to remove malformed cached user", "error", delErr)
			}
			return
		}

		c.mu.Lock()
		c.user = &u
		c.mu.Unlock()
	})
}

// LoginUser persists whichever tokens are provided and makes user current.
// A nil user leaves the device signed out.
func (c *Context) LoginUser(ctx context.Context, user *domain.User, tokens domain.Tokens) error {
	if tokens.Access != "" {
		if err := c.bucket.Set(ctx, store.KeyAccess, tokens.Access); err != nil {
			return fmt.Errorf("persist access token: %w", err)
		}
	}
	if tokens.Refresh != "" {
		if err := c.bucket.Set(ctx, store.KeyRefresh, tokens.Refresh); err != nil {
			return fmt.Errorf("persist refresh token: %w", err)
		}
	}
	return c.SetUser(ctx, user)
}

// SetUser replaces the current user. A nil user signs the device out of the
// in-memory cell without touching the tokens. If the cached copy cannot be
// written the cell keeps its previous user and observers are not notified.
func (c *Context) SetUser(ctx context.Context, user *domain.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSeen = time.Now()
	if err := c.mirrorLocked(ctx, user); err != nil {
		return err
	}
	c.user = cloneUser(user)
	c.notifyLocked()
	return nil
}

// Logout erases all stored credentials and clears the current user. Store
// failures are logged and otherwise ignored.
func (c *Context) Logout(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range store.AllKeys {
		if err := c.bucket.Delete(ctx, key); err != nil {
			c.logger.Warn("Failed to erase credential on logout", "key", key, "error", err)
		}
	}
	c.user = nil
	c.lastSeen = time.Now()
	c.notifyLocked()
	c.logger.Info("Session logged out")
}

// expire clears the in-memory user after the pipeline has already erased the
// stored credentials.
func (c *Context) expire(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.mirrorLocked(ctx, nil); err != nil {
		c.logger.Warn("Failed to remove cached user on expiry", "error", err)
	}
	c.user = nil
	c.notifyLocked()
	c.logger.Info("Session expired")
}

// Current returns a copy of the current user, or nil.
func (c *Context) Current() *domain.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
	return cloneUser(c.user)
}

// Active reports whether the device holds an access token.
func (c *Context) Active(ctx context.Context) bool {
	c.touch()
	_, ok, err := c.bucket.Lookup(ctx, store.KeyAccess)
	if err != nil {
		c.logger.Warn("Failed to read access token", "error", err)
		return false
	}
	return ok
}

// AccessToken returns the stored access token, if any.
func (c *Context) AccessToken(ctx context.Context) (string, bool) {
	v, ok, err := c.bucket.Lookup(ctx, store.KeyAccess)
	if err != nil {
		c.logger.Warn("Failed to read access token", "error", err)
		return "", false
	}
	return v, ok
}

// Subscribe returns a channel that receives the current user after every
// transition (nil when signed out). Only the latest value is buffered. The
// returned func unsubscribes and closes the channel.
func (c *Context) Subscribe() (<-chan *domain.User, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan *domain.User, 1)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

func (c *Context) subscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

func (c *Context) idleSince() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Context) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// mirrorLocked writes or removes the cached-user entry. Must hold c.mu.
func (c *Context) mirrorLocked(ctx context.Context, user *domain.User) error {
	if user == nil {
		if err := c.bucket.Delete(ctx, store.KeyUser); err != nil {
			return fmt.Errorf("remove cached user: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := c.bucket.Set(ctx, store.KeyUser, string(data)); err != nil {
		return fmt.Errorf("cache user: %w", err)
	}
	return nil
}

// notifyLocked pushes the current user to every subscriber, replacing any
// value the subscriber has not read yet. Must hold c.mu.
func (c *Context) notifyLocked() {
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- cloneUser(c.user)
	}
}

func cloneUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	cp := *u
	if u.Extra != nil {
		cp.Extra = make(map[string]any, len(u.Extra))
		for k, v := range u.Extra {
			cp.Extra[k] = v
		}
	}
	return &cp
}
