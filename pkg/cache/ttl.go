// Package cache provides a TTL keyed store. The auth layer keeps session
// tokens and one-time passwords in one; expired entries are collected by a
// background sweeper.
package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the sweeper evicts expired entries.
const DefaultSweepInterval = time.Minute

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a concurrency-safe key/value store with per-entry expiry.
type TTL[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]

	sweepInterval time.Duration
	stopOnce      sync.Once
	stop          chan struct{}
}

// Option configures the store at construction.
type Option[V any] func(*TTL[V])

// WithSweepInterval overrides the background eviction cadence.
func WithSweepInterval[V any](d time.Duration) Option[V] {
	return func(c *TTL[V]) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// NewTTL creates a store and starts its sweeper. Call Close when done.
func NewTTL[V any](opts ...Option[V]) *TTL[V] {
	c := &TTL[V]{
		entries:       make(map[string]entry[V]),
		sweepInterval: DefaultSweepInterval,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweeper()
	return c
}

// Set stores a value for ttl. Non-positive ttl stores the value without
// expiry.
func (c *TTL[V]) Set(key string, value V, ttl time.Duration) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, expiresAt: expires}
	c.mu.Unlock()
}

// Get returns the live value for key.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Take returns and removes the live value for key in one step. One-time
// passwords rely on this to be consumed exactly once.
func (c *TTL[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		var zero V
		return zero, false
	}
	delete(c.entries, key)
	return e.value, true
}

// Touch extends a live entry's expiry. Returns false if the entry is gone.
func (c *TTL[V]) Touch(key string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		return false
	}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	c.entries[key] = e
	return true
}

// Delete removes an entry. Returns true if it was present and live.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)
	return !e.expired(time.Now())
}

// Len counts live entries.
func (c *TTL[V]) Len() int {
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Close stops the sweeper. The store remains usable but no longer evicts
// in the background.
func (c *TTL[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (c *TTL[V]) sweeper() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *TTL[V]) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
		}
	}
}

// Sweep triggers one synchronous eviction pass, for tests and shutdown.
func (c *TTL[V]) Sweep(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	default:
		c.sweep(time.Now())
	}
}
