package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/dbusbridge/errors"
)

type ttlEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// ttlCache evicts entries a fixed ttl after they were set
type ttlCache[V any] struct {
	mu              sync.RWMutex
	ttl             time.Duration
	cleanupInterval time.Duration
	items           map[string]*ttlEntry[V]
	stats           *Statistics
	evictFn         EvictCallback[V]
	now             func() time.Time

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTTL creates a TTL cache. The cleanup goroutine runs every
// cleanupInterval until ctx ends or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	if ttl <= 0 || cleanupInterval <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL",
			fmt.Sprintf("ttl and cleanup interval must be positive, got %v and %v", ttl, cleanupInterval))
	}
	opts := applyOptions(options...)

	c := &ttlCache[V]{
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*ttlEntry[V]),
		stats:           NewStatistics(),
		evictFn:         opts.evictCallback,
		now:             opts.now,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c, nil
}

func (c *ttlCache[V]) expired(e *ttlEntry[V], now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Get returns the value for key, removing it when it has expired
func (c *ttlCache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		c.stats.miss()
		return zero, false
	}

	if c.expired(entry, c.now()) {
		c.mu.Lock()
		// recheck under the write lock; a Set may have refreshed it
		current, still := c.items[key]
		evicted := still && c.expired(current, c.now())
		if evicted {
			delete(c.items, key)
			c.stats.evicted(1)
			c.stats.updateSize(len(c.items))
		}
		c.mu.Unlock()

		if evicted && c.evictFn != nil {
			c.evictFn(key, current.value)
		}
		c.stats.miss()
		return zero, false
	}

	c.stats.hit()
	return entry.value, true
}

// Set stores value with a fresh expiry
func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	expiresAt := c.now().Add(c.ttl)

	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = &ttlEntry[V]{key: key, value: value, expiresAt: expiresAt}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.set()
	c.stats.updateSize(size)
	return !exists, nil
}

// Delete removes key
func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if !exists {
		return false, nil
	}
	c.stats.delete()
	c.stats.updateSize(size)
	if c.evictFn != nil {
		c.evictFn(key, entry.value)
	}
	return true, nil
}

// Clear removes every entry
func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	old := c.items
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()

	c.stats.updateSize(0)
	if c.evictFn != nil {
		for _, entry := range old {
			c.evictFn(entry.key, entry.value)
		}
	}
	return nil
}

// Size counts stored entries, including expired ones not yet swept
func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys lists unexpired keys
func (c *ttlCache[V]) Keys() []string {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if !c.expired(entry, now) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the cleanup goroutine and drops every entry
func (c *ttlCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cache cleanup to stop")
	}
	return c.Clear()
}

func (c *ttlCache[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *ttlCache[V]) removeExpired() {
	now := c.now()
	var expired []*ttlEntry[V]

	c.mu.Lock()
	for key, entry := range c.items {
		if c.expired(entry, now) {
			expired = append(expired, entry)
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	c.stats.evicted(len(expired))
	c.stats.updateSize(size)
	if c.evictFn != nil {
		for _, entry := range expired {
			c.evictFn(entry.key, entry.value)
		}
	}
}
