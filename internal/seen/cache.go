// Package seen implements a time-bounded cache of recently seen keys.
//
// The ground station keys it by a joining drone's temp id and stores the id
// it assigned, so a JoinRequest repeated within the expiry window gets the
// same answer instead of burning another id from the pool.
//
// Entries expire after the configured duration; a background reaper bounds
// memory until Stop is called.
package seen

import (
	"sync"
	"time"
)

const DefaultExpiry = 60 * time.Second

type entry[V any] struct {
	val V
	exp time.Time
}

// Cache is a concurrent-safe expiring map.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]
	expiry  time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Cache with the given expiry duration and starts its reaper.
func New[K comparable, V any](expiry time.Duration) *Cache[K, V] {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	c := &Cache[K, V]{
		entries: make(map[K]entry[V]),
		expiry:  expiry,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	go c.reap()
	return c
}

// Get returns the value stored for key if it has not expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(e.exp) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.val, true
}

// Put stores val under key, restarting its expiry.
func (c *Cache[K, V]) Put(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{val: val, exp: c.now().Add(c.expiry)}
}

// Stop ends the reaper. The cache stays usable; expired entries are then
// only removed on access.
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// reap periodically removes expired entries to bound memory usage.
func (c *Cache[K, V]) reap() {
	ticker := time.NewTicker(c.expiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.exp) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
