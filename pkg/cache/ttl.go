package cache

import (
	"cmp"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/trdpsim/errors"
)

// ttlEntry represents an entry in the TTL cache.
type ttlEntry[K cmp.Ordered, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// isExpired checks if the entry has expired.
func (e *ttlEntry[K, V]) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// ttlCache is a thread-safe TTL cache with a bounded entry count. Expired
// entries are dropped on access, by Trim, and by the optional background
// sweep. When an insert pushes the cache past maxEntries, the lowest-ordered
// keys are evicted until the cache fits.
type ttlCache[K cmp.Ordered, V any] struct {
	mu              sync.RWMutex
	ttl             time.Duration
	maxEntries      int
	cleanupInterval time.Duration
	items           map[K]*ttlEntry[K, V]
	stats           *Statistics         // ALWAYS initialized
	metrics         *cacheMetrics       // Optional, if metrics enabled
	evictFn         EvictCallback[K, V] // Optional callback

	// Background cleanup coordination
	shutdown chan struct{}
	done     chan struct{}
}

// newTTLCache creates a new bounded TTL cache. A cleanupInterval <= 0
// disables the background sweep; expiry is then enforced by Get and Trim
// only. Returns an error if metrics registration fails when requested.
func newTTLCache[K cmp.Ordered, V any](
	ctx context.Context, ttl time.Duration, maxEntries int, cleanupInterval time.Duration, opts *cacheOptions[K, V],
) (*ttlCache[K, V], error) {
	// Stats are ALWAYS initialized - observability is not optional
	stats := NewStatistics()

	var metrics *cacheMetrics
	// Optionally expose stats as Prometheus metrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "newTTLCache", "metrics registration")
		}
	}

	c := &ttlCache[K, V]{
		ttl:             ttl,
		maxEntries:      maxEntries,
		cleanupInterval: cleanupInterval,
		items:           make(map[K]*ttlEntry[K, V]),
		stats:           stats,   // ALWAYS present
		metrics:         metrics, // Optional
		evictFn:         opts.evictCallback,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go c.cleanup(ctx)
	} else {
		close(c.done)
	}

	return c, nil
}

// Get retrieves a value by key, checking for expiration.
func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		var zero V
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		return zero, false
	}

	// Check if expired
	if entry.isExpired() {
		c.mu.Lock()
		// Double-check it's still there and still expired
		if currentEntry, stillExists := c.items[key]; stillExists && currentEntry.isExpired() {
			delete(c.items, key)
			if c.evictFn != nil {
				defer c.evictFn(key, currentEntry.value)
			}
			c.stats.Eviction()
			c.stats.UpdateSize(int64(len(c.items)))
			if c.metrics != nil {
				c.metrics.recordEviction()
				c.metrics.updateSize(len(c.items))
			}
		}
		c.mu.Unlock()

		var zero V
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		return zero, false
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}

	return entry.value, true
}

// Set stores a value with the given key and sets its expiration time. If the
// insert pushes the cache past capacity, lowest-ordered keys are evicted.
func (c *ttlCache[K, V]) Set(key K, value V) (bool, error) {
	expiresAt := time.Now().Add(c.ttl)

	var dropped []Entry[K, V]

	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = &ttlEntry[K, V]{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	}
	for c.maxEntries > 0 && len(c.items) > c.maxEntries {
		lowest, ok := c.lowestKeyLocked()
		if !ok {
			break
		}
		dropped = append(dropped, Entry[K, V]{Key: lowest, Value: c.items[lowest].value})
		delete(c.items, lowest)
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(size)
	}
	for _, d := range dropped {
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.recordEviction()
		}
		if c.evictFn != nil {
			c.evictFn(d.Key, d.Value)
		}
	}

	return !exists, nil // true if new entry was created
}

// Delete removes an entry by key.
func (c *ttlCache[K, V]) Delete(key K) (bool, error) {
	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
		if c.evictFn != nil {
			defer c.evictFn(key, entry.value)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		c.stats.Delete()
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			c.metrics.recordDelete()
			c.metrics.updateSize(size)
		}
	}

	return exists, nil
}

// Clear removes all entries from the cache.
func (c *ttlCache[K, V]) Clear() error {
	c.mu.Lock()
	if c.evictFn != nil {
		// Call OnEvict for all items
		for _, entry := range c.items {
			c.evictFn(entry.key, entry.value)
		}
	}
	c.items = make(map[K]*ttlEntry[K, V])
	c.mu.Unlock()

	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}

	return nil
}

// Size returns the current number of entries in the cache.
func (c *ttlCache[K, V]) Size() int {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return size
}

// Keys returns a slice of all keys currently in the cache.
// Note: Some keys may be expired but not yet cleaned up.
func (c *ttlCache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]K, 0, len(c.items))
	now := time.Now()
	for key, entry := range c.items {
		if now.Before(entry.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Trim removes expired entries and evicts lowest-ordered keys until the
// cache is within capacity. Returns the number of entries removed.
func (c *ttlCache[K, V]) Trim() int {
	now := time.Now()

	var dropped []Entry[K, V]

	c.mu.Lock()
	for key, entry := range c.items {
		if now.After(entry.expiresAt) {
			dropped = append(dropped, Entry[K, V]{Key: key, Value: entry.value})
			delete(c.items, key)
		}
	}
	for c.maxEntries > 0 && len(c.items) > c.maxEntries {
		lowest, ok := c.lowestKeyLocked()
		if !ok {
			break
		}
		dropped = append(dropped, Entry[K, V]{Key: lowest, Value: c.items[lowest].value})
		delete(c.items, lowest)
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(dropped) > 0 {
		for _, d := range dropped {
			c.stats.Eviction()
			if c.metrics != nil {
				c.metrics.recordEviction()
			}
			if c.evictFn != nil {
				c.evictFn(d.Key, d.Value)
			}
		}
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			c.metrics.updateSize(size)
		}
	}

	return len(dropped)
}

// lowestKeyLocked returns the lowest-ordered key. Caller holds c.mu.
func (c *ttlCache[K, V]) lowestKeyLocked() (K, bool) {
	var lowest K
	found := false
	for key := range c.items {
		if !found || key < lowest {
			lowest = key
			found = true
		}
	}
	return lowest, found
}

// Stats returns cache statistics.
func (c *ttlCache[K, V]) Stats() *Statistics {
	return c.stats
}

// Close shuts down the cache and stops the background cleanup goroutine.
func (c *ttlCache[K, V]) Close() error {
	// Signal shutdown via channel
	select {
	case <-c.shutdown:
		// Already shutting down
	default:
		close(c.shutdown)
	}

	// Wait for cleanup goroutine to finish with timeout
	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

// cleanup runs in a background goroutine and periodically removes expired entries.
func (c *ttlCache[K, V]) cleanup(ctx context.Context) {
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

// removeExpired removes all expired entries from the cache.
func (c *ttlCache[K, V]) removeExpired() {
	now := time.Now()
	var expiredEntries []*ttlEntry[K, V]

	c.mu.Lock()
	for key, entry := range c.items {
		if now.After(entry.expiresAt) {
			expiredEntries = append(expiredEntries, entry)
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	// Call OnEvict callbacks outside the lock
	if c.evictFn != nil {
		for _, entry := range expiredEntries {
			c.evictFn(entry.key, entry.value)
		}
	}

	// Update statistics
	if len(expiredEntries) > 0 {
		for range expiredEntries {
			c.stats.Eviction()
		}
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			for range expiredEntries {
				c.metrics.recordEviction()
			}
			c.metrics.updateSize(size)
		}
	}
}
