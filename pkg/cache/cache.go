// Package cache provides a generic, thread-safe cache with TTL expiry and a
// bounded entry count.
//
// Entries carry an absolute expiry deadline. When the cache grows past its
// capacity, the entry with the lowest-ordered key is evicted; this is a simple
// cap, not LRU. Expired entries are removed by an optional background sweep
// and by Trim, which callers invoke before lookups that must observe a
// freshly bounded cache.
//
// The cache is parameterized by an ordered key type K and a value type V.
// Statistics are always collected; Prometheus metrics are optional via
// functional options.
package cache

import (
	"cmp"
	"time"
)

// Cache represents a generic cache interface.
type Cache[K cmp.Ordered, V any] interface {
	// Get retrieves a value by key. Returns the value and true if found and
	// unexpired, zero value and false otherwise.
	Get(key K) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry was
	// created, false if an existing entry was updated.
	Set(key K, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed and was
	// deleted.
	Delete(key K) (bool, error)

	// Clear removes all entries from the cache.
	Clear() error

	// Size returns the current number of entries in the cache.
	Size() int

	// Keys returns a slice of all unexpired keys currently in the cache.
	Keys() []K

	// Trim removes expired entries and evicts lowest-ordered keys until the
	// cache is within capacity. Returns the number of entries removed.
	Trim() int

	// Stats returns cache statistics, nil for the noop cache.
	Stats() *Statistics

	// Close shuts down the cache and releases any resources (e.g., background
	// goroutines).
	Close() error
}

// EvictCallback is called when an entry is evicted from the cache.
// It receives the key and value of the evicted entry.
type EvictCallback[K cmp.Ordered, V any] func(key K, value V)

// Entry represents an entry in the cache with metadata.
type Entry[K cmp.Ordered, V any] struct {
	Key       K
	Value     V
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired checks if the entry has expired based on the current time.
func (e *Entry[K, V]) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}
