package cache

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/trdpsim/errors"
)

// Config contains configuration for cache creation.
type Config struct {
	// Enabled determines if caching is enabled.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// MaxEntries is the maximum number of entries before lowest-key eviction.
	// Zero means unbounded.
	MaxEntries int `json:"max_entries" yaml:"max_entries"`

	// TTL is the time-to-live for entries.
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// CleanupInterval is how often the background sweep removes expired
	// entries. Zero disables the sweep; expiry is then enforced on access
	// and by Trim.
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxEntries:      128,
		TTL:             30 * time.Second,
		CleanupInterval: 0,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil // No validation needed if disabled
	}

	if c.TTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Validate",
			fmt.Sprintf("ttl must be positive, got %v", c.TTL))
	}
	if c.MaxEntries < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Validate",
			fmt.Sprintf("max_entries must not be negative, got %d", c.MaxEntries))
	}
	if c.CleanupInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Validate",
			fmt.Sprintf("cleanup_interval must not be negative, got %v", c.CleanupInterval))
	}

	return nil
}

// NewFromConfig creates a cache based on the provided configuration.
// Returns a disabled cache (NoopCache) if config.Enabled is false.
// Additional functional options can be passed to configure metrics, callbacks, etc.
func NewFromConfig[K cmp.Ordered, V any](
	ctx context.Context, config Config, options ...Option[K, V],
) (Cache[K, V], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "cache", "NewFromConfig", "config validation failed")
	}

	if !config.Enabled {
		return NewNoop[K, V](), nil
	}

	return NewTTL[K, V](ctx, config.TTL, config.MaxEntries, config.CleanupInterval, options...)
}

// NewTTL creates a new bounded TTL cache.
// Stats are always enabled for observability. Use WithMetrics() to also export as Prometheus metrics.
func NewTTL[K cmp.Ordered, V any](
	ctx context.Context, ttl time.Duration, maxEntries int, cleanupInterval time.Duration,
	options ...Option[K, V],
) (Cache[K, V], error) {
	opts := applyOptions(options...)
	return newTTLCache[K, V](ctx, ttl, maxEntries, cleanupInterval, opts)
}

// NewNoop creates a cache that does nothing (always returns cache misses).
// This is useful when caching is disabled via configuration.
func NewNoop[K cmp.Ordered, V any]() Cache[K, V] {
	return &noopCache[K, V]{}
}

// noopCache is a cache implementation that does nothing.
type noopCache[K cmp.Ordered, V any] struct{}

func (c *noopCache[K, V]) Get(_ K) (V, bool) {
	var zero V
	return zero, false
}

func (c *noopCache[K, V]) Set(_ K, _ V) (bool, error) {
	return false, nil
}

func (c *noopCache[K, V]) Delete(_ K) (bool, error) {
	return false, nil
}

func (c *noopCache[K, V]) Clear() error {
	return nil
}

func (c *noopCache[K, V]) Size() int {
	return 0
}

func (c *noopCache[K, V]) Keys() []K {
	return nil
}

func (c *noopCache[K, V]) Trim() int {
	return 0
}

func (c *noopCache[K, V]) Stats() *Statistics {
	return nil
}

func (c *noopCache[K, V]) Close() error {
	return nil
}

// UnmarshalJSON implements custom JSON unmarshaling for Config to support
// duration strings (e.g., "1h", "5m", "30s") in addition to nanosecond integers.
func (c *Config) UnmarshalJSON(data []byte) error {
	// Use an alias to avoid infinite recursion
	type Alias Config

	// Temporary struct that accepts durations as either int64 or string
	aux := &struct {
		TTL             json.RawMessage `json:"ttl,omitempty"`
		CleanupInterval json.RawMessage `json:"cleanup_interval,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	// Parse TTL (supports both int64 nanoseconds and duration strings)
	if len(aux.TTL) > 0 {
		ttl, err := parseDurationField(aux.TTL, "ttl")
		if err != nil {
			return err
		}
		c.TTL = ttl
	}

	// Parse CleanupInterval
	if len(aux.CleanupInterval) > 0 {
		interval, err := parseDurationField(aux.CleanupInterval, "cleanup_interval")
		if err != nil {
			return err
		}
		c.CleanupInterval = interval
	}

	return nil
}

// UnmarshalYAML implements custom YAML unmarshaling for Config so duration
// fields accept Go duration strings. Absent fields keep their prior values,
// which lets a partial block overlay defaults.
func (c *Config) UnmarshalYAML(unmarshal func(any) error) error {
	aux := struct {
		Enabled         *bool  `yaml:"enabled"`
		MaxEntries      *int   `yaml:"max_entries"`
		TTL             string `yaml:"ttl"`
		CleanupInterval string `yaml:"cleanup_interval"`
	}{}

	if err := unmarshal(&aux); err != nil {
		return err
	}

	if aux.Enabled != nil {
		c.Enabled = *aux.Enabled
	}
	if aux.MaxEntries != nil {
		c.MaxEntries = *aux.MaxEntries
	}

	if aux.TTL != "" {
		ttl, err := time.ParseDuration(aux.TTL)
		if err != nil {
			return fmt.Errorf("invalid duration string for ttl: %w", err)
		}
		c.TTL = ttl
	}
	if aux.CleanupInterval != "" {
		interval, err := time.ParseDuration(aux.CleanupInterval)
		if err != nil {
			return fmt.Errorf("invalid duration string for cleanup_interval: %w", err)
		}
		c.CleanupInterval = interval
	}

	return nil
}

// parseDurationField parses a JSON duration field that can be either:
// - An integer (nanoseconds) for backward compatibility
// - A string (duration like "1h", "5m", "30s")
func parseDurationField(data json.RawMessage, fieldName string) (time.Duration, error) {
	// Try parsing as string first (most common case)
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		duration, err := time.ParseDuration(str)
		if err != nil {
			return 0, fmt.Errorf("invalid duration string for %s: %w", fieldName, err)
		}
		return duration, nil
	}

	// Fall back to integer (nanoseconds) for backward compatibility
	var nsec int64
	if err := json.Unmarshal(data, &nsec); err != nil {
		return 0, fmt.Errorf("field %s must be either a duration string (e.g., '1h') or integer nanoseconds", fieldName)
	}
	return time.Duration(nsec), nil
}
