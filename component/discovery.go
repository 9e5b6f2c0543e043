// Package component defines the lifecycle and discovery contracts shared by
// the long-running parts of trdpsim (engine, outputs, gateway).
package component

import (
	"time"
)

// Discoverable defines the interface for components that can be inspected by
// the management layer. The gateway aggregates Meta and Health across all
// registered components for its readiness endpoint.
type Discoverable interface {
	// Meta returns basic component information
	Meta() Metadata

	// Health returns current health status
	Health() HealthStatus
}

// Metadata describes what a component is
type Metadata struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "engine", "output", "gateway"
	Description string `json:"description"`
	Version     string `json:"version"`
}

// HealthStatus describes the current health state of a component
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}
