package trdpengine

import (
	"fmt"
	"time"

	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/pkg/cache"
	"github.com/c360/trdpsim/stack"
)

// Default TRDP process-data port per IEC 61375-2-3. Telegrams that do not
// name a port are grouped onto a session bound here.
const defaultTrdpPort uint16 = 17224

// stackHeapSize is the memory budget handed to the stack at Init.
const stackHeapSize = 64 * 1024

// EcspConfig controls the ETB control-switch supervision channel. When
// enabled the engine pushes the control word at startup and on every
// reconfiguration, and polls the switch status from the worker loop.
type EcspConfig struct {
	Enabled        bool
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

// Config carries the engine's runtime settings. XMLPath is consumed once,
// on the first successful start, to bootstrap the telegram registry; all
// other fields may be changed later through Reconfigure.
type Config struct {
	// XMLPath is the telegram configuration file loaded on first start.
	// Empty means the registry is populated by the caller.
	XMLPath string

	// RxInterface and TxInterface select the local address the TRDP
	// sessions bind to. Each accepts an interface name or a literal IP;
	// TxInterface wins when both resolve. Empty means any address.
	RxInterface string
	TxInterface string

	// HostsFile and DNRMode configure train-wide name resolution when
	// EnableDNR is set.
	HostsFile string
	EnableDNR bool
	DNRMode   stack.DNRMode

	// Cache bounds the URI/IP/label resolution caches.
	Cache cache.Config

	// Ecsp configures ETB control-switch supervision.
	Ecsp EcspConfig

	// IdleInterval caps how long the worker sleeps between service
	// passes when no session asks for an earlier wakeup.
	IdleInterval time.Duration
}

// DefaultConfig returns the engine defaults: DNR and ECSP off, resolution
// caches on with a 30s TTL, and a 50ms worker idle interval.
func DefaultConfig() Config {
	return Config{
		DNRMode: stack.DNRModeCommon,
		Cache:   cache.DefaultConfig(),
		Ecsp: EcspConfig{
			Enabled:        false,
			PollInterval:   time.Second,
			ConfirmTimeout: 5 * time.Second,
		},
		IdleInterval: 50 * time.Millisecond,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	if c.IdleInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "engine", "Validate",
			fmt.Sprintf("idle interval must not be negative, got %v", c.IdleInterval))
	}
	if c.Ecsp.PollInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "engine", "Validate",
			fmt.Sprintf("ECSP poll interval must not be negative, got %v", c.Ecsp.PollInterval))
	}
	if c.Ecsp.ConfirmTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "engine", "Validate",
			fmt.Sprintf("ECSP confirm timeout must not be negative, got %v", c.Ecsp.ConfirmTimeout))
	}
	if err := c.Cache.Validate(); err != nil {
		return errors.WrapInvalid(err, "engine", "Validate", "cache configuration")
	}
	return nil
}

// runtimeSettingsDiffer reports whether two configurations disagree on any
// setting the engine applies at runtime. XMLPath is deliberately excluded:
// the registry is bootstrapped once and replaced only through an explicit
// LoadFromXML.
func runtimeSettingsDiffer(a, b Config) bool {
	return a.RxInterface != b.RxInterface ||
		a.TxInterface != b.TxInterface ||
		a.HostsFile != b.HostsFile ||
		a.EnableDNR != b.EnableDNR ||
		a.DNRMode != b.DNRMode ||
		cacheSettingsDiffer(a.Cache, b.Cache) ||
		a.Ecsp != b.Ecsp ||
		a.IdleInterval != b.IdleInterval
}

func cacheSettingsDiffer(a, b cache.Config) bool {
	return a.Enabled != b.Enabled ||
		a.MaxEntries != b.MaxEntries ||
		a.TTL != b.TTL ||
		a.CleanupInterval != b.CleanupInterval
}
