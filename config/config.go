package config

import (
	"fmt"
	"time"

	trdpengine "github.com/c360/trdpsim/engine"
	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/output/file"
	"github.com/c360/trdpsim/pkg/cache"
	"github.com/c360/trdpsim/stack"
)

// Config aggregates every daemon setting. Values are resolved in priority
// order: command-line flags, then TRDPSIM_* environment variables, then the
// YAML file, then built-in defaults.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
	NATS   NATSConfig   `yaml:"nats"`
	Record RecordConfig `yaml:"record"`
}

// ServerConfig holds the HTTP gateway settings.
type ServerConfig struct {
	// Addr is the listen address for the REST/WebSocket gateway.
	Addr string `yaml:"addr"`

	// ShutdownTimeout bounds the graceful drain of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// RateLimit and RateBurst throttle mutating endpoints per client IP,
	// in requests per second.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// MaxRequestSize limits request body size in bytes.
	MaxRequestSize int64 `yaml:"max_request_size"`

	// EnableCORS enables CORS headers. Requires explicit CORSOrigins.
	EnableCORS  bool     `yaml:"enable_cors"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// EngineConfig mirrors the engine's runtime knobs in a file-friendly shape.
// Durations accept Go duration strings ("500ms", "1s").
type EngineConfig struct {
	// XMLPath is the telegram configuration loaded on first start.
	XMLPath string `yaml:"xml_path"`

	// RxInterface and TxInterface select the local bind address, by
	// interface name or literal IP.
	RxInterface string `yaml:"rx_interface"`
	TxInterface string `yaml:"tx_interface"`

	// HostsFile seeds static URI/IP mappings for name resolution.
	HostsFile string `yaml:"hosts_file"`

	// EnableDNR turns on train-wide name resolution; DNRMode is either
	// "common" or "dedicated".
	EnableDNR bool   `yaml:"enable_dnr"`
	DNRMode   string `yaml:"dnr_mode"`

	// Cache bounds the URI/IP/label resolution caches.
	Cache cache.Config `yaml:"cache"`

	// Ecsp configures ETB control-switch supervision.
	Ecsp EcspConfig `yaml:"ecsp"`

	// IdleInterval caps the worker sleep between service passes.
	IdleInterval time.Duration `yaml:"idle_interval"`
}

// EcspConfig controls the ETB control-switch supervision channel.
type EcspConfig struct {
	Enabled        bool          `yaml:"enabled"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// NATSConfig holds the optional NATS bridge settings. An empty URL leaves
// the bridge disabled.
type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// RecordConfig holds the optional trace recorder settings. An empty path
// leaves the recorder disabled.
type RecordConfig struct {
	Path          string        `yaml:"path"`
	Append        bool          `yaml:"append"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns the built-in configuration: gateway on :8080, engine
// defaults, NATS bridge disabled.
func Default() *Config {
	engDefaults := trdpengine.DefaultConfig()
	recDefaults := file.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
			RateLimit:       10,
			RateBurst:       20,
			MaxRequestSize:  1024 * 1024, // 1MB
			EnableCORS:      false,
			CORSOrigins:     []string{},
		},
		Engine: EngineConfig{
			DNRMode:      "common",
			Cache:        engDefaults.Cache,
			Ecsp:         EcspConfig(engDefaults.Ecsp),
			IdleInterval: engDefaults.IdleInterval,
		},
		NATS: NATSConfig{
			Name: "trdpsim",
		},
		Record: RecordConfig{
			Append:        recDefaults.Append,
			BufferSize:    recDefaults.BufferSize,
			FlushInterval: recDefaults.FlushInterval,
		},
	}
}

// Validate ensures the configuration is internally consistent. Validation
// failures are classified invalid so the daemon exits instead of retrying.
func (c *Config) Validate() error {
	if err := c.Server.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	return c.Record.validate()
}

func (s *ServerConfig) validate() error {
	if s.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"server addr cannot be empty")
	}
	if s.ShutdownTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"server shutdown_timeout cannot be negative")
	}
	if s.RateLimit <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("server rate_limit must be positive, got %v", s.RateLimit))
	}
	if s.RateBurst < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("server rate_burst must be at least 1, got %d", s.RateBurst))
	}
	if s.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"server max_request_size cannot be negative")
	}
	if s.MaxRequestSize > 100*1024*1024 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"server max_request_size cannot exceed 100MB")
	}
	// CORS requires explicit origin configuration
	if s.EnableCORS && len(s.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration")
	}
	return nil
}

func (e *EngineConfig) validate() error {
	switch e.DNRMode {
	case "", "common", "dedicated":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("dnr_mode must be \"common\" or \"dedicated\", got %q", e.DNRMode))
	}
	// Remaining engine checks are delegated to the engine's own validation.
	return e.ToEngine().Validate()
}

func (r *RecordConfig) validate() error {
	if r.Path == "" {
		return nil
	}
	// Remaining recorder checks are delegated to the recorder's own
	// validation.
	rc := r.ToRecorder()
	return rc.Validate()
}

// ToRecorder converts the record section into the recorder's typed
// configuration.
func (r *RecordConfig) ToRecorder() file.Config {
	return file.Config(*r)
}

// ToEngine converts the file-friendly engine section into the engine's
// typed configuration.
func (e *EngineConfig) ToEngine() trdpengine.Config {
	return trdpengine.Config{
		XMLPath:      e.XMLPath,
		RxInterface:  e.RxInterface,
		TxInterface:  e.TxInterface,
		HostsFile:    e.HostsFile,
		EnableDNR:    e.EnableDNR,
		DNRMode:      stack.ParseDNRMode(e.DNRMode),
		Cache:        e.Cache,
		Ecsp:         trdpengine.EcspConfig(e.Ecsp),
		IdleInterval: e.IdleInterval,
	}
}

// UnmarshalYAML accepts duration strings for server timeouts.
func (s *ServerConfig) UnmarshalYAML(unmarshal func(any) error) error {
	aux := struct {
		Addr            string   `yaml:"addr"`
		ShutdownTimeout string   `yaml:"shutdown_timeout"`
		RateLimit       *float64 `yaml:"rate_limit"`
		RateBurst       *int     `yaml:"rate_burst"`
		MaxRequestSize  *int64   `yaml:"max_request_size"`
		EnableCORS      *bool    `yaml:"enable_cors"`
		CORSOrigins     []string `yaml:"cors_origins"`
	}{}

	if err := unmarshal(&aux); err != nil {
		return err
	}

	if aux.Addr != "" {
		s.Addr = aux.Addr
	}
	if aux.ShutdownTimeout != "" {
		d, err := time.ParseDuration(aux.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("invalid duration string for shutdown_timeout: %w", err)
		}
		s.ShutdownTimeout = d
	}
	if aux.RateLimit != nil {
		s.RateLimit = *aux.RateLimit
	}
	if aux.RateBurst != nil {
		s.RateBurst = *aux.RateBurst
	}
	if aux.MaxRequestSize != nil {
		s.MaxRequestSize = *aux.MaxRequestSize
	}
	if aux.EnableCORS != nil {
		s.EnableCORS = *aux.EnableCORS
	}
	if aux.CORSOrigins != nil {
		s.CORSOrigins = aux.CORSOrigins
	}
	return nil
}

// UnmarshalYAML accepts duration strings for the worker idle interval and
// leaves absent fields at their prior values.
func (e *EngineConfig) UnmarshalYAML(unmarshal func(any) error) error {
	aux := struct {
		XMLPath      string       `yaml:"xml_path"`
		RxInterface  string       `yaml:"rx_interface"`
		TxInterface  string       `yaml:"tx_interface"`
		HostsFile    string       `yaml:"hosts_file"`
		EnableDNR    *bool        `yaml:"enable_dnr"`
		DNRMode      string       `yaml:"dnr_mode"`
		Cache        cache.Config `yaml:"cache"`
		Ecsp         EcspConfig   `yaml:"ecsp"`
		IdleInterval string       `yaml:"idle_interval"`
	}{
		// Seed nested sections so a partial block overlays rather than
		// replaces them.
		Cache: e.Cache,
		Ecsp:  e.Ecsp,
	}

	if err := unmarshal(&aux); err != nil {
		return err
	}

	if aux.XMLPath != "" {
		e.XMLPath = aux.XMLPath
	}
	if aux.RxInterface != "" {
		e.RxInterface = aux.RxInterface
	}
	if aux.TxInterface != "" {
		e.TxInterface = aux.TxInterface
	}
	if aux.HostsFile != "" {
		e.HostsFile = aux.HostsFile
	}
	if aux.EnableDNR != nil {
		e.EnableDNR = *aux.EnableDNR
	}
	if aux.DNRMode != "" {
		e.DNRMode = aux.DNRMode
	}
	e.Cache = aux.Cache
	e.Ecsp = aux.Ecsp
	if aux.IdleInterval != "" {
		d, err := time.ParseDuration(aux.IdleInterval)
		if err != nil {
			return fmt.Errorf("invalid duration string for idle_interval: %w", err)
		}
		e.IdleInterval = d
	}
	return nil
}

// UnmarshalYAML accepts duration strings for the flush interval and leaves
// absent fields at their prior values.
func (r *RecordConfig) UnmarshalYAML(unmarshal func(any) error) error {
	aux := struct {
		Path          string `yaml:"path"`
		Append        *bool  `yaml:"append"`
		BufferSize    *int   `yaml:"buffer_size"`
		FlushInterval string `yaml:"flush_interval"`
	}{}

	if err := unmarshal(&aux); err != nil {
		return err
	}

	if aux.Path != "" {
		r.Path = aux.Path
	}
	if aux.Append != nil {
		r.Append = *aux.Append
	}
	if aux.BufferSize != nil {
		r.BufferSize = *aux.BufferSize
	}
	if aux.FlushInterval != "" {
		d, err := time.ParseDuration(aux.FlushInterval)
		if err != nil {
			return fmt.Errorf("invalid duration string for flush_interval: %w", err)
		}
		r.FlushInterval = d
	}
	return nil
}

// UnmarshalYAML accepts duration strings for the ECSP intervals.
func (e *EcspConfig) UnmarshalYAML(unmarshal func(any) error) error {
	aux := struct {
		Enabled        *bool  `yaml:"enabled"`
		PollInterval   string `yaml:"poll_interval"`
		ConfirmTimeout string `yaml:"confirm_timeout"`
	}{}

	if err := unmarshal(&aux); err != nil {
		return err
	}

	if aux.Enabled != nil {
		e.Enabled = *aux.Enabled
	}
	if aux.PollInterval != "" {
		d, err := time.ParseDuration(aux.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid duration string for poll_interval: %w", err)
		}
		e.PollInterval = d
	}
	if aux.ConfirmTimeout != "" {
		d, err := time.ParseDuration(aux.ConfirmTimeout)
		if err != nil {
			return fmt.Errorf("invalid duration string for confirm_timeout: %w", err)
		}
		e.ConfirmTimeout = d
	}
	return nil
}
