package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/trdpsim/errors"
)

// Load builds the daemon configuration from defaults, an optional YAML
// file, and TRDPSIM_* environment variables, then validates the result.
// An empty path skips the file and uses defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load",
				fmt.Sprintf("read config file %s", path))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(errors.ErrParsingFailed, "Config", "Load",
				fmt.Sprintf("parse config file %s: %v", path, err))
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays TRDPSIM_* environment variables onto the configuration.
// Unset variables leave the current value; malformed values are ignored so
// a bad environment cannot mask the file-backed setting.
func applyEnv(cfg *Config) {
	envString("TRDPSIM_HTTP_ADDR", &cfg.Server.Addr)

	envString("TRDPSIM_XML_PATH", &cfg.Engine.XMLPath)
	envString("TRDPSIM_RX_INTERFACE", &cfg.Engine.RxInterface)
	envString("TRDPSIM_TX_INTERFACE", &cfg.Engine.TxInterface)
	envString("TRDPSIM_HOSTS_FILE", &cfg.Engine.HostsFile)
	envBool("TRDPSIM_ENABLE_DNR", &cfg.Engine.EnableDNR)
	envString("TRDPSIM_DNR_MODE", &cfg.Engine.DNRMode)

	envBool("TRDPSIM_CACHE_ENABLED", &cfg.Engine.Cache.Enabled)
	envDuration("TRDPSIM_CACHE_TTL", &cfg.Engine.Cache.TTL)
	envInt("TRDPSIM_CACHE_MAX_ENTRIES", &cfg.Engine.Cache.MaxEntries)

	envBool("TRDPSIM_ECSP_ENABLED", &cfg.Engine.Ecsp.Enabled)
	envDuration("TRDPSIM_ECSP_POLL_INTERVAL", &cfg.Engine.Ecsp.PollInterval)
	envDuration("TRDPSIM_ECSP_CONFIRM_TIMEOUT", &cfg.Engine.Ecsp.ConfirmTimeout)

	envDuration("TRDPSIM_IDLE_INTERVAL", &cfg.Engine.IdleInterval)

	envString("TRDPSIM_NATS_URL", &cfg.NATS.URL)
	envString("TRDPSIM_NATS_NAME", &cfg.NATS.Name)

	envString("TRDPSIM_RECORD_PATH", &cfg.Record.Path)
	envBool("TRDPSIM_RECORD_APPEND", &cfg.Record.Append)
	envInt("TRDPSIM_RECORD_BUFFER_SIZE", &cfg.Record.BufferSize)
	envDuration("TRDPSIM_RECORD_FLUSH_INTERVAL", &cfg.Record.FlushInterval)
}

func envString(key string, dst *string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func envBool(key string, dst *bool) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*dst = parsed
		}
	}
}

func envInt(key string, dst *int) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*dst = parsed
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			*dst = parsed
		}
	}
}
