package trdpengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/trdpsim/errors"
	"github.com/c360/trdpsim/pkg/cache"
	"github.com/c360/trdpsim/stack"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Empty(t, cfg.XMLPath)
	assert.False(t, cfg.EnableDNR)
	assert.Equal(t, stack.DNRModeCommon, cfg.DNRMode)
	assert.Equal(t, cache.DefaultConfig(), cfg.Cache)
	assert.False(t, cfg.Ecsp.Enabled)
	assert.Equal(t, time.Second, cfg.Ecsp.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Ecsp.ConfirmTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.IdleInterval)

	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"negative idle interval",
			func(c *Config) { c.IdleInterval = -time.Second }, errors.ErrInvalidConfig},
		{"negative ECSP poll interval",
			func(c *Config) { c.Ecsp.PollInterval = -time.Second }, errors.ErrInvalidConfig},
		{"negative ECSP confirm timeout",
			func(c *Config) { c.Ecsp.ConfirmTimeout = -time.Second }, errors.ErrInvalidConfig},
		{"cache enabled without TTL",
			func(c *Config) { c.Cache.TTL = 0 }, errors.ErrInvalidData},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	// A disabled cache needs no TTL.
	cfg := DefaultConfig()
	cfg.Cache.Enabled = false
	cfg.Cache.TTL = 0
	assert.NoError(t, cfg.Validate())
}

func TestRuntimeSettingsDiffer(t *testing.T) {
	base := DefaultConfig()

	assert.False(t, runtimeSettingsDiffer(base, base))

	// The XML path only matters for the initial bootstrap, so changing it
	// alone is not a runtime change.
	changed := base
	changed.XMLPath = "/etc/trdp/config.xml"
	assert.False(t, runtimeSettingsDiffer(base, changed))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"rx interface", func(c *Config) { c.RxInterface = "etb0" }},
		{"tx interface", func(c *Config) { c.TxInterface = "etb1" }},
		{"hosts file", func(c *Config) { c.HostsFile = "/etc/trdp/hosts" }},
		{"dnr enable", func(c *Config) { c.EnableDNR = true }},
		{"dnr mode", func(c *Config) { c.DNRMode = stack.DNRModeDedicated }},
		{"cache ttl", func(c *Config) { c.Cache.TTL = time.Minute }},
		{"ecsp enable", func(c *Config) { c.Ecsp.Enabled = true }},
		{"ecsp poll interval", func(c *Config) { c.Ecsp.PollInterval = time.Minute }},
		{"idle interval", func(c *Config) { c.IdleInterval = time.Second }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.True(t, runtimeSettingsDiffer(base, cfg))
		})
	}
}

func TestCacheSettingsDiffer(t *testing.T) {
	base := cache.DefaultConfig()

	assert.False(t, cacheSettingsDiffer(base, base))

	other := base
	other.Enabled = false
	assert.True(t, cacheSettingsDiffer(base, other))

	other = base
	other.MaxEntries = 9
	assert.True(t, cacheSettingsDiffer(base, other))

	other = base
	other.TTL = time.Minute
	assert.True(t, cacheSettingsDiffer(base, other))

	other = base
	other.CleanupInterval = time.Minute
	assert.True(t, cacheSettingsDiffer(base, other))
}
