package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8, cfg.MaxConnections)
	assert.Equal(t, 15, cfg.MaxScanResults)
	assert.Equal(t, 5, cfg.MaxNumPDU)
	assert.Equal(t, 6*time.Second, cfg.ParamUpdateDelay)
	assert.Equal(t, 5*time.Second, cfg.PeriodicInterval)
	assert.Equal(t, UUID16(0xFFF0), cfg.ServiceUUID)
	assert.Equal(t, UUID16(0xFFF6), cfg.CharacteristicUUID)
	require.NoError(t, cfg.Validate())
}

func TestEnvironmentOverrides(t *testing.T) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{
		"MULTIROLE_MAX_CONNECTIONS":    "3",
		"MULTIROLE_SERVICE_UUID":       "0x180D",
		"MULTIROLE_PARAM_UPDATE_DELAY": "250ms",
	}})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxConnections)
	assert.Equal(t, UUID16(0x180D), cfg.ServiceUUID)
	assert.Equal(t, 250*time.Millisecond, cfg.ParamUpdateDelay)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"tiny mtu", func(c *Config) { c.LocalMTU = 10 }},
		{"no pdu buffers", func(c *Config) { c.MaxNumPDU = 0 }},
		{"zero delay", func(c *Config) { c.ParamUpdateDelay = 0 }},
		{"zero queue", func(c *Config) { c.AppQueueDepth = 0 }},
		{"long passcode", func(c *Config) { c.Passcode = 1234567 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestUUID16UnmarshalText(t *testing.T) {
	var u UUID16
	require.NoError(t, u.UnmarshalText([]byte("65520")))
	assert.Equal(t, UUID16(0xFFF0), u)
	assert.Error(t, u.UnmarshalText([]byte("0x1FFFF")))
}
