package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", cfg.Symbol)
	assert.Equal(t, 8000, cfg.API.Port)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
account:
  initial_capital: 25000
api:
  port: 9100
strategies:
  - id: agg
    type: trend_pullback
    params:
      atr_stop_mult: 2.5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25_000.0, cfg.Account.InitialCapital)
	assert.Equal(t, 9100, cfg.API.Port)
	require.Len(t, cfg.Strategies, 1)
	assert.Equal(t, "agg", cfg.Strategies[0].ID)
	assert.Equal(t, 2.5, cfg.Strategies[0].Params["atr_stop_mult"])
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.0005, cfg.Account.FeeRate)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("ACCOUNT__INITIAL_CAPITAL", "5000")
	t.Setenv("API__PORT", "9200")
	t.Setenv("STORAGE__POSTGRES_DSN", "postgres://env/db")
	t.Setenv("API__WS_PUSH_INTERVAL", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5000.0, cfg.Account.InitialCapital)
	assert.Equal(t, 9200, cfg.API.Port)
	assert.Equal(t, "postgres://env/db", cfg.Storage.PostgresDSN)
	assert.Equal(t, "2", cfg.API.WSPushInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty symbol", func(c *Config) { c.Symbol = "" }},
		{"no intervals", func(c *Config) { c.Intervals = nil }},
		{"exec interval not subscribed", func(c *Config) { c.Strategy.ExecInterval = "5m" }},
		{"trend interval not subscribed", func(c *Config) { c.Strategy.TrendInterval = "4h" }},
		{"non-positive capital", func(c *Config) { c.Account.InitialCapital = 0 }},
		{"leverage below one", func(c *Config) { c.Account.MaxLeverage = 0.5 }},
		{"macd fast >= slow", func(c *Config) { c.Indicators.MACDFast = 30 }},
		{"bad push interval", func(c *Config) { c.API.WSPushInterval = "fast" }},
		{"no mmr tiers", func(c *Config) { c.Risk.MMRTiers = nil }},
		{"duplicate strategy id", func(c *Config) {
			c.Strategies = append(c.Strategies, InstanceConfig{ID: "default", Type: "ma_cross"})
		}},
		{"strategy without type", func(c *Config) {
			c.Strategies = []InstanceConfig{{ID: "x"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWarmupBars(t *testing.T) {
	cfg := Default()
	// Longest seed requirement is ema_slow=50; 50*3 + 50 headroom.
	assert.Equal(t, 200, cfg.WarmupBars())

	cfg.Indicators.EMASlow = 10
	cfg.Indicators.MACDSlow = 26
	cfg.Indicators.MACDSignal = 9
	// MACD now dominates: (26+9)*3 + 50.
	assert.Equal(t, 155, cfg.WarmupBars())
}

func TestBufferCapacityAtLeastWarmup(t *testing.T) {
	cfg := Default()
	assert.Equal(t, cfg.Buffer.MaxBars, cfg.BufferCapacity())

	cfg.Buffer.MaxBars = 10
	assert.Equal(t, cfg.WarmupBars(), cfg.BufferCapacity())
}
