package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultSettlementCurrency, cfg.SettlementCurrency)
	assert.Equal(t, DefaultFeeBps, cfg.FeeBps)
	assert.Equal(t, DefaultHouseFeeBps, cfg.HouseFeeBps)
	assert.Equal(t, DefaultWinMultiplier, cfg.WinMultiplier)
	assert.Equal(t, 5*time.Minute, cfg.PriceStaleAfter)
	assert.Equal(t, 30*time.Second, cfg.RandomStale)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "FEE_BPS", "250")
	setEnv(t, "WIN_MULTIPLIER", "3")
	setEnv(t, "PRICE_STALE_AFTER", "90s")
	setEnv(t, "ATTESTER_ALLOW_LIST", "0xAbC, 0xdef ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 250, cfg.FeeBps)
	assert.Equal(t, 3, cfg.WinMultiplier)
	assert.Equal(t, 90*time.Second, cfg.PriceStaleAfter)
	assert.Equal(t, []string{"0xabc", "0xdef"}, cfg.AttesterAllowList)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		FeeBps:            200,
		HouseFeeBps:       500,
		WinMultiplier:     2,
		ReputationDivisor: 10,
		PriceStaleAfter:   time.Minute,
		RandomStale:       time.Second,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"fee bps too high", func(c *Config) { c.FeeBps = 10000 }, "FEE_BPS"},
		{"negative house fee", func(c *Config) { c.HouseFeeBps = -1 }, "HOUSE_FEE_BPS"},
		{"zero multiplier", func(c *Config) { c.WinMultiplier = 0 }, "WIN_MULTIPLIER"},
		{"zero reputation divisor", func(c *Config) { c.ReputationDivisor = 0 }, "REPUTATION_DIVISOR"},
		{"zero staleness window", func(c *Config) { c.RandomStale = 0 }, "staleness"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "45s")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
}
