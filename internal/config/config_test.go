package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "XAF", cfg.Wallet.Currency)
	assert.True(t, cfg.Wallet.DailyLimit.Equal(decimal.NewFromInt(500_000)))
	assert.True(t, cfg.Wallet.MonthlyLimit.Equal(decimal.NewFromInt(5_000_000)))
	assert.Equal(t, 24*time.Hour, cfg.Wallet.VoucherTTL)
	assert.Equal(t, []string{"sandbox"}, cfg.Provider.Enabled)
	assert.Equal(t, 3, cfg.Sweep.MaxInitiationAttempts)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
}

func TestLoad_PostgresRequiresDatabaseURL(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	assert.EqualError(t, err, "DATABASE_URL must be set")
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("PORT", ":9090")
	t.Setenv("PROVIDERS", "orange, MVola ,card")
	t.Setenv("PROVIDER_TIMEOUT", "3s")
	t.Setenv("SHUTDOWN_TIMEOUT_SECONDS", "4")
	t.Setenv("DEFAULT_DAILY_LIMIT", "1000.50")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, []string{"orange", "mvola", "card"}, cfg.Provider.Enabled)
	assert.Equal(t, 3*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, 4*time.Second, cfg.ShutdownPeriod)
	assert.Equal(t, "1000.5", cfg.Wallet.DailyLimit.String())
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SWEEP_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SWEEP_INTERVAL")
}
