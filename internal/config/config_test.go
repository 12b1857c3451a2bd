package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func reset(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoadConfig_Defaults(t *testing.T) {
	reset(t)
	t.Setenv("PORT", "")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.ServerPort)
	require.Equal(t, "postgres", cfg.StoreDriver)
	require.False(t, cfg.AutoMigrate)
	require.Equal(t, "payment_events", cfg.PaymentEventExchange)
	require.Equal(t, 2.9, cfg.ProcessingFeePercent)
	require.Equal(t, int64(30), cfg.ProcessingFeeFixedCents)
	require.Equal(t, "up", cfg.ProcessingFeeRounding)
	require.Equal(t, 15*time.Minute, cfg.ReservationTTL())
	require.Equal(t, 50*time.Millisecond, cfg.AdSelectTimeout())
	require.Equal(t, 5*time.Minute, cfg.WebhookTolerance())
	require.Equal(t, time.Minute, cfg.PayoutRetryBase())
	require.Equal(t, "0 3 * * 1", cfg.PayoutBatchSchedule)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	reset(t)
	t.Setenv("PORT", "")
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("AUTO_MIGRATE", "true")
	t.Setenv("PROCESSING_FEE_ROUNDING", "DOWN")
	t.Setenv("AD_MAX_BID_CENTS", "500")
	t.Setenv("PAYOUT_BATCH_SCHEDULE", "@daily")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.StoreDriver)
	require.True(t, cfg.AutoMigrate)
	require.Equal(t, "down", cfg.ProcessingFeeRounding)
	require.Equal(t, int64(500), cfg.AdMaxBidCents)
	require.Equal(t, "@daily", cfg.PayoutBatchSchedule)
}

func TestLoadConfig_PortTakesPrecedence(t *testing.T) {
	reset(t)
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.ServerPort)
}

func TestLoadConfig_ReadsEnvFile(t *testing.T) {
	reset(t)
	t.Setenv("PORT", "")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("JWT_ISSUER=https://auth.example\nWORKER_COUNT=3\n"), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, "https://auth.example", cfg.JWTIssuer)
	require.Equal(t, 3, cfg.WorkerCount)
}

func TestLoadConfig_CoercesInvalidValues(t *testing.T) {
	reset(t)
	t.Setenv("PORT", "")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("PROCESSING_FEE_ROUNDING", "sideways")
	t.Setenv("PROCESSING_FEE_FIXED_CENTS", "-5")
	t.Setenv("AD_RELEVANCE_FLOOR", "1.5")
	t.Setenv("SNOWFLAKE_NODE", "4096")
	t.Setenv("WORKER_COUNT", "0")
	t.Setenv("PAYOUT_MAX_ATTEMPTS", "-1")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.StoreDriver)
	require.Equal(t, "up", cfg.ProcessingFeeRounding)
	require.Zero(t, cfg.ProcessingFeeFixedCents)
	require.Equal(t, 0.3, cfg.AdRelevanceFloor)
	require.Equal(t, int64(1), cfg.SnowflakeNode)
	require.Equal(t, 8, cfg.WorkerCount)
	require.Equal(t, 5, cfg.PayoutMaxAttempts)
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Config{CORSAllowedOrigins: " https://shop.example, ,https://admin.example "}
	require.Equal(t, []string{"https://shop.example", "https://admin.example"}, cfg.AllowedOrigins())
	require.Empty(t, Config{}.AllowedOrigins())
}
