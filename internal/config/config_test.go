package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "be-plt-approvals", cfg.Service.Name)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.Equal(t, 9086, cfg.GRPC.Port)
	assert.Equal(t, 1440, cfg.Engine.DefaultTimeoutMinutes)
	assert.Equal(t, 3, cfg.Engine.DefaultMaxEscalation)
	assert.Equal(t, time.Minute, cfg.Engine.RetryInterval)
	assert.Equal(t, []string{"mon", "tue", "wed", "thu", "fri"}, cfg.Calendar.Workdays)
	assert.Empty(t, cfg.Calendar.Holidays)
}

func TestLoadFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("ENGINE_TIMER_RETRY_INTERVAL=30s\nCALENDAR_HOLIDAYS=2026-12-25, 2026-12-26\n"), 0o644))
	t.Setenv("ENV_FILE", envFile)
	t.Setenv("GRPC_PORT", "9999")
	// godotenv.Load does not override variables that are already set.
	t.Setenv("ENGINE_TIMER_RETRY_INTERVAL", "")
	t.Setenv("CALENDAR_HOLIDAYS", "")
	os.Unsetenv("ENGINE_TIMER_RETRY_INTERVAL")
	os.Unsetenv("CALENDAR_HOLIDAYS")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.GRPC.Port)
	assert.Equal(t, 30*time.Second, cfg.Engine.RetryInterval)
	assert.Equal(t, []string{"2026-12-25", "2026-12-26"}, cfg.Calendar.Holidays)
}

func TestLoadReportsAllErrors(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("HTTP_PORT", "eighty")
	t.Setenv("ENGINE_TIMER_RETRY_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_PORT")
	assert.Contains(t, err.Error(), "ENGINE_TIMER_RETRY_INTERVAL")
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "approvals", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=approvals sslmode=disable", d.DSN())
}

func TestDurationRequiresUnit(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	t.Run("bare number", func(t *testing.T) {
		t.Setenv("ENGINE_NOTIFY_DEDUP_WINDOW", "5")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `ENGINE_NOTIFY_DEDUP_WINDOW="5" needs a unit`)
	})

	t.Run("with unit", func(t *testing.T) {
		t.Setenv("ENGINE_NOTIFY_DEDUP_WINDOW", "5m")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 5*time.Minute, cfg.Engine.NotifyDedupWindow)
	})

	t.Run("zero", func(t *testing.T) {
		t.Setenv("ENGINE_NOTIFY_DEDUP_WINDOW", "0")
		cfg, err := Load()
		require.NoError(t, err)
		assert.Zero(t, cfg.Engine.NotifyDedupWindow)
	})
}
