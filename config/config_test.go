package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.App.Environment)
	assert.Equal(t, int64(1000), cfg.Engine.XPPerLevel)
	assert.Equal(t, 10, cfg.Engine.MaxLevel)
	assert.Equal(t, 7*24*time.Hour, cfg.Engine.NotificationRetention)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Address())
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENGINE_XP_PER_LEVEL", "250")
	t.Setenv("ENGINE_SWEEP_CONCURRENCY", "3")
	t.Setenv("SCHEDULER_SWEEP_INTERVAL", "2h")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(250), cfg.Engine.XPPerLevel)
	assert.Equal(t, 3, cfg.Engine.SweepConcurrency)
	assert.Equal(t, 2*time.Hour, cfg.Scheduler.SweepInterval)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Setenv("ENGINE_SWEEP_CONCURRENCY", "0")
	t.Setenv("LOG_LEVEL", "chatty")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SweepConcurrency")
	assert.Contains(t, err.Error(), "LogLevel")
}

func TestValidate_ProductionRequiresDatabaseAndSecret(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
	assert.Contains(t, err.Error(), "HTTP_ADMIN_SECRET")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("ASCEND_TEST_DOTENV=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ASCEND_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("ASCEND_TEST_DOTENV"))
}
