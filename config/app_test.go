package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppConfig(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		cfg, err := Load(NewViper(), "")

		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("HALCORE_LOG_LEVEL", "debug")
		t.Setenv("HALCORE_SYNC_BACKOFF", "20ms")

		cfg, err := Load(NewViper(), "")

		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 20*time.Millisecond, cfg.SyncBackoff)
	})

	t.Run("config file is merged", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "halcore.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log_format: json\nstuck_timeout: 0s\nmetrics_addr: \":9090\"\n"), 0o600))

		cfg, err := Load(NewViper(), path)

		require.NoError(t, err)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.Zero(t, cfg.StuckTimeout)
		assert.Equal(t, ":9090", cfg.MetricsAddr)
	})

	t.Run("every invalid setting is reported", func(t *testing.T) {
		cfg := Default()
		cfg.LogLevel = "loud"
		cfg.SweepInterval = 0

		err := cfg.Validate()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "log_level")
		assert.Contains(t, err.Error(), "sweep_interval")
	})
}
