package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 200*time.Second, cfg.Supervisor.InitTimeout.Std())
	assert.Equal(t, 5, cfg.Supervisor.InitAttempts)
	assert.Equal(t, time.Second, cfg.Supervisor.InitBackoff.Std())
	assert.Equal(t, 120*time.Second, cfg.Supervisor.StepTimeout.Std())
	assert.Equal(t, 60*time.Second, cfg.Supervisor.AliveTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.Supervisor.GracePeriod.Std())
	assert.Equal(t, 10*time.Millisecond, cfg.Worker.PollInterval.Std())
	assert.Equal(t, "chromium", cfg.Worker.Browser)
	assert.True(t, cfg.Worker.Headless)
}

func TestLoad(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("overrides keep other defaults", func(t *testing.T) {
		path := writeConfig(t, `
supervisor:
  step_timeout: 30s
  init_attempts: 2
worker:
  headless: false
  browser: firefox
server:
  addr: ":9000"
logging:
  level: debug
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 30*time.Second, cfg.Supervisor.StepTimeout.Std())
		assert.Equal(t, 2, cfg.Supervisor.InitAttempts)
		assert.Equal(t, 200*time.Second, cfg.Supervisor.InitTimeout.Std())
		assert.False(t, cfg.Worker.Headless)
		assert.Equal(t, "firefox", cfg.Worker.Browser)
		assert.Equal(t, 1280, cfg.Worker.ViewportWidth)
		assert.Equal(t, ":9000", cfg.Server.Addr)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("numeric durations are seconds", func(t *testing.T) {
		path := writeConfig(t, "supervisor:\n  grace_period: 2.5\n")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 2500*time.Millisecond, cfg.Supervisor.GracePeriod.Std())
	})

	t.Run("bad duration", func(t *testing.T) {
		path := writeConfig(t, "supervisor:\n  step_timeout: soon\n")
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid duration")
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := writeConfig(t, "supervisor:\n  init_attempts: 0\n")
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "init_attempts")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "supervisor: [unclosed\n")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"step timeout", func(c *Config) { c.Supervisor.StepTimeout = 0 }, "step_timeout"},
		{"grace period", func(c *Config) { c.Supervisor.GracePeriod = -1 }, "grace_period"},
		{"browser", func(c *Config) { c.Worker.Browser = "lynx" }, "worker.browser"},
		{"viewport", func(c *Config) { c.Worker.ViewportWidth = 0 }, "viewport"},
		{"poll interval", func(c *Config) { c.Worker.PollInterval = 0 }, "poll_interval"},
		{"server addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"log level", func(c *Config) { c.Logging.Level = "chatty" }, "logging.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Supervisor.StepTimeout = Duration(45 * time.Second)
	cfg.Worker.StartURL = "https://example.com"
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "step_timeout: 45s")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	require.NoError(t, err)

	homeDir, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(homeDir, ".browserd", "config.yaml"), path)
}
