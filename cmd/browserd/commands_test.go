package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserd/pkg/config"
	"github.com/entrhq/browserd/pkg/logging"
)

func TestWorkerArgs(t *testing.T) {
	assert.Equal(t, []string{"worker"}, workerArgs(""))
	assert.Equal(t, []string{"worker", "-config", "/etc/browserd.yaml"}, workerArgs("/etc/browserd.yaml"))
}

func TestSupervisorOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Supervisor.StepTimeout = config.Duration(42 * time.Second)
	cfg.Supervisor.InitAttempts = 3

	opts := supervisorOptions(cfg, "", logging.Nop(), nil)
	assert.NotNil(t, opts.Command)
	assert.Equal(t, 42*time.Second, opts.StepTimeout)
	assert.Equal(t, 3, opts.InitAttempts)
	assert.Equal(t, 200*time.Second, opts.InitTimeout)
	assert.Equal(t, 5*time.Second, opts.GracePeriod)
	assert.Nil(t, opts.Metrics)
}

func TestRunInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "browserd.yaml")

	require.NoError(t, runInitConfig([]string{"-config", path}))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)

	err = runInitConfig([]string{"-config", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, os.WriteFile(path, []byte("supervisor:\n  init_attempts: 9\n"), 0600))
	require.NoError(t, runInitConfig([]string{"-config", path, "-force"}))
	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Supervisor.InitAttempts)
}

func TestSetup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "browserd.yaml")
	content := "logging:\n  level: warn\n  dir: " + filepath.Join(dir, "logs") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, logger, err := setup(path, "test")
	require.NoError(t, err)
	defer logger.Close()
	assert.Equal(t, "warn", cfg.Logging.Level)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: loud\n"), 0600))
	_, _, err = setup(path, "test")
	assert.Error(t, err)
}
