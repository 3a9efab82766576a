// Package config loads browserd's YAML configuration file.
//
// The file has one section per component:
//
//	supervisor:
//	  init_timeout: 200s
//	  init_attempts: 5
//	  step_timeout: 2m
//	worker:
//	  headless: true
//	  viewport_width: 1280
//	server:
//	  addr: 127.0.0.1:8931
//	logging:
//	  level: info
//
// Missing keys keep their defaults. Durations accept Go duration strings or
// a plain number of seconds.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/browserd/pkg/logging"
)

// Duration is a time.Duration that reads and writes as a YAML string.
type Duration time.Duration

// UnmarshalYAML accepts "90s", "2m" or a bare number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.ParseFloat(value.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in Go syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root of the configuration file.
type Config struct {
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Worker     WorkerConfig     `yaml:"worker"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SupervisorConfig tunes worker lifecycle and call deadlines.
type SupervisorConfig struct {
	InitTimeout  Duration `yaml:"init_timeout"`
	InitAttempts int      `yaml:"init_attempts"`
	InitBackoff  Duration `yaml:"init_backoff"`
	StepTimeout  Duration `yaml:"step_timeout"`
	AliveTimeout Duration `yaml:"alive_timeout"`
	GracePeriod  Duration `yaml:"grace_period"`
}

// WorkerConfig configures the worker process and its browser engine.
type WorkerConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	Browser        string   `yaml:"browser"`
	Headless       bool     `yaml:"headless"`
	StartURL       string   `yaml:"start_url"`
	DownloadsPath  string   `yaml:"downloads_path"`
	ViewportWidth  int      `yaml:"viewport_width"`
	ViewportHeight int      `yaml:"viewport_height"`
	ActionTimeout  Duration `yaml:"action_timeout"`
	SettleTime     Duration `yaml:"settle_time"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig configures the file logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Supervisor: SupervisorConfig{
			InitTimeout:  Duration(200 * time.Second),
			InitAttempts: 5,
			InitBackoff:  Duration(time.Second),
			StepTimeout:  Duration(120 * time.Second),
			AliveTimeout: Duration(60 * time.Second),
			GracePeriod:  Duration(5 * time.Second),
		},
		Worker: WorkerConfig{
			PollInterval:   Duration(10 * time.Millisecond),
			Browser:        "chromium",
			Headless:       true,
			StartURL:       "about:blank",
			DownloadsPath:  filepath.Join(os.TempDir(), "browserd-downloads"),
			ViewportWidth:  1280,
			ViewportHeight: 720,
			ActionTimeout:  Duration(30 * time.Second),
			SettleTime:     Duration(500 * time.Millisecond),
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8931",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns ~/.browserd/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".browserd", "config.yaml"), nil
}

// Load reads path over the defaults. A missing file yields the defaults; an
// empty path means DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	s := c.Supervisor
	switch {
	case s.InitTimeout <= 0:
		return errors.New("supervisor.init_timeout must be positive")
	case s.InitAttempts < 1:
		return errors.New("supervisor.init_attempts must be at least 1")
	case s.InitBackoff < 0:
		return errors.New("supervisor.init_backoff must not be negative")
	case s.StepTimeout <= 0:
		return errors.New("supervisor.step_timeout must be positive")
	case s.AliveTimeout <= 0:
		return errors.New("supervisor.alive_timeout must be positive")
	case s.GracePeriod <= 0:
		return errors.New("supervisor.grace_period must be positive")
	}

	w := c.Worker
	switch w.Browser {
	case "chromium", "firefox", "webkit":
	default:
		return fmt.Errorf("worker.browser must be chromium, firefox or webkit, got %q", w.Browser)
	}
	switch {
	case w.PollInterval <= 0:
		return errors.New("worker.poll_interval must be positive")
	case w.ViewportWidth <= 0 || w.ViewportHeight <= 0:
		return errors.New("worker.viewport_width and worker.viewport_height must be positive")
	case w.ActionTimeout <= 0:
		return errors.New("worker.action_timeout must be positive")
	case w.SettleTime < 0:
		return errors.New("worker.settle_time must not be negative")
	}

	if c.Server.Addr == "" {
		return errors.New("server.addr must be set")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}
