package browser

import (
	"context"
	"time"

	"github.com/entrhq/browserd/pkg/config"
	"github.com/entrhq/browserd/pkg/worker"
)

// Default values for engine options.
const (
	DefaultBrowser        = "chromium"
	DefaultStartURL       = "about:blank"
	DefaultViewportWidth  = 1280
	DefaultViewportHeight = 720
	DefaultActionTimeout  = 30 * time.Second
	DefaultSettleTime     = 500 * time.Millisecond
	DefaultNoopWait       = 1000 // milliseconds
)

// EngineOptions configures the Playwright engine.
type EngineOptions struct {
	// Browser is "chromium", "firefox" or "webkit"
	Browser string

	// Headless controls whether the browser runs without a visible window
	Headless bool

	// StartURL is opened on every reset
	StartURL string

	// DownloadsPath receives accepted downloads
	DownloadsPath string

	// Viewport sets the page size
	Viewport Viewport

	// ActionTimeout bounds each Playwright call
	ActionTimeout time.Duration

	// SettleTime is waited after each action before observing the page
	SettleTime time.Duration

	// InstallDriver downloads the Playwright driver and browsers when missing
	InstallDriver bool
}

// Viewport represents the browser viewport dimensions.
type Viewport struct {
	Width  int
	Height int
}

// OptionsFromConfig builds engine options from the worker section of the
// configuration file.
func OptionsFromConfig(cfg config.WorkerConfig) EngineOptions {
	return EngineOptions{
		Browser:       cfg.Browser,
		Headless:      cfg.Headless,
		StartURL:      cfg.StartURL,
		DownloadsPath: cfg.DownloadsPath,
		Viewport: Viewport{
			Width:  cfg.ViewportWidth,
			Height: cfg.ViewportHeight,
		},
		ActionTimeout: cfg.ActionTimeout.Std(),
		SettleTime:    cfg.SettleTime.Std(),
		InstallDriver: true,
	}
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.Browser == "" {
		o.Browser = DefaultBrowser
	}
	if o.StartURL == "" {
		o.StartURL = DefaultStartURL
	}
	if o.Viewport.Width <= 0 || o.Viewport.Height <= 0 {
		o.Viewport = Viewport{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = DefaultActionTimeout
	}
	if o.SettleTime < 0 {
		o.SettleTime = 0
	}
	return o
}

// Stepper sends one action to the browser worker and returns its
// observation. *supervisor.Supervisor implements it.
type Stepper interface {
	Step(ctx context.Context, action string, timeout time.Duration) (*worker.Observation, error)
}
