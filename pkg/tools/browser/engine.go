package browser

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/worker"
)

// Engine drives one Playwright browser inside the worker process. It is not
// safe for concurrent use; the worker loop calls it from a single goroutine.
type Engine struct {
	opts   EngineOptions
	logger *logging.Logger

	playwright *playwright.Playwright
	browser    playwright.Browser
	context    playwright.BrowserContext
	active     playwright.Page

	resetAt time.Time
}

// NewEngineFactory returns a worker.EngineFactory that builds a Playwright
// engine with opts.
func NewEngineFactory(opts EngineOptions, logger *logging.Logger) worker.EngineFactory {
	return func(ctx context.Context) (worker.Engine, error) {
		return NewEngine(ctx, opts, logger)
	}
}

// NewEngine starts Playwright and launches the configured browser.
func NewEngine(ctx context.Context, opts EngineOptions, logger *logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	opts = opts.withDefaults()

	// Discard driver output; stdout and stderr belong to the supervisor's log.
	runOpts := &playwright.RunOptions{
		Browsers: []string{opts.Browser},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if opts.InstallDriver {
		logger.Debugf("installing playwright driver for %s", opts.Browser)
		if err := playwright.Install(runOpts); err != nil {
			return nil, fmt.Errorf("failed to install playwright: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	e := &Engine{opts: opts, logger: logger, playwright: pw}
	if err := e.launch(); err != nil {
		_ = pw.Stop()
		return nil, err
	}
	logger.Infof("%s launched (headless=%v)", opts.Browser, opts.Headless)
	return e, nil
}

func (e *Engine) launch() error {
	var browserType playwright.BrowserType
	switch e.opts.Browser {
	case "chromium":
		browserType = e.playwright.Chromium
	case "firefox":
		browserType = e.playwright.Firefox
	case "webkit":
		browserType = e.playwright.WebKit
	default:
		return fmt.Errorf("unsupported browser %q", e.opts.Browser)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &e.opts.Headless,
	}
	if e.opts.DownloadsPath != "" {
		if err := os.MkdirAll(e.opts.DownloadsPath, 0750); err != nil {
			return fmt.Errorf("failed to create downloads directory: %w", err)
		}
		launchOpts.DownloadsPath = &e.opts.DownloadsPath
	}

	browser, err := browserType.Launch(launchOpts)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	e.browser = browser
	return nil
}

// newContext replaces the browser context with a fresh one holding a single
// blank page.
func (e *Engine) newContext() error {
	if e.context != nil {
		_ = e.context.Close()
		e.context = nil
		e.active = nil
	}

	acceptDownloads := e.opts.DownloadsPath != ""
	contextOpts := playwright.BrowserNewContextOptions{
		AcceptDownloads: &acceptDownloads,
		Viewport: &playwright.Size{
			Width:  e.opts.Viewport.Width,
			Height: e.opts.Viewport.Height,
		},
	}
	bctx, err := e.browser.NewContext(contextOpts)
	if err != nil {
		return fmt.Errorf("failed to create context: %w", err)
	}
	timeout := float64(e.opts.ActionTimeout.Milliseconds())
	bctx.SetDefaultTimeout(timeout)
	bctx.SetDefaultNavigationTimeout(timeout)

	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return fmt.Errorf("failed to create page: %w", err)
	}

	e.context = bctx
	e.active = page
	return nil
}

// Reset opens a fresh context on the start URL and returns its observation.
func (e *Engine) Reset(ctx context.Context) (*worker.RawObservation, worker.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if err := e.newContext(); err != nil {
		return nil, nil, err
	}
	e.resetAt = time.Now()

	if _, err := e.active.Goto(e.opts.StartURL); err != nil {
		return nil, nil, fmt.Errorf("failed to open start URL %s: %w", e.opts.StartURL, err)
	}
	e.settle(ctx)

	obs, err := e.observe()
	if err != nil {
		return nil, nil, err
	}
	return obs, worker.Info{"browser": e.opts.Browser, "start_url": e.opts.StartURL}, nil
}

// Step applies action. Unparseable or failing actions are reported in
// LastActionError; an error is returned only when the page cannot be
// observed.
func (e *Engine) Step(ctx context.Context, action string) (*worker.StepResult, error) {
	if e.context == nil {
		return nil, fmt.Errorf("engine is not reset")
	}

	var actionErr string
	actions, err := ParseActions(action)
	if err != nil {
		actionErr = fmt.Sprintf("invalid action: %v", err)
	} else {
		for _, a := range actions {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			e.logger.Debugf("applying %s", a)
			if err := e.apply(ctx, a); err != nil {
				actionErr = err.Error()
				break
			}
		}
	}
	e.settle(ctx)

	obs, err := e.observe()
	if err != nil {
		return nil, err
	}
	obs.LastActionError = actionErr

	return &worker.StepResult{
		Observation: obs,
		Info:        worker.Info{"actions": len(actions)},
	}, nil
}

// settle gives the page time to react to the last action.
func (e *Engine) settle(ctx context.Context) {
	if e.active == nil {
		return
	}
	state := playwright.LoadState("domcontentloaded")
	timeout := float64(e.opts.ActionTimeout.Milliseconds())
	if err := e.active.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   &state,
		Timeout: &timeout,
	}); err != nil {
		e.logger.Debugf("page did not reach domcontentloaded: %v", err)
	}
	sleep(ctx, e.opts.SettleTime)
}

func (e *Engine) observe() (*worker.RawObservation, error) {
	page := e.active
	if page == nil || page.IsClosed() {
		return nil, fmt.Errorf("no open page to observe")
	}

	marks, err := markElements(page)
	if err != nil {
		return nil, err
	}
	dom, err := page.Content()
	if err != nil {
		return nil, fmt.Errorf("failed to read page content: %w", err)
	}
	title, err := page.Title()
	if err != nil {
		return nil, fmt.Errorf("failed to read page title: %w", err)
	}
	screenshot, err := page.Screenshot()
	if err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", err)
	}

	pages := e.context.Pages()
	obs := &worker.RawObservation{
		URL:               page.URL(),
		Title:             title,
		DOM:               dom,
		Screenshot:        screenshot,
		Elements:          marks.Elements,
		FocusedElementBID: marks.Focused,
		OpenPagesURLs:     make([]string, 0, len(pages)),
		Elapsed:           time.Since(e.resetAt),
	}
	for i, p := range pages {
		obs.OpenPagesURLs = append(obs.OpenPagesURLs, p.URL())
		if p == page {
			obs.ActivePageIndex = i
		}
	}
	return obs, nil
}

// Close shuts the browser and the Playwright driver down.
func (e *Engine) Close() error {
	var errs []error
	if e.context != nil {
		if err := e.context.Close(); err != nil {
			errs = append(errs, err)
		}
		e.context = nil
		e.active = nil
	}
	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			errs = append(errs, err)
		}
		e.browser = nil
	}
	if e.playwright != nil {
		if err := e.playwright.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
		e.playwright = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing engine: %v", errs)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
