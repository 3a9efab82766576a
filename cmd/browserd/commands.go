package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/entrhq/browserd/pkg/config"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/metrics"
	"github.com/entrhq/browserd/pkg/server"
	"github.com/entrhq/browserd/pkg/shutdown"
	"github.com/entrhq/browserd/pkg/supervisor"
	"github.com/entrhq/browserd/pkg/tools/browser"
	"github.com/entrhq/browserd/pkg/worker"
)

// runServe starts the worker and serves the HTTP API until a signal arrives.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the configuration file (default: ~/.browserd/config.yaml)")
	addr := fs.String("addr", "", "Listen address (overrides server.addr)")
	_ = fs.Parse(args)

	cfg, logger, err := setup(*configPath, "supervisor")
	if err != nil {
		return err
	}
	defer logger.Close()
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	broker := shutdown.New(shutdown.WithLogger(logger.With("shutdown")))
	collector := metrics.NewCollector("")
	sup := supervisor.New(broker, supervisorOptions(cfg, *configPath, logger, collector))
	srv := server.New(sup, server.Options{
		Metrics:         collector.Handler(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		Logger:          logger.With("server"),
	})

	ctx, cancel := broker.Context(context.Background())
	defer cancel()

	// Stop accepting requests before the supervisor's listener stops the
	// worker; listeners run in registration order.
	stopped := make(chan struct{})
	broker.RegisterListener(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(cfg.Server.ShutdownTimeout.Std()):
		}
	})

	fmt.Fprintf(os.Stderr, "browserd v%s: starting worker (log: %s)\n", version, logger.LogPath())
	if err := sup.Start(ctx); err != nil {
		close(stopped)
		return fmt.Errorf("failed to start worker: %w", err)
	}
	defer sup.Close()

	fmt.Fprintf(os.Stderr, "browserd v%s: listening on %s\n", version, cfg.Server.Addr)
	err = srv.Start(ctx, cfg.Server.Addr)
	close(stopped)
	return err
}

// runStep applies each positional action in order and prints the
// observations.
func runStep(args []string) error {
	fs := flag.NewFlagSet("step", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the configuration file (default: ~/.browserd/config.yaml)")
	timeout := fs.Duration("timeout", 0, "Per-action timeout (default: supervisor.step_timeout)")
	asJSON := fs.Bool("json", false, "Print observations as JSON instead of agent text")
	_ = fs.Parse(args)

	actions := fs.Args()
	if len(actions) == 0 {
		return errors.New("step requires at least one action, e.g. browserd step \"goto('https://example.com')\"")
	}

	cfg, logger, err := setup(*configPath, "supervisor")
	if err != nil {
		return err
	}
	defer logger.Close()

	broker := shutdown.New(shutdown.WithLogger(logger.With("shutdown")))
	sup := supervisor.New(broker, supervisorOptions(cfg, *configPath, logger, nil))

	ctx, cancel := broker.Context(context.Background())
	defer cancel()

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	defer sup.Close()

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	for _, action := range actions {
		obs, err := sup.Step(ctx, action, *timeout)
		if err != nil {
			return fmt.Errorf("%s: %w", action, err)
		}
		if *asJSON {
			if err := encoder.Encode(obs); err != nil {
				return err
			}
			continue
		}
		fmt.Println(browser.AgentText(obs))
	}
	return nil
}

// runInitConfig writes the default configuration file.
func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	configPath := fs.String("config", "", "Where to write the file (default: ~/.browserd/config.yaml)")
	force := fs.Bool("force", false, "Overwrite an existing file")
	_ = fs.Parse(args)

	path := *configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

// runWorker is the entry point of the spawned worker process.
func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to the configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := setup(*configPath, "worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "browserd worker: %v\n", err)
		return 1
	}
	defer logger.Close()

	factory := browser.NewEngineFactory(browser.OptionsFromConfig(cfg.Worker), logger.With("engine"))
	return worker.Serve(context.Background(), worker.ServeOptions{
		Factory:      factory,
		PollInterval: cfg.Worker.PollInterval.Std(),
		Logger:       logger,
	})
}

// setup loads the configuration and opens the component logger.
func setup(configPath, component string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Logging.Dir != "" {
		logging.SetLogDirectory(cfg.Logging.Dir)
	}
	logger, err := logging.NewLogger(component)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging to stderr: %v\n", err)
	}
	level, _ := logging.ParseLevel(cfg.Logging.Level) // validated by Load
	logger.SetLevel(level)
	return cfg, logger, nil
}

// supervisorOptions maps the configuration onto supervisor options. The
// worker is this binary re-executed with the same configuration file.
func supervisorOptions(cfg *config.Config, configPath string, logger *logging.Logger, recorder supervisor.Recorder) supervisor.Options {
	return supervisor.Options{
		Command:      supervisor.SelfCommand(workerArgs(configPath)...),
		InitTimeout:  cfg.Supervisor.InitTimeout.Std(),
		InitAttempts: cfg.Supervisor.InitAttempts,
		InitBackoff:  cfg.Supervisor.InitBackoff.Std(),
		StepTimeout:  cfg.Supervisor.StepTimeout.Std(),
		AliveTimeout: cfg.Supervisor.AliveTimeout.Std(),
		GracePeriod:  cfg.Supervisor.GracePeriod.Std(),
		Logger:       logger,
		Metrics:      recorder,
		OnInitAttempt: func(attempt int, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "worker start attempt %d failed: %v\n", attempt, err)
			}
		},
		OnTerminated: func(tier supervisor.Tier) {
			logger.Infof("worker stopped (%s)", tier)
		},
	}
}

func workerArgs(configPath string) []string {
	args := []string{"worker"}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	return args
}
