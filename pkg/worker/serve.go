package worker

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/entrhq/browserd/pkg/ipc"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/shutdown"
)

// ServeOptions configures the worker process entry point.
type ServeOptions struct {
	// FD is the inherited channel descriptor. Defaults to ipc.WorkerFD.
	FD           uintptr
	Factory      EngineFactory
	PollInterval time.Duration
	Logger       *logging.Logger
}

// Serve runs the worker side of a spawned process and returns the process
// exit status: 0 after SHUTDOWN or an interrupt, 1 when the engine failed to
// start or the supervisor went away.
func Serve(ctx context.Context, opts ServeOptions) int {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	fd := opts.FD
	if fd == 0 {
		fd = ipc.WorkerFD
	}

	ep, err := ipc.Inherit(fd)
	if err != nil {
		logger.Errorf("opening channel: %v", err)
		return 1
	}
	defer ep.Close()

	// The worker closes its engine on interrupt and exits on its own, so
	// signals are not re-raised.
	broker := shutdown.New(
		shutdown.WithSignals(syscall.SIGINT, syscall.SIGTERM),
		shutdown.WithChaining(false),
		shutdown.WithLogger(logger),
	)

	loop := NewLoop(ep, opts.Factory, broker, LoopOptions{
		PollInterval: opts.PollInterval,
		Logger:       logger,
	})

	return ExitCode(loop.Run(ctx), logger)
}

// ExitCode maps the result of Loop.Run to a process exit status.
func ExitCode(err error, logger *logging.Logger) int {
	if err == nil {
		return 0
	}
	if logger == nil {
		logger = logging.Nop()
	}
	var initErr *EngineInitError
	switch {
	case errors.As(err, &initErr):
		logger.Errorf("%v", err)
	case errors.Is(err, ipc.ErrChannelClosed):
		logger.Errorf("supervisor channel lost: %v", err)
	default:
		logger.Errorf("worker loop failed: %v", err)
	}
	return 1
}
