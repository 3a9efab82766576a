package supervisor

import (
	"errors"
	"fmt"

	"github.com/entrhq/browserd/pkg/ipc"
)

var (
	// ErrTimeout is returned by Step when no reply arrived before the
	// deadline. The worker may still be applying the action.
	ErrTimeout = errors.New("step timed out")

	// ErrShuttingDown is returned when a shutdown signal interrupted a call.
	ErrShuttingDown = errors.New("shutting down")

	// ErrChannelClosed is returned when the worker exited or its channel was
	// closed while a call was pending.
	ErrChannelClosed = ipc.ErrChannelClosed

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("supervisor closed")

	// ErrNotStarted is returned by Step before a successful Init.
	ErrNotStarted = errors.New("worker not started")
)

// InitError reports that the worker could not be started within the retry
// budget. The supervisor must not be used further.
type InitError struct {
	Attempts int
	Err      error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("browser worker failed to initialize after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
