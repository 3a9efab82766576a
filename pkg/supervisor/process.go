package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ProcessState is the lifecycle of a worker process as seen by the
// supervisor.
type ProcessState int32

const (
	// ProcessSpawned means the OS process exists but has not answered a
	// liveness probe yet.
	ProcessSpawned ProcessState = iota
	// ProcessAlive means the worker answered a liveness probe.
	ProcessAlive
	// ProcessShuttingDown means termination has begun.
	ProcessShuttingDown
	// ProcessTerminated means the OS process has exited and been reaped.
	ProcessTerminated
)

// String returns a human-readable state name.
func (s ProcessState) String() string {
	switch s {
	case ProcessSpawned:
		return "spawned"
	case ProcessAlive:
		return "alive"
	case ProcessShuttingDown:
		return "shutting_down"
	case ProcessTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ErrProcessExited is returned when signalling a process that already exited.
var ErrProcessExited = errors.New("process already exited")

// Process is a handle on a spawned worker process. It is safe for
// concurrent use.
type Process struct {
	cmd     *exec.Cmd
	started time.Time

	// done is closed when the process has been reaped.
	done chan struct{}

	state    atomic.Int32
	exitCode atomic.Int32

	mu      sync.RWMutex
	exitErr error
}

// startProcess starts cmd and begins tracking it.
func startProcess(cmd *exec.Cmd) (*Process, error) {
	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	p.exitCode.Store(-1)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	p.started = time.Now()
	p.state.Store(int32(ProcessSpawned))

	go p.waitLoop()
	return p, nil
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	p.exitCode.Store(int32(exitCode))
	p.state.Store(int32(ProcessTerminated))
	close(p.done)
}

// State returns the current lifecycle state.
func (p *Process) State() ProcessState {
	return ProcessState(p.state.Load())
}

// advance moves the state forward. A terminated process stays terminated.
func (p *Process) advance(to ProcessState) {
	for {
		cur := p.state.Load()
		if ProcessState(cur) == ProcessTerminated || ProcessState(cur) >= to {
			return
		}
		if p.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Done returns a channel that is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 while running or when the process
// was killed by a signal.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the error reported by Wait.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Signaled reports the signal that ended the process, if any.
func (p *Process) Signaled() (syscall.Signal, bool) {
	if !p.Exited() || p.cmd.ProcessState == nil {
		return 0, false
	}
	status, ok := p.cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return 0, false
	}
	return status.Signal(), true
}

// Join waits up to timeout for the process to exit and reports whether it
// did.
func (p *Process) Join(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// Signal sends sig to the process.
func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return ErrProcessExited
	}
	if err := p.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrProcessExited
		}
		return err
	}
	return nil
}

// Terminate sends SIGTERM.
func (p *Process) Terminate() error {
	return p.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// Runtime returns how long the process has been running.
func (p *Process) Runtime() time.Duration {
	if p.started.IsZero() {
		return 0
	}
	return time.Since(p.started)
}
