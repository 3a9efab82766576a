// Package supervisor runs the browser engine in an isolated worker process
// and drives it over a duplex channel.
//
// Every Step call gets a fresh correlation id. A dispatcher goroutine reads
// the supervisor endpoint and completes the one-shot channel registered for
// that id, so callers wait on a select over the reply, their deadline, the
// shutdown broker and worker exit. Replies whose caller already gave up are
// dropped as they arrive.
//
// Init spawns the worker and probes it with IS_ALIVE under a bounded retry
// policy. Close stops it with escalating force: SHUTDOWN, then SIGTERM, then
// SIGKILL, each followed by a grace period.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/entrhq/browserd/pkg/ipc"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/metrics"
	"github.com/entrhq/browserd/pkg/shutdown"
	"github.com/entrhq/browserd/pkg/worker"
)

// Defaults for Options.
const (
	DefaultInitTimeout  = 200 * time.Second
	DefaultInitAttempts = 5
	DefaultInitBackoff  = time.Second
	DefaultStepTimeout  = 120 * time.Second
	DefaultAliveTimeout = 60 * time.Second
	DefaultGracePeriod  = 5 * time.Second
)

// Tier names the escalation step that stopped a worker.
type Tier string

const (
	// TierExited means the worker was already gone when Close ran.
	TierExited Tier = "exited"
	// TierShutdown means the worker honored the SHUTDOWN message.
	TierShutdown Tier = "shutdown"
	// TierTerminate means SIGTERM stopped the worker.
	TierTerminate Tier = "terminate"
	// TierKill means SIGKILL stopped the worker.
	TierKill Tier = "kill"
	// TierUnresponsive means the worker survived SIGKILL's grace period.
	TierUnresponsive Tier = "unresponsive"
)

// CommandFunc builds the command for one worker process. It is called once
// per spawn attempt; the supervisor adds the channel descriptor and the log
// session to the returned command.
type CommandFunc func(ctx context.Context) (*exec.Cmd, error)

// SelfCommand re-executes the running binary with args.
func SelfCommand(args ...string) CommandFunc {
	return func(ctx context.Context) (*exec.Cmd, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		cmd := exec.Command(exe, args...)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		return cmd, nil
	}
}

// Recorder receives supervisor measurements.
type Recorder interface {
	RecordInitAttempt(err error)
	RecordInit(duration time.Duration, err error)
	RecordStep(duration time.Duration, outcome string)
	RecordLateReply()
	RecordTermination(tier string)
	RecordWorkerUp(up bool)
	RecordWorkerUsage(rssBytes uint64, processes int)
}

// Options configures a Supervisor. Zero durations and counts take the
// package defaults.
type Options struct {
	Command CommandFunc

	InitTimeout  time.Duration
	InitAttempts int
	InitBackoff  time.Duration
	StepTimeout  time.Duration
	AliveTimeout time.Duration
	GracePeriod  time.Duration

	Logger  *logging.Logger
	Metrics Recorder

	// OnInitAttempt is called after every spawn-and-probe attempt.
	OnInitAttempt func(attempt int, err error)
	// OnTerminated is called with the tier that stopped a worker.
	OnTerminated func(tier Tier)
}

func (o Options) withDefaults() Options {
	if o.InitTimeout <= 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	if o.InitAttempts <= 0 {
		o.InitAttempts = DefaultInitAttempts
	}
	if o.InitBackoff <= 0 {
		o.InitBackoff = DefaultInitBackoff
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	if o.AliveTimeout <= 0 {
		o.AliveTimeout = DefaultAliveTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNoOpCollector()
	}
	return o
}

// Supervisor owns one worker process at a time. All methods are safe for
// concurrent use.
type Supervisor struct {
	opts   Options
	broker *shutdown.Broker
	logger *logging.Logger

	mu       sync.Mutex
	conn     *conn
	closed   bool
	listener *shutdown.ListenerID

	// closeMu serializes teardown so concurrent Close calls wait for the
	// first one to finish.
	closeMu sync.Mutex
}

// New creates a supervisor. No process is spawned until Init.
func New(broker *shutdown.Broker, opts Options) *Supervisor {
	opts = opts.withDefaults()
	if broker == nil {
		broker = shutdown.New()
	}
	return &Supervisor{
		opts:   opts,
		broker: broker,
		logger: opts.Logger,
	}
}

// Start initializes the worker and registers Close with the broker so a
// shutdown signal stops the worker even when the caller never calls Close.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.Init(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed || s.listener != nil {
		s.mu.Unlock()
		return nil
	}
	id := s.broker.RegisterListener(func() {
		if err := s.Close(); err != nil {
			s.logger.Warnf("closing worker on shutdown: %v", err)
		}
	})
	s.listener = &id
	s.mu.Unlock()

	// A signal that arrived before the listener was registered already ran
	// the listeners it could see.
	if s.broker.ShouldExit() {
		s.Close()
		return ErrShuttingDown
	}
	return nil
}

// Init spawns the worker and waits until it answers a liveness probe.
// Failed attempts are retried with a constant backoff while no shutdown has
// been requested. A running worker is stopped first, so Init also restarts.
func (s *Supervisor) Init(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if old := s.detach(); old != nil {
		s.stop(old)
	}

	ctx, cancel := s.broker.Context(ctx)
	defer cancel()

	start := time.Now()
	attempts := 0
	var lastErr error

	operation := func() error {
		if s.broker.ShouldExit() {
			return backoff.Permanent(ErrShuttingDown)
		}
		if s.isClosed() {
			return backoff.Permanent(ErrClosed)
		}

		attempts++
		err := s.spawn(ctx)
		s.opts.Metrics.RecordInitAttempt(err)
		if s.opts.OnInitAttempt != nil {
			s.opts.OnInitAttempt(attempts, err)
		}
		if err != nil {
			s.logger.Warnf("worker init attempt %d/%d failed: %v", attempts, s.opts.InitAttempts, err)
			lastErr = err
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.InitBackoff), uint64(s.opts.InitAttempts-1)),
		ctx,
	)

	err := backoff.Retry(operation, policy)
	s.opts.Metrics.RecordInit(time.Since(start), err)
	if err == nil {
		s.logger.Infof("worker ready after %d attempt(s) in %s", attempts, time.Since(start).Round(time.Millisecond))
		return nil
	}

	switch {
	case errors.Is(err, ErrClosed):
		return &InitError{Attempts: attempts, Err: ErrClosed}
	case s.broker.ShouldExit():
		return &InitError{Attempts: attempts, Err: ErrShuttingDown}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), lastErr == nil:
		return &InitError{Attempts: attempts, Err: err}
	default:
		return &InitError{Attempts: attempts, Err: lastErr}
	}
}

// spawn starts one worker and probes it. On failure the worker is stopped
// before returning.
func (s *Supervisor) spawn(ctx context.Context) error {
	if s.opts.Command == nil {
		return errors.New("no worker command configured")
	}
	cmd, err := s.opts.Command(ctx)
	if err != nil {
		return err
	}

	ep, childEnd, err := ipc.SpawnPair()
	if err != nil {
		return err
	}
	cmd.ExtraFiles = append([]*os.File{childEnd}, cmd.ExtraFiles...)
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, s.logger.SessionEnv())

	proc, err := startProcess(cmd)
	childEnd.Close()
	if err != nil {
		ep.Close()
		return err
	}
	s.logger.Debugf("spawned worker pid %d", proc.PID())

	c := newConn(proc, ep, s.opts.Metrics, s.logger)
	go c.dispatch()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.stop(c)
		return ErrClosed
	}
	s.conn = c
	s.mu.Unlock()

	// ctx is derived from the broker, so a shutdown also aborts the probe.
	if !c.probe(s.opts.InitTimeout, ctx.Done()) {
		if !s.detachConn(c) {
			// Close took the connection and stops the worker itself.
			return ErrClosed
		}
		s.stop(c)
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("worker pid %d: init aborted: %w", proc.PID(), err)
		}
		if proc.Exited() {
			return fmt.Errorf("worker pid %d exited with status %d before answering", proc.PID(), proc.ExitCode())
		}
		return fmt.Errorf("worker pid %d did not answer within %s", proc.PID(), s.opts.InitTimeout)
	}

	proc.advance(ProcessAlive)
	s.opts.Metrics.RecordWorkerUp(true)
	return nil
}

// Step sends action to the worker and waits for its observation. A zero
// timeout uses Options.StepTimeout. The worker is not interrupted when the
// caller gives up; its reply is discarded on arrival.
func (s *Supervisor) Step(ctx context.Context, action string, timeout time.Duration) (*worker.Observation, error) {
	if timeout <= 0 {
		timeout = s.opts.StepTimeout
	}
	start := time.Now()

	obs, outcome, err := s.step(ctx, action, timeout)
	s.opts.Metrics.RecordStep(time.Since(start), outcome)
	return obs, err
}

func (s *Supervisor) step(ctx context.Context, action string, timeout time.Duration) (*worker.Observation, string, error) {
	s.mu.Lock()
	closed, c := s.closed, s.conn
	s.mu.Unlock()

	switch {
	case closed:
		return nil, metrics.OutcomeClosed, ErrClosed
	case c == nil:
		return nil, metrics.OutcomeClosed, ErrNotStarted
	case s.broker.ShouldExit():
		return nil, metrics.OutcomeShuttingDown, ErrShuttingDown
	}

	id := ipc.NewRequestID()
	env, err := ipc.NewEnvelope(id, worker.ActionRequest{Action: action})
	if err != nil {
		return nil, metrics.OutcomeError, err
	}

	reply := c.expect(id)
	if err := c.ep.Send(env); err != nil {
		c.forget(id)
		return nil, metrics.OutcomeClosed, fmt.Errorf("step %s: %w", id, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-reply:
		return decodeObservation(r)
	case <-timer.C:
		c.forget(id)
		return nil, metrics.OutcomeTimeout, fmt.Errorf("step %s: no reply after %s: %w", id, timeout, ErrTimeout)
	case <-s.broker.Done():
		c.forget(id)
		return nil, metrics.OutcomeShuttingDown, fmt.Errorf("step %s: %w", id, ErrShuttingDown)
	case <-ctx.Done():
		c.forget(id)
		return nil, metrics.OutcomeError, fmt.Errorf("step %s: %w", id, ctx.Err())
	case <-c.lost:
		return s.lostReply(c, id, reply)
	case <-c.proc.Done():
		return s.lostReply(c, id, reply)
	}
}

// lostReply prefers a reply that raced with the channel going away.
func (s *Supervisor) lostReply(c *conn, id string, reply <-chan ipc.Envelope) (*worker.Observation, string, error) {
	select {
	case r := <-reply:
		return decodeObservation(r)
	default:
	}
	c.forget(id)
	if c.proc.Exited() {
		return nil, metrics.OutcomeClosed, fmt.Errorf("step %s: worker exited with status %d: %w", id, c.proc.ExitCode(), ErrChannelClosed)
	}
	return nil, metrics.OutcomeClosed, fmt.Errorf("step %s: %w", id, c.err())
}

func decodeObservation(env ipc.Envelope) (*worker.Observation, string, error) {
	var obs worker.Observation
	if err := env.Decode(&obs); err != nil {
		return nil, metrics.OutcomeError, err
	}
	if obs.HasActionError() {
		return &obs, metrics.OutcomeActionError, nil
	}
	return &obs, metrics.OutcomeOK, nil
}

// CheckAlive probes the worker and reports whether it answered within
// timeout. A zero timeout uses Options.AliveTimeout. It returns false once
// the worker exited or the supervisor was closed.
func (s *Supervisor) CheckAlive(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = s.opts.AliveTimeout
	}
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return false
	}
	return c.probe(timeout, s.broker.Done())
}

// Process returns the current worker process handle, or nil.
func (s *Supervisor) Process() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.proc
}

// Close stops the worker with escalating force and releases the channel.
// It is idempotent and safe to call from a shutdown listener.
func (s *Supervisor) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	s.conn = nil
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener != nil {
		s.broker.UnregisterListener(*listener)
	}
	if c == nil {
		return nil
	}
	s.stop(c)
	return nil
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// detach removes and returns the current connection.
func (s *Supervisor) detach() *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conn
	s.conn = nil
	return c
}

// detachConn removes c if it is still the current connection and reports
// whether it did.
func (s *Supervisor) detachConn(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c {
		return false
	}
	s.conn = nil
	return true
}

// stop escalates until the worker exits: SHUTDOWN, SIGTERM, SIGKILL, each
// followed by GracePeriod. The channel is always released.
func (s *Supervisor) stop(c *conn) Tier {
	defer c.release()

	tier := s.escalate(c)
	s.opts.Metrics.RecordWorkerUp(false)
	s.opts.Metrics.RecordTermination(string(tier))
	if s.opts.OnTerminated != nil {
		s.opts.OnTerminated(tier)
	}
	s.logger.Infof("worker pid %d stopped (%s)", c.proc.PID(), tier)
	return tier
}

func (s *Supervisor) escalate(c *conn) Tier {
	proc := c.proc
	if proc.Exited() {
		return TierExited
	}
	proc.advance(ProcessShuttingDown)
	grace := s.opts.GracePeriod

	if err := c.ep.Send(ipc.Envelope{ID: ipc.ShutdownID}); err != nil {
		s.logger.Debugf("sending SHUTDOWN to pid %d: %v", proc.PID(), err)
	}
	if proc.Join(grace) {
		return TierShutdown
	}

	s.logger.Warnf("worker pid %d ignored SHUTDOWN for %s, sending SIGTERM", proc.PID(), grace)
	if err := proc.Terminate(); err != nil && !errors.Is(err, ErrProcessExited) {
		s.logger.Warnf("terminating pid %d: %v", proc.PID(), err)
	}
	if proc.Join(grace) {
		return TierTerminate
	}

	s.logger.Warnf("worker pid %d ignored SIGTERM for %s, sending SIGKILL", proc.PID(), grace)
	if err := proc.Kill(); err != nil && !errors.Is(err, ErrProcessExited) {
		s.logger.Errorf("killing pid %d: %v", proc.PID(), err)
	}
	if proc.Join(grace) {
		return TierKill
	}

	s.logger.Errorf("worker pid %d still running after SIGKILL", proc.PID())
	return TierUnresponsive
}
