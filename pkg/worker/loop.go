package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/entrhq/browserd/pkg/ipc"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/shutdown"
)

// DefaultPollInterval is how long the loop waits for a message before it
// re-checks for shutdown.
const DefaultPollInterval = 10 * time.Millisecond

// State is the event loop's lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Channel is the worker side of the duplex channel.
type Channel interface {
	Send(env ipc.Envelope) error
	Poll(timeout time.Duration) bool
	Receive() (ipc.Envelope, error)
	Err() error
}

// LoopOptions configures a Loop.
type LoopOptions struct {
	PollInterval time.Duration
	Logger       *logging.Logger
}

// Loop drains the channel and applies actions to one engine instance.
type Loop struct {
	ch      Channel
	factory EngineFactory
	broker  *shutdown.Broker
	logger  *logging.Logger
	poll    time.Duration

	engine Engine
	state  atomic.Int32
	steps  atomic.Int64
}

// NewLoop creates a loop. The engine is built by factory when Run starts.
func NewLoop(ch Channel, factory EngineFactory, broker *shutdown.Broker, opts LoopOptions) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if broker == nil {
		broker = shutdown.New(shutdown.WithSignals())
	}
	return &Loop{
		ch:      ch,
		factory: factory,
		broker:  broker,
		logger:  opts.Logger,
		poll:    opts.PollInterval,
	}
}

// State returns the current loop state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Steps returns the number of actions applied so far.
func (l *Loop) Steps() int64 {
	return l.steps.Load()
}

// Run starts the engine and serves requests until SHUTDOWN, a shutdown
// signal, ctx cancellation or loss of the channel. It returns nil for an
// orderly stop, *EngineInitError when the engine could not start, and an
// error wrapping ipc.ErrChannelClosed when the supervisor went away.
func (l *Loop) Run(ctx context.Context) error {
	l.state.Store(int32(StateStarting))

	// Install the signal handlers before the engine starts so a SIGTERM
	// during a slow browser launch still ends in an orderly stop.
	if l.broker.ShouldExit() {
		l.state.Store(int32(StateStopped))
		return nil
	}

	if err := l.start(ctx); err != nil {
		l.state.Store(int32(StateStopped))
		if l.broker.ShouldExit() {
			l.logger.Infof("shutdown signal received while starting: %v", err)
			return nil
		}
		return err
	}

	l.state.Store(int32(StateRunning))
	l.logger.Infof("worker loop running")

	err := l.serve(ctx)
	l.drain()
	return err
}

func (l *Loop) start(ctx context.Context) error {
	engine, err := l.factory(ctx)
	if err != nil {
		return &EngineInitError{Err: err}
	}
	l.engine = engine

	if _, _, err := engine.Reset(ctx); err != nil {
		if cerr := engine.Close(); cerr != nil {
			l.logger.Warnf("closing engine after failed reset: %v", cerr)
		}
		return &EngineInitError{Err: err}
	}
	return nil
}

func (l *Loop) serve(ctx context.Context) error {
	for {
		if l.broker.ShouldExit() {
			l.logger.Infof("shutdown signal received, stopping")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		if !l.ch.Poll(l.poll) {
			if err := l.ch.Err(); err != nil {
				return err
			}
			continue
		}

		env, err := l.ch.Receive()
		if err != nil {
			return err
		}

		switch env.ID {
		case ipc.ShutdownID:
			l.logger.Infof("SHUTDOWN received")
			return nil
		case ipc.IsAliveID:
			if err := l.ch.Send(ipc.Envelope{ID: ipc.AliveID}); err != nil {
				return err
			}
		default:
			if err := l.reply(env.ID, l.apply(ctx, env)); err != nil {
				return err
			}
		}
	}
}

// reply sends obs for id. An observation that cannot be encoded or is too
// large for one frame is replaced by a SerializationError observation.
func (l *Loop) reply(id string, obs *Observation) error {
	env, err := ipc.NewEnvelope(id, obs)
	if err == nil {
		err = l.ch.Send(env)
		if !errors.Is(err, ipc.ErrFrameTooLarge) {
			return err
		}
	}

	l.logger.Errorf("sending observation for %s: %v", id, err)
	env, encErr := ipc.NewEnvelope(id, ErrorObservation("", "SerializationError", err))
	if encErr != nil {
		return encErr
	}
	return l.ch.Send(env)
}

// apply runs one request. It never fails: problems are reported inside the
// returned observation so the worker stays available.
func (l *Loop) apply(ctx context.Context, env ipc.Envelope) *Observation {
	var req ActionRequest
	if err := env.Decode(&req); err != nil {
		l.logger.Warnf("malformed request %s: %v", env.ID, err)
		return ErrorObservation("", "InvalidRequest", err)
	}

	l.steps.Add(1)
	start := time.Now()
	result, err := l.safeStep(ctx, req.Action)
	if err != nil {
		l.logger.Errorf("action %q failed: %v", req.Action, err)
		return ErrorObservation(req.Action, errorType(err), err)
	}

	obs, problems := Serialize(result.Observation, result.Reward, result.Terminated, result.Truncated, result.Info)
	for _, p := range problems {
		l.logger.Warnf("serializing observation for %q: %v", req.Action, p)
	}
	l.logger.Debugf("action %q applied in %s", req.Action, time.Since(start))
	return obs
}

func (l *Loop) safeStep(ctx context.Context, action string) (result *StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()

	result, err = l.engine.Step(ctx, action)
	if err == nil && result == nil {
		err = errors.New("engine returned no result")
	}
	return result, err
}

func (l *Loop) drain() {
	l.state.Store(int32(StateDraining))
	if l.engine != nil {
		if err := l.engine.Close(); err != nil {
			l.logger.Warnf("closing engine: %v", err)
		}
	}
	l.state.Store(int32(StateStopped))
	l.logger.Infof("worker loop stopped after %d steps", l.Steps())
}

type panicError struct {
	value interface{}
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// errorType names the failure class reported in ActionError.Type.
func errorType(err error) string {
	var typed interface{ Type() string }
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return "Panic"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	case errors.As(err, &typed):
		return typed.Type()
	default:
		return "EngineError"
	}
}
