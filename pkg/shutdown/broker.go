// Package shutdown turns process termination signals into a one-way
// "should exit" flag and a fan-out to registered listeners.
//
// A Broker is created once at process start and handed to every component
// that needs to observe shutdown: the supervisor aborts pending calls and
// init retries when the flag flips, and the worker event loop stops polling
// and closes its engine.
//
// Signal handlers are installed lazily by the first call to ShouldExit,
// ShouldContinue or Done, exactly once per Broker. On the first handled
// signal the broker:
//
//  1. sets the flag (it never resets)
//  2. closes the Done channel
//  3. calls every registered listener in registration order, recovering and
//     logging panics so one listener cannot starve the others
//  4. when chaining is enabled, stops intercepting the signal and re-raises it
//     so the default OS action still happens
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"

	"github.com/entrhq/browserd/pkg/logging"
)

// DefaultSignals is the termination signal set intercepted by a Broker.
var DefaultSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// State is the broker's monotonic lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateRunning
	StateExiting
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateExiting:
		return "exiting"
	default:
		return "unknown"
	}
}

// Listener is invoked once when shutdown begins.
type Listener func()

// ListenerID identifies a registered listener.
type ListenerID = uuid.UUID

type registration struct {
	id ListenerID
	fn Listener
}

// Broker is the process-wide shutdown context. It is safe for concurrent use.
type Broker struct {
	state atomic.Int32

	mu        sync.Mutex
	listeners []registration

	installOnce sync.Once
	done        chan struct{}
	sigCh       chan os.Signal
	stopCh      chan struct{}

	signals []os.Signal
	chain   bool
	notify  func(c chan<- os.Signal, sig ...os.Signal)
	stop    func(c chan<- os.Signal)
	raise   func(sig os.Signal) error
	logger  *logging.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithSignals overrides the intercepted signal set.
func WithSignals(sigs ...os.Signal) Option {
	return func(b *Broker) {
		b.signals = sigs
	}
}

// WithChaining controls whether a handled signal is re-raised after the
// listeners ran. Enabled by default.
func WithChaining(enabled bool) Option {
	return func(b *Broker) {
		b.chain = enabled
	}
}

// WithLogger sets the logger used for signal and listener diagnostics.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithNotifier replaces os/signal registration. Intended for tests.
func WithNotifier(notify func(c chan<- os.Signal, sig ...os.Signal), stop func(c chan<- os.Signal)) Option {
	return func(b *Broker) {
		b.notify = notify
		b.stop = stop
	}
}

// WithRaise replaces the function used to re-raise a chained signal.
func WithRaise(raise func(sig os.Signal) error) Option {
	return func(b *Broker) {
		b.raise = raise
	}
}

// New creates a Broker. No signal handler is installed until the flag is
// first queried.
func New(opts ...Option) *Broker {
	b := &Broker{
		done:    make(chan struct{}),
		stopCh:  make(chan struct{}),
		signals: DefaultSignals,
		chain:   true,
		notify:  signal.Notify,
		stop:    signal.Stop,
		raise:   raiseSelf,
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// install registers the signal handlers once.
func (b *Broker) install() {
	b.installOnce.Do(func() {
		b.state.CompareAndSwap(int32(StateUninitialized), int32(StateRunning))
		if len(b.signals) == 0 {
			return
		}
		b.logger.Debugf("installing handlers for %v", b.signals)
		b.sigCh = make(chan os.Signal, len(b.signals))
		b.notify(b.sigCh, b.signals...)
		go b.watch()
	})
}

func (b *Broker) watch() {
	for {
		select {
		case sig := <-b.sigCh:
			b.handle(sig, true)
		case <-b.stopCh:
			return
		}
	}
}

// State returns the current broker state without installing handlers.
func (b *Broker) State() State {
	return State(b.state.Load())
}

// ShouldExit reports whether shutdown has been requested.
func (b *Broker) ShouldExit() bool {
	b.install()
	return b.State() == StateExiting
}

// ShouldContinue is the negation of ShouldExit.
func (b *Broker) ShouldContinue() bool {
	return !b.ShouldExit()
}

// Done returns a channel that is closed when shutdown begins.
func (b *Broker) Done() <-chan struct{} {
	b.install()
	return b.done
}

// Context returns a context that is cancelled when shutdown begins or when
// the parent is done.
func (b *Broker) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := b.Done()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// RegisterListener adds fn to the listeners invoked on shutdown.
// Listeners registered after shutdown began are never called.
func (b *Broker) RegisterListener(fn Listener) ListenerID {
	id := uuid.New()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, registration{id: id, fn: fn})
	return id
}

// UnregisterListener removes a listener. Unknown ids are ignored.
func (b *Broker) UnregisterListener(id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, reg := range b.listeners {
		if reg.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Listeners returns the number of registered listeners.
func (b *Broker) Listeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Trigger starts shutdown as if sig had been delivered, without re-raising
// it. It is a no-op once shutdown has begun.
func (b *Broker) Trigger(sig os.Signal) {
	b.install()
	b.handle(sig, false)
}

func (b *Broker) handle(sig os.Signal, delivered bool) {
	b.logger.Debugf("shutdown signal: %v", sig)

	if State(b.state.Swap(int32(StateExiting))) == StateExiting {
		return
	}
	close(b.done)

	b.mu.Lock()
	snapshot := make([]registration, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()

	for _, reg := range snapshot {
		b.invoke(reg)
	}

	if delivered && b.chain {
		b.stop(b.sigCh)
		close(b.stopCh)
		if err := b.raise(sig); err != nil {
			b.logger.Errorf("re-raising %v: %v", sig, err)
		}
	}
}

func (b *Broker) invoke(reg registration) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("shutdown listener %s panicked: %v", reg.id, r)
		}
	}()
	reg.fn()
}

func raiseSelf(sig os.Signal) error {
	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		return err
	}
	return p.Signal(sig)
}
