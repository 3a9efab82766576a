package shutdown

import (
	"bytes"
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserd/pkg/logging"
)

// fakeSignals captures the channel the broker registers so tests can deliver
// signals without touching the real process.
type fakeSignals struct {
	mu       sync.Mutex
	ch       chan<- os.Signal
	notified int
	stopped  int
	raised   []os.Signal
}

func (f *fakeSignals) notify(c chan<- os.Signal, _ ...os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ch = c
	f.notified++
}

func (f *fakeSignals) stop(chan<- os.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeSignals) raise(sig os.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, sig)
	return nil
}

func (f *fakeSignals) deliver(t *testing.T, sig os.Signal) {
	t.Helper()
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()
	require.NotNil(t, ch, "signal handlers were not installed")
	ch <- sig
}

func newTestBroker(f *fakeSignals, opts ...Option) *Broker {
	base := []Option{WithNotifier(f.notify, f.stop), WithRaise(f.raise)}
	return New(append(base, opts...)...)
}

func waitDone(t *testing.T, b *Broker) {
	t.Helper()
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("broker did not begin shutdown")
	}
}

func TestBroker_LazyInstallOnce(t *testing.T) {
	f := &fakeSignals{}
	b := newTestBroker(f)

	assert.Equal(t, StateUninitialized, b.State())
	assert.Equal(t, 0, f.notified)

	assert.False(t, b.ShouldExit())
	assert.True(t, b.ShouldContinue())
	_ = b.Done()

	assert.Equal(t, StateRunning, b.State())
	assert.Equal(t, 1, f.notified, "handlers must be installed exactly once")
}

func TestBroker_SignalFlipsFlagAndNotifiesListenersOnce(t *testing.T) {
	f := &fakeSignals{}
	b := newTestBroker(f)

	var mu sync.Mutex
	var order []string
	record := func(name string) Listener {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}

	b.RegisterListener(record("first"))
	b.RegisterListener(func() { panic("listener failure") })
	b.RegisterListener(record("third"))

	require.False(t, b.ShouldExit())
	f.deliver(t, syscall.SIGTERM)
	waitDone(t, b)

	// a second signal must not re-run listeners
	b.Trigger(syscall.SIGINT)

	for i := 0; i < 3; i++ {
		assert.True(t, b.ShouldExit())
		assert.False(t, b.ShouldContinue())
	}

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.raised) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "third"}, order)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, f.raised, "handled signal is chained once")
	assert.Equal(t, 1, f.stopped)
}

func TestBroker_PanickingListenerIsLogged(t *testing.T) {
	var buf bytes.Buffer
	f := &fakeSignals{}
	b := newTestBroker(f, WithLogger(logging.NewWriterLogger("shutdown", &buf)))

	b.RegisterListener(func() { panic("boom") })
	b.Trigger(syscall.SIGTERM)

	assert.True(t, b.ShouldExit())
	assert.Contains(t, buf.String(), "panicked: boom")
}

func TestBroker_TriggerDoesNotChain(t *testing.T) {
	f := &fakeSignals{}
	b := newTestBroker(f)

	b.Trigger(syscall.SIGTERM)

	assert.True(t, b.ShouldExit())
	assert.Empty(t, f.raised)
}

func TestBroker_ChainingDisabled(t *testing.T) {
	f := &fakeSignals{}
	b := newTestBroker(f, WithChaining(false))

	_ = b.ShouldExit()
	f.deliver(t, syscall.SIGINT)
	waitDone(t, b)

	time.Sleep(20 * time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.raised)
	assert.Equal(t, 0, f.stopped)
}

func TestBroker_UnregisterListener(t *testing.T) {
	f := &fakeSignals{}
	b := newTestBroker(f)

	called := 0
	id := b.RegisterListener(func() { called++ })
	b.RegisterListener(func() { called += 10 })
	assert.Equal(t, 2, b.Listeners())

	b.UnregisterListener(id)
	b.UnregisterListener(id)
	assert.Equal(t, 1, b.Listeners())

	b.Trigger(syscall.SIGTERM)
	assert.Equal(t, 10, called)
}

func TestBroker_Context(t *testing.T) {
	f := &fakeSignals{}
	b := newTestBroker(f)

	ctx, cancel := b.Context(context.Background())
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before shutdown")
	default:
	}

	b.Trigger(syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled on shutdown")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "exiting", StateExiting.String())
}
