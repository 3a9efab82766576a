package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserd/pkg/ipc"
	"github.com/entrhq/browserd/pkg/shutdown"
	"github.com/entrhq/browserd/pkg/worker"
)

// helperEnv selects the worker behavior when the test binary is re-executed
// as a worker process.
const helperEnv = "BROWSERD_TEST_WORKER"

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelperWorker(mode))
	}
	os.Exit(m.Run())
}

func runHelperWorker(mode string) int {
	switch mode {
	case "echo":
		return worker.Serve(context.Background(), worker.ServeOptions{
			Factory: func(ctx context.Context) (worker.Engine, error) {
				return &echoEngine{}, nil
			},
			PollInterval: 5 * time.Millisecond,
		})
	case "noisy":
		return rawWorker(func(ep *ipc.Endpoint, env ipc.Envelope) {
			_ = ep.Send(ipc.Envelope{ID: "stale-" + env.ID})
			_ = ep.Send(ipc.Envelope{ID: ipc.AliveID})
			reply, _ := ipc.NewEnvelope(env.ID, worker.Observation{URL: "noisy://ok"})
			_ = ep.Send(reply)
		})
	case "ignore-shutdown":
		return rawWorker(nil)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		return rawWorker(nil)
	case "mute":
		// Holds the channel open but never reads from it.
		if _, err := ipc.Inherit(ipc.WorkerFD); err != nil {
			return 1
		}
		for {
			time.Sleep(time.Minute)
		}
	case "crash":
		return 3
	default:
		fmt.Fprintf(os.Stderr, "unknown helper mode %q\n", mode)
		return 2
	}
}

// rawWorker answers IS_ALIVE, ignores SHUTDOWN and hands every other request
// to onRequest.
func rawWorker(onRequest func(ep *ipc.Endpoint, env ipc.Envelope)) int {
	ep, err := ipc.Inherit(ipc.WorkerFD)
	if err != nil {
		return 1
	}
	for {
		env, err := ep.Receive()
		if err != nil {
			// Stay up after the supervisor hangs up so only signals stop us.
			for {
				time.Sleep(time.Minute)
			}
		}
		switch env.ID {
		case ipc.IsAliveID:
			_ = ep.Send(ipc.Envelope{ID: ipc.AliveID})
		case ipc.ShutdownID:
		default:
			if onRequest != nil {
				onRequest(ep, env)
			}
		}
	}
}

type echoEngine struct{}

func (e *echoEngine) Reset(ctx context.Context) (*worker.RawObservation, worker.Info, error) {
	return &worker.RawObservation{URL: "about:blank"}, nil, nil
}

func (e *echoEngine) Step(ctx context.Context, action string) (*worker.StepResult, error) {
	switch {
	case strings.HasPrefix(action, "sleep("):
		ms, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(action, "sleep("), ")"))
		time.Sleep(time.Duration(ms) * time.Millisecond)
	case action == "fail":
		return nil, errors.New("page crashed")
	case action == "crash":
		os.Exit(2)
	}
	return &worker.StepResult{
		Observation: &worker.RawObservation{URL: "echo://" + action},
	}, nil
}

func (e *echoEngine) Close() error { return nil }

func helperCommand(mode string) CommandFunc {
	return func(ctx context.Context) (*exec.Cmd, error) {
		cmd := exec.Command(os.Args[0], "-test.run=^$")
		cmd.Env = append(os.Environ(), helperEnv+"="+mode)
		return cmd, nil
	}
}

type recorder struct {
	lateReplies atomic.Int64

	mu    sync.Mutex
	tiers []Tier
}

func (r *recorder) RecordInitAttempt(err error)                       {}
func (r *recorder) RecordInit(duration time.Duration, err error)      {}
func (r *recorder) RecordStep(duration time.Duration, outcome string) {}
func (r *recorder) RecordLateReply()                                  { r.lateReplies.Add(1) }
func (r *recorder) RecordTermination(tier string)                     {}
func (r *recorder) RecordWorkerUp(up bool)                            {}
func (r *recorder) RecordWorkerUsage(rssBytes uint64, processes int)  {}

func (r *recorder) onTerminated(tier Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers = append(r.tiers, tier)
}

func (r *recorder) Tiers() []Tier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Tier(nil), r.tiers...)
}

func quietBroker() *shutdown.Broker {
	return shutdown.New(shutdown.WithSignals())
}

func newTestSupervisor(t *testing.T, mode string, broker *shutdown.Broker, rec *recorder, tweak func(*Options)) *Supervisor {
	t.Helper()
	opts := Options{
		Command:      helperCommand(mode),
		InitTimeout:  10 * time.Second,
		InitAttempts: 2,
		InitBackoff:  10 * time.Millisecond,
		StepTimeout:  10 * time.Second,
		AliveTimeout: 5 * time.Second,
		GracePeriod:  2 * time.Second,
		Metrics:      rec,
		OnTerminated: rec.onTerminated,
	}
	if tweak != nil {
		tweak(&opts)
	}
	s := New(broker, opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSupervisor_InitStepClose(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, "echo", quietBroker(), rec, nil)

	require.NoError(t, s.Init(context.Background()))
	proc := s.Process()
	require.NotNil(t, proc)
	assert.Equal(t, ProcessAlive, proc.State())
	assert.True(t, s.CheckAlive(0))

	obs, err := s.Step(context.Background(), "click('12')", 0)
	require.NoError(t, err)
	assert.Equal(t, "echo://click('12')", obs.URL)

	obs, err = s.Step(context.Background(), "goto('https://example.com')", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo://goto('https://example.com')", obs.URL)

	require.NoError(t, s.Close())
	assert.False(t, s.CheckAlive(100*time.Millisecond))
	assert.Nil(t, s.Process())
	assert.True(t, proc.Exited())
	assert.Equal(t, ProcessTerminated, proc.State())
	assert.Equal(t, 0, proc.ExitCode())
	assert.Equal(t, []Tier{TierShutdown}, rec.Tiers())
}

func TestSupervisor_MatchesRepliesByID(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, "noisy", quietBroker(), rec, nil)
	require.NoError(t, s.Init(context.Background()))

	for i := 0; i < 5; i++ {
		obs, err := s.Step(context.Background(), fmt.Sprintf("noop(%d)", i), 0)
		require.NoError(t, err)
		assert.Equal(t, "noisy://ok", obs.URL)
	}

	// Each request was preceded by one stale reply.
	assert.Eventually(t, func() bool { return rec.lateReplies.Load() == 5 }, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_ConcurrentSteps(t *testing.T) {
	s := newTestSupervisor(t, "echo", quietBroker(), &recorder{}, nil)
	require.NoError(t, s.Init(context.Background()))

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := fmt.Sprintf("fill('%d', 'x')", i)
			obs, err := s.Step(context.Background(), action, 0)
			if err != nil {
				errs <- err
				return
			}
			if obs.URL != "echo://"+action {
				errs <- fmt.Errorf("got %s for %s", obs.URL, action)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSupervisor_InitExhaustsAttempts(t *testing.T) {
	var attempts []int
	rec := &recorder{}
	s := newTestSupervisor(t, "echo", quietBroker(), rec, func(o *Options) {
		o.InitAttempts = 5
		o.Command = func(ctx context.Context) (*exec.Cmd, error) {
			return exec.Command("/nonexistent/browserd-worker"), nil
		}
		o.OnInitAttempt = func(attempt int, err error) {
			attempts = append(attempts, attempt)
		}
	})

	err := s.Init(context.Background())
	var initErr *InitError
	require.True(t, errors.As(err, &initErr), "got %v", err)
	assert.Equal(t, 5, initErr.Attempts)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, attempts)
	assert.Nil(t, s.Process())
	assert.False(t, s.CheckAlive(10*time.Millisecond))

	_, err = s.Step(context.Background(), "noop()", time.Second)
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestSupervisor_InitFailsWhenWorkerDies(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, "crash", quietBroker(), rec, func(o *Options) {
		o.InitAttempts = 3
	})

	start := time.Now()
	err := s.Init(context.Background())
	var initErr *InitError
	require.True(t, errors.As(err, &initErr), "got %v", err)
	assert.Equal(t, 3, initErr.Attempts)
	assert.Contains(t, initErr.Error(), "exited with status 3")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Nil(t, s.Process())
	assert.Len(t, rec.Tiers(), 3)
}

func TestSupervisor_InitAbortedByShutdown(t *testing.T) {
	broker := quietBroker()
	broker.Trigger(syscall.SIGTERM)
	s := newTestSupervisor(t, "echo", broker, &recorder{}, nil)

	err := s.Init(context.Background())
	var initErr *InitError
	require.True(t, errors.As(err, &initErr), "got %v", err)
	assert.Equal(t, 0, initErr.Attempts)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestSupervisor_InitHonorsContext(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, "mute", quietBroker(), rec, func(o *Options) {
		o.InitTimeout = 200 * time.Second
		o.InitAttempts = 3
		o.GracePeriod = 200 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	err := s.Init(ctx)
	var initErr *InitError
	require.True(t, errors.As(err, &initErr), "got %v", err)
	assert.Equal(t, 1, initErr.Attempts)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Nil(t, s.Process())
	assert.Len(t, rec.Tiers(), 1)
}

func TestSupervisor_CloseDuringInitStopsWorkerOnce(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, "mute", quietBroker(), rec, func(o *Options) {
		o.InitTimeout = 200 * time.Second
		o.GracePeriod = 200 * time.Millisecond
	})

	initDone := make(chan error, 1)
	go func() { initDone <- s.Init(context.Background()) }()

	require.Eventually(t, func() bool { return s.Process() != nil }, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-initDone:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(10 * time.Second):
		t.Fatal("Init did not return after Close")
	}
	assert.Equal(t, []Tier{TierTerminate}, rec.Tiers())
}

func TestSupervisor_StepTimeout(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, "echo", quietBroker(), rec, nil)
	require.NoError(t, s.Init(context.Background()))

	start := time.Now()
	_, err := s.Step(context.Background(), "sleep(1500)", 300*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	// The worker finishes the abandoned action first; its reply is dropped.
	obs, err := s.Step(context.Background(), "noop()", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo://noop()", obs.URL)
	assert.Equal(t, int64(1), rec.lateReplies.Load())
}

func TestSupervisor_StepAbortsOnShutdown(t *testing.T) {
	broker := quietBroker()
	s := newTestSupervisor(t, "echo", broker, &recorder{}, nil)
	require.NoError(t, s.Init(context.Background()))

	go func() {
		time.Sleep(100 * time.Millisecond)
		broker.Trigger(syscall.SIGINT)
	}()

	start := time.Now()
	_, err := s.Step(context.Background(), "sleep(3000)", 10*time.Second)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err = s.Step(context.Background(), "noop()", time.Second)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestSupervisor_StepHonorsContext(t *testing.T) {
	s := newTestSupervisor(t, "echo", quietBroker(), &recorder{}, nil)
	require.NoError(t, s.Init(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Step(ctx, "sleep(1000)", 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSupervisor_EngineErrorKeepsWorker(t *testing.T) {
	s := newTestSupervisor(t, "echo", quietBroker(), &recorder{}, nil)
	require.NoError(t, s.Init(context.Background()))

	obs, err := s.Step(context.Background(), "fail", 0)
	require.NoError(t, err)
	require.NotNil(t, obs.Error)
	assert.Equal(t, "page crashed", obs.Error.Message)

	assert.True(t, s.CheckAlive(time.Second))
	obs, err = s.Step(context.Background(), "noop()", 0)
	require.NoError(t, err)
	assert.Nil(t, obs.Error)
}

func TestSupervisor_WorkerExitFailsPendingStep(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, "echo", quietBroker(), rec, nil)
	require.NoError(t, s.Init(context.Background()))
	proc := s.Process()

	start := time.Now()
	_, err := s.Step(context.Background(), "crash", 10*time.Second)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, s.CheckAlive(time.Second))

	require.True(t, proc.Join(5*time.Second))
	assert.Equal(t, 2, proc.ExitCode())

	require.NoError(t, s.Close())
	assert.Equal(t, []Tier{TierExited}, rec.Tiers())
}

func TestSupervisor_EscalatesToTerminate(t *testing.T) {
	rec := &recorder{}
	grace := 500 * time.Millisecond
	s := newTestSupervisor(t, "ignore-shutdown", quietBroker(), rec, func(o *Options) {
		o.GracePeriod = grace
	})
	require.NoError(t, s.Init(context.Background()))
	proc := s.Process()

	start := time.Now()
	require.NoError(t, s.Close())
	elapsed := time.Since(start)

	assert.True(t, proc.Exited())
	assert.Equal(t, []Tier{TierTerminate}, rec.Tiers())
	assert.GreaterOrEqual(t, elapsed, grace)
	assert.Less(t, elapsed, 2*grace+500*time.Millisecond)

	sig, ok := proc.Signaled()
	assert.True(t, ok)
	assert.Equal(t, syscall.SIGTERM, sig)
}

func TestSupervisor_EscalatesToKill(t *testing.T) {
	rec := &recorder{}
	grace := 300 * time.Millisecond
	s := newTestSupervisor(t, "stubborn", quietBroker(), rec, func(o *Options) {
		o.GracePeriod = grace
	})
	require.NoError(t, s.Init(context.Background()))
	proc := s.Process()

	require.NoError(t, s.Close())

	assert.True(t, proc.Exited())
	assert.Equal(t, []Tier{TierKill}, rec.Tiers())
	sig, ok := proc.Signaled()
	assert.True(t, ok)
	assert.Equal(t, syscall.SIGKILL, sig)
}

func TestSupervisor_CloseIsIdempotent(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, "echo", quietBroker(), rec, nil)
	require.NoError(t, s.Init(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Close())
		}()
	}
	wg.Wait()
	assert.NoError(t, s.Close())
	assert.Len(t, rec.Tiers(), 1)

	_, err := s.Step(context.Background(), "noop()", time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Init(context.Background()), ErrClosed)
}

func TestSupervisor_CloseWithoutInit(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, "echo", quietBroker(), rec, nil)
	assert.NoError(t, s.Close())
	assert.Empty(t, rec.Tiers())
}

func TestSupervisor_StartClosesOnShutdown(t *testing.T) {
	broker := quietBroker()
	rec := &recorder{}
	s := newTestSupervisor(t, "echo", broker, rec, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, broker.Listeners())
	proc := s.Process()

	broker.Trigger(syscall.SIGTERM)

	assert.True(t, proc.Exited())
	assert.False(t, s.CheckAlive(100*time.Millisecond))
	assert.Equal(t, 0, broker.Listeners())
	assert.Equal(t, []Tier{TierShutdown}, rec.Tiers())
}

func TestSupervisor_InitRestartsWorker(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, "echo", quietBroker(), rec, nil)
	require.NoError(t, s.Init(context.Background()))
	first := s.Process()

	require.NoError(t, s.Init(context.Background()))
	second := s.Process()

	assert.NotEqual(t, first.PID(), second.PID())
	assert.True(t, first.Exited())
	assert.True(t, s.CheckAlive(time.Second))
}

func TestProcessState_String(t *testing.T) {
	assert.Equal(t, "spawned", ProcessSpawned.String())
	assert.Equal(t, "alive", ProcessAlive.String())
	assert.Equal(t, "shutting_down", ProcessShuttingDown.String())
	assert.Equal(t, "terminated", ProcessTerminated.String())
	assert.Equal(t, "unknown(9)", ProcessState(9).String())
}

func TestSupervisor_Usage(t *testing.T) {
	rec := &recorder{}
	s := newTestSupervisor(t, "echo", quietBroker(), rec, nil)

	_, err := s.Usage()
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, s.Init(context.Background()))
	proc := s.Process()
	u, err := s.Usage()
	require.NoError(t, err)
	assert.Equal(t, proc.PID(), u.PID)
	assert.Equal(t, "alive", u.State)
	assert.GreaterOrEqual(t, u.Processes, 1)
	assert.Greater(t, u.RSSBytes, uint64(0))

	require.NoError(t, s.Close())
	_, err = proc.Usage()
	assert.ErrorIs(t, err, ErrProcessExited)
}
