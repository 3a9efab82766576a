package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/browserd/pkg/ipc"
	"github.com/entrhq/browserd/pkg/logging"
)

// conn ties one worker process to its channel endpoint and routes replies
// to waiting callers.
type conn struct {
	proc    *Process
	ep      *ipc.Endpoint
	metrics Recorder
	logger  *logging.Logger

	mu      sync.Mutex
	pending map[string]chan ipc.Envelope
	alive   []chan struct{}
	lostErr error

	// lost is closed when the dispatcher stops reading.
	lost        chan struct{}
	releaseOnce sync.Once
}

func newConn(proc *Process, ep *ipc.Endpoint, metrics Recorder, logger *logging.Logger) *conn {
	return &conn{
		proc:    proc,
		ep:      ep,
		metrics: metrics,
		logger:  logger,
		pending: make(map[string]chan ipc.Envelope),
		lost:    make(chan struct{}),
	}
}

// dispatch routes every incoming envelope until the channel fails.
func (c *conn) dispatch() {
	for {
		env, err := c.ep.Receive()
		if err != nil {
			c.mu.Lock()
			c.lostErr = err
			c.mu.Unlock()
			close(c.lost)
			return
		}

		if env.ID == ipc.AliveID {
			c.answerAlive()
			continue
		}

		c.mu.Lock()
		reply, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()

		if !ok {
			c.metrics.RecordLateReply()
			c.logger.Debugf("discarding reply %s with no waiting caller", env.ID)
			continue
		}
		reply <- env
	}
}

func (c *conn) answerAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.alive) == 0 {
		c.logger.Debugf("discarding unsolicited ALIVE")
		return
	}
	close(c.alive[0])
	c.alive = c.alive[1:]
}

// expect registers a one-shot reply channel for id.
func (c *conn) expect(id string) <-chan ipc.Envelope {
	reply := make(chan ipc.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	return reply
}

// forget abandons id. A reply arriving later is discarded.
func (c *conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// pendingCalls returns the number of callers still waiting for a reply.
func (c *conn) pendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// probe sends IS_ALIVE and waits for ALIVE. An ALIVE answers the oldest
// outstanding probe.
func (c *conn) probe(timeout time.Duration, abort <-chan struct{}) bool {
	answered := make(chan struct{})
	c.mu.Lock()
	c.alive = append(c.alive, answered)
	c.mu.Unlock()

	if err := c.ep.Send(ipc.Envelope{ID: ipc.IsAliveID}); err != nil {
		c.dropProbe(answered)
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-answered:
		return true
	case <-timer.C:
	case <-abort:
	case <-c.lost:
	case <-c.proc.Done():
	}
	c.dropProbe(answered)

	select {
	case <-answered:
		return true
	default:
		return false
	}
}

func (c *conn) dropProbe(answered chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.alive {
		if ch == answered {
			c.alive = append(c.alive[:i], c.alive[i+1:]...)
			return
		}
	}
}

func (c *conn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lostErr != nil {
		return c.lostErr
	}
	return fmt.Errorf("worker pid %d: %w", c.proc.PID(), ErrChannelClosed)
}

// release closes the endpoint. Callers still waiting observe lost.
func (c *conn) release() {
	c.releaseOnce.Do(func() {
		if err := c.ep.Close(); err != nil {
			c.logger.Debugf("closing channel to pid %d: %v", c.proc.PID(), err)
		}
	})
}
