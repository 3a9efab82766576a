package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"
)

// ErrChannelClosed is returned by endpoint operations after the endpoint was
// closed locally or the peer went away and every queued message was consumed.
var ErrChannelClosed = errors.New("channel closed")

// Endpoint is one side of a duplex message channel.
//
// A single read goroutine decodes frames into an ordered queue, so Poll can
// report availability without consuming. Send is safe for concurrent use;
// Poll and Receive are meant for the endpoint's single owner.
type Endpoint struct {
	name string
	conn io.ReadWriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	queue   []Envelope
	readErr error
	arrived chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// NewEndpoint wraps conn and starts reading from it.
func NewEndpoint(name string, conn io.ReadWriteCloser) *Endpoint {
	e := &Endpoint{
		name:    name,
		conn:    conn,
		arrived: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go e.readLoop()
	return e
}

// Name returns the endpoint label used in errors and logs.
func (e *Endpoint) Name() string {
	return e.name
}

func (e *Endpoint) readLoop() {
	reader := bufio.NewReader(e.conn)

	for {
		body, err := readFrame(reader)
		if err != nil {
			e.finishReading(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			e.finishReading(fmt.Errorf("decode envelope: %w", err))
			return
		}

		e.mu.Lock()
		e.queue = append(e.queue, env)
		e.mu.Unlock()
		e.nudge()
	}
}

func (e *Endpoint) finishReading(err error) {
	e.mu.Lock()
	if e.readErr == nil {
		e.readErr = err
	}
	e.mu.Unlock()
	e.nudge()
}

func (e *Endpoint) nudge() {
	select {
	case e.arrived <- struct{}{}:
	default:
	}
}

// Send writes env to the peer. Envelopes encoding to more than
// MaxFrameLength bytes fail with ErrFrameTooLarge and nothing is written.
func (e *Endpoint) Send(env Envelope) error {
	if e.isClosed() {
		return fmt.Errorf("%s: send %s: %w", e.name, env.ID, ErrChannelClosed)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%s: encode %s: %w", e.name, env.ID, err)
	}
	if len(body) > MaxFrameLength {
		return fmt.Errorf("%s: send %s: %w: %d > %d bytes", e.name, env.ID, ErrFrameTooLarge, len(body), MaxFrameLength)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := writeFrame(e.conn, body); err != nil {
		if isBrokenConn(err) {
			return fmt.Errorf("%s: send %s: %w", e.name, env.ID, ErrChannelClosed)
		}
		return fmt.Errorf("%s: send %s: %w", e.name, env.ID, err)
	}
	return nil
}

// Poll reports whether a message is available within timeout without
// consuming it. It returns false on timeout and once the endpoint is closed
// and drained.
func (e *Endpoint) Poll(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if e.isClosed() {
			return false
		}

		e.mu.Lock()
		n := len(e.queue)
		failed := e.readErr != nil
		e.mu.Unlock()

		if n > 0 {
			return true
		}
		if failed {
			return false
		}

		select {
		case <-e.arrived:
		case <-e.closed:
			return false
		case <-timer.C:
			return false
		}
	}
}

// Receive consumes the next message, blocking until one arrives or the
// channel closes.
func (e *Endpoint) Receive() (Envelope, error) {
	for {
		if e.isClosed() {
			return Envelope{}, fmt.Errorf("%s: receive: %w", e.name, ErrChannelClosed)
		}

		e.mu.Lock()
		if len(e.queue) > 0 {
			env := e.queue[0]
			e.queue[0] = Envelope{}
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return env, nil
		}
		readErr := e.readErr
		e.mu.Unlock()

		if readErr != nil {
			return Envelope{}, e.closedError(readErr)
		}

		select {
		case <-e.arrived:
		case <-e.closed:
			return Envelope{}, fmt.Errorf("%s: receive: %w", e.name, ErrChannelClosed)
		}
	}
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *Endpoint) closedError(readErr error) error {
	if errors.Is(readErr, io.EOF) || isBrokenConn(readErr) {
		return fmt.Errorf("%s: peer closed: %w", e.name, ErrChannelClosed)
	}
	return fmt.Errorf("%s: %v: %w", e.name, readErr, ErrChannelClosed)
}

// Err returns the terminal error once the endpoint can no longer deliver
// messages, or nil while it is usable.
func (e *Endpoint) Err() error {
	if e.isClosed() {
		return fmt.Errorf("%s: %w", e.name, ErrChannelClosed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readErr != nil && len(e.queue) == 0 {
		return e.closedError(e.readErr)
	}
	return nil
}

// Pending returns the number of received but unconsumed messages.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close releases the transport. Safe to call multiple times.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.conn.Close()
	})
	return err
}

func isBrokenConn(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
