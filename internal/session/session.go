// Package session owns the single device link: it reads payloads off the
// transport, filters duplicates, and recovers from connection loss.
package session

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/logger"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/transport"
)

const (
	// frameQueueSize bounds the device-to-client queue. When clients
	// cannot keep up the newest payload is dropped, preserving the
	// order of everything already queued.
	frameQueueSize = 200

	// dedupWindow is how long a payload fingerprint suppresses an
	// identical payload. BLE notification drains can deliver the same
	// packet twice in quick succession.
	dedupWindow = 100 * time.Millisecond

	maxReconnectAttempts = 5
	maxReconnectDelay    = 60 * time.Second
)

var ErrReconnectExhausted = errors.New("device reconnect attempts exhausted")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeviceSession pumps payloads from the transport to a handler. It
// restarts the link on loss and reports an unrecoverable failure on the
// Fatal channel.
type DeviceSession struct {
	transport transport.Transport
	handler   func(payload []byte)

	// OnReconnect runs after the link is re-established, before reads
	// resume. The bridge uses it to refresh the config snapshot.
	OnReconnect func()

	state   atomic.Int32
	queue   chan []byte
	fatalCh chan error
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu              sync.Mutex
	lastFingerprint uint64
	lastTime        time.Time

	// test seams
	now   func() time.Time
	delay func(ctx context.Context, d time.Duration) error
}

// New creates a session over the given transport. Every accepted payload
// is passed to handler in arrival order from a single goroutine.
func New(t transport.Transport, handler func(payload []byte)) *DeviceSession {
	return &DeviceSession{
		transport: t,
		handler:   handler,
		queue:     make(chan []byte, frameQueueSize),
		fatalCh:   make(chan error, 1),
		now:       time.Now,
		delay:     sleep,
	}
}

func (s *DeviceSession) State() State {
	return State(s.state.Load())
}

func (s *DeviceSession) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		logger.DebugF("Device session %s -> %s", old, st)
	}
}

// Fatal reports an unrecoverable session failure. At most one error is
// ever delivered.
func (s *DeviceSession) Fatal() <-chan error {
	return s.fatalCh
}

// Start connects the transport and launches the read and dispatch
// loops. It returns once the initial connection is up.
func (s *DeviceSession) Start(ctx context.Context) error {
	s.setState(StateConnecting)
	if err := s.transport.Connect(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	s.setState(StateConnected)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.readLoop(runCtx)
	go s.dispatchLoop()
	return nil
}

// Stop tears the session down and returns once the read and dispatch
// loops have exited, so no handler invocation outlives it. Safe to call
// more than once.
func (s *DeviceSession) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	_ = s.transport.Disconnect()
	s.wg.Wait()
	s.setState(StateDisconnected)
}

// Send writes one payload to the device.
func (s *DeviceSession) Send(payload []byte) error {
	if s.State() != StateConnected {
		return transport.ErrNotConnected
	}
	return s.transport.Write(payload)
}

// SendRaw forwards unframed bytes to transports that accept them. Links
// that packetize natively have no use for wake bytes, so anything else
// swallows them.
func (s *DeviceSession) SendRaw(b []byte) error {
	if s.State() != StateConnected {
		return transport.ErrNotConnected
	}
	if rw, ok := s.transport.(transport.RawWriter); ok {
		return rw.WriteRaw(b)
	}
	return nil
}

func (s *DeviceSession) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.queue)

	for {
		payload, err := s.transport.ReadNext(ctx)
		switch {
		case err == nil:
			s.accept(payload)
		case errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed):
			return
		case errors.Is(err, transport.ErrLost):
			logger.WarnF("Lost connection to %s", s.transport.Describe())
			if rerr := s.reconnect(ctx); rerr != nil {
				return
			}
		default:
			logger.ErrorF("Device read failed, details: %v", err)
			if rerr := s.reconnect(ctx); rerr != nil {
				return
			}
		}
	}
}

func (s *DeviceSession) dispatchLoop() {
	defer s.wg.Done()
	for payload := range s.queue {
		s.handler(payload)
	}
}

// accept enqueues a payload unless it duplicates one seen inside the
// dedup window or the queue is full.
func (s *DeviceSession) accept(payload []byte) {
	if s.isDuplicate(payload) {
		logger.DebugF("Dropping duplicate payload of %d bytes", len(payload))
		return
	}
	select {
	case s.queue <- payload:
	default:
		logger.WarnF("Frame queue full, dropping payload of %d bytes", len(payload))
	}
}

// isDuplicate reports whether the payload repeats the previous delivery
// inside the dedup window. Only the immediately preceding payload is
// compared: interleaved distinct traffic is never suppressed.
func (s *DeviceSession) isDuplicate(payload []byte) bool {
	fp := fingerprint(payload)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if fp == s.lastFingerprint && now.Sub(s.lastTime) < dedupWindow {
		return true
	}
	s.lastFingerprint = fp
	s.lastTime = now
	return false
}

func fingerprint(payload []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(payload)
	return h.Sum64()
}

// reconnect tries to bring the link back after a loss, backing off
// between attempts. Exhausting the attempts fails the session for good.
func (s *DeviceSession) reconnect(ctx context.Context) error {
	s.setState(StateReconnecting)

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		wait := reconnectDelay(attempt)
		logger.InfoF("Reconnect attempt %d/%d to %s in %v",
			attempt, maxReconnectAttempts, s.transport.Describe(), wait)
		if err := s.delay(ctx, wait); err != nil {
			return err
		}

		if err := s.transport.Connect(ctx); err != nil {
			logger.WarnF("Reconnect attempt %d failed, details: %v", attempt, err)
			continue
		}

		s.setState(StateConnected)
		logger.InfoF("Reconnected to %s", s.transport.Describe())
		if s.OnReconnect != nil {
			s.OnReconnect()
		}
		return nil
	}

	s.setState(StateFailed)
	logger.ErrorF("Giving up on %s after %d reconnect attempts",
		s.transport.Describe(), maxReconnectAttempts)
	select {
	case s.fatalCh <- ErrReconnectExhausted:
	default:
	}
	return ErrReconnectExhausted
}

// reconnectDelay doubles from 2s and caps at 60s.
func reconnectDelay(attempt int) time.Duration {
	d := 2 * time.Second << (attempt - 1)
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
