package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/frame"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/logger"
)

// readTimeout bounds each blocking port read so ReadNext can observe
// context cancellation between chunks.
const readTimeout = 500 * time.Millisecond

// Serial talks to a device over a UART using the same frame format as
// the TCP side, scanning past non-frame noise between frames.
type Serial struct {
	device string
	baud   int

	mu     sync.Mutex
	port   serial.Port
	closed bool
}

func NewSerial(device string, baud int) *Serial {
	return &Serial{device: device, baud: baud}
}

func (s *Serial) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}

	mode := &serial.Mode{
		BaudRate: s.baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.device, mode)
	if err != nil {
		return fmt.Errorf("fail to open serial device %s, details: %w", s.device, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("fail to set serial read timeout, details: %w", err)
	}
	_ = port.ResetInputBuffer()

	s.port = port
	s.closed = false
	logger.InfoF("Connected to serial device %s (baud %d)", s.device, s.baud)
	return nil
}

func (s *Serial) currentPort() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.port == nil {
		return nil, ErrNotConnected
	}
	return s.port, nil
}

// ReadNext reads one complete frame off the wire and returns its
// payload. Bytes before a frame start are skipped as noise; a failed
// read marks the link lost.
func (s *Serial) ReadNext(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port, err := s.currentPort()
		if err != nil {
			return nil, err
		}

		b, ok, err := s.readByte(port)
		if err != nil {
			return nil, s.lost(err)
		}
		if !ok || b != frame.Start1 {
			continue
		}

		b, ok, err = s.readByte(port)
		if err != nil {
			return nil, s.lost(err)
		}
		if !ok || b != frame.Start2 {
			logger.DebugF("Skipping non-frame serial data after start byte: %#02x", b)
			continue
		}

		lengthBytes := make([]byte, 2)
		if err := s.readFull(ctx, port, lengthBytes); err != nil {
			return nil, s.lost(err)
		}
		length := int(binary.BigEndian.Uint16(lengthBytes))
		if length > frame.MaxPacketSize {
			logger.WarnF("Serial frame too large: %d > %d, resynchronizing", length, frame.MaxPacketSize)
			continue
		}

		payload := make([]byte, length)
		if err := s.readFull(ctx, port, payload); err != nil {
			return nil, s.lost(err)
		}
		return payload, nil
	}
}

// readByte reads a single byte; ok is false on a timeout tick.
func (s *Serial) readByte(port serial.Port) (byte, bool, error) {
	buf := make([]byte, 1)
	n, err := port.Read(buf)
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	return buf[0], true, nil
}

// readFull keeps reading across timeout ticks until buf is filled.
func (s *Serial) readFull(ctx context.Context, port serial.Port, buf []byte) error {
	total := 0
	for total < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := port.Read(buf[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func (s *Serial) lost(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.port != nil {
		_ = s.port.Close()
		s.port = nil
	}
	logger.WarnF("Serial link lost, details: %v", err)
	return ErrLost
}

// Write frames the payload and sends it; the serial link uses the same
// framing as TCP.
func (s *Serial) Write(payload []byte) error {
	framed, err := frame.Encode(payload)
	if err != nil {
		return err
	}
	return s.WriteRaw(framed)
}

// WriteRaw sends bytes to the wire untouched (complete frames and device
// wake-up bytes).
func (s *Serial) WriteRaw(b []byte) error {
	port, err := s.currentPort()
	if err != nil {
		return err
	}
	total := 0
	for total < len(b) {
		n, err := port.Write(b[total:])
		if err != nil {
			return fmt.Errorf("fail to write to serial device, details: %w", err)
		}
		total += n
	}
	return port.Drain()
}

func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil && !s.closed
}

func (s *Serial) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) Describe() string {
	return "serial " + s.device
}
