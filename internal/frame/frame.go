// Package frame implements the Meshtastic stream framing used on both
// the TCP listener and the serial link:
// [0x94][0xC3][length MSB][length LSB][payload].
package frame

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	Start1        byte = 0x94
	Start2        byte = 0xC3
	HeaderSize         = 4
	MaxPacketSize      = 512
)

var (
	ErrPayloadTooLarge  = errors.New("frame payload exceeds maximum packet size")
	ErrBadMarker        = errors.New("frame header marker mismatch")
	ErrLengthOutOfRange = errors.New("frame length exceeds maximum packet size")
)

// Encode wraps a payload in a complete wire frame. Oversized payloads are
// a construction error, never truncated.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPacketSize {
		return nil, ErrPayloadTooLarge
	}
	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = Start1
	frame[1] = Start2
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// DecodeHeader validates a 4-byte frame header and returns the declared
// payload length.
func DecodeHeader(header []byte) (int, error) {
	if len(header) < HeaderSize {
		return 0, io.ErrUnexpectedEOF
	}
	if header[0] != Start1 || header[1] != Start2 {
		return 0, ErrBadMarker
	}
	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length > MaxPacketSize {
		return 0, ErrLengthOutOfRange
	}
	return length, nil
}

// Read reads exactly one frame from an aligned stream and returns its
// payload. A marker or length violation is returned to the caller, which
// decides whether to resynchronize or drop the connection.
func Read(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length, err := DecodeHeader(header)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
