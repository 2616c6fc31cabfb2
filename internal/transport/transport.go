// Package transport abstracts the physical link to the mesh device. The
// session never assumes which mechanism is underneath: both the BLE GATT
// and the serial UART implementation deliver raw protobuf payloads and
// accept raw protobuf payloads for writing.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("transport is not connected")
	ErrClosed       = errors.New("transport is closed")
	ErrLost         = errors.New("transport connection lost")
)

type Transport interface {
	// Connect acquires the physical link. Safe to call again after a
	// connection loss.
	Connect(ctx context.Context) error

	// ReadNext blocks until the next device payload is available. It
	// returns ErrLost when the link drops and ErrClosed after Disconnect.
	ReadNext(ctx context.Context) ([]byte, error)

	// Write sends one application payload to the device.
	Write(payload []byte) error

	IsConnected() bool
	Disconnect() error

	// Describe identifies the device for logs and mDNS records.
	Describe() string
}

// RawWriter is implemented by transports whose link accepts unframed
// bytes. Serial devices are woken by a run of 0xC3 bytes preceding the
// first frame; those bytes must reach the wire untouched.
type RawWriter interface {
	WriteRaw(b []byte) error
}
