// Package hub runs the TCP side of the bridge: it accepts client
// connections, parses their framed traffic, answers config requests from
// the snapshot cache, and fans device frames out to every client.
package hub

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/cache"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/connection"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/frame"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/logger"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/mesh"
	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/transport"
)

// wakeFlushSize is how many non-frame bytes accumulate before they are
// forwarded to the device. Clients wake serial radios with a run of
// 32 0xC3 bytes ahead of their first frame.
const wakeFlushSize = 32

// DeviceLink is the slice of the device session the hub needs.
type DeviceLink interface {
	Send(payload []byte) error
	SendRaw(b []byte) error
}

type Hub struct {
	port           int
	device         DeviceLink
	cache          *cache.SnapshotCache
	replayOnAccept bool

	manager *connection.Manager
	ln      net.Listener
	closed  atomic.Bool
	wg      sync.WaitGroup
}

func New(port int, device DeviceLink, cache *cache.SnapshotCache, replayOnAccept bool) *Hub {
	return &Hub{
		port:           port,
		device:         device,
		cache:          cache,
		replayOnAccept: replayOnAccept,
		manager:        connection.NewManager(),
	}
}

// Start begins listening and accepting clients. It returns once the
// listener is bound.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", h.port))
	if err != nil {
		return fmt.Errorf("fail to bind TCP listener, details: %w", err)
	}
	h.ln = ln
	logger.InfoF("Bridge listening on %s", ln.Addr())

	h.wg.Add(1)
	go h.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (h *Hub) Addr() net.Addr {
	return h.ln.Addr()
}

// Stop closes the listener and drops every client.
func (h *Hub) Stop() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	if h.ln != nil {
		if err := h.ln.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.ErrorF("Listener close error: %v", err)
		}
	}
	h.manager.CloseAll()
	h.wg.Wait()
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			if h.closed.Load() || connection.IsNetClosedError(err) {
				return
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		c := h.manager.Add(conn)
		if h.replayOnAccept {
			h.replayTo(c, h.cache.ConfigID())
		}

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleClient(c)
		}()
	}
}

// handleClient parses the client byte stream. Bytes outside a frame are
// treated as wake bytes and forwarded to the device unframed; a corrupt
// header discards one byte at a time until the frame markers line up
// again.
func (h *Hub) handleClient(c *connection.Connection) {
	connID := c.ConnID
	defer h.manager.Remove(connID)

	r := bufio.NewReader(c.Conn)
	var wake []byte

	flushWake := func() {
		if len(wake) == 0 {
			return
		}
		if err := h.device.SendRaw(wake); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			logger.WarnF("[%s] Fail to forward wake bytes, details: %v", connID, err)
		}
		wake = wake[:0]
	}

	for {
		b1, err := r.ReadByte()
		if err != nil {
			if !h.closed.Load() {
				connection.HandleReadError(connID, err)
			}
			return
		}
		if b1 != frame.Start1 {
			wake = append(wake, b1)
			if len(wake) >= wakeFlushSize {
				flushWake()
			}
			continue
		}

		b2, err := r.ReadByte()
		if err != nil {
			connection.HandleReadError(connID, err)
			return
		}
		if b2 != frame.Start2 {
			// Not a frame after all. Keep the second byte in the
			// stream so a real frame starting there is not lost.
			wake = append(wake, b1)
			_ = r.UnreadByte()
			continue
		}

		flushWake()

		var lenBytes [2]byte
		if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
			connection.HandleReadError(connID, err)
			return
		}
		length := int(binary.BigEndian.Uint16(lenBytes[:]))
		if length > frame.MaxPacketSize {
			logger.WarnF("[%s] Frame length %d out of range, resyncing", connID, length)
			continue
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			connection.HandleReadError(connID, err)
			return
		}

		h.handleFrame(c, payload)
	}
}

// handleFrame routes one client payload. Config requests are answered
// from the snapshot cache when it is complete; everything else goes to
// the device.
func (h *Hub) handleFrame(c *connection.Connection, payload []byte) {
	msg, err := mesh.DecodeToRadio(payload)
	if err == nil && msg.Kind == mesh.KindConfigRequest {
		if h.cache.Complete() {
			logger.InfoF("[%s] Serving config request %#x from cache", c.ConnID, msg.ConfigID)
			h.replayTo(c, msg.ConfigID)
			return
		}
		if h.cache.State() == cache.StateEmpty {
			h.cache.BeginRecording(msg.ConfigID)
		}
	}

	if err := h.device.Send(payload); err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			logger.WarnF("[%s] Device not connected, dropping %d byte payload", c.ConnID, len(payload))
			return
		}
		logger.ErrorF("[%s] Fail to forward payload to device, details: %v", c.ConnID, err)
	}
}

// replayTo sends the cached config snapshot to one client, with the
// terminal entry rewritten to the requested id.
func (h *Hub) replayTo(c *connection.Connection, configID uint32) {
	frames, err := h.cache.Replay(configID)
	if err != nil {
		return
	}
	for _, f := range frames {
		if err := connection.Send(c.Conn, f, c.ConnID); err != nil {
			h.manager.Remove(c.ConnID)
			return
		}
	}
	logger.DebugF("[%s] Replayed %d cached frames", c.ConnID, len(frames))
}

// Broadcast sends one framed device payload to every client. A client
// that cannot be written to is dropped; the rest are unaffected.
func (h *Hub) Broadcast(framed []byte) {
	for _, c := range h.manager.Snapshot() {
		if err := connection.Send(c.Conn, framed, c.ConnID); err != nil {
			h.manager.Remove(c.ConnID)
		}
	}
}

// ClientCount reports the number of attached clients.
func (h *Hub) ClientCount() int {
	return h.manager.Count()
}
