// Package connection manages the TCP clients attached to the bridge.
package connection

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/logger"
)

// Connection represents one attached TCP client.
type Connection struct {
	Conn   net.Conn
	ConnID string
}

// Manager tracks attached clients. Removal is idempotent so that the
// read loop and a failed broadcast can both drop the same client.
type Manager struct {
	connections sync.Map
	nextID      atomic.Uint64
}

func NewManager() *Manager {
	return &Manager{}
}

// Add registers a client and assigns its connection ID.
func (m *Manager) Add(conn net.Conn) *Connection {
	id := fmt.Sprintf("client-%d", m.nextID.Add(1))
	c := &Connection{Conn: conn, ConnID: id}
	m.connections.Store(id, c)
	logger.InfoF("[%s] Client %s connected", id, conn.RemoteAddr())
	return c
}

// Remove drops a client and closes its socket. Removing a client that
// is already gone is a no-op.
func (m *Manager) Remove(connID string) {
	value, loaded := m.connections.LoadAndDelete(connID)
	if !loaded {
		return
	}
	c := value.(*Connection)
	_ = c.Conn.Close()
	logger.InfoF("[%s] Client disconnected", connID)
}

// Snapshot returns the currently attached clients.
func (m *Manager) Snapshot() []*Connection {
	var conns []*Connection
	m.connections.Range(func(_, value any) bool {
		conns = append(conns, value.(*Connection))
		return true
	})
	return conns
}

// Count returns the number of attached clients.
func (m *Manager) Count() int {
	n := 0
	m.connections.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CloseAll drops every attached client.
func (m *Manager) CloseAll() {
	for _, c := range m.Snapshot() {
		m.Remove(c.ConnID)
	}
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
