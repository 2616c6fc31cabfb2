package connection

import (
	"net"

	"github.com/meshbridge-dev/mesh-tcp-bridge/internal/logger"
)

// Send writes data to a client, looping until the whole buffer is out.
func Send(conn net.Conn, data []byte, connID string) error {
	total := 0
	for total < len(data) {
		n, err := conn.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", connID, total)
	return nil
}
