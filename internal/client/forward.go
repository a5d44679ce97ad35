package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sammck-go/portbridge/internal/protocol"
	"github.com/sammck-go/portbridge/internal/tunnel"
)

const relayChunkSize = 4096
const dialTimeout = 10 * time.Second

// ClientForward is the client-side record of a forward the server has
// acknowledged: the backend address to dial for each new_connection, and
// the set of backend sockets currently bridging public connections.
type ClientForward struct {
	id      string
	config  tunnel.ForwardConfig
	client  *Client
	logger  tunnel.Logger
	metrics *tunnel.Metrics

	stats tunnel.ConnStats

	mu    sync.Mutex
	conns map[string]net.Conn
}

func newClientForward(id string, config tunnel.ForwardConfig, client *Client, logger tunnel.Logger, metrics *tunnel.Metrics) *ClientForward {
	return &ClientForward{
		id:     id,
		config: config,
		client: client,
		logger: logger,
		metrics: metrics,
		conns:  make(map[string]net.Conn),
	}
}

// dialBackend handles a server-announced new_connection: it dials the
// configured backend and, on success, registers the connection and starts
// the outbound pump; on failure it tells the server to tear down the
// matching public connection.
func (cf *ClientForward) dialBackend(connID string) {
	addr := fmt.Sprintf("%s:%d", cf.config.ForwardDomain, cf.config.ForwardPort)
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		cf.logger.WLogf("dial backend %s for connection %s failed: %s", addr, connID, err)
		cf.client.send(&protocol.Message{Type: protocol.TypeCloseConnection, ForwardID: cf.id, ConnID: connID})
		return
	}

	tracked := tunnel.NewTrackedConn(conn, &cf.stats)
	cf.mu.Lock()
	cf.conns[connID] = tracked
	cf.mu.Unlock()

	cf.stats.New()
	cf.stats.Opened()
	if cf.metrics != nil {
		cf.metrics.Connections.Inc()
	}
	cf.logger.ILogf("connection %s established to backend %s", connID, addr)

	go cf.outboundPump(connID, tracked)
}

// outboundPump reads from the dialed backend socket and emits hex-encoded
// data frames to the server until EOF, error, or control link loss. Reads
// carry a short deadline so a quiet backend doesn't block teardown past the
// ≤1s budget.
func (cf *ClientForward) outboundPump(connID string, conn net.Conn) {
	buf := make([]byte, relayChunkSize)
	for {
		select {
		case <-cf.client.Done():
			cf.reapConn(connID, conn)
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		if n > 0 {
			msg := &protocol.Message{Type: protocol.TypeData, ForwardID: cf.id, ConnID: connID}
			msg.HexEncode(buf[:n])
			cf.client.send(msg)
			if cf.metrics != nil {
				cf.metrics.BytesRelayed.WithLabelValues("client_to_server").Add(float64(n))
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			cf.reapConn(connID, conn)
			return
		}
	}
}

// reapConn closes conn, removes it from the registry, and tells the server,
// unless it was already removed by a concurrent close_connection -- closing
// twice is a silent no-op.
func (cf *ClientForward) reapConn(connID string, conn net.Conn) {
	cf.mu.Lock()
	existing, ok := cf.conns[connID]
	if ok {
		delete(cf.conns, connID)
	}
	cf.mu.Unlock()
	if !ok || existing != conn {
		return
	}

	conn.Close()
	cf.stats.Closed()
	if cf.metrics != nil {
		cf.metrics.Connections.Dec()
	}
	cf.client.send(&protocol.Message{Type: protocol.TypeCloseConnection, ForwardID: cf.id, ConnID: connID})
	cf.logger.DLogf("connection %s closed, %s", connID, cf.stats.String())
}

// writeToConn resolves connID under the registry lock, then writes outside
// the lock in one call.
func (cf *ClientForward) writeToConn(connID string, payload []byte) {
	cf.mu.Lock()
	conn, ok := cf.conns[connID]
	cf.mu.Unlock()
	if !ok {
		cf.logger.WLogf("data for unknown connection %s", connID)
		return
	}
	if _, err := conn.Write(payload); err != nil {
		cf.logger.DLogf("write to backend for %s failed: %s", connID, err)
	}
}

// closeConnLocal closes and removes a connection in response to an explicit
// close_connection from the server. A repeat or unknown id is a no-op.
func (cf *ClientForward) closeConnLocal(connID string) {
	cf.mu.Lock()
	conn, ok := cf.conns[connID]
	if ok {
		delete(cf.conns, connID)
	}
	cf.mu.Unlock()
	if !ok {
		return
	}
	conn.Close()
	cf.stats.Closed()
	if cf.metrics != nil {
		cf.metrics.Connections.Dec()
	}
	cf.logger.DLogf("connection %s closed by server", connID)
}

// closeAll closes every backend connection owned by this forward. Used when
// the control link is lost and there is no longer anyone to notify.
func (cf *ClientForward) closeAll() {
	cf.mu.Lock()
	conns := make([]net.Conn, 0, len(cf.conns))
	for _, c := range cf.conns {
		conns = append(conns, c)
	}
	cf.conns = make(map[string]net.Conn)
	cf.mu.Unlock()

	for _, c := range conns {
		c.Close()
		cf.stats.Closed()
		if cf.metrics != nil {
			cf.metrics.Connections.Dec()
		}
	}
}
