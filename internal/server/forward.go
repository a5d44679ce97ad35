package server

import (
	"fmt"
	"net"
	"time"

	"github.com/sammck-go/portbridge/internal/protocol"
	"github.com/sammck-go/portbridge/internal/tunnel"
)

// acceptPollInterval is how often the Forward's accept loop wakes up to
// recheck shutdown, per the concurrency model's ≤1s teardown budget.
const acceptPollInterval = time.Second

// relayChunkSize bounds a single read from a tunneled socket, per
// SPEC_FULL.md's resource bounds.
const relayChunkSize = 4096

// Forward is the server-side public listener for one client's requested
// target_port, plus the set of public connections currently tunneled
// through it. Its connection map is protected by its owning ClientSession's
// lock (one lock per client, covering the forwards map and every owned
// forward's connection map).
type Forward struct {
	tunnel.ShutdownHelper

	id         string
	clientID   string
	targetPort int
	session    *ClientSession
	logger     tunnel.Logger
	metrics    *tunnel.Metrics

	listener *net.TCPListener
	stats    tunnel.ConnStats

	conns map[string]net.Conn // guarded by session.mu
}

func newForward(id, clientID string, targetPort int, session *ClientSession, logger tunnel.Logger, metrics *tunnel.Metrics) (*Forward, error) {
	addr := &net.TCPAddr{IP: net.IPv4zero, Port: targetPort}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s", err)
	}
	f := &Forward{
		id:         id,
		clientID:   clientID,
		targetPort: targetPort,
		session:    session,
		logger:     logger,
		metrics:    metrics,
		listener:   ln,
		conns:      make(map[string]net.Conn),
	}
	f.ShutdownHelper.Init(f)
	return f, nil
}

// HandleOnceShutdown closes the public listener and every still-open public
// connection owned by this forward.
func (f *Forward) HandleOnceShutdown(completionErr error) error {
	f.listener.Close()

	f.session.mu.Lock()
	conns := make([]net.Conn, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.conns = make(map[string]net.Conn)
	f.session.mu.Unlock()

	for _, c := range conns {
		c.Close()
		f.stats.Closed()
		if f.metrics != nil {
			f.metrics.Connections.Dec()
		}
	}
	f.logger.ILogf("forward listener stopped, %s", f.stats.String())
	return completionErr
}

// acceptLoop accepts public connections until shutdown or a non-timeout
// accept error, polling at acceptPollInterval to remain responsive to
// shutdown without an explicit cancellation API on net.Listener.
func (f *Forward) acceptLoop() {
	for {
		select {
		case <-f.Done():
			return
		default:
		}

		f.listener.SetDeadline(time.Now().Add(acceptPollInterval))
		conn, err := f.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if f.IsShuttingDown() {
				return
			}
			f.logger.DLogf("accept error: %s", err)
			f.session.removeForward(f.id)
			f.StartShutdown(nil)
			return
		}
		f.acceptConn(conn)
	}
}

func (f *Forward) acceptConn(conn net.Conn) {
	connID := conn.RemoteAddr().String()
	tracked := tunnel.NewTrackedConn(conn, &f.stats)

	f.session.mu.Lock()
	f.conns[connID] = tracked
	f.session.mu.Unlock()

	f.stats.New()
	f.stats.Opened()
	if f.metrics != nil {
		f.metrics.Connections.Inc()
	}

	f.logger.ILogf("new connection %s", connID)
	f.session.send(&protocol.Message{Type: protocol.TypeNewConnection, ForwardID: f.id, ConnID: connID})

	go f.inboundPump(connID, tracked)
}

// inboundPump reads from the accepted public socket and emits hex-encoded
// data frames to the owning client until EOF, error, or forward teardown.
// Reads carry a short deadline purely so a quiet public connection doesn't
// block this goroutine past the ≤1s teardown budget once shutdown begins --
// it is not a liveness probe on the peer.
func (f *Forward) inboundPump(connID string, conn net.Conn) {
	buf := make([]byte, relayChunkSize)
	for {
		select {
		case <-f.Done():
			f.reapConn(connID, conn)
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(acceptPollInterval))
		n, err := conn.Read(buf)
		if n > 0 {
			msg := &protocol.Message{Type: protocol.TypeData, ForwardID: f.id, ConnID: connID}
			msg.HexEncode(buf[:n])
			f.session.send(msg)
			if f.metrics != nil {
				f.metrics.BytesRelayed.WithLabelValues("server_to_client").Add(float64(n))
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			f.reapConn(connID, conn)
			return
		}
	}
}

// reapConn closes conn, removes it from the registry, and notifies the
// client, unless it has already been removed by a concurrent
// close_connection/close_forward -- closing twice is a silent no-op.
func (f *Forward) reapConn(connID string, conn net.Conn) {
	f.session.mu.Lock()
	existing, ok := f.conns[connID]
	if ok {
		delete(f.conns, connID)
	}
	f.session.mu.Unlock()
	if !ok || existing != conn {
		return
	}

	conn.Close()
	f.stats.Closed()
	if f.metrics != nil {
		f.metrics.Connections.Dec()
	}
	f.session.send(&protocol.Message{Type: protocol.TypeCloseConnection, ForwardID: f.id, ConnID: connID})
	f.logger.DLogf("connection %s closed, %s", connID, f.stats.String())
}

// writeToConn resolves connID to its public socket under the registry lock,
// then writes outside the lock in one call -- short-write loops are not
// required because the underlying net.Conn.Write is trusted to write-all or
// fail, per SPEC_FULL.md §4.7.
func (f *Forward) writeToConn(connID string, payload []byte) {
	f.session.mu.Lock()
	conn, ok := f.conns[connID]
	f.session.mu.Unlock()
	if !ok {
		return
	}
	if _, err := conn.Write(payload); err != nil {
		f.logger.DLogf("write to connection %s failed: %s", connID, err)
	} else if f.metrics != nil {
		f.metrics.BytesRelayed.WithLabelValues("client_to_server").Add(float64(len(payload)))
	}
}

// closeConnLocal closes and removes a connection in response to an explicit
// close_connection from the client. Closing an id that is no longer (or
// never was) present is a no-op, satisfying the close-idempotence
// invariant.
func (f *Forward) closeConnLocal(connID string) {
	f.session.mu.Lock()
	conn, ok := f.conns[connID]
	if ok {
		delete(f.conns, connID)
	}
	f.session.mu.Unlock()
	if !ok {
		return
	}
	conn.Close()
	f.stats.Closed()
	if f.metrics != nil {
		f.metrics.Connections.Dec()
	}
	f.logger.DLogf("connection %s closed by client", connID)
}
