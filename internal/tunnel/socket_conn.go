package tunnel

import (
	"net"
	"sync/atomic"
)

// TrackedConn wraps a net.Conn, counting bytes moved through it into a
// ConnStats owned by the caller (a Forward or a ClientForward). It is
// otherwise a transparent net.Conn.
type TrackedConn struct {
	net.Conn
	stats  *ConnStats
	closed int32
}

// NewTrackedConn wraps conn, recording reads/writes into stats.
func NewTrackedConn(conn net.Conn, stats *ConnStats) *TrackedConn {
	return &TrackedConn{Conn: conn, stats: stats}
}

// Read implements net.Conn.
func (c *TrackedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.stats.AddRead(int64(n))
	}
	return n, err
}

// Write implements net.Conn.
func (c *TrackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.stats.AddWritten(int64(n))
	}
	return n, err
}

// Close implements net.Conn. It is idempotent: a second call is a cheap
// no-op rather than returning the underlying "use of closed network
// connection" error, so callers on both the pump and the registry teardown
// path can close without coordinating.
func (c *TrackedConn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.Conn.Close()
}
