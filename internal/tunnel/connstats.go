package tunnel

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ConnStats tracks currently-open and lifetime-total connection counts, plus
// bytes moved, for an entity (a server-side Forward or a ClientForward).
type ConnStats struct {
	count        int32
	open         int32
	bytesRead    int64
	bytesWritten int64
}

// New records that a new connection has been created (whether or not it is
// currently open) and returns the lifetime sequence number.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Opened records that a connection is now open.
func (c *ConnStats) Opened() {
	atomic.AddInt32(&c.open, 1)
}

// Closed records that a previously open connection has closed.
func (c *ConnStats) Closed() {
	atomic.AddInt32(&c.open, -1)
}

// AddRead records bytes read on behalf of this entity.
func (c *ConnStats) AddRead(n int64) {
	atomic.AddInt64(&c.bytesRead, n)
}

// AddWritten records bytes written on behalf of this entity.
func (c *ConnStats) AddWritten(n int64) {
	atomic.AddInt64(&c.bytesWritten, n)
}

// String renders a human-readable summary: open/total connections and
// total bytes moved in each direction, using jpillora/sizestr so large byte
// counts render as "1.2MB" rather than a raw integer.
func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d conns, %s in, %s out]",
		atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count),
		sizestr.ToString(atomic.LoadInt64(&c.bytesRead)),
		sizestr.ToString(atomic.LoadInt64(&c.bytesWritten)))
}
