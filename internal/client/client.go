// Package client implements the tunnel client: it dials the server,
// authenticates, requests forwards, and for each inbound public connection
// announced by the server dials a configured backend address and shuttles
// bytes between backend and control link.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sammck-go/portbridge/internal/protocol"
	"github.com/sammck-go/portbridge/internal/tunnel"
)

const idleReadTimeout = 30 * time.Second

// Client owns the control link to the server and the set of live
// ClientForwards negotiated over it.
type Client struct {
	tunnel.ShutdownHelper

	cfg     *tunnel.ClientConfig
	logger  tunnel.Logger
	metrics *tunnel.Metrics

	conn   net.Conn
	writer *protocol.FrameWriter
	reader *protocol.FrameReader

	mu       sync.Mutex
	forwards map[string]*ClientForward // forward_id -> forward
}

// New creates a Client for cfg. Dialing happens in Run.
func New(cfg *tunnel.ClientConfig, logger tunnel.Logger, metrics *tunnel.Metrics) *Client {
	c := &Client{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		forwards: make(map[string]*ClientForward),
	}
	c.ShutdownHelper.Init(c)
	return c
}

// HandleOnceShutdown closes the control socket and every backend connection
// owned by every ClientForward. A dropped control link terminates all
// forwards locally; per SPEC_FULL.md's Non-goals there is no reconnect.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Lock()
	forwards := make([]*ClientForward, 0, len(c.forwards))
	for _, f := range c.forwards {
		forwards = append(forwards, f)
	}
	c.forwards = make(map[string]*ClientForward)
	c.mu.Unlock()

	for _, f := range forwards {
		f.closeAll()
	}
	return completionErr
}

// Run dials the server, authenticates, requests the configured forwards, and
// blocks until the control link is lost or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.ServerDomain, c.cfg.ServerPort)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return c.logger.Errorf("dial %s: %s", addr, err)
	}
	c.conn = conn
	c.writer = protocol.NewFrameWriter(conn)
	c.reader = protocol.NewFrameReader()
	c.logger.ILogf("connected to server %s", addr)

	go func() {
		select {
		case <-ctx.Done():
			c.StartShutdown(ctx.Err())
		case <-c.Done():
		}
	}()

	if err := c.authenticate(); err != nil {
		c.StartShutdown(err)
		return err
	}

	go c.receiveLoop()

	for _, fc := range c.cfg.Forwards {
		c.send(&protocol.Message{
			Type:          protocol.TypeForwardRequest,
			ForwardDomain: fc.ForwardDomain,
			ForwardPort:   fc.ForwardPort,
			TargetPort:    fc.TargetPort,
			Mode:          fc.Mode,
		})
	}

	<-c.Done()
	return nil
}

// authenticate sends auth and synchronously reads the auth_response,
// reusing the same framing buffer the background receiver will continue to
// use once started (SPEC_FULL.md §4.5).
func (c *Client) authenticate() error {
	c.send(&protocol.Message{Type: protocol.TypeAuth, Key: c.cfg.Key})

	buf := make([]byte, 4096)
	for {
		msg, raw, ok := c.reader.Next()
		if ok {
			if raw != nil {
				return c.logger.Errorf("invalid JSON during auth: %s", raw.Err)
			}
			if msg.Type != protocol.TypeAuthResponse {
				return c.logger.Errorf("unexpected message %s during auth", msg.Type)
			}
			if !msg.Success {
				return c.logger.Errorf("authentication rejected: %s", msg.Message)
			}
			c.logger.ILogf("authenticated")
			return nil
		}

		n, err := c.conn.Read(buf)
		if err != nil {
			return c.logger.Errorf("server closed connection during authentication: %s", err)
		}
		c.reader.Feed(buf[:n])
	}
}

func (c *Client) receiveLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-c.Done():
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.reader.Feed(buf[:n])
			c.drainFrames()
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.logger.ILogf("server disconnected: %s", err)
			c.StartShutdown(nil)
			return
		}
	}
}

func (c *Client) drainFrames() {
	for {
		msg, raw, ok := c.reader.Next()
		if !ok {
			return
		}
		if raw != nil {
			c.logger.WLogf("invalid JSON from server: %s", raw.Err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) send(msg *protocol.Message) {
	if err := c.writer.WriteMessage(msg); err != nil {
		c.logger.DLogf("send %s failed: %s", msg.Type, err)
	}
}

// requiredFieldsPresent implements §4.1/§7's "missing required fields cause
// the message to be dropped silently" rule, per message type the client
// receives.
func requiredFieldsPresent(msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeForwardResponse:
		if !msg.Success {
			return true
		}
		return msg.ForwardID != ""
	case protocol.TypeNewConnection:
		return msg.ForwardID != "" && msg.ConnID != ""
	case protocol.TypeData:
		return msg.ForwardID != "" && msg.ConnID != "" && msg.Data != ""
	case protocol.TypeCloseConnection:
		return msg.ForwardID != "" && msg.ConnID != ""
	default:
		return true
	}
}

func (c *Client) dispatch(msg *protocol.Message) {
	if !requiredFieldsPresent(msg) {
		return
	}
	switch msg.Type {
	case protocol.TypeForwardResponse:
		c.handleForwardResponse(msg)
	case protocol.TypeNewConnection:
		c.handleNewConnection(msg)
	case protocol.TypeData:
		c.handleData(msg)
	case protocol.TypeCloseConnection:
		c.handleCloseConnection(msg)
	case protocol.TypeError:
		c.logger.WLogf("server error: %s", msg.Message)
	}
}

func (c *Client) handleForwardResponse(msg *protocol.Message) {
	if !msg.Success {
		c.logger.WLogf("forward request failed: %s", msg.Message)
		return
	}

	c.mu.Lock()
	var matched *tunnel.ForwardConfig
	for i := range c.cfg.Forwards {
		fc := &c.cfg.Forwards[i]
		if fc.TargetPort == msg.TargetPort {
			if _, alreadyBound := c.forwardByConfig(fc); !alreadyBound {
				matched = fc
				break
			}
		}
	}
	if matched == nil {
		c.mu.Unlock()
		c.logger.WLogf("forward response for unknown target port %d", msg.TargetPort)
		return
	}
	cf := newClientForward(msg.ForwardID, *matched, c, c.logger.Fork("forward %s", msg.ForwardID), c.metrics)
	c.forwards[msg.ForwardID] = cf
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Forwards.Inc()
	}
	c.logger.ILogf("forward established: %s", msg.ForwardID)
}

// forwardByConfig reports whether some already-registered forward is using
// fc, so a forward_response is matched to the first unbound configured
// forward with the same target_port (ties are indistinguishable and
// acceptable because configuration is user-supplied, per SPEC_FULL.md
// §4.6 -- ambiguous duplicate target_ports are instead rejected at config
// load time).
func (c *Client) forwardByConfig(fc *tunnel.ForwardConfig) (*ClientForward, bool) {
	for _, cf := range c.forwards {
		if cf.config.TargetPort == fc.TargetPort {
			return cf, true
		}
	}
	return nil, false
}

func (c *Client) handleNewConnection(msg *protocol.Message) {
	c.mu.Lock()
	cf, ok := c.forwards[msg.ForwardID]
	c.mu.Unlock()
	if !ok {
		c.logger.WLogf("connection for unknown forward %s", msg.ForwardID)
		return
	}
	cf.dialBackend(msg.ConnID)
}

func (c *Client) handleData(msg *protocol.Message) {
	payload, err := msg.HexDecode()
	if err != nil {
		c.send(&protocol.Message{Type: protocol.TypeCloseConnection, ForwardID: msg.ForwardID, ConnID: msg.ConnID})
		return
	}
	c.mu.Lock()
	cf, ok := c.forwards[msg.ForwardID]
	c.mu.Unlock()
	if !ok {
		return
	}
	cf.writeToConn(msg.ConnID, payload)
}

func (c *Client) handleCloseConnection(msg *protocol.Message) {
	c.mu.Lock()
	cf, ok := c.forwards[msg.ForwardID]
	c.mu.Unlock()
	if !ok {
		return
	}
	cf.closeConnLocal(msg.ConnID)
}
