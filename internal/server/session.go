package server

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sammck-go/portbridge/internal/protocol"
	"github.com/sammck-go/portbridge/internal/tunnel"
)

// idleReadTimeout bounds how long the control-socket reader blocks before
// re-checking the shutdown signal. It is not a liveness requirement -- it
// just keeps teardown latency bounded, per SPEC_FULL.md's concurrency model.
const idleReadTimeout = 30 * time.Second

// sessionState is the NEW/AUTHED/CLOSED machine from SPEC_FULL.md §4.3.
type sessionState int

const (
	stateNew sessionState = iota
	stateAuthed
	stateClosed
)

// ClientSession is the server-side record for one client's control
// connection: the control socket, its receive buffer, and the Forwards it
// owns. All registry lookups and mutations -- the forwards map here, and
// each Forward's connection map -- happen under mu, never nested beyond one
// level, per the concurrency model's registry-locking rule.
type ClientSession struct {
	tunnel.ShutdownHelper

	clientID string
	conn     net.Conn
	cfg      *tunnel.ServerConfig
	logger   tunnel.Logger
	metrics  *tunnel.Metrics

	writer *protocol.FrameWriter
	reader *protocol.FrameReader

	mu        sync.Mutex
	state     sessionState
	forwards  map[string]*Forward
}

func newClientSession(clientID string, conn net.Conn, cfg *tunnel.ServerConfig, logger tunnel.Logger, metrics *tunnel.Metrics) *ClientSession {
	sess := &ClientSession{
		clientID: clientID,
		conn:     conn,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		writer:   protocol.NewFrameWriter(conn),
		reader:   protocol.NewFrameReader(),
		forwards: make(map[string]*Forward),
	}
	sess.ShutdownHelper.Init(sess)
	return sess
}

// HandleOnceShutdown closes the control socket and tears down every Forward
// owned by this session: public listeners closed, accepted public
// connections closed, forward_id entries removed. Public clients observe a
// TCP FIN; no further close_* messages are sent since the control link is
// already gone (SPEC_FULL.md §4.3).
func (s *ClientSession) HandleOnceShutdown(completionErr error) error {
	s.conn.Close()

	s.mu.Lock()
	s.state = stateClosed
	forwards := make([]*Forward, 0, len(s.forwards))
	for _, f := range s.forwards {
		forwards = append(forwards, f)
	}
	s.forwards = make(map[string]*Forward)
	s.mu.Unlock()

	for _, f := range forwards {
		if f == nil {
			continue
		}
		if s.metrics != nil {
			s.metrics.Forwards.Dec()
		}
		f.StartShutdown(completionErr)
	}
	return completionErr
}

// run reads and dispatches frames until the control link closes or shutdown
// is requested. It returns once shutdown has started; HandleOnceShutdown
// releases the session's resources in its own goroutine and may still be
// running when run returns.
func (s *ClientSession) run() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-s.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(idleReadTimeout))
		n, err := s.conn.Read(buf)
		if n > 0 {
			s.reader.Feed(buf[:n])
			s.drainFrames()
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.logger.DLogf("control read ended: %s", err)
			s.StartShutdown(nil)
			s.WaitForShutdown()
			return
		}
	}
}

// WaitForShutdown blocks until shutdown of this session has been requested
// (Done is closed). It does not wait for HandleOnceShutdown to finish.
func (s *ClientSession) WaitForShutdown() {
	<-s.Done()
}

func (s *ClientSession) drainFrames() {
	for {
		msg, raw, ok := s.reader.Next()
		if !ok {
			return
		}
		if raw != nil {
			s.logger.WLogf("invalid JSON from client: %s", raw.Err)
			s.send(&protocol.Message{Type: protocol.TypeError, Message: "Invalid JSON"})
			continue
		}
		s.dispatch(msg)
	}
}

func (s *ClientSession) send(msg *protocol.Message) {
	if err := s.writer.WriteMessage(msg); err != nil {
		s.logger.DLogf("send %s failed: %s", msg.Type, err)
	}
}

// requiredFieldsPresent implements §4.1/§7's "missing required fields cause
// the message to be dropped silently" rule, per message type.
func requiredFieldsPresent(msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeAuth:
		return msg.Key != ""
	case protocol.TypeForwardRequest:
		return msg.ForwardDomain != "" && msg.ForwardPort != 0 && msg.TargetPort != 0 && msg.Mode != ""
	case protocol.TypeData:
		return msg.ForwardID != "" && msg.ConnID != "" && msg.Data != ""
	case protocol.TypeCloseConnection:
		return msg.ForwardID != "" && msg.ConnID != ""
	case protocol.TypeCloseForward:
		return msg.ForwardID != ""
	default:
		return true
	}
}

func (s *ClientSession) dispatch(msg *protocol.Message) {
	if !requiredFieldsPresent(msg) {
		return
	}
	switch msg.Type {
	case protocol.TypeAuth:
		s.handleAuth(msg)
	case protocol.TypeForwardRequest:
		s.handleForwardRequest(msg)
	case protocol.TypeData:
		s.handleData(msg)
	case protocol.TypeCloseConnection:
		s.handleCloseConnection(msg)
	case protocol.TypeCloseForward:
		s.handleCloseForward(msg)
	default:
		s.send(&protocol.Message{Type: protocol.TypeError, Message: "Unknown message type"})
	}
}

func (s *ClientSession) handleAuth(msg *protocol.Message) {
	if msg.Key != s.cfg.Key {
		s.send(&protocol.Message{Type: protocol.TypeAuthResponse, Success: false, Message: "Invalid key"})
		s.logger.WLogf("authentication failed")
		s.StartShutdown(nil)
		return
	}
	s.mu.Lock()
	s.state = stateAuthed
	s.mu.Unlock()
	s.send(&protocol.Message{Type: protocol.TypeAuthResponse, Success: true})
	s.logger.ILogf("authenticated")
}

func (s *ClientSession) handleForwardRequest(msg *protocol.Message) {
	fail := func(reason string) {
		s.send(&protocol.Message{Type: protocol.TypeForwardResponse, Success: false, Message: reason})
	}

	if !strings.EqualFold(msg.Mode, "TCP") {
		fail("Unsupported mode")
		return
	}
	if !s.cfg.IsPortAllowed(msg.TargetPort) {
		fail("Target port not allowed")
		return
	}

	forwardID := fmt.Sprintf("%s:%d", s.clientID, msg.TargetPort)

	// The quota check and the registry insertion happen under the same lock
	// acquisition so the check can never be stale by the time we insert --
	// the race flagged in SPEC_FULL.md §9/Open Questions.
	s.mu.Lock()
	if s.state != stateAuthed {
		s.mu.Unlock()
		fail("Not authenticated")
		return
	}
	if uint32(len(s.forwards)) >= s.cfg.MaxPortsPerClient {
		s.mu.Unlock()
		fail("Max ports per client reached")
		return
	}
	if _, exists := s.forwards[forwardID]; exists {
		s.mu.Unlock()
		fail("Port already in use")
		return
	}
	// Reserve the slot before releasing the lock to bind, so a concurrent
	// request for the same target_port cannot also pass the checks above.
	s.forwards[forwardID] = nil
	s.mu.Unlock()

	fwd, err := newForward(forwardID, s.clientID, msg.TargetPort, s, s.logger.Fork("forward %s", forwardID), s.metrics)
	if err != nil {
		s.mu.Lock()
		delete(s.forwards, forwardID)
		s.mu.Unlock()
		fail(err.Error())
		return
	}

	s.mu.Lock()
	s.forwards[forwardID] = fwd
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Forwards.Inc()
	}

	go fwd.acceptLoop()

	s.send(&protocol.Message{
		Type:      protocol.TypeForwardResponse,
		Success:   true,
		TargetPort: msg.TargetPort,
		ForwardID: forwardID,
	})
	s.logger.ILogf("forward created: %s", forwardID)
}

func (s *ClientSession) handleData(msg *protocol.Message) {
	payload, err := msg.HexDecode()
	if err != nil {
		s.closeConnection(msg.ForwardID, msg.ConnID)
		return
	}
	fwd := s.lookupForward(msg.ForwardID)
	if fwd == nil {
		return
	}
	fwd.writeToConn(msg.ConnID, payload)
}

func (s *ClientSession) handleCloseConnection(msg *protocol.Message) {
	fwd := s.lookupForward(msg.ForwardID)
	if fwd == nil {
		return
	}
	fwd.closeConnLocal(msg.ConnID)
}

func (s *ClientSession) handleCloseForward(msg *protocol.Message) {
	s.mu.Lock()
	fwd, ok := s.forwards[msg.ForwardID]
	if ok {
		delete(s.forwards, msg.ForwardID)
	}
	s.mu.Unlock()
	if !ok || fwd == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.Forwards.Dec()
	}
	fwd.StartShutdown(nil)
	s.logger.ILogf("forward %s closed by client", msg.ForwardID)
}

func (s *ClientSession) lookupForward(forwardID string) *Forward {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwards[forwardID]
}

// closeConnection asks the owning forward to drop a connection it could not
// process (e.g. undecodable hex payload).
func (s *ClientSession) closeConnection(forwardID, connID string) {
	fwd := s.lookupForward(forwardID)
	if fwd == nil {
		return
	}
	fwd.closeConnLocal(connID)
	s.send(&protocol.Message{Type: protocol.TypeCloseConnection, ForwardID: forwardID, ConnID: connID})
}

// removeForward drops a forward that tore itself down (e.g. listener
// error), without an explicit close_forward from the client.
func (s *ClientSession) removeForward(forwardID string) {
	s.mu.Lock()
	_, existed := s.forwards[forwardID]
	delete(s.forwards, forwardID)
	s.mu.Unlock()
	if existed && s.metrics != nil {
		s.metrics.Forwards.Dec()
	}
}
