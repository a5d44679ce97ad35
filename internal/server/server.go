// Package server implements the tunnel server: it accepts client control
// connections, authenticates them, and on request binds public listeners
// that relay accepted connections over each client's control link.
package server

import (
	"context"
	"net"
	"sync"

	"github.com/sammck-go/portbridge/internal/tunnel"
)

// Server listens for client control connections and owns the set of live
// ClientSessions.
type Server struct {
	tunnel.ShutdownHelper

	cfg     *tunnel.ServerConfig
	logger  tunnel.Logger
	metrics *tunnel.Metrics

	listener net.Listener
	ready    chan struct{}

	mu       sync.Mutex
	sessions map[string]*ClientSession
}

// New creates a Server bound to cfg. It does not listen until Run is called.
func New(cfg *tunnel.ServerConfig, logger tunnel.Logger, metrics *tunnel.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*ClientSession),
		ready:    make(chan struct{}),
	}
	s.ShutdownHelper.Init(s)
	return s
}

// HandleOnceShutdown closes the listener and every live session.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	sessions := make([]*ClientSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.StartShutdown(completionErr)
	}
	return completionErr
}

// Run binds the control listener on 0.0.0.0:InternalDataPort and accepts
// client connections until ctx is done or Close is called. It blocks until
// the listener stops.
func (s *Server) Run(ctx context.Context) error {
	addr := &net.TCPAddr{IP: net.IPv4zero, Port: int(s.cfg.InternalDataPort)}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return s.logger.Errorf("listen on %s: %s", addr, err)
	}
	s.listener = ln
	close(s.ready)
	s.logger.ILogf("server listening on %s", addr)

	go func() {
		select {
		case <-ctx.Done():
			s.StartShutdown(ctx.Err())
		case <-s.Done():
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.IsShuttingDown() {
				return nil
			}
			return s.logger.Errorf("accept: %s", err)
		}
		go s.handleClient(conn)
	}
}

// Addr blocks until the control listener is bound, then returns its address.
// Useful for tests that bind an ephemeral port (InternalDataPort: 0).
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

func (s *Server) handleClient(conn net.Conn) {
	clientID := conn.RemoteAddr().String()
	sessLogger := s.logger.Fork("client %s", clientID)
	sessLogger.ILogf("new client connection")

	sess := newClientSession(clientID, conn, s.cfg, sessLogger, s.metrics)

	s.mu.Lock()
	s.sessions[clientID] = sess
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ClientSessions.Inc()
	}

	sess.run()

	s.mu.Lock()
	delete(s.sessions, clientID)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ClientSessions.Dec()
	}
	sessLogger.ILogf("client disconnected, cleaned up")
}
