// Package server accepts browser connections on the public port and runs one
// session per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"quik-go/internal/broadcast"
	"quik-go/internal/config"
	"quik-go/internal/metrics"
	"quik-go/internal/service"
	"quik-go/internal/tunnel"
)

// Server is the public-facing connection acceptor.
type Server struct {
	addr       string
	eventsPath string

	relay   *service.RelayService
	tunnel  *tunnel.Tunnel
	hub     *broadcast.Hub
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	closing  atomic.Bool
}

// New creates a Server for cfg.Server.
// The metrics parameter is optional; pass nil to disable session metrics recording.
func New(cfg *config.Config, relay *service.RelayService, tun *tunnel.Tunnel, hub *broadcast.Hub, logger *slog.Logger, m *metrics.Metrics) *Server {
	return &Server{
		addr:       cfg.Server.Addr(),
		eventsPath: cfg.Inject.EventsPath,
		relay:      relay,
		tunnel:     tun,
		hub:        hub,
		logger:     logger.With("component", "server"),
		metrics:    m,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Listen binds the public port.
func (s *Server) Listen(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln, nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Serve accepts connections on ln until it is closed, starting a session
// goroutine for each. It returns nil after Shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	s.logger.Info("proxy listening", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient failures such as EMFILE: back off and keep accepting.
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			s.logger.Warn("accept failed; retrying", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn, uuid.NewString())
		}()
	}
}

// Shutdown stops accepting, ends every session, and waits for them to drain
// until ctx expires, after which remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	s.mu.Lock()
	ln, cancel := s.ln, s.cancel
	for conn := range s.conns {
		// Wakes sessions idling between requests.
		_ = conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if cancel != nil {
		cancel()
	}

	drained := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-drained
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
	}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
	if s.metrics != nil {
		s.metrics.SessionsActive.Dec()
	}
}
