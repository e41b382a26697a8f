// Package server constructs and runs the relay's HTTP service, owning the
// listener, the connection registry and the relay sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Server is a listening relay endpoint.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	registry   *Registry
	relay      *Relay
	origins    *originPolicy
	upgrader   websocket.Upgrader
	httpServer *http.Server

	mutex    sync.Mutex
	listener net.Listener
}

// New creates a Server from cfg. A nil logger falls back to slog.Default().
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	registry := NewRegistry()
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		relay: NewRelay(registry,
			WithLogger(logger),
			WithWriteTimeout(cfg.WriteTimeout),
			WithFanoutLimit(cfg.FanoutLimit)),
		origins: newOriginPolicy(cfg.AllowedOrigins, logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	s.httpServer = CreateServer(cfg.Addr, s.Handler())
	return s
}

// CreateServer creates an HTTP server for addr with reasonable timeouts.
// Upgraded connections clear these deadlines once hijacked.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Registry returns the server's connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Relay returns the server's relay.
func (s *Server) Relay() *Relay {
	return s.relay
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Start binds the listener if needed and serves until Shutdown. It returns
// nil after a graceful shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mutex.Lock()
	listener := s.listener
	s.mutex.Unlock()

	s.logger.Info("WebSocket server is running", "url", "ws://"+listener.Addr().String())

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server and then ends every relay session. It waits
// for sessions to finish until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
		errs = append(errs, err)
	}
	if err := s.relay.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		s.logger.Info("server shutdown completed")
	}
	return errors.Join(errs...)
}
