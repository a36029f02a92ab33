// Package daemon serves the read-only admin API of a torusmesh process:
// health, Prometheus metrics and a status snapshot.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Routes served by the admin API.
const (
	PathHealth  = "/healthz"
	PathMetrics = "/metrics"
	PathStatus  = "/v1/status"
)

// Metrics is what the admin API needs from a role's collectors.
type Metrics interface {
	Observer
	Handler() http.Handler
}

// Options configure a Server.
type Options struct {
	// Role is reported in the status envelope ("node" or "rendezvous").
	Role    string
	Version string
	// Status returns the role's snapshot. Required.
	Status func() any
	// Health returns nil while the process is healthy. Nil means always
	// healthy.
	Health  func() error
	Metrics Metrics
	Logger  *slog.Logger
}

// Server is the admin HTTP API. It either runs its own listener (Start) or
// shares a mux with the rendezvous websocket (Register).
type Server struct {
	opts    Options
	logger  *slog.Logger
	started time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates an admin API server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, logger: logger, started: time.Now()}
}

// Register adds the admin routes to mux. Each route is instrumented on its
// own so other handlers on the same mux (the websocket) are not wrapped.
func (s *Server) Register(mux *http.ServeMux) {
	var obs Observer
	if s.opts.Metrics != nil {
		obs = s.opts.Metrics
	}
	handle := func(path string, h http.Handler) {
		mux.Handle("GET "+path, InstrumentHandler(h, path, obs))
	}

	handle(PathHealth, http.HandlerFunc(s.handleHealth))
	handle(PathStatus, http.HandlerFunc(s.handleStatus))
	if s.opts.Metrics != nil {
		handle(PathMetrics, s.opts.Metrics.Handler())
	}
}

// Start listens on addr and serves the admin routes in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin API listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	s.Register(mux)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.httpServer = srv
	s.listener = ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("daemon: admin API error", "error", err)
		}
	}()
	s.logger.Info("daemon: admin API listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the listener down, waiting up to ctx for in-flight requests.
// It is a no-op when Start was never called.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin API shutdown: %w", err)
	}
	s.logger.Info("daemon: admin API stopped")
	return nil
}
