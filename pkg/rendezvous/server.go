// Package rendezvous implements the relay that assigns ranks on a toroidal
// grid, tells every node its neighbors, forwards negotiation signals between
// them and announces when the whole mesh is connected.
package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/shurlinet/torusmesh/pkg/wire"
)

// Config tunes a Server. Zero fields take the DefaultConfig value.
type Config struct {
	// MaxConcurrentRegistrations bounds how many "ready" messages are
	// processed at once.
	MaxConcurrentRegistrations int64
	MessagesPerSecond          float64
	MessageBurst               int
	MaxMessageBytes            int64
	// SendQueue is the per-session outbound buffer, in messages.
	SendQueue int

	Logger  *slog.Logger
	Metrics *Metrics
	// Audit, when set, receives membership and abuse events.
	Audit *AuditLogger
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRegistrations: 5,
		MessagesPerSecond:          50,
		MessageBurst:               100,
		MaxMessageBytes:            64 << 10,
		SendQueue:                  64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentRegistrations <= 0 {
		c.MaxConcurrentRegistrations = d.MaxConcurrentRegistrations
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = d.MessagesPerSecond
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = d.MessageBurst
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics("dev", runtime.Version())
	}
	return c
}

// Status is the admin view of the server.
type Status struct {
	GridSize     int           `json:"grid_size"`
	NetworkReady bool          `json:"network_ready"`
	Connections  int           `json:"connections"`
	Sessions     []SessionInfo `json:"sessions"`
}

// Server is the rendezvous relay. It implements http.Handler; every request
// is upgraded to a websocket session.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader
	regSem   *semaphore.Weighted
	locks    PairLocks

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	registry     *Registry
	sessions     map[int]*session
	conns        map[*session]struct{}
	networkReady bool
	closed       bool

	wg sync.WaitGroup
}

// NewServer creates a server with an empty registry.
func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			// Browser nodes connect from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		regSem:   semaphore.NewWeighted(cfg.MaxConcurrentRegistrations),
		ctx:      ctx,
		cancel:   cancel,
		registry: NewRegistry(),
		sessions: make(map[int]*session),
		conns:    make(map[*session]struct{}),
	}
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics { return s.metrics }

// ServeHTTP upgrades the request and serves the session until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("rendezvous: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(conn, s.cfg, s.logger)
	sess.remote = r.RemoteAddr
	if !s.track(sess) {
		conn.Close()
		return
	}
	sess.logger.Debug("rendezvous: session opened", "remote", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.writePump()
	}()

	sess.readPump(s.cfg.MaxMessageBytes, func(b []byte) { s.handleFrame(sess, b) })
	s.leave(sess)
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[sess] = struct{}{}
	return true
}

// handleFrame processes one inbound frame. Nothing a session sends can fail
// another session: every error is logged, counted and dropped here.
func (s *Server) handleFrame(sess *session, b []byte) {
	if !sess.limiter.Allow() {
		s.metrics.drop("rate_limited")
		sess.logger.Warn("rendezvous: message dropped", "rank", s.rankOf(sess), "error", ErrRateLimited)
		s.cfg.Audit.Throttled(sess.id, sess.remote)
		return
	}

	msg, err := wire.Decode(b)
	if err != nil {
		s.metrics.drop("malformed")
		sess.logger.Warn("rendezvous: message dropped", "rank", s.rankOf(sess), "error", err)
		return
	}

	switch m := msg.(type) {
	case *wire.Ready:
		s.join(sess, m)
	case *wire.Signal:
		s.relay(sess, m)
	case *wire.ConnectionEstablished:
		s.established(sess, m)
	default:
		s.metrics.drop("unexpected")
		sess.logger.Warn("rendezvous: unexpected message", "rank", s.rankOf(sess), "type", msg.MessageType())
	}
}

func (s *Server) join(sess *session, m *wire.Ready) {
	if s.isRegistered(sess) {
		s.metrics.drop("duplicate_ready")
		sess.logger.Warn("rendezvous: duplicate ready ignored", "rank", s.rankOf(sess))
		return
	}

	start := time.Now()
	if err := s.regSem.Acquire(s.ctx, 1); err != nil {
		return
	}
	defer s.regSem.Release(1)
	s.metrics.RegistrationWaitSeconds.Observe(time.Since(start).Seconds())

	kind := m.Kind()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	rank := s.registry.Register(kind)
	sess.registered = true
	sess.rank = rank
	sess.kind = kind
	s.sessions[rank] = sess

	s.broadcastTopologyLocked()
	s.updateReadinessLocked()
	total, grid := s.registry.Len(), s.registry.GridSize()
	s.mu.Unlock()

	s.metrics.RegistrationsTotal.Inc()
	s.cfg.Audit.Registered(sess.id, sess.remote, rank, kind)
	sess.logger.Info("rendezvous: node registered",
		"rank", rank, "kind", kind, "total", total, "grid_size", grid)
}

func (s *Server) relay(sess *session, m *wire.Signal) {
	s.mu.Lock()
	registered, from, kind := sess.registered, sess.rank, sess.kind
	s.mu.Unlock()

	if !registered {
		s.metrics.drop("unregistered")
		sess.logger.Warn("rendezvous: signal dropped", "error", ErrNotRegistered)
		return
	}
	if m.TargetRank == nil {
		s.metrics.drop("malformed")
		sess.logger.Warn("rendezvous: signal dropped", "rank", from,
			"error", fmt.Errorf("%w: targetRank", wire.ErrMissingField))
		return
	}
	to := *m.TargetRank

	s.mu.Lock()
	dst := s.sessions[to]
	s.mu.Unlock()
	if dst == nil {
		s.metrics.drop("target_missing")
		sess.logger.Warn("rendezvous: signal dropped", "rank", from, "target", to, "error", ErrRelayTargetMissing)
		s.cfg.Audit.SignalRefused(sess.id, to, "target_missing")
		return
	}

	b, err := wire.Encode(m.Relayed(from, kind))
	if err != nil {
		s.metrics.drop("encode")
		sess.logger.Error("rendezvous: encode relayed signal", "rank", from, "target", to, "error", err)
		return
	}

	unlock := s.locks.Lock(from, to)
	err = dst.enqueue(b)
	unlock()
	if err != nil {
		s.metrics.drop("target_closed")
		sess.logger.Warn("rendezvous: relay failed", "rank", from, "target", to, "error", err)
		return
	}
	s.metrics.RelayedTotal.WithLabelValues(kind).Inc()
}

func (s *Server) established(sess *session, m *wire.ConnectionEstablished) {
	s.mu.Lock()
	if !sess.registered {
		s.mu.Unlock()
		s.metrics.drop("unregistered")
		sess.logger.Warn("rendezvous: connection report dropped", "error", ErrNotRegistered)
		return
	}
	rank := sess.rank
	ready := s.registry.MarkConnected(rank, m.PeerRank)
	s.updateReadinessLocked()
	s.mu.Unlock()

	sess.logger.Info("rendezvous: connection established", "rank", rank, "peer", m.PeerRank, "ready", ready)
}

func (s *Server) leave(sess *session) {
	s.mu.Lock()
	delete(s.conns, sess)
	var rank int
	departed := sess.registered && s.sessions[sess.rank] == sess
	if departed {
		rank = sess.rank
		delete(s.sessions, rank)
		s.registry.Unregister(rank)
		if !s.closed {
			s.broadcastTopologyLocked()
		}
		s.updateReadinessLocked()
	}
	remaining := s.registry.Len()
	s.mu.Unlock()

	sess.close()
	if departed {
		s.metrics.DeparturesTotal.Inc()
		s.cfg.Audit.Departed(sess.id, rank)
		sess.logger.Info("rendezvous: node left", "rank", rank, "remaining", remaining)
	} else {
		sess.logger.Debug("rendezvous: unregistered session closed")
	}
}

// broadcastTopologyLocked sends every session its own topology message.
func (s *Server) broadcastTopologyLocked() {
	for rank, sess := range s.sessions {
		b, err := wire.Encode(s.registry.Topology(rank))
		if err != nil {
			s.logger.Error("rendezvous: encode topology", "rank", rank, "error", err)
			continue
		}
		if err := sess.enqueue(b); err != nil {
			sess.logger.Warn("rendezvous: topology not delivered", "rank", rank, "error", err)
		}
	}
	s.metrics.TopologyBroadcastsTotal.Inc()
	s.metrics.SessionsActive.Set(float64(s.registry.Len()))
	s.metrics.GridSize.Set(float64(s.registry.GridSize()))
}

// updateReadinessLocked broadcasts network_ready on each false to true
// transition of AllReady.
func (s *Server) updateReadinessLocked() {
	now := s.registry.AllReady()
	if now && !s.networkReady {
		b, err := wire.Encode(&wire.NetworkReady{})
		if err == nil {
			for rank, sess := range s.sessions {
				if err := sess.enqueue(b); err != nil {
					sess.logger.Warn("rendezvous: network_ready not delivered", "rank", rank, "error", err)
				}
			}
		}
		s.metrics.NetworkReadyTotal.Inc()
		s.logger.Info("rendezvous: network ready", "nodes", s.registry.Len(), "grid_size", s.registry.GridSize())
	}
	s.networkReady = now
}

func (s *Server) isRegistered(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sess.registered
}

// rankOf returns sess's rank, or -1 before registration.
func (s *Server) rankOf(sess *session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sess.registered {
		return -1
	}
	return sess.rank
}

// Status returns a snapshot of the registry.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		GridSize:     s.registry.GridSize(),
		NetworkReady: s.networkReady,
		Connections:  len(s.conns),
		Sessions:     s.registry.Snapshot(),
	}
	for i := range st.Sessions {
		if sess := s.sessions[st.Sessions[i].Rank]; sess != nil {
			st.Sessions[i].Session = sess.id
		}
	}
	return st
}

// Accepting reports whether the server still admits sessions.
func (s *Server) Accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close stops admitting sessions, closes every open one and waits for their
// goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := make([]*session, 0, len(s.conns))
	for sess := range s.conns {
		open = append(open, sess)
	}
	s.mu.Unlock()

	s.cancel()
	for _, sess := range open {
		sess.close()
	}
	s.wg.Wait()
	return nil
}
