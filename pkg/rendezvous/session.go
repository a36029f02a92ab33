package rendezvous

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var errSessionClosed = errors.New("session closed")

// session is one websocket connection. The read loop runs in the HTTP handler
// goroutine; writePump is the only writer on conn.
type session struct {
	id      string
	remote  string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	closeOnce sync.Once

	// Written by the read loop under Server.mu once "ready" is processed.
	registered bool
	rank       int
	kind       string
	logger     *slog.Logger
}

func newSession(conn *websocket.Conn, cfg Config, logger *slog.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, cfg.SendQueue),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessageBurst),
		logger:  logger.With("session", id),
	}
}

// enqueue hands b to the write pump without blocking. A full queue means the
// peer stopped reading; the session is closed rather than stalling senders.
func (s *session) enqueue(b []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- b:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		s.close()
		return ErrSlowConsumer
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case b := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.logger.Debug("rendezvous: write failed", "error", err)
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Debug("rendezvous: keepalive failed", "error", err)
				s.close()
				return
			}
		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// readPump delivers frames to handle until the connection fails.
func (s *session) readPump(maxBytes int64, handle func([]byte)) {
	s.conn.SetReadLimit(maxBytes)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Warn("rendezvous: session read failed", "error", err)
			}
			return
		}
		handle(data)
	}
}
