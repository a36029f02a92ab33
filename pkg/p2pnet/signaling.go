package p2pnet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shurlinet/torusmesh/pkg/wire"
)

const (
	signalWriteWait = 10 * time.Second
	signalPongWait  = 60 * time.Second
)

// WSConn is a RendezvousConn over a websocket.
type WSConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialRendezvous connects to the rendezvous server at url (ws:// or wss://).
func DialRendezvous(ctx context.Context, url string) (*WSConn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (HTTP %d)", ErrNoRendezvous, url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNoRendezvous, url, err)
	}

	c := &WSConn{ws: ws}
	// The server pings; any frame from it extends the read deadline.
	ws.SetReadDeadline(time.Now().Add(signalPongWait))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(signalPongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(signalWriteWait))
	})
	return c, nil
}

// Send encodes and writes one message.
func (c *WSConn) Send(ctx context.Context, m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(signalWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Recv returns the next text frame.
func (c *WSConn) Recv() ([]byte, error) {
	for {
		kind, b, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		c.ws.SetReadDeadline(time.Now().Add(signalPongWait))
		if kind == websocket.TextMessage {
			return b, nil
		}
	}
}

// Close sends a close frame and closes the socket. It is safe to call more
// than once.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// Best effort: the server may already be gone.
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
