package main

import (
	"bytes"
	"context"
	"net/http"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shurlinet/torusmesh/internal/daemon"
	"github.com/shurlinet/torusmesh/pkg/p2pnet"
	"github.com/shurlinet/torusmesh/pkg/wire"
)

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a polling
// reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var listeningRe = regexp.MustCompile(`listening on ws://([^/\s]+)(/\S*)`)

func TestDoRendezvousServesAndStops(t *testing.T) {
	isolateConfigSearch(t)
	t.Setenv("NOTIFY_SOCKET", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stdout, logs syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- doRendezvous(ctx, []string{"--listen", "127.0.0.1:0", "--log-level", "error"}, &stdout, &logs)
	}()

	var m []string
	deadline := time.Now().Add(5 * time.Second)
	for m == nil {
		if time.Now().After(deadline) {
			t.Fatalf("server never reported its address; stdout=%q logs=%q", stdout.String(), logs.String())
		}
		select {
		case err := <-done:
			t.Fatalf("doRendezvous returned early: %v", err)
		case <-time.After(10 * time.Millisecond):
		}
		m = listeningRe.FindStringSubmatch(stdout.String())
	}
	addr, path := m[1], m[2]

	if err := daemon.NewClient(addr).Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
	resp, err := http.Get("http://" + addr + daemon.PathMetrics)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}

	// The websocket shares the listener with the admin routes.
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, err := p2pnet.DialRendezvous(dialCtx, "ws://"+addr+path)
	if err != nil {
		t.Fatalf("DialRendezvous: %v", err)
	}
	if err := conn.Send(dialCtx, &wire.Ready{ClientKind: "go"}); err != nil {
		t.Fatalf("send ready: %v", err)
	}
	raw, err := conn.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	msg, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if topo, ok := msg.(*wire.Topology); !ok || topo.Rank != 0 {
		t.Errorf("first message = %#v, want topology for rank 0", msg)
	}
	conn.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("doRendezvous = %v, want nil after cancel", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("doRendezvous did not stop")
	}
}

func TestDoRendezvousInvalidConfig(t *testing.T) {
	isolateConfigSearch(t)
	err := doRendezvous(context.Background(), []string{"--listen", "nowhere"}, &bytes.Buffer{}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("invalid listen address accepted")
	}
}

func TestDoRendezvousBadLogLevel(t *testing.T) {
	err := doRendezvous(context.Background(), []string{"--log-level", "chatty"}, &bytes.Buffer{}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("bad log level accepted")
	}
}
