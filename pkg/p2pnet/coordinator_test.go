package p2pnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shurlinet/torusmesh/pkg/wire"
)

// 2x2 torus neighbor maps.
var torus2x2 = map[int]map[wire.Direction]int{
	0: {wire.North: 2, wire.South: 2, wire.West: 1, wire.East: 1},
	1: {wire.North: 3, wire.South: 3, wire.West: 0, wire.East: 0},
	2: {wire.North: 0, wire.South: 0, wire.West: 3, wire.East: 3},
	3: {wire.North: 1, wire.South: 1, wire.West: 2, wire.East: 2},
}

// onlyRank1 is a topology whose single neighbor is rank 1.
var onlyRank1 = map[wire.Direction]int{wire.West: 1, wire.East: 1}

type harness struct {
	t    *testing.T
	c    *Coordinator
	conn *pipeConn
	sb   *switchboard

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
	err      error
}

func startNode(t *testing.T, sb *switchboard, opts Options) *harness {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.DebugInterval == 0 {
		opts.DebugInterval = -1
	}
	h := &harness{
		t:    t,
		c:    NewCoordinator(sb.factory("node"), opts),
		conn: newPipeConn(),
		sb:   sb,
		done: make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.c.Run(ctx, h.conn) }()
	t.Cleanup(func() { h.stop() })

	h.conn.expect(t, "ready", isType(wire.TypeReady))
	return h
}

func (h *harness) stop() error {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.err = <-h.done:
		case <-time.After(5 * time.Second):
			h.t.Fatal("coordinator did not stop")
		}
	})
	return h.err
}

func (h *harness) topology(rank int, neighbors map[wire.Direction]int) {
	h.t.Helper()
	h.conn.deliver(h.t, &wire.Topology{Rank: rank, Neighbors: neighbors, GridSize: 2})
	eventually(h.t, "rank assigned", func() bool {
		r, ok := h.c.Rank()
		return ok && r == rank
	})
}

func (h *harness) nodeTransport(peer int) *fakeTransport {
	h.t.Helper()
	h.c.mu.Lock()
	l := h.c.connections[peer]
	h.c.mu.Unlock()
	if l == nil {
		h.t.Fatalf("no link to %d", peer)
	}
	t, _ := l.getTransport().(*fakeTransport)
	if t == nil {
		h.t.Fatalf("link to %d has no transport", peer)
	}
	return t
}

// openOutbound answers the node's offer to peer from a remote fake
// transport and waits for the node to report the link.
func (h *harness) openOutbound(peer int) *fakeTransport {
	h.t.Helper()
	self, _ := h.c.Rank()
	offer := h.conn.expect(h.t, fmt.Sprintf("offer to %d", peer), signalTo(peer, wire.SignalOffer))
	remote := h.sb.newTransport("peer", self)
	h.t.Cleanup(func() { remote.Close() })
	if err := remote.SetRemoteDescription(SessionDescription{Type: wire.SignalOffer, SDP: sdpOf(h.t, offer)}); err != nil {
		h.t.Fatalf("apply offer: %v", err)
	}
	answer, _ := remote.CreateAnswer()
	remote.SetLocalDescription(answer)
	h.conn.relay(h.t, peer, wire.SignalData{Type: wire.SignalAnswer, SDP: answer.SDP})
	h.conn.expect(h.t, fmt.Sprintf("connection_established for %d", peer), establishedWith(peer))
	return remote
}

func isType(typ wire.Type) func(wire.Message) bool {
	return func(m wire.Message) bool { return m.MessageType() == typ }
}

func establishedWith(rank int) func(wire.Message) bool {
	return func(m wire.Message) bool {
		ce, ok := m.(*wire.ConnectionEstablished)
		return ok && ce.PeerRank == rank
	}
}

func sdpOf(t *testing.T, m wire.Message) string {
	t.Helper()
	d, err := wire.DecodeSignalData(m.(*wire.Signal).Data)
	if err != nil {
		t.Fatalf("signal data: %v", err)
	}
	return d.SDP
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoordinatorAnnouncesClientKind(t *testing.T) {
	sb := newSwitchboard()
	c := NewCoordinator(sb.factory("node"), Options{ClientKind: "rust", Logger: quietLogger(), DebugInterval: -1})
	conn := newPipeConn()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, conn) }()

	m := conn.expect(t, "ready", isType(wire.TypeReady))
	if kind := m.(*wire.Ready).Kind(); kind != "rust" {
		t.Errorf("announced kind %q, want rust", kind)
	}
	if c.State() != StateConnecting {
		t.Errorf("state = %s, want connecting", c.State())
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want nil after cancel", err)
	}
}

func TestCoordinatorInitiatesTowardHigherRanks(t *testing.T) {
	h := startNode(t, newSwitchboard(), Options{})
	h.topology(1, torus2x2[1])

	offer := h.conn.expect(t, "offer to 3", signalTo(3, wire.SignalOffer))
	if sdpOf(t, offer) == "" {
		t.Fatal("empty offer")
	}
	h.conn.expect(t, "candidate to 3", signalTo(3, wire.SignalCandidate))

	st := h.c.Status()
	if st.Expected != 2 {
		t.Errorf("expected = %d, want 2", st.Expected)
	}
	if !slices.Equal(st.Pending, []int{3}) {
		t.Errorf("pending = %v, want [3]; rank 0 initiates toward 1", st.Pending)
	}
	if len(st.Links) != 1 || st.Links[0].Direction != "north,south" {
		t.Errorf("links = %+v", st.Links)
	}
}

func TestCoordinatorHighestRankWaitsForOffers(t *testing.T) {
	sb := newSwitchboard()
	h := startNode(t, sb, Options{})
	h.topology(3, torus2x2[3])

	time.Sleep(50 * time.Millisecond)
	if n := sb.created.Load(); n != 0 {
		t.Errorf("created %d transports, want none", n)
	}
	if st := h.c.Status(); len(st.Pending) != 0 || st.Expected != 2 {
		t.Errorf("status = %+v", st)
	}
}

func TestCoordinatorAnswersOffer(t *testing.T) {
	sb := newSwitchboard()
	h := startNode(t, sb, Options{})
	h.topology(1, torus2x2[1])

	peer := sb.newTransport("peer", 1)
	t.Cleanup(func() { peer.Close() })
	peer.CreateDataChannel("torus-0-1")
	offer, _ := peer.CreateOffer()
	peer.SetLocalDescription(offer)

	h.conn.relay(t, 0, wire.SignalData{Type: wire.SignalOffer, SDP: offer.SDP})
	answer := h.conn.expect(t, "answer to 0", signalTo(0, wire.SignalAnswer))

	h.conn.relay(t, 0, wire.SignalData{Type: wire.SignalCandidate, Candidate: &wire.Candidate{Candidate: "candidate:remote"}})
	eventually(t, "remote candidate applied", func() bool {
		return len(h.nodeTransport(0).addedCandidates()) == 1
	})

	if err := peer.SetRemoteDescription(SessionDescription{Type: wire.SignalAnswer, SDP: sdpOf(t, answer)}); err != nil {
		t.Fatalf("apply answer: %v", err)
	}
	h.conn.expect(t, "connection_established for 0", establishedWith(0))

	st := h.c.Status()
	if !slices.Contains(st.Connected, 0) {
		t.Errorf("connected = %v, want 0 included", st.Connected)
	}
	if got := counterValue(t, h.c.metrics.SignalsTotal.WithLabelValues("in", "offer")); got != 1 {
		t.Errorf("offers in = %v, want 1", got)
	}
}

func TestCoordinatorCandidateBeforeOffer(t *testing.T) {
	sb := newSwitchboard()
	h := startNode(t, sb, Options{})
	h.topology(1, torus2x2[1])

	h.conn.relay(t, 0, wire.SignalData{Type: wire.SignalCandidate, Candidate: &wire.Candidate{Candidate: "candidate:early"}})

	peer := sb.newTransport("peer", 1)
	t.Cleanup(func() { peer.Close() })
	peer.CreateDataChannel("torus-0-1")
	offer, _ := peer.CreateOffer()
	peer.SetLocalDescription(offer)
	h.conn.relay(t, 0, wire.SignalData{Type: wire.SignalOffer, SDP: offer.SDP})
	h.conn.expect(t, "answer to 0", signalTo(0, wire.SignalAnswer))

	got := h.nodeTransport(0).addedCandidates()
	if len(got) != 1 || got[0].Candidate != "candidate:early" {
		t.Errorf("candidates = %v, want the early one applied after the offer", got)
	}
}

func TestCoordinatorReadyOnNetworkReady(t *testing.T) {
	h := startNode(t, newSwitchboard(), Options{})
	h.topology(3, torus2x2[3])

	h.conn.deliver(t, &wire.NetworkReady{})
	select {
	case <-h.c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("node never became ready")
	}
	if h.c.State() != StateReady {
		t.Errorf("state = %s, want ready", h.c.State())
	}

	// A second network_ready is harmless.
	h.conn.deliver(t, &wire.NetworkReady{})
	h.conn.deliver(t, &wire.Topology{Rank: 3, Neighbors: torus2x2[3], GridSize: 2})
	if err := h.stop(); err != nil {
		t.Errorf("stop: %v", err)
	}
	if h.c.State() != StateDisconnecting {
		t.Errorf("state after stop = %s", h.c.State())
	}
}

func TestCoordinatorRetriesThenGivesUp(t *testing.T) {
	sb := newSwitchboard()
	sb.failCreate = func(string, int) bool { return true }
	h := startNode(t, sb, Options{MaxRetries: 2, RetryDelay: 5 * time.Millisecond})
	h.topology(0, torus2x2[0])

	exhausted := h.c.metrics.RetryTotal.WithLabelValues("exhausted")
	eventually(t, "both peers exhausted", func() bool {
		return counterValue(t, exhausted) == 2
	})

	// One first attempt plus two retries for each of ranks 1 and 2.
	if n := sb.created.Load(); n != 6 {
		t.Errorf("transport attempts = %d, want 6", n)
	}
	if got := counterValue(t, h.c.metrics.RetryTotal.WithLabelValues("scheduled")); got != 4 {
		t.Errorf("retries scheduled = %v, want 4", got)
	}
	eventually(t, "links released", func() bool {
		st := h.c.Status()
		return len(st.Links) == 0 && len(st.Pending) == 0
	})
}

func TestCoordinatorNegotiationTimeout(t *testing.T) {
	h := startNode(t, newSwitchboard(), Options{
		MaxRetries:        1,
		RetryDelay:        5 * time.Millisecond,
		ConnectionTimeout: 40 * time.Millisecond,
	})
	// Nobody answers the offers.
	h.topology(0, torus2x2[0])

	eventually(t, "retries exhausted", func() bool {
		return counterValue(t, h.c.metrics.RetryTotal.WithLabelValues("exhausted")) == 2
	})
	if got := counterValue(t, h.c.metrics.NegotiationTotal.WithLabelValues("timeout")); got != 4 {
		t.Errorf("timeouts = %v, want 4", got)
	}
}

func TestCoordinatorRetriesAfterOpenLinkFails(t *testing.T) {
	sb := newSwitchboard()
	h := startNode(t, sb, Options{RetryDelay: 5 * time.Millisecond})
	h.topology(0, torus2x2[0])

	offer := h.conn.expect(t, "offer to 1", signalTo(1, wire.SignalOffer))
	peer := sb.newTransport("peer", 0)
	if err := peer.SetRemoteDescription(SessionDescription{Type: wire.SignalOffer, SDP: sdpOf(t, offer)}); err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	answer, _ := peer.CreateAnswer()
	peer.SetLocalDescription(answer)
	h.conn.relay(t, 1, wire.SignalData{Type: wire.SignalAnswer, SDP: answer.SDP})
	h.conn.expect(t, "connection_established for 1", establishedWith(1))

	// The worker counts the success after negotiate returns, which can trail
	// the report.
	successes := h.c.metrics.NegotiationTotal.WithLabelValues("success")
	eventually(t, "one successful negotiation", func() bool {
		return counterValue(t, successes) == 1
	})

	peer.Close()
	h.conn.expect(t, "second offer to 1", signalTo(1, wire.SignalOffer))
	if got := counterValue(t, h.c.metrics.LinkFailuresTotal.WithLabelValues("closed")); got != 1 {
		t.Errorf("closed failures = %v, want 1", got)
	}
}

func TestCoordinatorForgetsPeerAfterRetriesRunOut(t *testing.T) {
	sb := newSwitchboard()
	var refuse atomic.Bool
	sb.failCreate = func(string, int) bool { return refuse.Load() }
	h := startNode(t, sb, Options{MaxRetries: 1, RetryDelay: 5 * time.Millisecond})
	h.topology(0, onlyRank1)
	remote := h.openOutbound(1)

	refuse.Store(true)
	remote.Close()

	exhausted := h.c.metrics.RetryTotal.WithLabelValues("exhausted")
	eventually(t, "retries exhausted", func() bool {
		return counterValue(t, exhausted) == 1
	})
	eventually(t, "rank 1 forgotten", func() bool {
		st := h.c.Status()
		return len(st.Links) == 0 && len(st.Pending) == 0 && len(st.Connected) == 0
	})
	if st := h.c.Status(); st.Expected != 1 {
		t.Errorf("expected = %d, want the neighbor still counted", st.Expected)
	}
}

func TestCoordinatorKeepsLinkWhenCandidateRejected(t *testing.T) {
	sb := newSwitchboard()
	sb.rejectCandidate = func(owner string, c wire.Candidate) bool {
		return owner == "node" && c.Candidate == "candidate:unusable"
	}
	var logs logBuffer
	h := startNode(t, sb, Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	h.topology(0, onlyRank1)
	h.openOutbound(1)

	h.conn.relay(t, 1, wire.SignalData{Type: wire.SignalCandidate, Candidate: &wire.Candidate{Candidate: "candidate:unusable"}})
	h.conn.relay(t, 1, wire.SignalData{Type: wire.SignalCandidate, Candidate: &wire.Candidate{Candidate: "candidate:usable"}})
	eventually(t, "usable candidate applied", func() bool {
		got := h.nodeTransport(1).addedCandidates()
		return len(got) == 1 && got[0].Candidate == "candidate:usable"
	})

	if !strings.Contains(logs.String(), "p2pnet: adding remote candidate failed") {
		t.Errorf("rejected candidate not logged:\n%s", logs.String())
	}
	st := h.c.Status()
	if !slices.Equal(st.Connected, []int{1}) {
		t.Errorf("connected = %v, want [1]", st.Connected)
	}
	if len(st.Links) != 1 || st.Links[0].State != "open" {
		t.Errorf("links = %+v, want one open link", st.Links)
	}
}

func TestCoordinatorIgnoresOfferFromNonNeighbor(t *testing.T) {
	sb := newSwitchboard()
	h := startNode(t, sb, Options{})
	h.topology(1, torus2x2[1])

	peer := sb.newTransport("peer", 1)
	t.Cleanup(func() { peer.Close() })
	peer.CreateDataChannel("torus-2-1")
	offer, _ := peer.CreateOffer()
	peer.SetLocalDescription(offer)
	h.conn.relay(t, 2, wire.SignalData{Type: wire.SignalOffer, SDP: offer.SDP})

	// Messages are handled in order, so once READY the offer was seen.
	h.conn.deliver(t, &wire.NetworkReady{})
	select {
	case <-h.c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("node never became ready")
	}
	for _, l := range h.c.Status().Links {
		if l.PeerRank == 2 {
			t.Errorf("link to non-neighbor 2: %+v", l)
		}
	}
	if got := counterValue(t, h.c.metrics.SignalsTotal.WithLabelValues("out", "answer")); got != 0 {
		t.Errorf("answers sent = %v, want 0", got)
	}
}

func TestCoordinatorIgnoresStraySignals(t *testing.T) {
	sb := newSwitchboard()
	h := startNode(t, sb, Options{})

	// Before a rank is assigned.
	h.conn.relay(t, 0, wire.SignalData{Type: wire.SignalOffer, SDP: "fake:offer:99"})
	h.topology(3, torus2x2[3])
	// An answer for an offer never made.
	h.conn.relay(t, 1, wire.SignalData{Type: wire.SignalAnswer, SDP: "fake:answer:99"})
	h.conn.deliver(t, &wire.NetworkReady{})
	<-h.c.Ready()

	if st := h.c.Status(); len(st.Links) != 0 {
		t.Errorf("stray signals created links: %+v", st.Links)
	}
	if n := sb.created.Load(); n != 0 {
		t.Errorf("created %d transports", n)
	}
}

func TestCoordinatorCountsMalformedMessages(t *testing.T) {
	h := startNode(t, newSwitchboard(), Options{})
	h.conn.in <- []byte("garbage")
	h.conn.in <- []byte(`{"type":"signal","senderRank":1,"data":{"type":"offer"}}`)
	h.conn.in <- []byte(`{"type":"signal","data":{"type":"offer","sdp":"x"}}`)
	h.topology(2, torus2x2[2])

	if got := counterValue(t, h.c.metrics.MalformedMessagesTotal.WithLabelValues("rendezvous")); got != 3 {
		t.Errorf("malformed = %v, want 3", got)
	}
}

func TestCoordinatorPrunesFormerNeighbors(t *testing.T) {
	h := startNode(t, newSwitchboard(), Options{})
	h.topology(0, torus2x2[0])
	h.conn.expect(t, "offer to 1", signalTo(1, wire.SignalOffer))
	h.conn.expect(t, "offer to 2", signalTo(2, wire.SignalOffer))

	h.conn.deliver(t, &wire.Topology{Rank: 0, GridSize: 2, Neighbors: map[wire.Direction]int{wire.West: 1, wire.East: 1}})
	eventually(t, "link to 2 pruned", func() bool {
		st := h.c.Status()
		return st.Expected == 1 && slices.Equal(st.Pending, []int{1})
	})
}

func TestCoordinatorKeepsFirstRank(t *testing.T) {
	h := startNode(t, newSwitchboard(), Options{})
	h.topology(3, torus2x2[3])
	h.conn.deliver(t, &wire.Topology{Rank: 0, Neighbors: torus2x2[0], GridSize: 2})
	h.conn.deliver(t, &wire.NetworkReady{})
	<-h.c.Ready()

	if r, _ := h.c.Rank(); r != 3 {
		t.Errorf("rank = %d, want 3", r)
	}
	if st := h.c.Status(); len(st.Pending) != 0 {
		t.Errorf("topology for another rank started links: %v", st.Pending)
	}
}

func TestCoordinatorShutdownReleasesLinks(t *testing.T) {
	sb := newSwitchboard()
	h := startNode(t, sb, Options{})
	h.topology(0, torus2x2[0])
	h.conn.expect(t, "offer to 1", signalTo(1, wire.SignalOffer))
	tr := h.nodeTransport(1)

	if err := h.stop(); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if !h.conn.isClosed() {
		t.Error("rendezvous connection left open")
	}
	if tr.ConnectionState() != ConnectionClosed {
		t.Error("transport left open")
	}
	st := h.c.Status()
	if len(st.Links) != 0 || len(st.Pending) != 0 || st.State != "disconnecting" {
		t.Errorf("status after shutdown = %+v", st)
	}
}

func TestCoordinatorRendezvousLost(t *testing.T) {
	h := startNode(t, newSwitchboard(), Options{})
	h.conn.Close()

	select {
	case err := <-h.done:
		if !errors.Is(err, ErrNoRendezvous) {
			t.Errorf("Run = %v, want ErrNoRendezvous", err)
		}
		h.stopOnce.Do(h.cancel)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the connection dropped")
	}
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCoordinatorDebugLoop(t *testing.T) {
	var logs logBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := startNode(t, newSwitchboard(), Options{Logger: logger, DebugInterval: 10 * time.Millisecond})
	h.topology(0, torus2x2[0])
	h.conn.expect(t, "offer to 1", signalTo(1, wire.SignalOffer))

	eventually(t, "link summary logged", func() bool {
		out := logs.String()
		return strings.Contains(out, "p2pnet: link summary") && strings.Contains(out, "peer=1")
	})
}

func TestCoordinatorDebugLoopDisabled(t *testing.T) {
	var logs logBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := startNode(t, newSwitchboard(), Options{Logger: logger, DebugInterval: -1})
	h.topology(0, torus2x2[0])

	time.Sleep(50 * time.Millisecond)
	if strings.Contains(logs.String(), "p2pnet: link summary") {
		t.Error("debug loop ran with a negative interval")
	}
}
