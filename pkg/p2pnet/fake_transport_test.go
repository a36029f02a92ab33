package p2pnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shurlinet/torusmesh/pkg/wire"
)

// switchboard pairs fakeTransports in memory. An offer SDP names the offering
// transport, so any two transports created from the same switchboard can
// negotiate over a real signaling path without ICE.
type switchboard struct {
	// failCreate, when set, makes the factory fail for (owner, peer).
	failCreate func(owner string, peer int) bool
	// stall, when set, keeps the offerer for (owner, peer) from ever
	// connecting after it applies the answer.
	stall func(owner string, peer int) bool
	// rejectCandidate, when set, makes AddICECandidate fail for a remote
	// candidate on owner's transports.
	rejectCandidate func(owner string, c wire.Candidate) bool

	nextID  atomic.Int64
	created atomic.Int64

	mu      sync.Mutex
	offers  map[int64]*fakeTransport
	answers map[int64]*fakeTransport
}

func newSwitchboard() *switchboard {
	return &switchboard{
		offers:  make(map[int64]*fakeTransport),
		answers: make(map[int64]*fakeTransport),
	}
}

func (sb *switchboard) factory(owner string) TransportFactory {
	return func(peer int) (PeerTransport, error) {
		sb.created.Add(1)
		if sb.failCreate != nil && sb.failCreate(owner, peer) {
			return nil, fmt.Errorf("fake: no transport from %s to %d", owner, peer)
		}
		return sb.newTransport(owner, peer), nil
	}
}

func (sb *switchboard) newTransport(owner string, peer int) *fakeTransport {
	return &fakeTransport{
		sb:       sb,
		id:       sb.nextID.Add(1),
		owner:    owner,
		peer:     peer,
		events:   make(chan TransportEvent, 256),
		closed:   make(chan struct{}),
		gathered: make(chan struct{}),
	}
}

type fakeTransport struct {
	sb    *switchboard
	id    int64
	owner string
	peer  int

	events     chan TransportEvent
	closed     chan struct{}
	closeOnce  sync.Once
	gathered   chan struct{}
	gatherOnce sync.Once

	mu         sync.Mutex
	state      ConnectionState
	local      *SessionDescription
	remote     *SessionDescription
	channel    *fakeChannel
	remotePeer *fakeTransport
	added      []wire.Candidate
}

func (t *fakeTransport) emit(ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

func (t *fakeTransport) CreateDataChannel(label string) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channel != nil {
		return nil, errors.New("fake: one channel per transport")
	}
	t.channel = &fakeChannel{label: label, owner: t}
	return t.channel, nil
}

func (t *fakeTransport) CreateOffer() (SessionDescription, error) {
	return SessionDescription{Type: wire.SignalOffer, SDP: fmt.Sprintf("fake:offer:%d", t.id)}, nil
}

func (t *fakeTransport) CreateAnswer() (SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return SessionDescription{}, errors.New("fake: answer before remote offer")
	}
	return SessionDescription{Type: wire.SignalAnswer, SDP: strings.Replace(t.remote.SDP, "offer", "answer", 1)}, nil
}

func (t *fakeTransport) SetLocalDescription(d SessionDescription) error {
	offerID, err := parseFakeSDP(d.SDP)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.local = &d
	t.mu.Unlock()

	t.sb.mu.Lock()
	if d.Type == wire.SignalOffer {
		t.sb.offers[offerID] = t
	} else {
		t.sb.answers[offerID] = t
	}
	t.sb.mu.Unlock()

	t.emit(TransportEvent{Kind: EventLocalCandidate, Candidate: wire.Candidate{
		Candidate: fmt.Sprintf("candidate:fake %d 1 udp 1 127.0.0.1 %d typ host", t.id, 10000+t.id),
	}})
	t.gatherOnce.Do(func() { close(t.gathered) })
	return nil
}

func (t *fakeTransport) SetRemoteDescription(d SessionDescription) error {
	offerID, err := parseFakeSDP(d.SDP)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.remote = &d
	t.mu.Unlock()

	if d.Type == wire.SignalOffer {
		t.sb.mu.Lock()
		_, ok := t.sb.offers[offerID]
		t.sb.mu.Unlock()
		if !ok {
			return fmt.Errorf("fake: unknown offer %d", offerID)
		}
		return nil
	}

	if offerID != t.id {
		return fmt.Errorf("fake: answer for offer %d applied to %d", offerID, t.id)
	}
	t.sb.mu.Lock()
	answerer := t.sb.answers[offerID]
	t.sb.mu.Unlock()
	if answerer == nil {
		return fmt.Errorf("fake: no answerer for offer %d", offerID)
	}
	if t.sb.stall != nil && t.sb.stall(t.owner, t.peer) {
		return nil
	}
	connectFake(t, answerer)
	return nil
}

func parseFakeSDP(sdp string) (int64, error) {
	parts := strings.Split(sdp, ":")
	if len(parts) != 3 || parts[0] != "fake" {
		return 0, fmt.Errorf("fake: bad sdp %q", sdp)
	}
	return strconv.ParseInt(parts[2], 10, 64)
}

// connectFake opens the offerer's channel on both sides.
func connectFake(offerer, answerer *fakeTransport) {
	offerer.mu.Lock()
	local := offerer.channel
	offerer.state = ConnectionConnected
	offerer.remotePeer = answerer
	offerer.mu.Unlock()

	remote := &fakeChannel{owner: answerer}
	if local != nil {
		remote.label = local.label
		local.mu.Lock()
		local.peer, local.state = remote, ChannelOpen
		local.mu.Unlock()
		remote.peer, remote.state = local, ChannelOpen
	}

	answerer.mu.Lock()
	answerer.state = ConnectionConnected
	answerer.remotePeer = offerer
	if local != nil && answerer.channel == nil {
		answerer.channel = remote
	}
	answerer.mu.Unlock()

	offerer.emit(TransportEvent{Kind: EventConnectionState, State: ConnectionConnected})
	answerer.emit(TransportEvent{Kind: EventConnectionState, State: ConnectionConnected})
	if local == nil {
		return
	}
	answerer.emit(TransportEvent{Kind: EventDataChannel, Channel: remote})
	answerer.emit(TransportEvent{Kind: EventChannelOpen, Channel: remote})
	offerer.emit(TransportEvent{Kind: EventChannelOpen, Channel: local})
}

func (t *fakeTransport) LocalDescription() (SessionDescription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.local == nil {
		return SessionDescription{}, false
	}
	return *t.local, true
}

func (t *fakeTransport) AddICECandidate(c wire.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return errors.New("fake: candidate before remote description")
	}
	if t.sb.rejectCandidate != nil && t.sb.rejectCandidate(t.owner, c) {
		return fmt.Errorf("fake: candidate %q rejected", c.Candidate)
	}
	t.added = append(t.added, c)
	return nil
}

func (t *fakeTransport) addedCandidates() []wire.Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wire.Candidate(nil), t.added...)
}

func (t *fakeTransport) GatheringComplete() <-chan struct{} { return t.gathered }

func (t *fakeTransport) ConnectionState() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) Events() <-chan TransportEvent { return t.events }

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		t.state = ConnectionClosed
		ch := t.channel
		t.mu.Unlock()
		if ch != nil {
			ch.Close()
		}
	})
	return nil
}

// fakeChannel delivers Send to its peer's transport.
type fakeChannel struct {
	label string
	owner *fakeTransport

	mu    sync.Mutex
	state ChannelState
	peer  *fakeChannel
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	state, peer := c.state, c.peer
	c.mu.Unlock()
	if state != ChannelOpen || peer == nil {
		return fmt.Errorf("fake: send on %s channel", state)
	}
	peer.owner.emit(TransportEvent{Kind: EventChannelMessage, Channel: peer, Data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeChannel) ReadyState() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close closes both ends, notifying the remote side.
func (c *fakeChannel) Close() error {
	c.mu.Lock()
	if c.state == ChannelClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = ChannelClosed
	peer := c.peer
	c.mu.Unlock()

	if peer == nil {
		return nil
	}
	peer.mu.Lock()
	wasOpen := peer.state != ChannelClosed
	peer.state = ChannelClosed
	peer.mu.Unlock()
	if wasOpen {
		peer.owner.emit(TransportEvent{Kind: EventChannelClose, Channel: peer})
	}
	return nil
}

// pipeConn is a RendezvousConn whose far side is driven by the test.
type pipeConn struct {
	in     chan []byte
	out    chan wire.Message
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		in:     make(chan []byte, 64),
		out:    make(chan wire.Message, 256),
		closed: make(chan struct{}),
	}
}

func (p *pipeConn) Send(ctx context.Context, m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	decoded, err := wire.Decode(b)
	if err != nil {
		return err
	}
	select {
	case p.out <- decoded:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Recv() ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// deliver plays the server side: it queues m for the node.
func (p *pipeConn) deliver(t *testing.T, m wire.Message) {
	t.Helper()
	b, err := wire.Encode(m)
	if err != nil {
		t.Fatalf("encode %s: %v", m.MessageType(), err)
	}
	p.in <- b
}

// relay delivers a signal from rank from, as the server would.
func (p *pipeConn) relay(t *testing.T, from int, data wire.SignalData) {
	t.Helper()
	sig, err := wire.NewSignal(0, data)
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	p.deliver(t, sig.Relayed(from, "go"))
}

// expect returns the next message the node sent that satisfies match,
// skipping others.
func (p *pipeConn) expect(t *testing.T, what string, match func(wire.Message) bool) wire.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case m := <-p.out:
			if match(m) {
				return m
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

func signalTo(rank int, kind wire.SignalKind) func(wire.Message) bool {
	return func(m wire.Message) bool {
		s, ok := m.(*wire.Signal)
		if !ok || s.TargetRank == nil || *s.TargetRank != rank {
			return false
		}
		d, err := wire.DecodeSignalData(s.Data)
		return err == nil && d.Type == kind
	}
}
