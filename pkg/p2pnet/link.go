package p2pnet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shurlinet/torusmesh/pkg/wire"
)

// LinkState is the lifecycle of one neighbor link.
type LinkState int

const (
	LinkQueued LinkState = iota
	LinkNegotiating
	LinkOpen
	LinkClosing
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkQueued:
		return "queued"
	case LinkNegotiating:
		return "negotiating"
	case LinkOpen:
		return "open"
	case LinkClosing:
		return "closing"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// Link is the node's relationship with one neighbor: the transport, its data
// channel and the liveness monitor once open. A link is created queued
// (outbound) or negotiating (inbound offer) and only moves forward.
type Link struct {
	peerRank int
	outbound bool
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	opened   chan struct{}
	openOnce sync.Once
	failed   chan struct{}
	failOnce sync.Once

	mu                sync.Mutex
	state             LinkState
	transport         PeerTransport
	channel           Channel
	liveness          *LivenessMonitor
	failErr           error
	descriptionSent   bool
	pendingCandidates []wire.Candidate
	remoteSet         bool
	remoteCandidates  []wire.Candidate
	deadline          *time.Timer
	createdAt         time.Time
	openedAt          time.Time
}

func newLink(parent context.Context, peerRank int, outbound bool, logger *slog.Logger) *Link {
	ctx, cancel := context.WithCancel(parent)
	state := LinkQueued
	if !outbound {
		state = LinkNegotiating
	}
	return &Link{
		peerRank:  peerRank,
		outbound:  outbound,
		logger:    logger.With("peer", peerRank),
		ctx:       ctx,
		cancel:    cancel,
		opened:    make(chan struct{}),
		failed:    make(chan struct{}),
		state:     state,
		createdAt: time.Now(),
	}
}

// PeerRank returns the neighbor's rank.
func (l *Link) PeerRank() int { return l.peerRank }

// Outbound reports whether this node initiated the link.
func (l *Link) Outbound() bool { return l.outbound }

// State returns the current lifecycle state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// attach binds a transport to a queued link and moves it to negotiating. It
// reports false if the link was closed in the meantime; the caller then owns
// and must close t.
func (l *Link) attach(t PeerTransport) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state >= LinkClosing {
		return false
	}
	l.transport = t
	if l.state == LinkQueued {
		l.state = LinkNegotiating
	}
	return true
}

func (l *Link) getTransport() PeerTransport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transport
}

func (l *Link) setChannel(ch Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.channel == nil {
		l.channel = ch
	}
}

func (l *Link) getChannel() Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channel
}

func (l *Link) getLiveness() *LivenessMonitor {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.liveness
}

// markOpen moves a negotiating link to open and installs its monitor. It
// reports false if the link is not negotiating.
func (l *Link) markOpen(lm *LivenessMonitor) bool {
	l.mu.Lock()
	if l.state != LinkNegotiating {
		l.mu.Unlock()
		return false
	}
	l.state = LinkOpen
	l.liveness = lm
	l.openedAt = time.Now()
	l.mu.Unlock()

	l.openOnce.Do(func() { close(l.opened) })
	return true
}

// fail records the first failure and wakes anyone waiting on the link. It
// reports whether this call was the first.
func (l *Link) fail(err error) bool {
	first := false
	l.failOnce.Do(func() {
		l.mu.Lock()
		l.failErr = err
		l.mu.Unlock()
		close(l.failed)
		first = true
	})
	return first
}

func (l *Link) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failErr
}

// queueCandidate holds a local candidate until the description that
// precedes it has been sent. It reports true if the caller may send the
// candidate right away.
func (l *Link) queueCandidate(c wire.Candidate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.descriptionSent {
		return true
	}
	l.pendingCandidates = append(l.pendingCandidates, c)
	return false
}

// descriptionDelivered marks the local description as sent and returns the
// candidates gathered before that.
func (l *Link) descriptionDelivered() []wire.Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.descriptionSent = true
	out := l.pendingCandidates
	l.pendingCandidates = nil
	return out
}

// bufferRemote holds a remote candidate until the remote description is
// applied. It reports true if the caller may add the candidate right away.
func (l *Link) bufferRemote(c wire.Candidate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remoteSet && l.transport != nil {
		return true
	}
	l.remoteCandidates = append(l.remoteCandidates, c)
	return false
}

// remoteApplied marks the remote description as set and returns the
// candidates that arrived before it.
func (l *Link) remoteApplied() []wire.Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteSet = true
	out := l.remoteCandidates
	l.remoteCandidates = nil
	return out
}

// takeEarlyCandidates returns the remote candidates buffered on a link that
// never got a transport, so a replacing link can inherit them.
func (l *Link) takeEarlyCandidates() []wire.Candidate {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transport != nil {
		return nil
	}
	out := l.remoteCandidates
	l.remoteCandidates = nil
	return out
}

// setDeadline runs fn after d unless the link is closed first.
func (l *Link) setDeadline(d time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state >= LinkClosing {
		return
	}
	l.deadline = time.AfterFunc(d, fn)
}

// close releases the channel and transport. It is idempotent and tolerates a
// link that never got a transport.
func (l *Link) close() {
	l.mu.Lock()
	if l.state >= LinkClosing {
		l.mu.Unlock()
		return
	}
	l.state = LinkClosing
	ch, t := l.channel, l.transport
	if l.deadline != nil {
		l.deadline.Stop()
	}
	l.mu.Unlock()

	l.cancel()
	if ch != nil && ch.ReadyState() != ChannelClosed {
		if err := ch.Close(); err != nil {
			l.logger.Debug("link: channel close", "error", err)
		}
	}
	if t != nil {
		if err := t.Close(); err != nil {
			l.logger.Debug("link: transport close", "error", err)
		}
	}

	l.mu.Lock()
	l.state = LinkClosed
	l.mu.Unlock()
}

// LinkInfo is a read-only snapshot for the admin API.
type LinkInfo struct {
	PeerRank        int       `json:"peer_rank"`
	Direction       string    `json:"direction"`
	Outbound        bool      `json:"outbound"`
	State           string    `json:"state"`
	ChannelState    string    `json:"channel_state,omitempty"`
	ConnectionState string    `json:"connection_state,omitempty"`
	Retries         int       `json:"retries"`
	OpenedAt        string    `json:"opened_at,omitempty"`
	Ping            PingStats `json:"ping"`
}

func (l *Link) info() LinkInfo {
	l.mu.Lock()
	info := LinkInfo{
		PeerRank: l.peerRank,
		Outbound: l.outbound,
		State:    l.state.String(),
	}
	if l.channel != nil {
		info.ChannelState = l.channel.ReadyState().String()
	}
	if l.transport != nil && l.state < LinkClosing {
		info.ConnectionState = l.transport.ConnectionState().String()
	}
	if !l.openedAt.IsZero() {
		info.OpenedAt = l.openedAt.Format(time.RFC3339)
	}
	lm := l.liveness
	l.mu.Unlock()

	if lm != nil {
		info.Ping = lm.Stats()
	}
	return info
}
