// Package p2pnet is the node side of the mesh: it joins the rendezvous
// server, builds one data channel to every grid neighbor, retries failed
// negotiations and monitors the links it holds.
package p2pnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shurlinet/torusmesh/pkg/wire"
)

// State is the coordinator's lifecycle. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// sendTimeout bounds one write to the rendezvous connection.
const sendTimeout = 10 * time.Second

// Options configures a Coordinator. Zero fields take the DefaultOptions
// value.
type Options struct {
	ClientKind          string
	MaxRetries          int
	RetryDelay          time.Duration
	ConnectionTimeout   time.Duration
	ICEGatheringTimeout time.Duration
	PingInterval        time.Duration
	WorkerPoolSize      int
	// DebugInterval is the period of the link-state debug log. Negative
	// disables it.
	DebugInterval time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		ClientKind:          "go",
		MaxRetries:          3,
		RetryDelay:          2 * time.Second,
		ConnectionTimeout:   30 * time.Second,
		ICEGatheringTimeout: 10 * time.Second,
		PingInterval:        5 * time.Second,
		WorkerPoolSize:      3,
		DebugInterval:       5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ClientKind == "" {
		o.ClientKind = d.ClientKind
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = d.ConnectionTimeout
	}
	if o.ICEGatheringTimeout <= 0 {
		o.ICEGatheringTimeout = d.ICEGatheringTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.WorkerPoolSize <= 0 {
		o.WorkerPoolSize = d.WorkerPoolSize
	}
	if o.DebugInterval == 0 {
		o.DebugInterval = d.DebugInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics("dev", runtime.Version())
	}
	return o
}

// RendezvousConn is the node's connection to the rendezvous server. Send
// may be called from several goroutines; Recv from one. Close unblocks Recv.
type RendezvousConn interface {
	Send(ctx context.Context, m wire.Message) error
	Recv() ([]byte, error)
	Close() error
}

// Coordinator runs one mesh node. All per-neighbor maps (connections,
// pending, connected, retries) change together under mu, so a rank is never
// both pending and connected and has at most one live link.
type Coordinator struct {
	opts         Options
	baseLogger   *slog.Logger
	metrics      *Metrics
	newTransport TransportFactory
	sup          *Supervisor

	conn   RendezvousConn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu sync.Mutex
	state   State
	readyCh chan struct{}

	mu          sync.Mutex
	logger      *slog.Logger
	hasRank     bool
	rank        int
	gridSize    int
	neighbors   map[wire.Direction]int
	connections map[int]*Link
	pending     map[int]struct{}
	connected   map[int]struct{}
	retries     map[int]int
}

// NewCoordinator creates a coordinator that builds links with newTransport.
func NewCoordinator(newTransport TransportFactory, opts Options) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		opts:         opts,
		baseLogger:   opts.Logger,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		newTransport: newTransport,
		readyCh:      make(chan struct{}),
		neighbors:    make(map[wire.Direction]int),
		connections:  make(map[int]*Link),
		pending:      make(map[int]struct{}),
		connected:    make(map[int]struct{}),
		retries:      make(map[int]int),
	}
	c.sup = newSupervisor(c, opts.WorkerPoolSize)
	return c
}

// Metrics returns the coordinator's collectors.
func (c *Coordinator) Metrics() *Metrics { return c.metrics }

// Run announces the node on conn and processes rendezvous messages until ctx
// is cancelled or conn fails. Either way the node enters DISCONNECTING, stops
// its workers, releases every link and closes conn before Run returns. Run
// must be called once.
func (c *Coordinator) Run(ctx context.Context, conn RendezvousConn) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()
	c.conn = conn

	c.sup.Start(c.ctx)
	c.metrics.NodeState.Set(float64(StateConnecting))

	if err := c.send(&wire.Ready{ClientKind: c.opts.ClientKind}); err != nil {
		c.shutdown()
		return fmt.Errorf("%w: announce: %v", ErrNoRendezvous, err)
	}
	c.log().Info("p2pnet: announced to rendezvous", "kind", c.opts.ClientKind)

	if c.opts.DebugInterval > 0 {
		c.wg.Add(1)
		go c.debugLoop()
	}

	stop := context.AfterFunc(c.ctx, func() { conn.Close() })
	defer stop()

	var runErr error
	for {
		raw, err := conn.Recv()
		if err != nil {
			if c.ctx.Err() == nil {
				runErr = fmt.Errorf("%w: %v", ErrNoRendezvous, err)
				c.log().Warn("p2pnet: rendezvous connection lost", "error", err)
			}
			break
		}
		c.dispatch(raw)
	}

	c.shutdown()
	return runErr
}

func (c *Coordinator) shutdown() {
	c.setState(StateDisconnecting)
	c.cancel()
	c.sup.Stop()

	c.mu.Lock()
	links := slices.Collect(maps.Values(c.connections))
	clear(c.connections)
	clear(c.pending)
	clear(c.connected)
	c.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	c.wg.Wait()
	c.conn.Close()
	c.updateGauges()
	c.log().Info("p2pnet: node stopped", "released_links", len(links))
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Ready is closed when the node enters READY.
func (c *Coordinator) Ready() <-chan struct{} { return c.readyCh }

func (c *Coordinator) setState(to State) bool {
	c.stateMu.Lock()
	from := c.state
	if to <= from {
		c.stateMu.Unlock()
		return false
	}
	c.state = to
	c.stateMu.Unlock()

	if to == StateReady {
		close(c.readyCh)
	}
	c.metrics.NodeState.Set(float64(to))
	c.log().Info("p2pnet: state changed", "from", from, "to", to)
	return true
}

func (c *Coordinator) log() *slog.Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logger
}

// Rank returns the assigned rank, if any.
func (c *Coordinator) Rank() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rank, c.hasRank
}

func (c *Coordinator) send(m wire.Message) error {
	ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
	defer cancel()
	return c.conn.Send(ctx, m)
}

func (c *Coordinator) dispatch(raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		c.metrics.MalformedMessagesTotal.WithLabelValues("rendezvous").Inc()
		c.log().Warn("p2pnet: dropping malformed rendezvous message", "error", err)
		return
	}

	switch m := msg.(type) {
	case *wire.Topology:
		c.handleTopology(m)
	case *wire.Signal:
		c.handleSignal(m)
	case *wire.NetworkReady:
		c.log().Info("p2pnet: network ready")
		c.setState(StateReady)
	default:
		c.log().Warn("p2pnet: unexpected rendezvous message", "type", msg.MessageType())
	}
}

func (c *Coordinator) handleTopology(t *wire.Topology) {
	c.mu.Lock()
	if !c.hasRank {
		c.hasRank = true
		c.rank = t.Rank
		c.logger = c.baseLogger.With("rank", t.Rank)
		c.logger.Info("p2pnet: rank assigned")
	} else if t.Rank != c.rank {
		logger := c.logger
		c.mu.Unlock()
		logger.Warn("p2pnet: topology for another rank ignored", "topology_rank", t.Rank)
		return
	}
	self := c.rank
	c.gridSize = t.GridSize
	c.neighbors = maps.Clone(t.Neighbors)
	want := c.neighborSetLocked()

	var stale []int
	for r := range c.connections {
		if _, ok := want[r]; !ok {
			stale = append(stale, r)
		}
	}
	for r := range c.retries {
		if _, ok := want[r]; !ok {
			delete(c.retries, r)
		}
	}
	logger := c.logger
	c.mu.Unlock()

	logger.Info("p2pnet: topology received",
		"grid_size", t.GridSize, "neighbors", formatNeighbors(t.Neighbors), "expected", len(want))

	for _, r := range stale {
		c.cleanup(r, nil, "no longer a neighbor")
	}

	// The lower rank of each pair initiates.
	for _, r := range slices.Sorted(maps.Keys(want)) {
		if r > self {
			c.queueOutbound(r, true)
		}
	}
	c.updateGauges()
}

// neighborSetLocked returns the distinct neighbor ranks, excluding self.
func (c *Coordinator) neighborSetLocked() map[int]struct{} {
	set := make(map[int]struct{}, len(c.neighbors))
	for _, r := range c.neighbors {
		if r != c.rank {
			set[r] = struct{}{}
		}
	}
	return set
}

func (c *Coordinator) isNeighborLocked(rank int) bool {
	_, ok := c.neighborSetLocked()[rank]
	return ok
}

// queueOutbound creates a queued link toward rank and hands it to the
// supervisor, unless a link to rank already exists. fresh resets the retry
// count.
func (c *Coordinator) queueOutbound(rank int, fresh bool) {
	c.mu.Lock()
	if c.State() == StateDisconnecting || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	if _, exists := c.connections[rank]; exists {
		c.mu.Unlock()
		return
	}
	if !c.isNeighborLocked(rank) {
		c.mu.Unlock()
		return
	}
	l := newLink(c.ctx, rank, true, c.logger)
	c.connections[rank] = l
	c.pending[rank] = struct{}{}
	if fresh {
		c.retries[rank] = 0
	}
	c.mu.Unlock()

	l.logger.Debug("p2pnet: outbound link queued")
	c.sup.Enqueue(rank)
	c.updateGauges()
}

// negotiate runs one outbound attempt toward rank: transport, data channel,
// offer, bounded ICE gathering, then waits for the channel to open. The
// whole attempt is bounded by ConnectionTimeout.
func (c *Coordinator) negotiate(ctx context.Context, rank int) error {
	c.mu.Lock()
	l := c.connections[rank]
	self := c.rank
	c.mu.Unlock()
	if l == nil || !l.outbound || l.State() != LinkQueued {
		return errSuperseded
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectionTimeout)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	t, err := c.newTransport(rank)
	if err != nil {
		return fmt.Errorf("%w: create transport: %v", ErrNegotiationFailure, err)
	}
	if !l.attach(t) {
		t.Close()
		return errSuperseded
	}
	c.startLinkLoop(l, t)
	l.logger.Info("p2pnet: negotiating outbound link")

	ch, err := t.CreateDataChannel(fmt.Sprintf("torus-%d-%d", self, rank))
	if err != nil {
		return fmt.Errorf("%w: create data channel: %v", ErrNegotiationFailure, err)
	}
	l.setChannel(ch)

	offer, err := t.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiationFailure, err)
	}
	gathered := t.GatheringComplete()
	if err := t.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %v", ErrNegotiationFailure, err)
	}

	gatherTimer := time.NewTimer(c.opts.ICEGatheringTimeout)
	select {
	case <-gathered:
	case <-gatherTimer.C:
		l.logger.Warn("p2pnet: ICE gathering timed out, sending offer with partial candidates",
			"timeout", c.opts.ICEGatheringTimeout)
	case <-ctx.Done():
	}
	gatherTimer.Stop()
	if err := c.attemptErr(ctx, l); err != nil {
		return err
	}

	if desc, ok := t.LocalDescription(); ok {
		offer = desc
	}
	if err := c.sendSignal(rank, wire.SignalData{Type: wire.SignalOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("%w: send offer: %v", ErrNegotiationFailure, err)
	}
	c.flushLocalCandidates(l)

	select {
	case <-l.opened:
		return nil
	case <-l.failed:
		return fmt.Errorf("%w: %w", ErrNegotiationFailure, l.err())
	case <-ctx.Done():
		return c.attemptErr(ctx, l)
	}
}

// attemptErr maps a finished attempt context to the error the supervisor
// acts on. A link released while negotiating was superseded.
func (c *Coordinator) attemptErr(ctx context.Context, l *Link) error {
	if ctx.Err() == nil {
		return nil
	}
	if c.ctx.Err() != nil {
		return ErrNodeDisconnecting
	}
	if l.ctx.Err() != nil {
		return errSuperseded
	}
	return fmt.Errorf("%w after %s", ErrNegotiationTimeout, c.opts.ConnectionTimeout)
}

func (c *Coordinator) startLinkLoop(l *Link, t PeerTransport) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		events := t.Events()
		for {
			select {
			case <-l.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.handleLinkEvent(l, ev)
			}
		}
	}()
}

func (c *Coordinator) handleLinkEvent(l *Link, ev TransportEvent) {
	switch ev.Kind {
	case EventDataChannel:
		l.setChannel(ev.Channel)
		l.logger.Debug("p2pnet: remote data channel announced", "label", ev.Channel.Label())
	case EventChannelOpen:
		c.onChannelOpen(l, ev.Channel)
	case EventChannelMessage:
		if lm := l.getLiveness(); lm != nil {
			lm.Handle(ev.Data)
		}
	case EventChannelClose:
		c.onLinkFailure(l, ErrTransportClosed)
	case EventConnectionState:
		l.logger.Debug("p2pnet: connection state", "state", ev.State)
		switch ev.State {
		case ConnectionFailed:
			c.onLinkFailure(l, ErrICEFailed)
		case ConnectionClosed:
			c.onLinkFailure(l, ErrTransportClosed)
		case ConnectionDisconnected:
			l.logger.Warn("p2pnet: peer connection disconnected")
		}
	case EventLocalCandidate:
		if l.queueCandidate(ev.Candidate) {
			c.sendCandidate(l, ev.Candidate)
		}
	}
}

func (c *Coordinator) onChannelOpen(l *Link, ch Channel) {
	if ch != nil {
		l.setChannel(ch)
	}
	ch = l.getChannel()
	rank := l.peerRank

	c.mu.Lock()
	if c.connections[rank] != l || ch == nil || c.State() == StateDisconnecting {
		c.mu.Unlock()
		return
	}
	lm := newLivenessMonitor(rank, ch, c.opts.PingInterval, l.logger, c.metrics)
	if !l.markOpen(lm) {
		c.mu.Unlock()
		return
	}
	delete(c.pending, rank)
	c.connected[rank] = struct{}{}
	if l.outbound {
		c.retries[rank] = 0
	}
	connected, expected := len(c.connected), len(c.neighborSetLocked())
	c.mu.Unlock()

	c.updateGauges()
	l.logger.Info("p2pnet: connected to peer", "connected", connected, "expected", expected)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		lm.Run(l.ctx)
	}()

	if err := c.send(&wire.ConnectionEstablished{PeerRank: rank}); err != nil {
		l.logger.Warn("p2pnet: connection report failed", "error", err)
	}
}

// onLinkFailure handles the first failure reported for l. A failure while an
// outbound link is negotiating is left to the worker waiting on it. An open
// outbound link is cleaned up and retried; an inbound link is only cleaned
// up, since its initiator retries.
func (c *Coordinator) onLinkFailure(l *Link, cause error) {
	if !l.fail(cause) {
		return
	}
	rank := l.peerRank

	c.mu.Lock()
	current := c.connections[rank] == l
	c.mu.Unlock()
	if !current || c.State() == StateDisconnecting {
		l.close()
		return
	}

	c.metrics.LinkFailuresTotal.WithLabelValues(failureReason(cause)).Inc()
	state := l.State()
	l.logger.Warn("p2pnet: link failed", "state", state, "outbound", l.outbound, "error", cause)

	switch {
	case state == LinkOpen && l.outbound:
		c.cleanup(rank, l, "failed after open")
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.sup.retry(c.ctx, rank, cause)
		}()
	case state == LinkOpen || !l.outbound:
		c.cleanup(rank, l, "failed")
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrICEFailed):
		return "ice_failed"
	case errors.Is(err, ErrTransportClosed):
		return "closed"
	case errors.Is(err, ErrNegotiationTimeout):
		return "timeout"
	}
	return "negotiation"
}

// cleanup removes rank from every per-neighbor map and releases its link.
// With only set, the maps are touched only if only is still rank's link;
// only itself is released either way. Safe to repeat.
func (c *Coordinator) cleanup(rank int, only *Link, reason string) {
	c.mu.Lock()
	l := c.connections[rank]
	if only != nil && l != only {
		c.mu.Unlock()
		only.close()
		return
	}
	delete(c.connections, rank)
	delete(c.pending, rank)
	delete(c.connected, rank)
	c.mu.Unlock()

	if l != nil {
		l.close()
		l.logger.Info("p2pnet: link released", "reason", reason)
	}
	c.updateGauges()
}

func (c *Coordinator) bumpRetry(rank int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := c.retries[rank]
	if count >= c.opts.MaxRetries {
		return count, false
	}
	c.retries[rank] = count + 1
	return count, true
}

func (c *Coordinator) isConnected(rank int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.connected[rank]
	return ok
}

func (c *Coordinator) handleSignal(s *wire.Signal) {
	if s.SenderRank == nil {
		c.metrics.MalformedMessagesTotal.WithLabelValues("rendezvous").Inc()
		c.log().Warn("p2pnet: dropping signal without sender", "error", wire.ErrMissingField)
		return
	}
	from := *s.SenderRank

	data, err := wire.DecodeSignalData(s.Data)
	if err != nil {
		c.metrics.MalformedMessagesTotal.WithLabelValues("rendezvous").Inc()
		c.log().Warn("p2pnet: dropping malformed signal", "peer", from, "error", err)
		return
	}
	if _, ok := c.Rank(); !ok {
		c.log().Warn("p2pnet: signal before rank assignment ignored", "peer", from, "kind", data.Type)
		return
	}
	c.metrics.SignalsTotal.WithLabelValues("in", string(data.Type)).Inc()

	switch data.Type {
	case wire.SignalOffer:
		c.handleOffer(from, data.SDP)
	case wire.SignalAnswer:
		c.handleAnswer(from, data.SDP)
	case wire.SignalCandidate:
		c.handleRemoteCandidate(from, *data.Candidate)
	}
}

// handleOffer answers an offer from a neighbor, replacing any link to it.
// Offers from other ranks are dropped.
func (c *Coordinator) handleOffer(from int, sdp string) {
	c.mu.Lock()
	if c.State() == StateDisconnecting {
		c.mu.Unlock()
		return
	}
	if !c.isNeighborLocked(from) {
		logger := c.logger
		c.mu.Unlock()
		logger.Warn("p2pnet: offer from a non-neighbor ignored", "peer", from)
		return
	}
	old := c.connections[from]
	delete(c.pending, from)
	delete(c.connected, from)
	l := newLink(c.ctx, from, false, c.logger)
	c.connections[from] = l
	c.mu.Unlock()

	if old != nil {
		for _, cand := range old.takeEarlyCandidates() {
			l.bufferRemote(cand)
		}
		old.close()
		l.logger.Info("p2pnet: offer replaces existing link", "old_state", old.State())
	}
	c.updateGauges()

	t, err := c.newTransport(from)
	if err != nil {
		l.logger.Error("p2pnet: create transport for offer", "error", err)
		c.cleanup(from, l, "transport unavailable")
		return
	}
	if !l.attach(t) {
		t.Close()
		return
	}
	c.startLinkLoop(l, t)
	l.setDeadline(c.opts.ConnectionTimeout, func() {
		if l.State() == LinkNegotiating {
			c.onLinkFailure(l, ErrNegotiationTimeout)
		}
	})

	if err := c.answer(l, t, sdp); err != nil {
		l.logger.Error("p2pnet: answering offer failed", "error", err)
		c.cleanup(from, l, "answer failed")
	}
}

func (c *Coordinator) answer(l *Link, t PeerTransport, sdp string) error {
	if err := t.SetRemoteDescription(SessionDescription{Type: wire.SignalOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("%w: set remote description: %v", ErrNegotiationFailure, err)
	}
	c.applyRemoteCandidates(l, t, l.remoteApplied())

	ans, err := t.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiationFailure, err)
	}
	if err := t.SetLocalDescription(ans); err != nil {
		return fmt.Errorf("%w: set local description: %v", ErrNegotiationFailure, err)
	}
	if desc, ok := t.LocalDescription(); ok {
		ans = desc
	}
	if err := c.sendSignal(l.peerRank, wire.SignalData{Type: wire.SignalAnswer, SDP: ans.SDP}); err != nil {
		return fmt.Errorf("%w: send answer: %v", ErrNegotiationFailure, err)
	}
	c.flushLocalCandidates(l)
	l.logger.Info("p2pnet: answered offer")
	return nil
}

func (c *Coordinator) handleAnswer(from int, sdp string) {
	c.mu.Lock()
	l := c.connections[from]
	c.mu.Unlock()

	if l == nil || !l.outbound {
		c.log().Warn("p2pnet: answer without a matching offer ignored", "peer", from)
		return
	}
	t := l.getTransport()
	if t == nil {
		l.logger.Warn("p2pnet: answer before negotiation started ignored")
		return
	}
	if err := t.SetRemoteDescription(SessionDescription{Type: wire.SignalAnswer, SDP: sdp}); err != nil {
		l.logger.Error("p2pnet: applying answer failed", "error", err)
		c.onLinkFailure(l, fmt.Errorf("%w: set remote description: %v", ErrNegotiationFailure, err))
		return
	}
	c.applyRemoteCandidates(l, t, l.remoteApplied())
	l.logger.Debug("p2pnet: answer applied")
}

// handleRemoteCandidate adds a trickled candidate. A candidate from a rank
// with no link opens an inbound link that the following offer inherits.
func (c *Coordinator) handleRemoteCandidate(from int, cand wire.Candidate) {
	c.mu.Lock()
	l := c.connections[from]
	if l == nil {
		if c.State() == StateDisconnecting {
			c.mu.Unlock()
			return
		}
		l = newLink(c.ctx, from, false, c.logger)
		c.connections[from] = l
		c.mu.Unlock()
		l.bufferRemote(cand)
		l.logger.Debug("p2pnet: candidate before offer buffered")
		l.setDeadline(c.opts.ConnectionTimeout, func() {
			if l.getTransport() == nil {
				c.cleanup(from, l, "no offer followed candidate")
			}
		})
		return
	}
	c.mu.Unlock()

	if !l.bufferRemote(cand) {
		return
	}
	c.applyRemoteCandidates(l, l.getTransport(), []wire.Candidate{cand})
}

// applyRemoteCandidates adds candidates to t. Failures are logged and never
// affect the link.
func (c *Coordinator) applyRemoteCandidates(l *Link, t PeerTransport, cands []wire.Candidate) {
	for _, cand := range cands {
		if err := t.AddICECandidate(cand); err != nil {
			l.logger.Warn("p2pnet: adding remote candidate failed", "candidate", cand.Candidate, "error", err)
		}
	}
}

func (c *Coordinator) flushLocalCandidates(l *Link) {
	for _, cand := range l.descriptionDelivered() {
		c.sendCandidate(l, cand)
	}
}

func (c *Coordinator) sendCandidate(l *Link, cand wire.Candidate) {
	if err := c.sendSignal(l.peerRank, wire.SignalData{Type: wire.SignalCandidate, Candidate: &cand}); err != nil {
		l.logger.Warn("p2pnet: sending candidate failed", "error", err)
	}
}

func (c *Coordinator) sendSignal(to int, data wire.SignalData) error {
	sig, err := wire.NewSignal(to, data)
	if err != nil {
		return err
	}
	if err := c.send(sig); err != nil {
		return err
	}
	c.metrics.SignalsTotal.WithLabelValues("out", string(data.Type)).Inc()
	return nil
}

func (c *Coordinator) updateGauges() {
	c.mu.Lock()
	expected := len(c.neighborSetLocked())
	connected := len(c.connected)
	pending := len(c.pending)
	c.mu.Unlock()

	c.metrics.ExpectedConnections.Set(float64(expected))
	c.metrics.ConnectedPeers.Set(float64(connected))
	c.metrics.PendingConnections.Set(float64(pending))
}

// Status is a snapshot of the node for the admin API.
type Status struct {
	Rank      *int                   `json:"rank,omitempty"`
	State     string                 `json:"state"`
	GridSize  int                    `json:"grid_size"`
	Neighbors map[wire.Direction]int `json:"neighbors"`
	Expected  int                    `json:"expected"`
	Connected []int                  `json:"connected"`
	Pending   []int                  `json:"pending"`
	Queued    int                    `json:"queued"`
	Links     []LinkInfo             `json:"links"`
	// ICE is filled in by callers that ran ProbeICEServers.
	ICE *ICEProbeResult `json:"ice,omitempty"`
}

// Status returns a snapshot of the node.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		State:     c.State().String(),
		GridSize:  c.gridSize,
		Neighbors: maps.Clone(c.neighbors),
		Expected:  len(c.neighborSetLocked()),
		Connected: slices.Sorted(maps.Keys(c.connected)),
		Pending:   slices.Sorted(maps.Keys(c.pending)),
	}
	if c.hasRank {
		rank := c.rank
		st.Rank = &rank
	}
	links := make([]*Link, 0, len(c.connections))
	for _, rank := range slices.Sorted(maps.Keys(c.connections)) {
		links = append(links, c.connections[rank])
	}
	retries := maps.Clone(c.retries)
	dirs := directionsByRank(c.neighbors)
	c.mu.Unlock()

	st.Queued = c.sup.queue.len()
	for _, l := range links {
		info := l.info()
		info.Retries = retries[l.peerRank]
		info.Direction = dirs[l.peerRank]
		st.Links = append(st.Links, info)
	}
	return st
}

// debugLoop periodically logs the state of every neighbor link.
func (c *Coordinator) debugLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.DebugInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		st := c.Status()
		logger := c.log()
		logger.Debug("p2pnet: link summary", "state", st.State,
			"connected", len(st.Connected), "expected", st.Expected, "pending", len(st.Pending), "queued", st.Queued)
		for _, li := range st.Links {
			logger.Debug("p2pnet: link", "peer", li.PeerRank, "direction", li.Direction, "state", li.State,
				"channel", li.ChannelState, "connection", li.ConnectionState, "retries", li.Retries)
		}
	}
}

func directionsByRank(neighbors map[wire.Direction]int) map[int]string {
	byRank := make(map[int][]string)
	for _, d := range wire.Directions {
		if r, ok := neighbors[d]; ok {
			byRank[r] = append(byRank[r], string(d))
		}
	}
	out := make(map[int]string, len(byRank))
	for r, ds := range byRank {
		out[r] = strings.Join(ds, ",")
	}
	return out
}

func formatNeighbors(neighbors map[wire.Direction]int) string {
	var parts []string
	for _, d := range wire.Directions {
		if r, ok := neighbors[d]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", d, r))
		}
	}
	return strings.Join(parts, " ")
}
