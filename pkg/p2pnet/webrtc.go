package p2pnet

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/shurlinet/torusmesh/pkg/wire"
)

// DefaultICEServers are public STUN servers used when none are configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// transportEventBuffer is sized to absorb a burst of gathered candidates
// while the link goroutine is busy.
const transportEventBuffer = 64

// NewWebRTCFactory returns a TransportFactory backed by pion/webrtc peer
// connections using iceServers for STUN/TURN.
func NewWebRTCFactory(iceServers []string) TransportFactory {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	cfg := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
	return func(int) (PeerTransport, error) {
		return newWebRTCTransport(cfg)
	}
}

type webrtcTransport struct {
	pc     *webrtc.PeerConnection
	events chan TransportEvent

	closed    chan struct{}
	closeOnce sync.Once
}

func newWebRTCTransport(cfg webrtc.Configuration) (*webrtcTransport, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	t := &webrtcTransport{
		pc:     pc,
		events: make(chan TransportEvent, transportEventBuffer),
		closed: make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.emit(TransportEvent{Kind: EventConnectionState, State: convertState(s)})
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		t.emit(TransportEvent{Kind: EventLocalCandidate, Candidate: wire.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.emit(TransportEvent{Kind: EventDataChannel, Channel: t.wrap(dc)})
	})
	return t, nil
}

// emit blocks until the event is consumed or the transport is closed, so no
// event is dropped and no pion callback outlives Close.
func (t *webrtcTransport) emit(ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

func (t *webrtcTransport) wrap(dc *webrtc.DataChannel) Channel {
	ch := &webrtcChannel{dc: dc}
	dc.OnOpen(func() {
		t.emit(TransportEvent{Kind: EventChannelOpen, Channel: ch})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.emit(TransportEvent{Kind: EventChannelMessage, Channel: ch, Data: msg.Data})
	})
	dc.OnClose(func() {
		t.emit(TransportEvent{Kind: EventChannelClose, Channel: ch})
	})
	return ch
}

func (t *webrtcTransport) CreateDataChannel(label string) (Channel, error) {
	// Defaults are ordered and reliable.
	dc, err := t.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return t.wrap(dc), nil
}

func (t *webrtcTransport) CreateOffer() (SessionDescription, error) {
	d, err := t.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return fromPion(d), nil
}

func (t *webrtcTransport) CreateAnswer() (SessionDescription, error) {
	d, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, err
	}
	return fromPion(d), nil
}

func (t *webrtcTransport) SetLocalDescription(d SessionDescription) error {
	return t.pc.SetLocalDescription(toPion(d))
}

func (t *webrtcTransport) SetRemoteDescription(d SessionDescription) error {
	return t.pc.SetRemoteDescription(toPion(d))
}

func (t *webrtcTransport) LocalDescription() (SessionDescription, bool) {
	d := t.pc.LocalDescription()
	if d == nil {
		return SessionDescription{}, false
	}
	return fromPion(*d), true
}

func (t *webrtcTransport) AddICECandidate(c wire.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (t *webrtcTransport) GatheringComplete() <-chan struct{} {
	return webrtc.GatheringCompletePromise(t.pc)
}

func (t *webrtcTransport) ConnectionState() ConnectionState {
	return convertState(t.pc.ConnectionState())
}

func (t *webrtcTransport) Events() <-chan TransportEvent { return t.events }

// Close stops every transceiver and closes the peer connection.
func (t *webrtcTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.pc.Close()
	})
	return err
}

type webrtcChannel struct {
	dc *webrtc.DataChannel
}

func (c *webrtcChannel) Label() string { return c.dc.Label() }

// Send writes data as a text message; browser peers expect JSON strings.
func (c *webrtcChannel) Send(data []byte) error { return c.dc.SendText(string(data)) }

func (c *webrtcChannel) Close() error { return c.dc.Close() }

func (c *webrtcChannel) ReadyState() ChannelState {
	switch c.dc.ReadyState() {
	case webrtc.DataChannelStateOpen:
		return ChannelOpen
	case webrtc.DataChannelStateClosing:
		return ChannelClosing
	case webrtc.DataChannelStateClosed:
		return ChannelClosed
	}
	return ChannelConnecting
}

func convertState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionClosed
	}
	return ConnectionNew
}

func fromPion(d webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: wire.SignalKind(d.Type.String()), SDP: d.SDP}
}

func toPion(d SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}
