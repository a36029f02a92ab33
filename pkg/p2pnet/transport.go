package p2pnet

import (
	"github.com/shurlinet/torusmesh/pkg/wire"
)

// ConnectionState mirrors the peer connection state machine of the
// underlying transport.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// ChannelState is the ready state of a data channel.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

// EventKind tags a TransportEvent.
type EventKind int

const (
	// EventDataChannel delivers a channel opened by the remote side.
	EventDataChannel EventKind = iota
	EventChannelOpen
	EventChannelMessage
	EventChannelClose
	EventConnectionState
	// EventLocalCandidate delivers a locally gathered ICE candidate.
	EventLocalCandidate
)

func (k EventKind) String() string {
	switch k {
	case EventDataChannel:
		return "data-channel"
	case EventChannelOpen:
		return "channel-open"
	case EventChannelMessage:
		return "channel-message"
	case EventChannelClose:
		return "channel-close"
	case EventConnectionState:
		return "connection-state"
	case EventLocalCandidate:
		return "local-candidate"
	}
	return "unknown"
}

// TransportEvent is one notification from a PeerTransport. Only the fields
// relevant to Kind are set.
type TransportEvent struct {
	Kind      EventKind
	Channel   Channel
	Data      []byte
	State     ConnectionState
	Candidate wire.Candidate
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type wire.SignalKind
	SDP  string
}

// Channel is an ordered, reliable data channel.
type Channel interface {
	Label() string
	Send(data []byte) error
	ReadyState() ChannelState
	Close() error
}

// PeerTransport is one peer connection. Implementations deliver every
// callback as a TransportEvent on Events, in order, and stop delivering once
// Close returns.
type PeerTransport interface {
	CreateDataChannel(label string) (Channel, error)
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(SessionDescription) error
	SetRemoteDescription(SessionDescription) error
	// LocalDescription returns the current local description, including any
	// candidates gathered so far.
	LocalDescription() (SessionDescription, bool)
	AddICECandidate(wire.Candidate) error
	// GatheringComplete is closed when ICE gathering finishes. Call it before
	// SetLocalDescription so completion cannot be missed.
	GatheringComplete() <-chan struct{}
	ConnectionState() ConnectionState
	Events() <-chan TransportEvent
	Close() error
}

// TransportFactory creates the transport for a link to peerRank.
type TransportFactory func(peerRank int) (PeerTransport, error)
