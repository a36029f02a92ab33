// Package wire defines the JSON messages exchanged between mesh nodes and the
// rendezvous server, and between two nodes over an open data channel.
package wire

import "encoding/json"

// Type is the value of the "type" field carried by every message.
type Type string

const (
	TypeReady                 Type = "ready"
	TypeTopology              Type = "topology"
	TypeSignal                Type = "signal"
	TypeConnectionEstablished Type = "connection_established"
	TypeNetworkReady          Type = "network_ready"

	// Data-channel messages.
	TypePing Type = "ping"
	TypePong Type = "pong"
)

// DefaultClientKind is assumed for a ready message that names no kind.
const DefaultClientKind = "javascript"

// Direction names one of the four toroidal neighbors.
type Direction string

const (
	North Direction = "north"
	South Direction = "south"
	West  Direction = "west"
	East  Direction = "east"
)

// Directions lists the four directions in a stable order.
var Directions = [...]Direction{North, South, West, East}

// Valid reports whether d is one of the four grid directions.
func (d Direction) Valid() bool {
	switch d {
	case North, South, West, East:
		return true
	}
	return false
}

// Message is implemented by every protocol message.
type Message interface {
	MessageType() Type
	stamp()
}

// Ready announces a node to the rendezvous server.
type Ready struct {
	Type       Type   `json:"type"`
	ClientKind string `json:"clientKind"`
	// LegacyClientType is the field name used by older clients.
	LegacyClientType string `json:"clientType,omitempty"`
}

// Topology assigns a rank and the current neighbor map to one node.
type Topology struct {
	Type      Type              `json:"type"`
	Rank      int               `json:"rank"`
	Neighbors map[Direction]int `json:"neighbors"`
	GridSize  int               `json:"gridSize"`
}

// Signal carries an opaque negotiation payload. A node fills TargetRank; the
// server rewrites it into SenderRank and SenderKind when relaying.
type Signal struct {
	Type       Type            `json:"type"`
	TargetRank *int            `json:"targetRank,omitempty"`
	SenderRank *int            `json:"senderRank,omitempty"`
	SenderKind string          `json:"senderKind,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// ConnectionEstablished tells the server a data channel to PeerRank opened.
type ConnectionEstablished struct {
	Type     Type `json:"type"`
	PeerRank int  `json:"peerRank"`
}

// NetworkReady is broadcast once every registered node reports its expected
// neighbors as connected.
type NetworkReady struct {
	Type Type `json:"type"`
}

// Ping is sent over a data channel. Timestamp is wall-clock milliseconds.
type Ping struct {
	Type      Type    `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// Pong echoes the Timestamp of the ping it answers.
type Pong struct {
	Type        Type    `json:"type"`
	Timestamp   float64 `json:"timestamp"`
	RespondedAt float64 `json:"respondedAt,omitempty"`
}

func (*Ready) MessageType() Type                 { return TypeReady }
func (*Topology) MessageType() Type              { return TypeTopology }
func (*Signal) MessageType() Type                { return TypeSignal }
func (*ConnectionEstablished) MessageType() Type { return TypeConnectionEstablished }
func (*NetworkReady) MessageType() Type          { return TypeNetworkReady }
func (*Ping) MessageType() Type                  { return TypePing }
func (*Pong) MessageType() Type                  { return TypePong }

func (m *Ready) stamp()                 { m.Type = TypeReady }
func (m *Topology) stamp()              { m.Type = TypeTopology }
func (m *Signal) stamp()                { m.Type = TypeSignal }
func (m *ConnectionEstablished) stamp() { m.Type = TypeConnectionEstablished }
func (m *NetworkReady) stamp()          { m.Type = TypeNetworkReady }
func (m *Ping) stamp()                  { m.Type = TypePing }
func (m *Pong) stamp()                  { m.Type = TypePong }

// Kind returns the announced client kind, falling back to the legacy field and
// then to DefaultClientKind.
func (m *Ready) Kind() string {
	switch {
	case m.ClientKind != "":
		return m.ClientKind
	case m.LegacyClientType != "":
		return m.LegacyClientType
	}
	return DefaultClientKind
}

// SignalKind is the "type" field inside a signal payload.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Candidate is a trickled ICE candidate in its JSON form.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalData is the payload of a Signal as understood by nodes. The server
// never inspects it.
type SignalData struct {
	Type      SignalKind `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}
