package wire

import (
	"encoding/json"
	"fmt"
)

// Encode stamps m with its type and marshals it.
func Encode(m Message) ([]byte, error) {
	m.stamp()
	return json.Marshal(m)
}

// Decode parses one frame and validates the fields its type requires. Errors
// wrap ErrMalformedMessage.
func Decode(raw []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	var typ Type
	if t, ok := fields["type"]; ok {
		if err := json.Unmarshal(t, &typ); err != nil {
			return nil, fmt.Errorf("%w: type: %v", ErrMalformedMessage, err)
		}
	}

	var m Message
	switch typ {
	case TypeReady:
		m = &Ready{}
	case TypeTopology:
		if err := require(fields, "rank", "gridSize"); err != nil {
			return nil, err
		}
		m = &Topology{}
	case TypeSignal:
		m = &Signal{}
	case TypeConnectionEstablished:
		if err := require(fields, "peerRank"); err != nil {
			return nil, err
		}
		m = &ConnectionEstablished{}
	case TypeNetworkReady:
		m = &NetworkReady{}
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	case "":
		return nil, malformed(ErrMissingField, "type")
	default:
		return nil, malformed(ErrUnknownType, "%q", typ)
	}

	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, typ, err)
	}
	if err := validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// require distinguishes an absent integer field from an explicit zero.
func require(fields map[string]json.RawMessage, keys ...string) error {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || string(v) == "null" {
			return malformed(ErrMissingField, "%s", k)
		}
	}
	return nil
}

func validate(m Message) error {
	switch m := m.(type) {
	case *Topology:
		if m.Rank < 0 {
			return fmt.Errorf("%w: topology rank %d", ErrMalformedMessage, m.Rank)
		}
		if m.GridSize < 0 {
			return fmt.Errorf("%w: topology gridSize %d", ErrMalformedMessage, m.GridSize)
		}
		for d, r := range m.Neighbors {
			if !d.Valid() {
				return fmt.Errorf("%w: topology direction %q", ErrMalformedMessage, d)
			}
			if r < 0 {
				return fmt.Errorf("%w: topology neighbor rank %d", ErrMalformedMessage, r)
			}
		}
		if m.Neighbors == nil {
			m.Neighbors = map[Direction]int{}
		}
	case *Signal:
		if len(m.Data) == 0 || string(m.Data) == "null" {
			return malformed(ErrMissingField, "signal data")
		}
	case *ConnectionEstablished:
		if m.PeerRank < 0 {
			return fmt.Errorf("%w: peerRank %d", ErrMalformedMessage, m.PeerRank)
		}
	case *Ping:
		if m.Timestamp <= 0 {
			return malformed(ErrMissingField, "ping timestamp")
		}
	case *Pong:
		if m.Timestamp <= 0 {
			return malformed(ErrMissingField, "pong timestamp")
		}
	}
	return nil
}

func malformed(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %w: %s", ErrMalformedMessage, kind, fmt.Sprintf(format, args...))
}

// NewSignal builds an outbound signal addressed to target.
func NewSignal(target int, data SignalData) (*Signal, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Signal{Type: TypeSignal, TargetRank: &target, Data: raw}, nil
}

// Relayed returns the copy of s the server forwards to the target.
func (s *Signal) Relayed(senderRank int, senderKind string) *Signal {
	return &Signal{
		Type:       TypeSignal,
		SenderRank: &senderRank,
		SenderKind: senderKind,
		Data:       s.Data,
	}
}

// DecodeSignalData parses and validates a relayed signal payload.
func DecodeSignalData(raw json.RawMessage) (*SignalData, error) {
	var d SignalData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: signal data: %v", ErrMalformedMessage, err)
	}
	switch d.Type {
	case SignalOffer, SignalAnswer:
		if d.SDP == "" {
			return nil, malformed(ErrMissingField, "%s sdp", d.Type)
		}
	case SignalCandidate:
		if d.Candidate == nil {
			return nil, malformed(ErrMissingField, "candidate")
		}
	case "":
		return nil, malformed(ErrMissingField, "signal data type")
	default:
		return nil, malformed(ErrUnknownType, "signal data %q", d.Type)
	}
	return &d, nil
}
