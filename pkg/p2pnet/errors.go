package p2pnet

import "errors"

var (
	// ErrNegotiationTimeout is returned when a link does not open within the
	// connection timeout.
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	// ErrNegotiationFailure wraps any error raised while building an offer
	// or answer, or applying a remote description.
	ErrNegotiationFailure = errors.New("negotiation failed")

	// ErrRetryExhausted is logged when a rank has used all its retries.
	ErrRetryExhausted = errors.New("retries exhausted")

	// ErrTransportClosed is reported when a data channel or peer connection
	// closes under an active link.
	ErrTransportClosed = errors.New("transport closed")

	// ErrICEFailed is reported when the peer connection enters the failed
	// state.
	ErrICEFailed = errors.New("ice connection failed")

	// ErrNodeDisconnecting is returned for work requested after shutdown
	// began.
	ErrNodeDisconnecting = errors.New("node disconnecting")

	// ErrNoRendezvous is returned when the rendezvous connection is lost.
	ErrNoRendezvous = errors.New("rendezvous connection lost")

	// errSuperseded marks a queued request whose link was replaced or pruned
	// before a worker reached it.
	errSuperseded = errors.New("link superseded")
)
