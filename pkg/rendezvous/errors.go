package rendezvous

import "errors"

var (
	// ErrRelayTargetMissing is returned when a signal names a rank that has no
	// live session.
	ErrRelayTargetMissing = errors.New("relay target not registered")

	// ErrNotRegistered is returned for messages that require a registered
	// session arriving before "ready".
	ErrNotRegistered = errors.New("session not registered")

	// ErrRateLimited is returned when a session exceeds its inbound budget.
	ErrRateLimited = errors.New("session rate limited")

	// ErrSlowConsumer is returned when a session's send queue is full.
	ErrSlowConsumer = errors.New("session send queue full")

	// ErrServerClosed is returned by operations on a closed server.
	ErrServerClosed = errors.New("rendezvous server closed")
)
