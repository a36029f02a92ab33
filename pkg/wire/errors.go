package wire

import "errors"

var (
	// ErrMalformedMessage is returned when a frame is not valid JSON or is
	// missing a field its type requires. Every decode failure wraps it.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUnknownType is returned for a well-formed frame whose "type" is not
	// part of the protocol.
	ErrUnknownType = errors.New("unknown message type")

	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("missing required field")
)
