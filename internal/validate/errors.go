package validate

import "errors"

var (
	// ErrInvalidAddress is returned when a listen address is not host:port
	// with a numeric port.
	ErrInvalidAddress = errors.New("invalid listen address")

	// ErrInvalidURL is returned when a rendezvous or ICE server URL has the
	// wrong scheme or no host.
	ErrInvalidURL = errors.New("invalid url")

	// ErrInvalidClientKind is returned when a client kind does not match the
	// DNS-label format (1-63 lowercase alphanumeric + hyphens).
	ErrInvalidClientKind = errors.New("invalid client kind")
)
