package daemon

import "errors"

var (
	// ErrAlreadyStarted is returned when Start is called on a server that is
	// already listening.
	ErrAlreadyStarted = errors.New("admin API already started")

	// ErrNotRunning is returned by the client when nothing answers at the
	// admin address.
	ErrNotRunning = errors.New("admin API not reachable")

	// ErrUnhealthy is returned by Client.Health when the process reports a
	// failing health check.
	ErrUnhealthy = errors.New("unhealthy")
)
