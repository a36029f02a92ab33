package rendezvous

import (
	"log/slog"
)

// AuditLogger writes structured records of who joined the mesh, who left,
// and which sessions were throttled or had signals refused.
// All methods are nil-safe: calling any method on a nil *AuditLogger is a no-op.
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates an AuditLogger that writes to the given handler.
// All audit events are written under the "audit" group for easy filtering.
func NewAuditLogger(handler slog.Handler) *AuditLogger {
	return &AuditLogger{
		logger: slog.New(handler).WithGroup("audit"),
	}
}

// Registered logs a session being assigned a rank.
func (a *AuditLogger) Registered(session, remote string, rank int, kind string) {
	if a == nil {
		return
	}
	a.logger.Info("node_registered",
		"session", session,
		"remote", remote,
		"rank", rank,
		"kind", kind,
	)
}

// Departed logs a registered session going away and freeing its rank.
func (a *AuditLogger) Departed(session string, rank int) {
	if a == nil {
		return
	}
	a.logger.Info("node_departed",
		"session", session,
		"rank", rank,
	)
}

// Throttled logs a frame dropped by the per-session rate limit.
func (a *AuditLogger) Throttled(session, remote string) {
	if a == nil {
		return
	}
	a.logger.Warn("session_throttled",
		"session", session,
		"remote", remote,
	)
}

// SignalRefused logs a signal the server would not relay.
func (a *AuditLogger) SignalRefused(session string, target int, reason string) {
	if a == nil {
		return
	}
	a.logger.Warn("signal_refused",
		"session", session,
		"target", target,
		"reason", reason,
	)
}
