// Package watchdog runs periodic health checks and keeps systemd informed
// through sd_notify.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"
)

// DefaultInterval is used when no interval is configured.
const DefaultInterval = 30 * time.Second

// Check is a named probe that returns nil when healthy.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Report is the outcome of the most recent round of checks.
type Report struct {
	CheckedAt time.Time         `json:"checked_at"`
	Failing   map[string]string `json:"failing,omitempty"`
}

// Healthy reports whether every check passed. A report that has not run yet
// counts as healthy.
func (r Report) Healthy() bool { return len(r.Failing) == 0 }

// Err summarizes the failing checks, or returns nil.
func (r Report) Err() error {
	if r.Healthy() {
		return nil
	}
	names := make([]string, 0, len(r.Failing))
	for name := range r.Failing {
		names = append(names, name)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %s", name, r.Failing[name]))
	}
	return errors.Join(errs...)
}

// Watchdog runs its checks on a fixed interval.
type Watchdog struct {
	interval time.Duration
	checks   []Check
	logger   *slog.Logger

	// notify is sdNotify outside tests.
	notify func(state string) error

	mu   sync.Mutex
	last Report
}

// New creates a watchdog. A non-positive interval means DefaultInterval; a
// nil logger means slog.Default().
func New(interval time.Duration, logger *slog.Logger, checks ...Check) *Watchdog {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		interval: interval,
		checks:   checks,
		logger:   logger,
		notify:   sdNotify,
	}
}

// Run checks health every interval until ctx is cancelled. It heartbeats
// WATCHDOG=1 after every round whatever the outcome; failures are logged and
// kept for Last.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.CheckNow(ctx)
			if err := w.notify("WATCHDOG=1"); err != nil {
				w.logger.Debug("watchdog: heartbeat failed", "error", err)
			}
		}
	}
}

// CheckNow runs every check once, logs failures and records the result
// for Last.
func (w *Watchdog) CheckNow(ctx context.Context) Report {
	r := w.run(ctx)
	for name, msg := range r.Failing {
		w.logger.Warn("watchdog: health check failed", "check", name, "error", msg)
	}

	w.mu.Lock()
	prev := w.last
	w.last = r
	w.mu.Unlock()

	if !prev.Healthy() && r.Healthy() {
		w.logger.Info("watchdog: all health checks passing again")
	}
	return r
}

// Probe runs every check once without logging or recording, for callers
// that need a fresh answer (the /healthz endpoint).
func (w *Watchdog) Probe(ctx context.Context) error {
	return w.run(ctx).Err()
}

func (w *Watchdog) run(ctx context.Context) Report {
	r := Report{CheckedAt: time.Now()}
	for _, c := range w.checks {
		if err := c.Fn(ctx); err != nil {
			if r.Failing == nil {
				r.Failing = make(map[string]string)
			}
			r.Failing[c.Name] = err.Error()
		}
	}
	return r
}

// Last returns the most recent report.
func (w *Watchdog) Last() Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Ready sends READY=1 to systemd, indicating the service is started.
// No-op if NOTIFY_SOCKET is not set (macOS, containers, a plain shell).
func Ready() error {
	return sdNotify("READY=1")
}

// Stopping sends STOPPING=1 to systemd, indicating graceful shutdown.
func Stopping() error {
	return sdNotify("STOPPING=1")
}

// sdNotify writes state to the systemd notify socket, if there is one.
// Abstract sockets (a leading @) and filesystem sockets both work.
func sdNotify(state string) error {
	socketPath := os.Getenv("NOTIFY_SOCKET")
	if socketPath == "" {
		return nil
	}

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("sd_notify: dial: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("sd_notify: write: %w", err)
	}
	return nil
}
