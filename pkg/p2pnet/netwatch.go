package p2pnet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"
)

// AddrChange lists host addresses that appeared or disappeared between two
// snapshots.
type AddrChange struct {
	Added   []string
	Removed []string
}

// Families reports which address families the change touches.
func (c AddrChange) Families() (v4, v6 bool) {
	for _, s := range append(slices.Clone(c.Added), c.Removed...) {
		ip := net.ParseIP(s)
		switch {
		case ip == nil:
		case ip.To4() != nil:
			v4 = true
		default:
			v6 = true
		}
	}
	return v4, v6
}

// HostAddrs returns the sorted addresses ICE would gather host candidates
// from: unicast addresses of interfaces that are up, minus loopback and
// link-local.
func HostAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("enumerate interfaces: %w", err)
	}
	var all []net.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		all = append(all, addrs...)
	}
	return candidateAddrs(all), nil
}

func candidateAddrs(addrs []net.Addr) []string {
	var out []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
			continue
		}
		out = append(out, ip.String())
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// diffAddrs returns nil when old and current hold the same addresses. Both
// must be sorted.
func diffAddrs(old, current []string) *AddrChange {
	var c AddrChange
	for _, a := range current {
		if _, found := slices.BinarySearch(old, a); !found {
			c.Added = append(c.Added, a)
		}
	}
	for _, a := range old {
		if _, found := slices.BinarySearch(current, a); !found {
			c.Removed = append(c.Removed, a)
		}
	}
	if len(c.Added) == 0 && len(c.Removed) == 0 {
		return nil
	}
	return &c
}

// addrDebounce absorbs bursts: a DHCP renewal or Wi-Fi roam touches several
// addresses within milliseconds.
const addrDebounce = 500 * time.Millisecond

// NetWatcher calls onChange when the host's candidate addresses change. On
// Linux it listens for netlink address and link events; elsewhere it polls.
type NetWatcher struct {
	onChange func(AddrChange)
	logger   *slog.Logger
	metrics  *Metrics // nil-safe

	debounce time.Duration
	discover func() ([]string, error)
	events   func(ctx context.Context, logger *slog.Logger, ch chan<- struct{})
	previous []string
}

// NewNetWatcher creates a NetWatcher. Logger and metrics may be nil.
func NewNetWatcher(onChange func(AddrChange), logger *slog.Logger, m *Metrics) *NetWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetWatcher{
		onChange: onChange,
		logger:   logger,
		metrics:  m,
		debounce: addrDebounce,
		discover: HostAddrs,
		events:   watchAddrEvents,
	}
}

// Run snapshots the current addresses and then reports changes until ctx is
// done. onChange is called from Run's goroutine. Run returns once the event
// source has stopped.
func (w *NetWatcher) Run(ctx context.Context) {
	addrs, err := w.discover()
	if err != nil {
		w.logger.Warn("netwatch: initial discovery failed", "error", err)
	}
	w.previous = addrs

	eventCh := make(chan struct{}, 1)
	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Go(func() { w.events(ctx, w.logger, eventCh) })

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-eventCh:
			timer.Reset(w.debounce)
		case <-timer.C:
			w.check()
		}
	}
}

func (w *NetWatcher) check() {
	current, err := w.discover()
	if err != nil {
		w.logger.Warn("netwatch: discovery failed", "error", err)
		return
	}
	change := diffAddrs(w.previous, current)
	if change == nil {
		return
	}
	w.previous = current

	v4, v6 := change.Families()
	w.logger.Info("netwatch: host addresses changed",
		"added", change.Added, "removed", change.Removed)
	if w.metrics != nil {
		if v4 {
			w.metrics.AddrChangesTotal.WithLabelValues("ipv4").Inc()
		}
		if v6 {
			w.metrics.AddrChangesTotal.WithLabelValues("ipv6").Inc()
		}
	}
	w.onChange(*change)
}

// pollAddrEvents nudges ch every interval; the watcher's diff decides
// whether anything changed.
func pollAddrEvents(ctx context.Context, interval time.Duration, ch chan<- struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

const addrPollInterval = 30 * time.Second
