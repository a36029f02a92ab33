package p2pnet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"golang.org/x/sync/errgroup"
)

// NATType is what STUN binding results from several servers say about the
// node's NAT.
type NATType string

const (
	NATUnknown       NATType = "unknown"
	NATIndependent   NATType = "endpoint-independent"
	NATPortDependent NATType = "port-dependent"
	NATAddrDependent NATType = "address-dependent"
)

// ICEProbe is the outcome of one STUN binding request.
type ICEProbe struct {
	Server       string  `json:"server"`
	ExternalAddr string  `json:"external_addr,omitempty"`
	LatencyMs    float64 `json:"latency_ms,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// ICEProbeResult aggregates the probes of every configured STUN server.
type ICEProbeResult struct {
	Probes        []ICEProbe        `json:"probes"`
	NATType       NATType           `json:"nat_type"`
	ExternalAddrs []string          `json:"external_addrs,omitempty"`
	Grade         ReachabilityGrade `json:"grade"`
	ProbedAt      time.Time         `json:"probed_at"`
}

// Reachable reports whether at least one server answered.
func (r *ICEProbeResult) Reachable() bool {
	return r != nil && len(r.ExternalAddrs) > 0
}

// defaultProbeTimeout bounds one binding request when ctx has no deadline.
const defaultProbeTimeout = 3 * time.Second

// ProbeICEServers sends a STUN binding request to every stun: URL in
// iceServers, concurrently. TURN and stuns: URLs are skipped; relays need
// credentials and the probe only wants the mapped address. Metrics may be
// nil.
func ProbeICEServers(ctx context.Context, iceServers []string, logger *slog.Logger, m *Metrics) *ICEProbeResult {
	if logger == nil {
		logger = slog.Default()
	}
	var targets []string
	for _, u := range iceServers {
		if addr, ok := stunAddress(u); ok {
			targets = append(targets, addr)
		}
	}

	probes := make([]ICEProbe, len(targets))
	var g errgroup.Group
	for i, addr := range targets {
		g.Go(func() error {
			probes[i] = stunBinding(ctx, addr)
			return nil
		})
	}
	g.Wait()

	res := &ICEProbeResult{Probes: probes, ProbedAt: time.Now()}
	seen := make(map[string]bool)
	for _, p := range probes {
		result := "success"
		if p.Error != "" {
			result = "failure"
		} else if !seen[p.ExternalAddr] {
			seen[p.ExternalAddr] = true
			res.ExternalAddrs = append(res.ExternalAddrs, p.ExternalAddr)
		}
		if m != nil {
			m.ICEProbesTotal.WithLabelValues(result).Inc()
		}
	}
	res.NATType = classifyNAT(probes)
	hostAddrs, err := HostAddrs()
	if err != nil {
		logger.Debug("p2pnet: host address discovery failed", "error", err)
	}
	res.Grade = GradeReachability(hostAddrs, res)

	logger.Info("p2pnet: ice probe complete", "servers", len(targets),
		"reachable", len(res.ExternalAddrs) > 0, "nat", res.NATType, "grade", res.Grade.Grade, "external", strings.Join(res.ExternalAddrs, ","))
	for _, p := range probes {
		if p.Error != "" {
			logger.Warn("p2pnet: stun server unreachable", "server", p.Server, "error", p.Error)
		}
	}
	return res
}

// stunAddress turns "stun:host[:port]" into host:port, defaulting the port
// to 3478.
func stunAddress(iceURL string) (string, bool) {
	rest, ok := strings.CutPrefix(iceURL, "stun:")
	if !ok || rest == "" {
		return "", false
	}
	rest, _, _ = strings.Cut(rest, "?")
	if _, _, err := net.SplitHostPort(rest); err == nil {
		return rest, true
	}
	return net.JoinHostPort(strings.Trim(rest, "[]"), "3478"), true
}

// stunBinding sends one binding request to addr and reads the mapped
// address from the answer.
func stunBinding(ctx context.Context, addr string) ICEProbe {
	p := ICEProbe{Server: addr}
	fail := func(format string, args ...any) ICEProbe {
		p.Error = fmt.Sprintf(format, args...)
		return p
	}

	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fail("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return fail("dial: %v", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultProbeTimeout)
	}
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return fail("build: %v", err)
	}
	start := time.Now()
	if _, err := conn.Write(req.Raw); err != nil {
		return fail("write: %v", err)
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return fail("read: %v", err)
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil || res.TransactionID != req.TransactionID {
			continue // stray datagram
		}
		if res.Type != stun.BindingSuccess {
			return fail("unexpected response %s", res.Type)
		}

		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err == nil {
			p.ExternalAddr = net.JoinHostPort(xor.IP.String(), fmt.Sprint(xor.Port))
		} else {
			var mapped stun.MappedAddress
			if err := mapped.GetFrom(res); err != nil {
				return fail("no mapped address in response")
			}
			p.ExternalAddr = net.JoinHostPort(mapped.IP.String(), fmt.Sprint(mapped.Port))
		}
		p.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)
		return p
	}
}

// classifyNAT compares the mapped addresses different servers saw. Telling
// a full cone from a restricted one needs CHANGE-REQUEST support, which
// public servers lack, so the result only describes the mapping.
func classifyNAT(probes []ICEProbe) NATType {
	var hosts, ports []string
	for _, p := range probes {
		if p.Error != "" {
			continue
		}
		host, port, err := net.SplitHostPort(p.ExternalAddr)
		if err != nil {
			continue
		}
		hosts = append(hosts, host)
		ports = append(ports, port)
	}
	if len(hosts) < 2 {
		return NATUnknown
	}

	sameHost, samePort := true, true
	for i := 1; i < len(hosts); i++ {
		sameHost = sameHost && hosts[i] == hosts[0]
		samePort = samePort && ports[i] == ports[0]
	}
	switch {
	case sameHost && samePort:
		return NATIndependent
	case sameHost:
		return NATPortDependent
	default:
		return NATAddrDependent
	}
}
