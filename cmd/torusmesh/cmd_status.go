package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shurlinet/torusmesh/internal/daemon"
	"github.com/shurlinet/torusmesh/internal/termcolor"
	"github.com/shurlinet/torusmesh/pkg/p2pnet"
	"github.com/shurlinet/torusmesh/pkg/rendezvous"
	"github.com/shurlinet/torusmesh/pkg/wire"
)

func runStatus(args []string) {
	if err := doStatus(args, termcolor.New(os.Stdout), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doStatus(args []string, p *termcolor.Printer, stdout io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addrFlag := fs.String("addr", "127.0.0.1:9090", "admin API address")
	jsonFlag := fs.Bool("json", false, "print the raw status as JSON")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(reorderArgs(args, map[string]bool{"json": true})); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	st, err := daemon.NewClient(*addrFlag).Status(ctx)
	if err != nil {
		return err
	}

	if *jsonFlag {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	health := "healthy"
	if !st.Healthy {
		health = "unhealthy"
	}
	p.Bold("torusmesh %s %s (up %s)", st.Role, st.Version, time.Duration(st.UptimeSeconds)*time.Second)
	p.Plain("Health:    %s", p.State(health))
	if st.HealthError != "" {
		p.Red("           %s", st.HealthError)
	}

	switch st.Role {
	case "node":
		var ns p2pnet.Status
		if err := json.Unmarshal(st.Detail, &ns); err != nil {
			return fmt.Errorf("decode node status: %w", err)
		}
		printNodeStatus(p, ns)
	case "rendezvous":
		var rs rendezvous.Status
		if err := json.Unmarshal(st.Detail, &rs); err != nil {
			return fmt.Errorf("decode rendezvous status: %w", err)
		}
		printRendezvousStatus(p, rs)
	default:
		p.Yellow("unknown role %q; use --json to see the raw status", st.Role)
	}
	return nil
}

func printNodeStatus(p *termcolor.Printer, st p2pnet.Status) {
	if st.Rank == nil {
		p.Plain("Rank:      (waiting for topology)")
	} else {
		p.Plain("Rank:      %d on a %dx%d grid", *st.Rank, st.GridSize, st.GridSize)
	}
	p.Plain("State:     %s", p.State(st.State))

	var dirs []string
	for _, d := range wire.Directions {
		if r, ok := st.Neighbors[d]; ok {
			dirs = append(dirs, fmt.Sprintf("%s=%d", d, r))
		}
	}
	if len(dirs) > 0 {
		p.Plain("Neighbors: %s", strings.Join(dirs, " "))
	}
	p.Plain("Links:     %d/%d open, %d pending, %d queued", len(st.Connected), st.Expected, len(st.Pending), st.Queued)
	if st.ICE != nil {
		if st.ICE.Reachable() {
			p.Plain("ICE:       %s via %s (NAT %s)", p.State("ok"), strings.Join(st.ICE.ExternalAddrs, ", "), st.ICE.NATType)
			if g := st.ICE.Grade; g.Grade != "" {
				p.Plain("Reach:     %s %s: %s", g.Grade, g.Label, g.Description)
			}
		} else {
			p.Plain("ICE:       %s (no STUN server answered)", p.State("unhealthy"))
		}
	}

	if len(st.Links) == 0 {
		return
	}
	p.Plain("")
	p.Plain("  %-5s %-12s %-4s %-12s %-9s %-10s %-7s %s", "PEER", "DIRECTION", "WAY", "STATE", "CHANNEL", "ICE", "RETRIES", "RTT avg/max (loss)")
	for _, l := range st.Links {
		way := "in"
		if l.Outbound {
			way = "out"
		}
		rtt := "-"
		if l.Ping.Received > 0 {
			rtt = fmt.Sprintf("%.1f/%.1fms (%.0f%%)", l.Ping.AvgMs, l.Ping.MaxMs, l.Ping.LossPct)
		}
		// Pad before coloring; escape codes would throw the widths off.
		p.Plain("  %-5d %-12s %-4s %s %-9s %-10s %-7d %s",
			l.PeerRank, l.Direction, way, p.State(fmt.Sprintf("%-12s", l.State)),
			orDash(l.ChannelState), orDash(l.ConnectionState), l.Retries, rtt)
	}
}

func printRendezvousStatus(p *termcolor.Printer, st rendezvous.Status) {
	ready := "no"
	if st.NetworkReady {
		ready = "yes"
	}
	p.Plain("Grid:      %dx%d", st.GridSize, st.GridSize)
	p.Plain("Mesh:      network ready: %s", ready)
	p.Plain("Sessions:  %d registered, %d connections", len(st.Sessions), st.Connections)

	if len(st.Sessions) == 0 {
		return
	}
	p.Plain("")
	p.Plain("  %-5s %-12s %-6s %-10s %s", "RANK", "KIND", "READY", "LINKS", "SESSION")
	for _, s := range st.Sessions {
		r := "no"
		if s.Ready {
			r = "yes"
		}
		p.Plain("  %-5d %-12s %-6s %-10s %s", s.Rank, s.ClientKind, r,
			fmt.Sprintf("%d/%d", len(s.Connected), len(s.Expected)), orDash(s.Session))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
