package p2pnet

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's Prometheus collectors.
// Uses an isolated prometheus.Registry so several coordinators in one process
// (tests) never share state.
type Metrics struct {
	Registry *prometheus.Registry

	// Mesh membership
	NodeState           prometheus.Gauge
	ExpectedConnections prometheus.Gauge
	ConnectedPeers      prometheus.Gauge
	PendingConnections  prometheus.Gauge

	// Negotiation
	NegotiationTotal           *prometheus.CounterVec
	NegotiationDurationSeconds prometheus.Histogram
	RetryTotal                 *prometheus.CounterVec
	LinkFailuresTotal          *prometheus.CounterVec

	// Signaling
	SignalsTotal           *prometheus.CounterVec
	MalformedMessagesTotal *prometheus.CounterVec

	// Liveness
	PingRTTSeconds prometheus.Histogram

	// ICE server reachability
	ICEProbesTotal   *prometheus.CounterVec
	AddrChangesTotal *prometheus.CounterVec

	// Admin API metrics
	AdminRequestsTotal          *prometheus.CounterVec
	AdminRequestDurationSeconds *prometheus.HistogramVec

	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with every collector registered. The
// version and goVersion are recorded as labels on torusmesh_node_info.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		NodeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torusmesh_node_state",
			Help: "Coordinator state: 0 connecting, 1 ready, 2 disconnecting.",
		}),
		ExpectedConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torusmesh_node_expected_connections",
			Help: "Number of distinct neighbors in the current topology.",
		}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torusmesh_node_connected_peers",
			Help: "Number of neighbors with an open data channel.",
		}),
		PendingConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torusmesh_node_pending_connections",
			Help: "Number of outbound links queued or negotiating.",
		}),

		NegotiationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torusmesh_node_negotiation_total",
				Help: "Total number of outbound negotiation attempts by result.",
			},
			[]string{"result"},
		),
		NegotiationDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "torusmesh_node_negotiation_duration_seconds",
			Help:    "Time from dequeue to open data channel for successful attempts.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		RetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torusmesh_node_retry_total",
				Help: "Total number of retry decisions by outcome.",
			},
			[]string{"outcome"},
		),
		LinkFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torusmesh_node_link_failures_total",
				Help: "Total number of link failures by reason.",
			},
			[]string{"reason"},
		),

		SignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torusmesh_node_signals_total",
				Help: "Total number of negotiation signals by direction and kind.",
			},
			[]string{"direction", "kind"},
		),
		MalformedMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torusmesh_node_malformed_messages_total",
				Help: "Total number of messages dropped as malformed, by source.",
			},
			[]string{"source"},
		),

		PingRTTSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "torusmesh_node_ping_rtt_seconds",
			Help:    "Data channel ping round-trip time across all neighbor links.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),

		ICEProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torusmesh_node_ice_probes_total",
				Help: "Total number of STUN binding probes by result (success, failure).",
			},
			[]string{"result"},
		),
		AddrChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torusmesh_node_addr_changes_total",
				Help: "Total number of host address changes by family (ipv4, ipv6).",
			},
			[]string{"family"},
		),

		AdminRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torusmesh_node_admin_requests_total",
				Help: "Total number of admin API requests.",
			},
			[]string{"method", "path", "status"},
		),
		AdminRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "torusmesh_node_admin_request_duration_seconds",
				Help:    "Duration of admin API requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "torusmesh_node_info",
				Help: "Build information for the running node.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.NodeState,
		m.ExpectedConnections,
		m.ConnectedPeers,
		m.PendingConnections,
		m.NegotiationTotal,
		m.NegotiationDurationSeconds,
		m.RetryTotal,
		m.LinkFailuresTotal,
		m.SignalsTotal,
		m.MalformedMessagesTotal,
		m.PingRTTSeconds,
		m.ICEProbesTotal,
		m.AddrChangesTotal,
		m.AdminRequestsTotal,
		m.AdminRequestDurationSeconds,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one admin API request.
func (m *Metrics) ObserveRequest(method, path, status string, seconds float64) {
	m.AdminRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.AdminRequestDurationSeconds.WithLabelValues(method, path, status).Observe(seconds)
}
