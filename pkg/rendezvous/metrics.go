package rendezvous

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the rendezvous server's Prometheus collectors on an isolated
// registry, so two servers in one process (tests) never share counters.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsActive     prometheus.Gauge
	GridSize           prometheus.Gauge
	RegistrationsTotal prometheus.Counter
	DeparturesTotal    prometheus.Counter

	// Relay metrics
	RelayedTotal *prometheus.CounterVec
	DroppedTotal *prometheus.CounterVec

	TopologyBroadcastsTotal prometheus.Counter
	NetworkReadyTotal       prometheus.Counter

	RegistrationWaitSeconds prometheus.Histogram

	// Admin API metrics
	AdminRequestsTotal          *prometheus.CounterVec
	AdminRequestDurationSeconds *prometheus.HistogramVec

	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates the collectors and records version and goVersion on the
// torusmesh_rendezvous_info gauge.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torusmesh_rendezvous_sessions",
			Help: "Number of registered sessions.",
		}),
		GridSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "torusmesh_rendezvous_grid_size",
			Help: "Current side of the toroidal grid.",
		}),
		RegistrationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torusmesh_rendezvous_registrations_total",
			Help: "Total number of ranks assigned.",
		}),
		DeparturesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torusmesh_rendezvous_departures_total",
			Help: "Total number of registered sessions that closed.",
		}),

		RelayedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torusmesh_rendezvous_relayed_total",
				Help: "Total number of signals relayed to their target.",
			},
			[]string{"sender_kind"},
		),
		DroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torusmesh_rendezvous_dropped_total",
				Help: "Total number of inbound messages dropped, by reason.",
			},
			[]string{"reason"},
		),

		TopologyBroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torusmesh_rendezvous_topology_broadcasts_total",
			Help: "Total number of topology broadcasts to all sessions.",
		}),
		NetworkReadyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "torusmesh_rendezvous_network_ready_total",
			Help: "Total number of network_ready broadcasts.",
		}),

		RegistrationWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "torusmesh_rendezvous_registration_wait_seconds",
			Help:    "Time spent waiting for a registration slot.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8), // 0.5ms to ~8s
		}),

		AdminRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torusmesh_rendezvous_admin_requests_total",
				Help: "Total number of admin API requests.",
			},
			[]string{"method", "path", "status"},
		),
		AdminRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "torusmesh_rendezvous_admin_request_duration_seconds",
				Help:    "Duration of admin API requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "torusmesh_rendezvous_info",
				Help: "Build information for the running rendezvous server.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		m.SessionsActive,
		m.GridSize,
		m.RegistrationsTotal,
		m.DeparturesTotal,
		m.RelayedTotal,
		m.DroppedTotal,
		m.TopologyBroadcastsTotal,
		m.NetworkReadyTotal,
		m.RegistrationWaitSeconds,
		m.AdminRequestsTotal,
		m.AdminRequestDurationSeconds,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one admin API request.
func (m *Metrics) ObserveRequest(method, path, status string, seconds float64) {
	m.AdminRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.AdminRequestDurationSeconds.WithLabelValues(method, path, status).Observe(seconds)
}

func (m *Metrics) drop(reason string) {
	if m == nil {
		return
	}
	m.DroppedTotal.WithLabelValues(reason).Inc()
}
