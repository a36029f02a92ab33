package config

import (
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Role selects which configuration file a command reads.
type Role string

const (
	RoleRendezvous Role = "rendezvous"
	RoleNode       Role = "node"
)

// RendezvousConfig configures the rendezvous server.
type RendezvousConfig struct {
	Version  int                     `yaml:"version"`
	Network  RendezvousNetworkConfig `yaml:"network"`
	Limits   LimitsConfig            `yaml:"limits"`
	Audit    AuditConfig             `yaml:"audit"`
	Watchdog WatchdogConfig          `yaml:"watchdog"`
}

// RendezvousNetworkConfig holds where the server listens. The admin
// endpoints share the listener; the websocket is served on Path.
type RendezvousNetworkConfig struct {
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
}

// LimitsConfig bounds what one session or a burst of sessions can cost.
// Zero values are replaced with defaults at load time.
type LimitsConfig struct {
	MaxConcurrentRegistrations int64   `yaml:"max_concurrent_registrations"` // default: 5
	MessagesPerSecond          float64 `yaml:"messages_per_second"`          // default: 50
	MessageBurst               int     `yaml:"message_burst"`                // default: 100
	MaxMessageBytes            int64   `yaml:"max_message_bytes"`            // default: 65536
	SendQueue                  int     `yaml:"send_queue"`                   // default: 64
}

// AuditConfig turns on the membership audit trail (registrations,
// departures, throttled sessions, refused signals).
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WatchdogConfig holds the health check interval.
type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// NodeConfig configures one mesh node.
type NodeConfig struct {
	Version    int                    `yaml:"version"`
	Rendezvous RendezvousClientConfig `yaml:"rendezvous"`
	Mesh       MeshConfig             `yaml:"mesh"`
	WebRTC     WebRTCConfig           `yaml:"webrtc"`
	API        APIConfig              `yaml:"api"`
	Watchdog   WatchdogConfig         `yaml:"watchdog"`
}

// RendezvousClientConfig names the server a node joins and how it announces
// itself.
type RendezvousClientConfig struct {
	URL        string `yaml:"url"`
	ClientKind string `yaml:"client_kind"`
}

// MeshConfig tunes neighbor negotiation and liveness.
type MeshConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	ConnectionTimeout   time.Duration `yaml:"connection_timeout"`
	ICEGatheringTimeout time.Duration `yaml:"ice_gathering_timeout"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	WorkerPoolSize      int           `yaml:"worker_pool_size"`
	// DebugInterval of zero disables the link-state debug log.
	DebugInterval time.Duration `yaml:"debug_interval"`
}

// WebRTCConfig holds the STUN/TURN servers used for ICE.
type WebRTCConfig struct {
	ICEServers []string `yaml:"ice_servers"`
}

// APIConfig holds the node's admin HTTP endpoint configuration.
type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// DefaultRendezvousConfig returns the configuration used when no file exists.
func DefaultRendezvousConfig() *RendezvousConfig {
	return &RendezvousConfig{
		Version: CurrentConfigVersion,
		Network: RendezvousNetworkConfig{
			ListenAddress: ":8080",
			Path:          "/",
		},
		Limits: LimitsConfig{
			MaxConcurrentRegistrations: 5,
			MessagesPerSecond:          50,
			MessageBurst:               100,
			MaxMessageBytes:            64 * 1024,
			SendQueue:                  64,
		},
		Watchdog: WatchdogConfig{Interval: 30 * time.Second},
	}
}

// DefaultNodeConfig returns the configuration used when no file exists.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Version: CurrentConfigVersion,
		Rendezvous: RendezvousClientConfig{
			URL:        "ws://localhost:8080/",
			ClientKind: "go",
		},
		Mesh: MeshConfig{
			MaxRetries:          3,
			RetryDelay:          2 * time.Second,
			ConnectionTimeout:   30 * time.Second,
			ICEGatheringTimeout: 10 * time.Second,
			PingInterval:        5 * time.Second,
			WorkerPoolSize:      3,
			DebugInterval:       5 * time.Second,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		API: APIConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:9090",
		},
		Watchdog: WatchdogConfig{Interval: 30 * time.Second},
	}
}

// MarshalYAML writes durations the way the loader reads them ("2s", not
// nanoseconds), so `config show` output is a loadable file.
func (m MeshConfig) MarshalYAML() (any, error) {
	return struct {
		MaxRetries          int    `yaml:"max_retries"`
		RetryDelay          string `yaml:"retry_delay"`
		ConnectionTimeout   string `yaml:"connection_timeout"`
		ICEGatheringTimeout string `yaml:"ice_gathering_timeout"`
		PingInterval        string `yaml:"ping_interval"`
		WorkerPoolSize      int    `yaml:"worker_pool_size"`
		DebugInterval       string `yaml:"debug_interval"`
	}{
		MaxRetries:          m.MaxRetries,
		RetryDelay:          m.RetryDelay.String(),
		ConnectionTimeout:   m.ConnectionTimeout.String(),
		ICEGatheringTimeout: m.ICEGatheringTimeout.String(),
		PingInterval:        m.PingInterval.String(),
		WorkerPoolSize:      m.WorkerPoolSize,
		DebugInterval:       m.DebugInterval.String(),
	}, nil
}

func (w WatchdogConfig) MarshalYAML() (any, error) {
	return struct {
		Interval string `yaml:"interval"`
	}{w.Interval.String()}, nil
}
