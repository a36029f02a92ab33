package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shurlinet/torusmesh/internal/validate"
)

// checkConfigFilePermissions rejects a config file that other users can
// modify: whoever can edit it can point the node at another rendezvous
// server or open its admin API.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0022 != 0 {
		return fmt.Errorf("config file %s is writable by group or others (mode %04o); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

func readConfigFile(path string) ([]byte, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return data, nil
}

func checkVersion(version int, role Role) (int, error) {
	// Default version to 1 for files that omit it.
	if version == 0 {
		version = 1
	}
	if version > CurrentConfigVersion {
		return 0, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade torusmesh %s",
			ErrConfigVersionTooNew, version, CurrentConfigVersion, role)
	}
	return version, nil
}

// parseDuration sets *dst from s unless s is empty.
func parseDuration(field, s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, field, err)
	}
	*dst = d
	return nil
}

// LoadRendezvousConfig loads rendezvous server configuration from a YAML
// file. An empty path yields the defaults. Fields absent from the file keep
// their default values.
func LoadRendezvousConfig(path string) (*RendezvousConfig, error) {
	cfg := DefaultRendezvousConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Version  int          `yaml:"version,omitempty"`
		Network  struct {
			ListenAddress string `yaml:"listen_address"`
			Path          string `yaml:"path"`
		} `yaml:"network"`
		Limits   LimitsConfig `yaml:"limits"`
		Audit    AuditConfig  `yaml:"audit"`
		Watchdog struct {
			Interval string `yaml:"interval"`
		} `yaml:"watchdog"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version, err = checkVersion(raw.Version, RoleRendezvous); err != nil {
		return nil, err
	}
	if raw.Network.ListenAddress != "" {
		cfg.Network.ListenAddress = raw.Network.ListenAddress
	}
	if raw.Network.Path != "" {
		cfg.Network.Path = raw.Network.Path
	}
	applyLimitOverrides(&cfg.Limits, raw.Limits)
	cfg.Audit = raw.Audit
	if err := parseDuration("watchdog.interval", raw.Watchdog.Interval, &cfg.Watchdog.Interval); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyLimitOverrides copies the non-zero fields of in over lc.
func applyLimitOverrides(lc *LimitsConfig, in LimitsConfig) {
	if in.MaxConcurrentRegistrations != 0 {
		lc.MaxConcurrentRegistrations = in.MaxConcurrentRegistrations
	}
	if in.MessagesPerSecond != 0 {
		lc.MessagesPerSecond = in.MessagesPerSecond
	}
	if in.MessageBurst != 0 {
		lc.MessageBurst = in.MessageBurst
	}
	if in.MaxMessageBytes != 0 {
		lc.MaxMessageBytes = in.MaxMessageBytes
	}
	if in.SendQueue != 0 {
		lc.SendQueue = in.SendQueue
	}
}

// LoadNodeConfig loads node configuration from a YAML file. An empty path
// yields the defaults. Fields absent from the file keep their default values.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	// Durations are strings in the file; max_retries is a pointer so an
	// explicit 0 (never retry) differs from an absent key.
	var raw struct {
		Version    int                    `yaml:"version,omitempty"`
		Rendezvous RendezvousClientConfig `yaml:"rendezvous"`
		Mesh       struct {
			MaxRetries          *int   `yaml:"max_retries"`
			RetryDelay          string `yaml:"retry_delay"`
			ConnectionTimeout   string `yaml:"connection_timeout"`
			ICEGatheringTimeout string `yaml:"ice_gathering_timeout"`
			PingInterval        string `yaml:"ping_interval"`
			WorkerPoolSize      int    `yaml:"worker_pool_size"`
			DebugInterval       string `yaml:"debug_interval"`
		} `yaml:"mesh"`
		WebRTC     WebRTCConfig           `yaml:"webrtc"`
		API        struct {
			Enabled       bool   `yaml:"enabled"`
			ListenAddress string `yaml:"listen_address"`
		} `yaml:"api"`
		Watchdog   struct {
			Interval string `yaml:"interval"`
		} `yaml:"watchdog"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version, err = checkVersion(raw.Version, RoleNode); err != nil {
		return nil, err
	}
	if raw.Rendezvous.URL != "" {
		cfg.Rendezvous.URL = raw.Rendezvous.URL
	}
	if raw.Rendezvous.ClientKind != "" {
		cfg.Rendezvous.ClientKind = raw.Rendezvous.ClientKind
	}

	m := &cfg.Mesh
	if raw.Mesh.MaxRetries != nil {
		m.MaxRetries = *raw.Mesh.MaxRetries
	}
	if raw.Mesh.WorkerPoolSize != 0 {
		m.WorkerPoolSize = raw.Mesh.WorkerPoolSize
	}
	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"mesh.retry_delay", raw.Mesh.RetryDelay, &m.RetryDelay},
		{"mesh.connection_timeout", raw.Mesh.ConnectionTimeout, &m.ConnectionTimeout},
		{"mesh.ice_gathering_timeout", raw.Mesh.ICEGatheringTimeout, &m.ICEGatheringTimeout},
		{"mesh.ping_interval", raw.Mesh.PingInterval, &m.PingInterval},
		{"mesh.debug_interval", raw.Mesh.DebugInterval, &m.DebugInterval},
		{"watchdog.interval", raw.Watchdog.Interval, &cfg.Watchdog.Interval},
	}
	for _, d := range durations {
		if err := parseDuration(d.field, d.value, d.dst); err != nil {
			return nil, err
		}
	}

	if raw.WebRTC.ICEServers != nil {
		cfg.WebRTC.ICEServers = raw.WebRTC.ICEServers
	}
	cfg.API.Enabled = raw.API.Enabled
	if raw.API.ListenAddress != "" {
		cfg.API.ListenAddress = raw.API.ListenAddress
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// ValidateRendezvousConfig validates rendezvous server configuration.
func ValidateRendezvousConfig(cfg *RendezvousConfig) error {
	if err := validate.ListenAddress(cfg.Network.ListenAddress); err != nil {
		return invalid("network.listen_address: %v", err)
	}
	if err := validate.HTTPPath(cfg.Network.Path); err != nil {
		return invalid("network.path: %v", err)
	}
	l := cfg.Limits
	switch {
	case l.MaxConcurrentRegistrations < 1:
		return invalid("limits.max_concurrent_registrations must be at least 1")
	case l.MessagesPerSecond <= 0:
		return invalid("limits.messages_per_second must be positive")
	case l.MessageBurst < 1:
		return invalid("limits.message_burst must be at least 1")
	case l.MaxMessageBytes < 512:
		return invalid("limits.max_message_bytes must be at least 512")
	case l.SendQueue < 1:
		return invalid("limits.send_queue must be at least 1")
	}
	if cfg.Watchdog.Interval <= 0 {
		return invalid("watchdog.interval must be positive")
	}
	return nil
}

// ValidateNodeConfig validates node configuration.
func ValidateNodeConfig(cfg *NodeConfig) error {
	if err := validate.RendezvousURL(cfg.Rendezvous.URL); err != nil {
		return invalid("rendezvous.url: %v", err)
	}
	if err := validate.ClientKind(cfg.Rendezvous.ClientKind); err != nil {
		return invalid("rendezvous.client_kind: %v", err)
	}

	m := cfg.Mesh
	switch {
	case m.MaxRetries < 0:
		return invalid("mesh.max_retries must not be negative")
	case m.RetryDelay <= 0:
		return invalid("mesh.retry_delay must be positive")
	case m.ConnectionTimeout <= 0:
		return invalid("mesh.connection_timeout must be positive")
	case m.ICEGatheringTimeout <= 0:
		return invalid("mesh.ice_gathering_timeout must be positive")
	case m.ICEGatheringTimeout > m.ConnectionTimeout:
		return invalid("mesh.ice_gathering_timeout (%s) exceeds mesh.connection_timeout (%s)", m.ICEGatheringTimeout, m.ConnectionTimeout)
	case m.PingInterval <= 0:
		return invalid("mesh.ping_interval must be positive")
	case m.WorkerPoolSize < 1:
		return invalid("mesh.worker_pool_size must be at least 1")
	case m.DebugInterval < 0:
		return invalid("mesh.debug_interval must not be negative")
	}

	if len(cfg.WebRTC.ICEServers) == 0 {
		return invalid("webrtc.ice_servers must contain at least one server")
	}
	for i, s := range cfg.WebRTC.ICEServers {
		if err := validate.ICEServerURL(s); err != nil {
			return invalid("webrtc.ice_servers[%d]: %v", i, err)
		}
	}
	if cfg.API.Enabled {
		if err := validate.ListenAddress(cfg.API.ListenAddress); err != nil {
			return invalid("api.listen_address: %v", err)
		}
	}
	if cfg.Watchdog.Interval <= 0 {
		return invalid("watchdog.interval must be positive")
	}
	return nil
}

// SearchPaths returns where FindConfigFile looks for a role's file, in
// order.
func SearchPaths(role Role) []string {
	paths := []string{fmt.Sprintf("torusmesh-%s.yaml", role)}

	// ~/.config/torusmesh/<role>.yaml
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "torusmesh", string(role)+".yaml"))
	}
	return append(paths, filepath.Join("/etc", "torusmesh", string(role)+".yaml"))
}

// FindConfigFile searches for a role's config file.
// Search order: explicitPath (if given), then SearchPaths(role).
func FindConfigFile(explicitPath string, role Role) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := SearchPaths(role)
	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w; searched:\n  %s", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// DefaultConfigDir returns the per-user config directory
// (~/.config/torusmesh).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "torusmesh"), nil
}
