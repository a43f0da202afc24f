// Package config provides configuration parsing and validation for muster.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete muster configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Fleet    FleetConfig    `yaml:"fleet"`
	Routing  RoutingConfig  `yaml:"routing"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	SSH      SSHConfig      `yaml:"ssh"`
	Relay    RelayConfig    `yaml:"relay"`
	Sessions SessionsConfig `yaml:"sessions"`
	Watch    WatchConfig    `yaml:"watch"`
	Health   HealthConfig   `yaml:"health"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// FleetConfig contains node discovery settings.
type FleetConfig struct {
	// Source selects the discovery backend: "static" or "http".
	Source string `yaml:"source"`

	// CacheTTL bounds how long a discovered node set is reused.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// InventoryURL is the JSON inventory endpoint for the http source.
	InventoryURL string `yaml:"inventory_url"`

	// InventoryTimeout bounds one inventory fetch.
	InventoryTimeout time.Duration `yaml:"inventory_timeout"`

	// Nodes is the static node list for the static source.
	Nodes []NodeConfig `yaml:"nodes"`
}

// NodeConfig defines a statically configured node.
type NodeConfig struct {
	Name          string `yaml:"name"`
	PublicAddr    string `yaml:"public_addr"`
	PrivateAddr   string `yaml:"private_addr"`
	RelayScope    string `yaml:"relay_scope"`
	RelayEligible bool   `yaml:"relay_eligible"`
}

// RoutingConfig contains route resolution settings.
type RoutingConfig struct {
	// ProbeTimeout bounds the direct reachability probe per node.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// ProbeTTL is how long a probe verdict is trusted.
	ProbeTTL time.Duration `yaml:"probe_ttl"`

	// DeclinedScopes lists relay scopes the operator has opted out of.
	DeclinedScopes []string `yaml:"declined_scopes"`
}

// TunnelConfig contains tunnel pool settings.
type TunnelConfig struct {
	// SetupTimeout bounds relay tunnel establishment.
	SetupTimeout time.Duration `yaml:"setup_timeout"`

	// IdleGrace is how long an unreferenced tunnel survives before reaping.
	IdleGrace time.Duration `yaml:"idle_grace"`

	// ReapInterval is how often the reaper scans the pool.
	ReapInterval time.Duration `yaml:"reap_interval"`

	// FailureBackoff throttles relay creation per scope after failures.
	FailureBackoff time.Duration `yaml:"failure_backoff"`
}

// DispatchConfig contains fan-out execution settings.
type DispatchConfig struct {
	// MaxWorkers bounds concurrent per-node workers.
	MaxWorkers int `yaml:"max_workers"`

	// NodeTimeout bounds one node's unit of work.
	NodeTimeout time.Duration `yaml:"node_timeout"`
}

// SSHConfig contains SSH connection settings.
type SSHConfig struct {
	User           string        `yaml:"user"`
	KeyFile        string        `yaml:"key_file"`
	KnownHostsFile string        `yaml:"known_hosts_file"`
	Port           int           `yaml:"port"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// RelayConfig contains relay broker settings.
type RelayConfig struct {
	// Transport selects the broker transport: "quic" or "ws".
	Transport string `yaml:"transport"`

	// BrokerAddr is the relay broker address (host:port or URL for ws).
	BrokerAddr string `yaml:"broker_addr"`

	// TLS settings for the broker connection.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig defines TLS settings for the relay broker.
type TLSConfig struct {
	CA                 string `yaml:"ca"`
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // dev only
}

// SessionsConfig contains terminal session query settings.
type SessionsConfig struct {
	// CacheTTL bounds how long a node's session list is reused.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// ListCommand is the remote command that lists sessions.
	ListCommand string `yaml:"list_command"`
}

// WatchConfig contains live view settings.
type WatchConfig struct {
	// Interval between dispatch rounds.
	Interval time.Duration `yaml:"interval"`
}

// HealthConfig contains health/metrics endpoint settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Fleet: FleetConfig{
			Source:           "static",
			CacheTTL:         60 * time.Second,
			InventoryTimeout: 10 * time.Second,
		},
		Routing: RoutingConfig{
			ProbeTimeout: 3 * time.Second,
			ProbeTTL:     30 * time.Second,
		},
		Tunnel: TunnelConfig{
			SetupTimeout:   30 * time.Second,
			IdleGrace:      5 * time.Minute,
			ReapInterval:   30 * time.Second,
			FailureBackoff: 15 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxWorkers:  10,
			NodeTimeout: 30 * time.Second,
		},
		SSH: SSHConfig{
			User:        "ops",
			Port:        22,
			DialTimeout: 10 * time.Second,
		},
		Relay: RelayConfig{
			Transport: "quic",
		},
		Sessions: SessionsConfig{
			CacheTTL:    20 * time.Second,
			ListCommand: "tmux list-sessions -F '#{session_name}\t#{session_created}\t#{session_attached}\t#{session_windows}'",
		},
		Watch: WatchConfig{
			Interval: 10 * time.Second,
		},
		Health: HealthConfig{
			Enabled: false,
			Address: "127.0.0.1:9120",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applying defaults for
// unset fields.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Fleet.Source) {
	case "static":
		if len(c.Fleet.Nodes) == 0 {
			return fmt.Errorf("fleet: static source requires at least one node")
		}
	case "http":
		if c.Fleet.InventoryURL == "" {
			return fmt.Errorf("fleet: http source requires inventory_url")
		}
	default:
		return fmt.Errorf("fleet: unknown source %q (want static or http)", c.Fleet.Source)
	}

	seen := make(map[string]bool, len(c.Fleet.Nodes))
	for i, n := range c.Fleet.Nodes {
		if n.Name == "" {
			return fmt.Errorf("fleet: node %d has no name", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("fleet: duplicate node name %q", n.Name)
		}
		seen[n.Name] = true
		if n.PublicAddr != "" {
			if _, _, err := net.SplitHostPort(n.PublicAddr); err != nil {
				return fmt.Errorf("fleet: node %q: invalid public_addr: %w", n.Name, err)
			}
		}
		if n.PublicAddr == "" && !n.RelayEligible {
			return fmt.Errorf("fleet: node %q has no public_addr and is not relay_eligible", n.Name)
		}
		if n.RelayEligible && n.RelayScope == "" {
			return fmt.Errorf("fleet: node %q is relay_eligible but has no relay_scope", n.Name)
		}
	}

	if c.Fleet.CacheTTL <= 0 {
		return fmt.Errorf("fleet: cache_ttl must be positive")
	}
	if c.Dispatch.MaxWorkers <= 0 {
		return fmt.Errorf("dispatch: max_workers must be positive")
	}
	if c.Dispatch.NodeTimeout <= 0 {
		return fmt.Errorf("dispatch: node_timeout must be positive")
	}
	if c.Tunnel.SetupTimeout <= 0 {
		return fmt.Errorf("tunnel: setup_timeout must be positive")
	}
	if c.Tunnel.IdleGrace <= 0 {
		return fmt.Errorf("tunnel: idle_grace must be positive")
	}
	if c.Tunnel.ReapInterval <= 0 {
		return fmt.Errorf("tunnel: reap_interval must be positive")
	}
	if c.Watch.Interval < time.Second {
		return fmt.Errorf("watch: interval must be at least 1s")
	}

	switch strings.ToLower(c.Relay.Transport) {
	case "quic", "ws":
	default:
		return fmt.Errorf("relay: unknown transport %q (want quic or ws)", c.Relay.Transport)
	}

	if c.SSH.Port <= 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh: invalid port %d", c.SSH.Port)
	}

	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health: address required when enabled")
	}

	return nil
}
