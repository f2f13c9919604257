// Package config loads the engine and agent configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultFile is looked up in the working directory when no path is given
const DefaultFile = "overnode.toml"

// Config is the root of overnode.toml
type Config struct {
	Engine EngineConfig `toml:"engine"`
	Agent  AgentConfig  `toml:"agent"`
	Log    LogConfig    `toml:"log"`
}

// EngineConfig controls an operator-triggered run
type EngineConfig struct {
	ProjectDir           string   `toml:"project_dir"`
	Registry             string   `toml:"registry"` // Agent address hosting the registry
	Owner                string   `toml:"owner"`    // Name recorded on run leases
	BatchSize            int      `toml:"batch_size"`
	ObserveTimeout       Duration `toml:"observe_timeout"`
	HealthTimeout        Duration `toml:"health_timeout"`
	HealthInitialBackoff Duration `toml:"health_initial_backoff"`
	HealthMaxBackoff     Duration `toml:"health_max_backoff"`
	LeaseTTL             Duration `toml:"lease_ttl"`
}

// AgentConfig controls the per-node agent started by "overnode launch"
type AgentConfig struct {
	NodeID            int      `toml:"node_id"`
	ListenAddr        string   `toml:"listen_addr"`
	AdvertiseAddr     string   `toml:"advertise_addr"`
	MetricsAddr       string   `toml:"metrics_addr"`
	DataDir           string   `toml:"data_dir"`
	ContainerdSocket  string   `toml:"containerd_socket"`
	Runtime           string   `toml:"runtime"` // containerd or memory
	Token             string   `toml:"token"`
	Seeds             []string `toml:"seeds"`
	Registry          bool     `toml:"registry"` // Host the registry and lease table
	StateBackend      string   `toml:"state_backend"`
	RaftAddr          string   `toml:"raft_addr"`
	LivenessThreshold Duration `toml:"liveness_threshold"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Duration decodes TOML strings such as "30s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Engine: EngineConfig{
			ProjectDir:           ".",
			Registry:             "127.0.0.1:2375",
			Owner:                hostname,
			BatchSize:            1,
			ObserveTimeout:       Duration{10 * time.Second},
			HealthTimeout:        Duration{2 * time.Minute},
			HealthInitialBackoff: Duration{500 * time.Millisecond},
			HealthMaxBackoff:     Duration{10 * time.Second},
			LeaseTTL:             Duration{10 * time.Minute},
		},
		Agent: AgentConfig{
			ListenAddr:        "0.0.0.0:2375",
			MetricsAddr:       "127.0.0.1:9375",
			DataDir:           "/var/lib/overnode",
			Runtime:           "containerd",
			StateBackend:      "local",
			RaftAddr:          "0.0.0.0:2376",
			LivenessThreshold: Duration{30 * time.Second},
			HeartbeatInterval: Duration{5 * time.Second},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path on top of the defaults. A missing default file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Engine.BatchSize < 1 {
		return fmt.Errorf("engine.batch_size must be at least 1, got %d", c.Engine.BatchSize)
	}
	if c.Engine.HealthTimeout.Duration <= 0 {
		return fmt.Errorf("engine.health_timeout must be positive")
	}
	if c.Engine.HealthInitialBackoff.Duration <= 0 || c.Engine.HealthMaxBackoff.Duration < c.Engine.HealthInitialBackoff.Duration {
		return fmt.Errorf("engine.health_initial_backoff must be positive and not exceed health_max_backoff")
	}
	if c.Engine.LeaseTTL.Duration <= 0 {
		return fmt.Errorf("engine.lease_ttl must be positive")
	}
	if c.Engine.ObserveTimeout.Duration <= 0 {
		return fmt.Errorf("engine.observe_timeout must be positive")
	}
	switch c.Agent.StateBackend {
	case "local", "raft":
	default:
		return fmt.Errorf("agent.state_backend must be local or raft, got %q", c.Agent.StateBackend)
	}
	switch c.Agent.Runtime {
	case "containerd", "memory":
	default:
		return fmt.Errorf("agent.runtime must be containerd or memory, got %q", c.Agent.Runtime)
	}
	if c.Agent.HeartbeatInterval.Duration <= 0 || c.Agent.LivenessThreshold.Duration <= c.Agent.HeartbeatInterval.Duration {
		return fmt.Errorf("agent.heartbeat_interval must be positive and shorter than agent.liveness_threshold")
	}
	if c.Agent.NodeID < 0 {
		return fmt.Errorf("agent.node_id must not be negative")
	}
	return nil
}
