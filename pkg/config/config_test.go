package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overnode.toml")
	content := `
[engine]
batch_size = 2
health_timeout = "45s"
lease_ttl = "1m"

[agent]
node_id = 3
registry = true
state_backend = "raft"
seeds = ["10.0.0.1:2375", "10.0.0.2:2375"]

[log]
level = "debug"
json = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Engine.BatchSize)
	assert.Equal(t, 45*time.Second, cfg.Engine.HealthTimeout.Duration)
	assert.Equal(t, time.Minute, cfg.Engine.LeaseTTL.Duration)
	// untouched keys keep their defaults
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.HealthInitialBackoff.Duration)
	assert.Equal(t, 3, cfg.Agent.NodeID)
	assert.True(t, cfg.Agent.Registry)
	assert.Equal(t, "raft", cfg.Agent.StateBackend)
	assert.Equal(t, []string{"10.0.0.1:2375", "10.0.0.2:2375"}, cfg.Agent.Seeds)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
}

func TestLoadMissingDefaultFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer func() { _ = os.Chdir(wd) }()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Engine.BatchSize)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Engine.BatchSize = 0 }},
		{"no health timeout", func(c *Config) { c.Engine.HealthTimeout = Duration{} }},
		{"backoff above max", func(c *Config) { c.Engine.HealthInitialBackoff = Duration{time.Minute} }},
		{"unknown backend", func(c *Config) { c.Agent.StateBackend = "etcd" }},
		{"negative node id", func(c *Config) { c.Agent.NodeID = -1 }},
		{"unknown runtime", func(c *Config) { c.Agent.Runtime = "docker" }},
		{"heartbeat slower than liveness", func(c *Config) { c.Agent.HeartbeatInterval = Duration{time.Minute} }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
