package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	t.Setenv(EnvFile, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "127.0.0.1:5000", cfg.Listen)
	assert.Equal(t, "waterwall_state.json", cfg.StateFile)
	assert.Equal(t, time.Second, cfg.Sampler.Freshness)
	assert.Equal(t, 60, cfg.History.Capacity)
	assert.Equal(t, 2*time.Second, cfg.Stream.Interval)
	assert.Equal(t, 5*time.Second, cfg.Idle.Threshold)
	assert.Equal(t, "uid", cfg.Firewall.OwnerMatch)
	assert.Equal(t, 1048576, cfg.Firewall.ReferenceBytes)
	assert.False(t, cfg.Policy.Transactional)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waterwall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 0.0.0.0:8080
sampler:
  freshness: 500ms
history:
  capacity: 10
idle:
  threshold: 30s
  auto_throttle: true
firewall:
  owner_match: pid
  dry_run: true
policy:
  transactional: true
self_limit:
  cpu_cores: 0.5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Listen)
	assert.Equal(t, 500*time.Millisecond, cfg.Sampler.Freshness)
	assert.Equal(t, 8, cfg.Sampler.Workers, "unset fields keep their defaults")
	assert.Equal(t, 10, cfg.History.Capacity)
	assert.Equal(t, 30*time.Second, cfg.Idle.Threshold)
	assert.True(t, cfg.Idle.AutoThrottle)
	assert.Equal(t, "/dev/input/event*", cfg.Idle.InputGlob)
	assert.Equal(t, "pid", cfg.Firewall.OwnerMatch)
	assert.True(t, cfg.Firewall.DryRun)
	assert.Equal(t, "iptables", cfg.Firewall.Binary)
	assert.True(t, cfg.Policy.Transactional)
	assert.Equal(t, 0.5, cfg.SelfLimit.CPUCores)
}

func TestLoadFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yaml")
	require.NoError(t, os.WriteFile(path, []byte("state_file: /var/lib/waterwall/state.json\n"), 0o644))
	t.Setenv(EnvFile, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/waterwall/state.json", cfg.StateFile)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDecodeRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"unknown key":    "listne: :80\n",
		"owner match":    "firewall:\n  owner_match: gid\n",
		"throttle range": "idle:\n  throttle_cpu_percent: 150\n",
		"negative limit": "self_limit:\n  memory_mb: -1\n",
		"bad duration":   "stream:\n  interval: soon\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			assert.Error(t, Decode([]byte(doc), &cfg))
		})
	}
}

func TestValidateFillsZeroValues(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Default().Listen, cfg.Listen)
	assert.Equal(t, Default().Stream.Interval, cfg.Stream.Interval)
	assert.Equal(t, "uid", cfg.Firewall.OwnerMatch)
}
