// Package config loads the daemon configuration from YAML with defaults for every field.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srodi/waterwall/pkg/collector/process"
	"github.com/srodi/waterwall/pkg/firewall"
	"github.com/srodi/waterwall/pkg/idle"
	"github.com/srodi/waterwall/pkg/logger"
	"github.com/srodi/waterwall/pkg/policy"
	"github.com/srodi/waterwall/pkg/throttle"
	"github.com/srodi/waterwall/pkg/types"
)

// EnvFile names the config file when --config is not given.
const EnvFile = "WATERWALL_CONFIG"

type Config struct {
	Listen    string          `yaml:"listen"`
	StateFile string          `yaml:"state_file"`
	Log       LogConfig       `yaml:"log"`
	Sampler   SamplerConfig   `yaml:"sampler"`
	History   HistoryConfig   `yaml:"history"`
	Stream    StreamConfig    `yaml:"stream"`
	Idle      IdleConfig      `yaml:"idle"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	Policy    PolicyConfig    `yaml:"policy"`
	SelfLimit SelfLimitConfig `yaml:"self_limit"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console string `yaml:"console"`
}

type SamplerConfig struct {
	Freshness  time.Duration `yaml:"freshness"`
	Workers    int           `yaml:"workers"`
	HideKernel bool          `yaml:"hide_kernel"`
}

type HistoryConfig struct {
	Capacity int `yaml:"capacity"`
}

type StreamConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type IdleConfig struct {
	Threshold          time.Duration `yaml:"threshold"`
	Poll               time.Duration `yaml:"poll"`
	InputGlob          string        `yaml:"input_glob"`
	AutoThrottle       bool          `yaml:"auto_throttle"`
	ThrottleCPUPercent float64       `yaml:"throttle_cpu_percent"`
}

type FirewallConfig struct {
	Binary         string `yaml:"binary"`
	Chain          string `yaml:"chain"`
	OwnerMatch     string `yaml:"owner_match"`
	ReferenceBytes int    `yaml:"reference_bytes"`
	// DryRun keeps directives in memory instead of calling iptables.
	DryRun bool `yaml:"dry_run"`
}

type PolicyConfig struct {
	Transactional bool `yaml:"transactional"`
}

type SelfLimitConfig struct {
	CPUCores float64 `yaml:"cpu_cores"`
	MemoryMB int64   `yaml:"memory_mb"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:    "127.0.0.1:5000",
		StateFile: policy.DefaultStateFile,
		Log:       LogConfig{Level: "info", Console: logger.ConsoleAuto},
		Sampler:   SamplerConfig{Freshness: process.DefaultFreshness, Workers: process.DefaultWorkers},
		History:   HistoryConfig{Capacity: types.DefaultHistoryCapacity},
		Stream:    StreamConfig{Interval: 2 * time.Second},
		Idle: IdleConfig{
			Threshold:          idle.DefaultThreshold,
			Poll:               time.Second,
			InputGlob:          idle.DefaultInputGlob,
			ThrottleCPUPercent: throttle.DefaultCPUPercent,
		},
		Firewall: FirewallConfig{
			Binary:         firewall.DefaultBinary,
			Chain:          firewall.DefaultChain,
			OwnerMatch:     policy.OwnerUID,
			ReferenceBytes: firewall.DefaultReferenceBytes,
		},
	}
}

// Load reads path over the defaults. An empty path falls back to $WATERWALL_CONFIG;
// when neither is set the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvFile)
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("config file %s not found", path)
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := Decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode overlays YAML data onto cfg and validates the result. Unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decoding yaml: %w", err)
		}
	}
	return cfg.Validate()
}

// Validate fills zero values with defaults and rejects values that cannot work.
func (c *Config) Validate() error {
	def := Default()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.StateFile == "" {
		c.StateFile = def.StateFile
	}
	if c.Sampler.Freshness <= 0 {
		c.Sampler.Freshness = def.Sampler.Freshness
	}
	if c.Sampler.Workers <= 0 {
		c.Sampler.Workers = def.Sampler.Workers
	}
	if c.History.Capacity <= 0 {
		c.History.Capacity = def.History.Capacity
	}
	if c.Stream.Interval <= 0 {
		c.Stream.Interval = def.Stream.Interval
	}
	if c.Idle.Threshold <= 0 {
		c.Idle.Threshold = def.Idle.Threshold
	}
	if c.Idle.Poll <= 0 {
		c.Idle.Poll = def.Idle.Poll
	}
	if c.Firewall.ReferenceBytes <= 0 {
		c.Firewall.ReferenceBytes = def.Firewall.ReferenceBytes
	}

	var errs []error
	switch c.Firewall.OwnerMatch {
	case "":
		c.Firewall.OwnerMatch = def.Firewall.OwnerMatch
	case policy.OwnerUID, policy.OwnerPID:
	default:
		errs = append(errs, fmt.Errorf("firewall.owner_match must be %q or %q, got %q", policy.OwnerUID, policy.OwnerPID, c.Firewall.OwnerMatch))
	}
	if c.Idle.ThrottleCPUPercent < 0 || c.Idle.ThrottleCPUPercent > 100 {
		errs = append(errs, fmt.Errorf("idle.throttle_cpu_percent must be within 0-100, got %v", c.Idle.ThrottleCPUPercent))
	}
	if c.SelfLimit.CPUCores < 0 || c.SelfLimit.MemoryMB < 0 {
		errs = append(errs, errors.New("self_limit values must not be negative"))
	}
	return errors.Join(errs...)
}
