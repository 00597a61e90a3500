package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file-backed configuration of a Castellan master. Flags
// override file values; the file is optional.
type Config struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	APIAddr  string `yaml:"api_addr"`
	DataDir  string `yaml:"data_dir"`

	// StrictRegistry gates admission transitions on durable registry
	// writes.
	StrictRegistry bool `yaml:"strict_registry"`

	// Replicated runs the registry through a Raft quorum instead of a
	// single local store.
	Replicated bool `yaml:"replicated"`
	Bootstrap  bool `yaml:"bootstrap"`

	AuthToken string `yaml:"auth_token"`

	PingInterval    time.Duration `yaml:"-"`
	MaxPingTimeouts int           `yaml:"max_ping_timeouts"`

	// Raw string value for YAML unmarshaling.
	PingIntervalRaw string `yaml:"ping_interval"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		NodeID:          "master-1",
		BindAddr:        "127.0.0.1:7946",
		APIAddr:         "127.0.0.1:8080",
		DataDir:         "./castellan-data",
		StrictRegistry:  true,
		Bootstrap:       true,
		PingInterval:    15 * time.Second,
		MaxPingTimeouts: 5,
		Log:             LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDurations converts the raw duration strings into time.Duration
// values.
func (c *Config) parseDurations() error {
	if c.PingIntervalRaw == "" {
		return nil
	}
	d, err := time.ParseDuration(c.PingIntervalRaw)
	if err != nil {
		return fmt.Errorf("failed to parse ping_interval %q: %w", c.PingIntervalRaw, err)
	}
	c.PingInterval = d
	return nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be positive")
	}
	if c.MaxPingTimeouts <= 0 {
		return fmt.Errorf("max_ping_timeouts must be positive")
	}
	return nil
}
