// Package config defines the engine's YAML configuration surface.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/glowlink/sched"
)

// Config is the root configuration document.
type Config struct {
	Queue   QueueConfig   `yaml:"queue"`
	Ota     OtaConfig     `yaml:"ota"`
	Logging LoggingConfig `yaml:"logging"`
}

// QueueConfig tunes the per-peer command scheduler.
type QueueConfig struct {
	MinIntervalMs       int     `yaml:"min_interval_ms"`
	MaxQueueSizePerPeer int     `yaml:"max_queue_size_per_peer"`
	OverflowPolicy      string  `yaml:"overflow_policy"` // drop_oldest | drop_newest
	WriteTimeoutMs      int     `yaml:"write_timeout_ms"`
	CommandsPerSecond   float64 `yaml:"commands_per_second"` // 0 disables the burst limiter
	Burst               int     `yaml:"burst"`
}

// OtaConfig tunes firmware transfers.
type OtaConfig struct {
	PreferredMtu int `yaml:"preferred_mtu"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			MinIntervalMs:       0,
			MaxQueueSizePerPeer: 64,
			OverflowPolicy:      "drop_oldest",
			WriteTimeoutMs:      500,
		},
		Ota: OtaConfig{
			PreferredMtu: 247,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

// Load reads and validates a YAML config file. Unknown fields are
// rejected. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enum values.
func (c *Config) Validate() error {
	if c.Queue.MinIntervalMs < 0 {
		return fmt.Errorf("queue.min_interval_ms must be >= 0, got %d", c.Queue.MinIntervalMs)
	}
	if c.Queue.MaxQueueSizePerPeer < 1 {
		return fmt.Errorf("queue.max_queue_size_per_peer must be >= 1, got %d", c.Queue.MaxQueueSizePerPeer)
	}
	switch c.Queue.OverflowPolicy {
	case "drop_oldest", "drop_newest":
	default:
		return fmt.Errorf("queue.overflow_policy must be drop_oldest or drop_newest, got %q", c.Queue.OverflowPolicy)
	}
	if c.Queue.WriteTimeoutMs <= 0 {
		return fmt.Errorf("queue.write_timeout_ms must be > 0, got %d", c.Queue.WriteTimeoutMs)
	}
	if c.Queue.CommandsPerSecond < 0 {
		return fmt.Errorf("queue.commands_per_second must be >= 0, got %g", c.Queue.CommandsPerSecond)
	}
	if c.Ota.PreferredMtu < 23 {
		return fmt.Errorf("ota.preferred_mtu must be >= 23, got %d", c.Ota.PreferredMtu)
	}
	return nil
}

// SchedConfig maps the queue section onto the scheduler's config type.
func (c *Config) SchedConfig() sched.Config {
	overflow := sched.DropOldest
	if c.Queue.OverflowPolicy == "drop_newest" {
		overflow = sched.DropNewest
	}
	return sched.Config{
		MinInterval:       time.Duration(c.Queue.MinIntervalMs) * time.Millisecond,
		MaxQueuePerPeer:   c.Queue.MaxQueueSizePerPeer,
		Overflow:          overflow,
		WriteTimeout:      time.Duration(c.Queue.WriteTimeoutMs) * time.Millisecond,
		CommandsPerSecond: c.Queue.CommandsPerSecond,
		Burst:             c.Queue.Burst,
	}
}
