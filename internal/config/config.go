// Package config loads engine configuration from YAML. Parsing is strict:
// unknown fields are rejected so a typo fails loudly instead of silently
// falling back to a default.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that parses from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the engine's runtime configuration.
type Config struct {
	// DatabasePath locates the durable SQLite store.
	DatabasePath string `yaml:"database_path"`

	// MirrorDir enables the secondary JSONL transcript mirror when set.
	MirrorDir string `yaml:"mirror_dir,omitempty"`

	// CheckSpecDir holds CUE custom check definitions, if any.
	CheckSpecDir string `yaml:"check_spec_dir,omitempty"`

	Stream StreamConfig `yaml:"stream,omitempty"`
	Audit  AuditConfig  `yaml:"audit,omitempty"`
	Checks ChecksConfig `yaml:"checks,omitempty"`
}

// StreamConfig tunes the live event surface and its consumers.
type StreamConfig struct {
	// KeepaliveInterval is the hub's keepalive cadence. Zero disables
	// keepalives.
	KeepaliveInterval Duration `yaml:"keepalive_interval,omitempty"`

	// KeepaliveDeadline is how long a consumer tolerates a silent stream
	// before treating it as dead.
	KeepaliveDeadline Duration `yaml:"keepalive_deadline,omitempty"`

	// Reconnect backoff bounds for fusion clients.
	ReconnectInitial    Duration `yaml:"reconnect_initial,omitempty"`
	ReconnectMax        Duration `yaml:"reconnect_max,omitempty"`
	ReconnectMaxRetries int      `yaml:"reconnect_max_retries,omitempty"`
}

// AuditConfig tunes liveness thresholds for the audit surface.
type AuditConfig struct {
	// StaleToolAfter marks a pending tool invocation as stale once it has
	// been open this long.
	StaleToolAfter Duration `yaml:"stale_tool_after,omitempty"`
}

// ChecksConfig tunes assertion check execution.
type ChecksConfig struct {
	// CommandTimeout bounds one check command.
	CommandTimeout Duration `yaml:"command_timeout,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DatabasePath: "runledger.db",
		Stream: StreamConfig{
			KeepaliveInterval:   Duration(30 * time.Second),
			KeepaliveDeadline:   Duration(90 * time.Second),
			ReconnectInitial:    Duration(500 * time.Millisecond),
			ReconnectMax:        Duration(30 * time.Second),
			ReconnectMaxRetries: 10,
		},
		Audit: AuditConfig{
			StaleToolAfter: Duration(10 * time.Minute),
		},
		Checks: ChecksConfig{
			CommandTimeout: Duration(30 * time.Second),
		},
	}
}

// Load reads a YAML configuration file. Fields left unset keep their
// defaults; unknown fields (typos) are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants the YAML schema cannot express.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.Stream.KeepaliveInterval < 0 {
		return fmt.Errorf("stream.keepalive_interval must not be negative")
	}
	if c.Stream.KeepaliveDeadline < 0 {
		return fmt.Errorf("stream.keepalive_deadline must not be negative")
	}
	if c.Stream.KeepaliveInterval > 0 && c.Stream.KeepaliveDeadline > 0 &&
		c.Stream.KeepaliveDeadline <= c.Stream.KeepaliveInterval {
		return fmt.Errorf("stream.keepalive_deadline must exceed stream.keepalive_interval")
	}
	if c.Stream.ReconnectInitial < 0 || c.Stream.ReconnectMax < 0 {
		return fmt.Errorf("stream reconnect intervals must not be negative")
	}
	if c.Stream.ReconnectMax > 0 && c.Stream.ReconnectInitial > c.Stream.ReconnectMax {
		return fmt.Errorf("stream.reconnect_initial must not exceed stream.reconnect_max")
	}
	if c.Stream.ReconnectMaxRetries < 0 {
		return fmt.Errorf("stream.reconnect_max_retries must not be negative")
	}
	if c.Audit.StaleToolAfter < 0 {
		return fmt.Errorf("audit.stale_tool_after must not be negative")
	}
	if c.Checks.CommandTimeout < 0 {
		return fmt.Errorf("checks.command_timeout must not be negative")
	}
	return nil
}
