// Package config holds the engine's file-backed configuration. One
// YAML document configures storage, scan limits, module options and
// logging for a whole process; per-scan overrides happen through the
// engine API, not here.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration.
type Config struct {
	// Store selects persistence: "memory" or "file".
	Store StoreConfig `yaml:"store"`

	// Scan carries the dispatcher and controller tunables.
	Scan ScanConfig `yaml:"scan"`

	// Modules maps module name to its option map, passed to Setup.
	Modules map[string]map[string]string `yaml:"modules"`

	// Correlation configures the rule engine.
	Correlation CorrelationConfig `yaml:"correlation"`

	// Log is the logging level: trace, debug, info, warn or error.
	Log LogConfig `yaml:"log"`
}

// StoreConfig selects and parameterizes the persistence backend.
type StoreConfig struct {
	Kind string `yaml:"kind"`
	// Path is the workspace directory for the file backend.
	Path string `yaml:"path"`
}

// ScanConfig carries the per-scan limits. Zero values mean the engine
// defaults.
type ScanConfig struct {
	MaxEvents              int      `yaml:"max_events"`
	MaxDepth               int      `yaml:"max_depth"`
	MaxQueued              int      `yaml:"max_queued"`
	MaxDataLen             int      `yaml:"max_data_len"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	HandlerTimeout         Duration `yaml:"handler_timeout"`
}

// Duration decodes YAML duration strings like "90s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("%w: %q is not a duration", ErrInvalid, node.Value)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CorrelationConfig configures rule loading and evaluation.
type CorrelationConfig struct {
	// RuleDir holds additional rule files loaded next to the builtins.
	RuleDir string `yaml:"rule_dir"`

	// Workers bounds parallel rule evaluation. Zero means GOMAXPROCS.
	Workers int `yaml:"workers"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given: an
// in-memory store and info-level logging.
func Default() Config {
	return Config{
		Store: StoreConfig{Kind: "memory"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads and validates a YAML configuration file. Fields left out
// of the document keep their Default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints.
func (c Config) Validate() error {
	switch c.Store.Kind {
	case "", "memory":
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for the file backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store.kind %q", ErrInvalid, c.Store.Kind)
	}

	if c.Scan.MaxEvents < 0 || c.Scan.MaxDepth < 0 || c.Scan.MaxQueued < 0 || c.Scan.MaxDataLen < 0 {
		return fmt.Errorf("%w: scan limits must not be negative", ErrInvalid)
	}
	return nil
}
