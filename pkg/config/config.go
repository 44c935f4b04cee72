// Package config provides configuration loading and management for graphharmony.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coolbeans/graphharmony/pkg/conflict"
	"github.com/coolbeans/graphharmony/pkg/gate"
	"github.com/coolbeans/graphharmony/pkg/path"
	"github.com/coolbeans/graphharmony/pkg/resolve"
)

// Config represents the complete engine configuration
type Config struct {
	Path       PathConfig       `yaml:"path"`
	Query      QueryConfig      `yaml:"query"`
	Validation ValidationConfig `yaml:"validation"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Conflict   ConflictConfig   `yaml:"conflict"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Gates      gate.Config      `yaml:"gates"`
}

// PathConfig bounds property path evaluation
type PathConfig struct {
	// DefaultMaxDepth bounds * and + without an explicit bound
	DefaultMaxDepth int `yaml:"default_max_depth"`
	// MaxLength caps the number of edges in a path result
	MaxLength int `yaml:"max_length"`
}

// QueryConfig configures the query executor
type QueryConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ValidationConfig configures shape validation runs
type ValidationConfig struct {
	// Timeout of zero means no deadline
	Timeout time.Duration `yaml:"timeout"`
}

// ResolverConfig configures entity resolution
type ResolverConfig struct {
	FuzzyThreshold float64            `yaml:"fuzzy_threshold"`
	KeyLevels      []resolve.KeyLevel `yaml:"key_levels"`
}

// ConflictConfig configures conflict resolution
type ConflictConfig struct {
	Strategy       conflict.Strategy `yaml:"strategy"`
	SourcePriority []string          `yaml:"source_priority"`

	strategySet bool
}

// UnmarshalYAML records whether strategy was given so Merge can tell an
// explicit most_recent apart from an absent key.
func (c *ConflictConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ConflictConfig
	raw := plain(*c)
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*c = ConflictConfig(raw)
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "strategy" {
			c.strategySet = true
		}
	}
	return nil
}

// LogConfig configures the slog handler
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is text or json
	Format string `yaml:"format"`
}

// MetricsConfig toggles prometheus collectors
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Addr serves /metrics while a long-running command is active, e.g. ":9090"
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: PathConfig{
			DefaultMaxDepth: path.DefaultMaxDepth,
			MaxLength:       path.DefaultMaxLength,
		},
		Query: QueryConfig{
			Timeout: 30 * time.Second,
		},
		Resolver: ResolverConfig{
			FuzzyThreshold: resolve.DefaultThreshold,
		},
		Conflict: ConflictConfig{
			Strategy: conflict.MostRecent,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Gates: *gate.DefaultConfig(),
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Path.DefaultMaxDepth < 1 {
		return fmt.Errorf("path.default_max_depth must be positive")
	}
	if c.Path.MaxLength < 1 {
		return fmt.Errorf("path.max_length must be positive")
	}
	if c.Query.Timeout < 0 {
		return fmt.Errorf("query.timeout must not be negative")
	}
	if c.Validation.Timeout < 0 {
		return fmt.Errorf("validation.timeout must not be negative")
	}
	if c.Resolver.FuzzyThreshold <= 0 || c.Resolver.FuzzyThreshold > 1 {
		return fmt.Errorf("resolver.fuzzy_threshold must be in (0, 1]")
	}
	for i, level := range c.Resolver.KeyLevels {
		if level.Name == "" {
			return fmt.Errorf("resolver.key_levels[%d]: name is required", i)
		}
		if len(level.Properties) == 0 {
			return fmt.Errorf("resolver.key_levels[%d]: properties are required", i)
		}
	}
	if _, err := c.Conflict.Strategy.MarshalText(); err != nil {
		return fmt.Errorf("conflict.strategy: %w", err)
	}
	for key, threshold := range c.Gates.Thresholds {
		if threshold < 0 || threshold > 1 {
			return fmt.Errorf("gates.thresholds[%s] must be in [0, 1]", key)
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Path
	if other.Path.DefaultMaxDepth != 0 {
		c.Path.DefaultMaxDepth = other.Path.DefaultMaxDepth
	}
	if other.Path.MaxLength != 0 {
		c.Path.MaxLength = other.Path.MaxLength
	}

	// Timeouts
	if other.Query.Timeout != 0 {
		c.Query.Timeout = other.Query.Timeout
	}
	if other.Validation.Timeout != 0 {
		c.Validation.Timeout = other.Validation.Timeout
	}

	// Resolver
	if other.Resolver.FuzzyThreshold != 0 {
		c.Resolver.FuzzyThreshold = other.Resolver.FuzzyThreshold
	}
	if len(other.Resolver.KeyLevels) > 0 {
		c.Resolver.KeyLevels = other.Resolver.KeyLevels
	}

	// Conflict
	if other.Conflict.strategySet || other.Conflict.Strategy != conflict.MostRecent {
		c.Conflict.Strategy = other.Conflict.Strategy
		c.Conflict.strategySet = true
	}
	if len(other.Conflict.SourcePriority) > 0 {
		c.Conflict.SourcePriority = other.Conflict.SourcePriority
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}

	// Metrics
	if other.Metrics.Enabled {
		c.Metrics.Enabled = true
	}
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}

	// Gates
	for key, threshold := range other.Gates.Thresholds {
		if c.Gates.Thresholds == nil {
			c.Gates.Thresholds = make(map[string]float64)
		}
		c.Gates.Thresholds[key] = threshold
	}
	if len(other.Gates.SkipGates) > 0 {
		c.Gates.SkipGates = other.Gates.SkipGates
	}
	if other.Gates.StrictMode {
		c.Gates.StrictMode = true
	}
	if other.Gates.FailOnWarn {
		c.Gates.FailOnWarn = true
	}
}

// Logger builds the slog logger described by the log section.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level must be debug, info, warn or error, got %q", level)
	}
}
