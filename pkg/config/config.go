// Package config provides configuration loading and management for atlasmerge.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"atlasmerge/pkg/logging"
	"atlasmerge/pkg/reconcile"
)

// Override is an extra id substitution appended to a manual relabel stage
type Override struct {
	// Stage is the name of the stage receiving the override,
	// "manual relabel #1" or "manual relabel #2"
	Stage string `yaml:"stage"`

	// Side is the atlas whose table is rewritten, "A" or "B"
	Side string `yaml:"side"`

	From uint32 `yaml:"from"`
	To   uint32 `yaml:"to"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// EdgeBudget is the number of voxels a bounded edge-correction search
		// may dequeue before giving up
		EdgeBudget int `yaml:"edgeBudget"`
	} `yaml:"processing"`

	// Reconcile parameters
	Reconcile struct {
		// SentinelIDs are never collapsed by the convergence loop
		SentinelIDs []uint32 `yaml:"sentinelIds"`

		// MaxIterations caps each convergence pass; 0 derives the cap from
		// the input size
		MaxIterations int `yaml:"maxIterations"`

		// ExtraOverrides are appended to the built-in manual relabel tables
		ExtraOverrides []Override `yaml:"extraOverrides,omitempty"`
	} `yaml:"reconcile"`

	// Output parameters
	Output struct {
		// SaveAudit writes the remap tables and the run report as YAML
		SaveAudit bool `yaml:"saveAudit"`

		// AuditDir is the directory receiving the audit files
		AuditDir string `yaml:"auditDir"`

		// SavePreviews adds PNG slice renderings to the audit trail
		SavePreviews bool `yaml:"savePreviews"`

		// Compress writes gzip-encoded NRRD volumes
		Compress bool `yaml:"compress"`

		// MetricsFile, when set, receives a Prometheus textfile dump
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"output"`

	// Log configures the logger
	Log logging.Config `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.EdgeBudget = 3

	// Set default reconcile parameters
	cfg.Reconcile.SentinelIDs = append([]uint32(nil), reconcile.DefaultSentinels...)
	cfg.Reconcile.MaxIterations = 0

	// Set default output parameters
	cfg.Output.SaveAudit = false
	cfg.Output.AuditDir = "audit"
	cfg.Output.Compress = true

	cfg.Log.Level = "info"
	cfg.Log.MaxSize = 100
	cfg.Log.MaxAge = 28

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// Validate checks values that cannot be corrected silently
func (c *Config) Validate() error {
	if c.Processing.EdgeBudget < -1 {
		return fmt.Errorf("edgeBudget must be -1 (unlimited) or non-negative, got %d", c.Processing.EdgeBudget)
	}
	if c.Reconcile.MaxIterations < 0 {
		return fmt.Errorf("maxIterations must be non-negative, got %d", c.Reconcile.MaxIterations)
	}
	_, err := c.ReconcileOverrides()
	return err
}

// ReconcileOverrides groups the extra overrides by stage for
// reconcile.Options.
func (c *Config) ReconcileOverrides() (map[string][]reconcile.Override, error) {
	out := make(map[string][]reconcile.Override)
	for i, o := range c.Reconcile.ExtraOverrides {
		if o.Stage != reconcile.StageManual1 && o.Stage != reconcile.StageManual2 {
			return nil, fmt.Errorf("extra override %d: unknown stage %q", i, o.Stage)
		}
		var side reconcile.Side
		switch o.Side {
		case "A", "a":
			side = reconcile.A
		case "B", "b":
			side = reconcile.B
		default:
			return nil, fmt.Errorf("extra override %d: unknown side %q", i, o.Side)
		}
		out[o.Stage] = append(out[o.Stage], reconcile.Override{Side: side, From: o.From, To: o.To})
	}
	return out, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
