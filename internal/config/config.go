// Package config defines the coordinator's configuration surface and loads
// it from environment variables, with an optional YAML file overlay,
// following the nested-struct, env-first pattern this lineage's services
// use for their own configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	minConnectTimeoutMs = 100
	maxConnectTimeoutMs = 30000

	defaultConnectTimeoutMs = 3000
	defaultMaxAgents        = 12
	defaultMaxAttempts      = 3
	defaultClaimLabel       = "p0"
	defaultLeaseTTLSeconds  = 300 // 5 minutes, per the claim engine's default lease increment
	defaultSkillTimeoutMs   = 3000
)

// DatabaseConfig holds the store connection surface. Type is always
// "postgres" in this core; the field is kept (rather than assumed) so a
// malformed or unsupported value is rejected by Validate instead of
// silently mis-dialing.
type DatabaseConfig struct {
	Type string `yaml:"type" json:"type"`
	DSN  string `yaml:"dsn" json:"dsn"`
}

// Config is the coordinator's full configuration surface, per §6.
type Config struct {
	Database DatabaseConfig `yaml:"database" json:"database"`

	ConnectTimeoutMs         int    `yaml:"connect_timeout_ms" json:"connect_timeout_ms"`
	MaxAgents                int    `yaml:"max_agents" json:"max_agents"`
	MaxImplementationAttempts int   `yaml:"max_implementation_attempts" json:"max_implementation_attempts"`
	ClaimLabel               string `yaml:"claim_label" json:"claim_label"`
	LeaseTTLSeconds          int    `yaml:"lease_ttl_seconds" json:"lease_ttl_seconds"`
	SkillTimeoutMs           int    `yaml:"skill_timeout_ms" json:"skill_timeout_ms"`
	MetricsAddr              string `yaml:"metrics_addr" json:"metrics_addr"`
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		Database:                  DatabaseConfig{Type: "postgres"},
		ConnectTimeoutMs:          defaultConnectTimeoutMs,
		MaxAgents:                 defaultMaxAgents,
		MaxImplementationAttempts: defaultMaxAttempts,
		ClaimLabel:                defaultClaimLabel,
		LeaseTTLSeconds:           defaultLeaseTTLSeconds,
		SkillTimeoutMs:            defaultSkillTimeoutMs,
	}
}

// LoadFromFile overlays a YAML file onto the defaults, mirroring the
// teacher's LoadConfigFromFile: a missing file is not an error, a
// malformed one is.
func LoadFromFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays recognized environment variables onto cfg, following
// the configuration surface in spec §6. Unset variables leave the existing
// value (file or default) untouched.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.Type = "postgres"
		c.Database.DSN = v
	}
	if v := os.Getenv("CONNECT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ConnectTimeoutMs = n
		}
	}
	if v := os.Getenv("MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxAgents = n
		}
	}
	if v := os.Getenv("MAX_IMPLEMENTATION_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxImplementationAttempts = n
		}
	}
	if v := os.Getenv("CLAIM_LABEL"); v != "" {
		c.ClaimLabel = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
}

// Normalize clamps connect_timeout_ms to [100, 30000] per §4.3 and fills
// any zero-value fields left empty by a partial file/env overlay.
func (c *Config) Normalize() {
	if c.ConnectTimeoutMs < minConnectTimeoutMs {
		c.ConnectTimeoutMs = minConnectTimeoutMs
	}
	if c.ConnectTimeoutMs > maxConnectTimeoutMs {
		c.ConnectTimeoutMs = maxConnectTimeoutMs
	}
	if c.MaxAgents == 0 {
		c.MaxAgents = defaultMaxAgents
	}
	if c.MaxImplementationAttempts == 0 {
		c.MaxImplementationAttempts = defaultMaxAttempts
	}
	if c.ClaimLabel == "" {
		c.ClaimLabel = defaultClaimLabel
	}
	if c.LeaseTTLSeconds == 0 {
		c.LeaseTTLSeconds = defaultLeaseTTLSeconds
	}
	if c.SkillTimeoutMs == 0 {
		c.SkillTimeoutMs = defaultSkillTimeoutMs
	}
	if c.Database.Type == "" {
		c.Database.Type = "postgres"
	}
}

// Validate rejects configurations the coordinator cannot run with. It
// never panics; the returned error is a plain error, not a codes.Error.
func (c Config) Validate() error {
	if c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type %q (only postgres is supported)", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}
