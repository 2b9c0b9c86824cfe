package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValidOnceDSNSet(t *testing.T) {
	cfg := Default()
	cfg.Database.DSN = "postgres://x"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() with a DSN should validate, got %v", err)
	}
}

func TestValidateRejectsMissingDSN(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing DSN")
	}
}

func TestValidateRejectsNonPostgres(t *testing.T) {
	cfg := Default()
	cfg.Database.Type = "mysql"
	cfg.Database.DSN = "x"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unsupported database type")
	}
}

func TestNormalizeClampsConnectTimeout(t *testing.T) {
	cases := []struct {
		name string
		in   int
		want int
	}{
		{"below floor", 1, minConnectTimeoutMs},
		{"above ceiling", 999999, maxConnectTimeoutMs},
		{"in range untouched", 5000, 5000},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Config{ConnectTimeoutMs: c.in}
			cfg.Normalize()
			if cfg.ConnectTimeoutMs != c.want {
				t.Errorf("Normalize() ConnectTimeoutMs = %d, want %d", cfg.ConnectTimeoutMs, c.want)
			}
		})
	}
}

func TestNormalizeFillsZeroValues(t *testing.T) {
	var cfg Config
	cfg.Normalize()
	if cfg.MaxAgents != defaultMaxAgents {
		t.Errorf("MaxAgents = %d, want %d", cfg.MaxAgents, defaultMaxAgents)
	}
	if cfg.MaxImplementationAttempts != defaultMaxAttempts {
		t.Errorf("MaxImplementationAttempts = %d, want %d", cfg.MaxImplementationAttempts, defaultMaxAttempts)
	}
	if cfg.ClaimLabel != defaultClaimLabel {
		t.Errorf("ClaimLabel = %q, want %q", cfg.ClaimLabel, defaultClaimLabel)
	}
	if cfg.LeaseTTLSeconds != defaultLeaseTTLSeconds {
		t.Errorf("LeaseTTLSeconds = %d, want %d", cfg.LeaseTTLSeconds, defaultLeaseTTLSeconds)
	}
	if cfg.SkillTimeoutMs != defaultSkillTimeoutMs {
		t.Errorf("SkillTimeoutMs = %d, want %d", cfg.SkillTimeoutMs, defaultSkillTimeoutMs)
	}
	if cfg.Database.Type != "postgres" {
		t.Errorf("Database.Type = %q, want postgres", cfg.Database.Type)
	}
}

func TestLoadFromFileMissingIsNotError(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("missing config file should not error, got %v", err)
	}
	if cfg.MaxAgents != defaultMaxAgents {
		t.Errorf("expected defaults when file is absent, got %+v", cfg)
	}
}

func TestLoadFromFileOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "max_agents: 7\nclaim_label: p1\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile returned error: %v", err)
	}
	if cfg.MaxAgents != 7 {
		t.Errorf("MaxAgents = %d, want 7", cfg.MaxAgents)
	}
	if cfg.ClaimLabel != "p1" {
		t.Errorf("ClaimLabel = %q, want p1", cfg.ClaimLabel)
	}
}

func TestLoadFromFileMalformedIsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("not: [valid: yaml"), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected an error for malformed YAML")
	}
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	for _, kv := range [][2]string{
		{"DATABASE_URL", "postgres://env-dsn"},
		{"CONNECT_TIMEOUT_MS", "1500"},
		{"MAX_AGENTS", "20"},
		{"MAX_IMPLEMENTATION_ATTEMPTS", "5"},
		{"CLAIM_LABEL", "p2"},
		{"METRICS_ADDR", ":9100"},
	} {
		t.Setenv(kv[0], kv[1])
	}

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.Database.DSN != "postgres://env-dsn" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
	if cfg.ConnectTimeoutMs != 1500 {
		t.Errorf("ConnectTimeoutMs = %d", cfg.ConnectTimeoutMs)
	}
	if cfg.MaxAgents != 20 {
		t.Errorf("MaxAgents = %d", cfg.MaxAgents)
	}
	if cfg.MaxImplementationAttempts != 5 {
		t.Errorf("MaxImplementationAttempts = %d", cfg.MaxImplementationAttempts)
	}
	if cfg.ClaimLabel != "p2" {
		t.Errorf("ClaimLabel = %q", cfg.ClaimLabel)
	}
	if cfg.MetricsAddr != ":9100" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}
}

func TestApplyEnvLeavesUnsetValuesAlone(t *testing.T) {
	cfg := Default()
	cfg.ClaimLabel = "preexisting"
	cfg.ApplyEnv()
	if cfg.ClaimLabel != "preexisting" {
		t.Errorf("ApplyEnv overwrote an unset-env field: got %q", cfg.ClaimLabel)
	}
}
