package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Load
// =============================================================================

// TestDefaultConfigIsValid verifies the defaults pass validation.
func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Storage.RetentionDays != 7 || cfg.Storage.RetentionLimit != 1000 {
		t.Errorf("retention = %d days / %d rows", cfg.Storage.RetentionDays, cfg.Storage.RetentionLimit)
	}
	if cfg.Collector.Timeout != 8*time.Second || cfg.Collector.MaxRetries != 2 {
		t.Errorf("collector = %+v", cfg.Collector)
	}
}

// TestLoadOverlaysFile verifies YAML values override defaults and unset keys keep them.
func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
storage:
  driver: postgres
  dsn: postgres://cerberus@localhost/cerberus
analysis:
  profile: otx
  allowlist: ["8.8.8.8"]
collector:
  timeout: 3s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Driver = %q", cfg.Storage.Driver)
	}
	if cfg.Analysis.Profile != "otx" || len(cfg.Analysis.Allowlist) != 1 {
		t.Errorf("Analysis = %+v", cfg.Analysis)
	}
	if cfg.Collector.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", cfg.Collector.Timeout)
	}
	if cfg.Collector.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want default 2", cfg.Collector.MaxRetries)
	}
}

// TestLoadEnvOverrides verifies the REPORT_* variables win over the file.
func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "storage:\n  retention_days: 30\n")
	dbPath := filepath.Join(t.TempDir(), "env.db")
	t.Setenv("REPORT_DB_PATH", dbPath)
	t.Setenv("REPORT_RETENTION_DAYS", "3")
	t.Setenv("REPORT_RETENTION_LIMIT", " 50 ")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.DSN != dbPath {
		t.Errorf("DSN = %q, want %q", cfg.Storage.DSN, dbPath)
	}
	if cfg.Storage.RetentionDays != 3 || cfg.Storage.RetentionLimit != 50 {
		t.Errorf("retention = %d / %d", cfg.Storage.RetentionDays, cfg.Storage.RetentionLimit)
	}
	if got := cfg.Storage.RetentionMaxAge(); got != 72*time.Hour {
		t.Errorf("RetentionMaxAge() = %v", got)
	}
}

// TestLoadErrors verifies unreadable, malformed, and invalid configs fail.
func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		wantErr string
	}{
		{name: "bad yaml", content: "server: [", wantErr: "parse"},
		{name: "bad driver", content: "storage:\n  driver: mongo\n", wantErr: "storage.driver"},
		{name: "negative duration", content: "collector:\n  timeout: -1s\n", wantErr: "collector.timeout"},
		{name: "unknown profile", content: "analysis:\n  profile: shodan\n", wantErr: "analysis.profile"},
		{name: "bad port", content: "server:\n  port: 70000\n", wantErr: "server.port"},
		{name: "hec without url", content: "forwarding:\n  hec:\n    enabled: true\n", wantErr: "forwarding.hec.url"},
		{name: "geolite without paths", content: "sources:\n  geolocation:\n    geolite:\n      enabled: true\n", wantErr: "geolite"},
		{name: "bad env", content: "", env: map[string]string{"REPORT_RETENTION_DAYS": "week"}, wantErr: "REPORT_RETENTION_DAYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of missing file should fail")
	}
}

// =============================================================================
// Secrets
// =============================================================================

// TestSecretsResolveFromEnv verifies *_env indirection.
func TestSecretsResolveFromEnv(t *testing.T) {
	t.Setenv("TEST_ABUSE_KEY", "  abc123 \n")
	t.Setenv("TEST_HEC_TOKEN", "tok")

	src := SourceConfig{APIKeyEnv: "TEST_ABUSE_KEY"}
	if got := src.APIKey(); got != "abc123" {
		t.Errorf("APIKey() = %q", got)
	}
	hec := HECConfig{TokenEnv: "TEST_HEC_TOKEN"}
	if got := hec.Token(); got != "tok" {
		t.Errorf("Token() = %q", got)
	}
	if got := (SourceConfig{}).APIKey(); got != "" {
		t.Errorf("APIKey() with no env name = %q", got)
	}
}

// TestEnabledForwarders verifies sink names follow the enabled flags.
func TestEnabledForwarders(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.EnabledForwarders(); len(got) != 0 {
		t.Errorf("EnabledForwarders() = %v, want none", got)
	}
	cfg.Forwarding.HEC.Enabled = true
	cfg.Forwarding.NATS.Enabled = true
	if got := cfg.EnabledForwarders(); len(got) != 2 {
		t.Errorf("EnabledForwarders() = %v", got)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
