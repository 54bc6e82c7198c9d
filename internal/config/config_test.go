package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/factoryos/auditledger/internal/audit"
)

func TestLoad_NonexistentFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Server.Addr() != "127.0.0.1:3200" {
		t.Errorf("default addr: expected 127.0.0.1:3200, got %q", cfg.Server.Addr())
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("default driver: expected sqlite, got %q", cfg.Store.Driver)
	}
	if cfg.Store.Path != filepath.Join(dir, "ledger.db") {
		t.Errorf("default store path: got %q", cfg.Store.Path)
	}
	if cfg.Retention.PoliciesFile != filepath.Join(dir, "policies.yaml") {
		t.Errorf("default policies file: got %q", cfg.Retention.PoliciesFile)
	}
	if cfg.Retention.Enabled {
		t.Error("retention must be opt-in")
	}
	if !cfg.Verification.Enabled || cfg.Verification.Interval != time.Hour {
		t.Errorf("default verification: got %+v", cfg.Verification)
	}
	if cfg.Query.MaxPageSize != 500 || cfg.Query.ExportCeiling != 100000 {
		t.Errorf("default query limits: got %+v", cfg.Query)
	}
	if cfg.Archive.Type != "" {
		t.Errorf("archiving must be off by default, got %q", cfg.Archive.Type)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: "0.0.0.0"
  port: 9090
  stream: false
store:
  driver: postgres
  dsn: "postgres://ledger:secret@db:5432/auditledger"
  max_conns: 20
  max_conn_lifetime: 30m
archive:
  type: s3
  s3:
    bucket: plant-archive
    region: eu-central-1
    prefix: ledger
retention:
  enabled: true
  interval: 6h
  batch_size: 100
failure:
  fail_closed_categories: [SECURITY, LICENSE]
  fail_closed_actions: ["USER_*"]
log:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Errorf("addr: expected 0.0.0.0:9090, got %q", cfg.Server.Addr())
	}
	if cfg.Server.Stream {
		t.Error("stream: expected false")
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.MaxConns != 20 {
		t.Errorf("store: got %+v", cfg.Store)
	}
	if cfg.Store.MaxConnLifetime != 30*time.Minute {
		t.Errorf("max_conn_lifetime: expected 30m, got %s", cfg.Store.MaxConnLifetime)
	}
	if cfg.Archive.S3.Bucket != "plant-archive" || cfg.Archive.S3.Region != "eu-central-1" {
		t.Errorf("archive: got %+v", cfg.Archive)
	}
	if cfg.Retention.Interval != 6*time.Hour || cfg.Retention.BatchSize != 100 {
		t.Errorf("retention: got %+v", cfg.Retention)
	}

	policy, err := cfg.Failure.Policy()
	if err != nil {
		t.Fatalf("failure policy: %v", err)
	}
	if !policy.FailClosed(audit.Request{Action: "USER_CREATED", Category: audit.CategoryData, Severity: audit.SeverityInfo}) {
		t.Error("USER_* actions should fail closed")
	}
	if !policy.FailClosed(audit.Request{Action: "LICENSE_ACTIVATED", Category: audit.CategoryLicense, Severity: audit.SeverityInfo}) {
		t.Error("LICENSE should fail closed")
	}
	if policy.FailClosed(audit.Request{Action: "ROLE_GRANTED", Category: audit.CategoryPermission, Severity: audit.SeverityInfo}) {
		t.Error("configured categories replace the defaults")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	// Host should retain default.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Store.Path != filepath.Join(dir, "ledger.db") {
		t.Errorf("store path should be default, got %q", cfg.Store.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"empty host", func(c *Config) { c.Server.Host = "" }, true},
		{"port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"port 65536", func(c *Config) { c.Server.Port = 65536 }, true},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, true},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, true},
		{"unknown archive", func(c *Config) { c.Archive.Type = "tape" }, true},
		{"s3 without bucket", func(c *Config) { c.Archive.Type = "s3" }, true},
		{"file archive", func(c *Config) { c.Archive.Type = "file" }, false},
		{"retention without interval", func(c *Config) { c.Retention.Enabled = true; c.Retention.Interval = 0 }, true},
		{"zero batch", func(c *Config) { c.Retention.BatchSize = 0 }, true},
		{"page size over cap", func(c *Config) { c.Query.MaxPageSize = 501 }, true},
		{"export ceiling over cap", func(c *Config) { c.Query.ExportCeiling = 100001 }, true},
		{"unknown fail-closed category", func(c *Config) { c.Failure.FailClosedCategories = []string{"BILLING"} }, true},
		{"bad action pattern", func(c *Config) { c.Failure.FailClosedActions = []string{"USER_["} }, true},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Endpoint = "" }, true},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, true},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, true},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := applyDefaults(t.TempDir())
			tt.mutate(cfg)
			err := validate(cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Server.Port != 3200 {
		t.Errorf("roundtrip port: expected 3200, got %d", cfg.Server.Port)
	}
	if cfg.Verification.Interval != time.Hour {
		t.Errorf("roundtrip interval: expected 1h, got %s", cfg.Verification.Interval)
	}
	if len(cfg.Failure.FailClosedCategories) != 2 {
		t.Errorf("roundtrip fail-closed categories: got %v", cfg.Failure.FailClosedCategories)
	}
}
