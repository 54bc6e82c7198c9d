// Package config handles loading, validating, and writing the auditledger
// configuration from ~/.auditledger/config.yaml.
//
// The config defines:
//   - API bind address and live feed toggle
//   - Ledger store (embedded SQLite file or PostgreSQL DSN)
//   - Archive target for retention (local directory or S3 bucket)
//   - Retention and verification job schedules
//   - Query and export limits
//   - Fail-closed categories and action patterns
//   - Tracing and logging
//
// Retention policies live in a separate policies.yaml (see policies.go) so
// they can be hot-reloaded without touching the main config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/factoryos/auditledger/internal/audit"
)

// Config is the top-level auditledger configuration.
// Loaded from config.yaml, with defaults for fields not explicitly set.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Retention    RetentionConfig    `yaml:"retention"`
	Verification VerificationConfig `yaml:"verification"`
	Query        QueryConfig        `yaml:"query"`
	Failure      FailureConfig      `yaml:"failure"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig defines where the HTTP API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Stream enables the websocket live feed at /api/stream.
	Stream bool `yaml:"stream"`
}

// StoreConfig selects the ledger backend.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MigrateOnOpen   bool          `yaml:"migrate_on_open"`
}

// ArchiveConfig is where retention writes entries before purging them.
// An empty type disables archiving; archive-enabled policies then fail.
type ArchiveConfig struct {
	Type string   `yaml:"type"`
	Dir  string   `yaml:"dir"`
	S3   S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Prefix       string `yaml:"prefix"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// RetentionConfig schedules retention runs.
type RetentionConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PoliciesFile string        `yaml:"policies_file"`
	Interval     time.Duration `yaml:"interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// VerificationConfig schedules incremental chain verification.
// CheckpointFile persists the last verified position between runs.
type VerificationConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	BatchSize      int           `yaml:"batch_size"`
	CheckpointFile string        `yaml:"checkpoint_file"`
}

type QueryConfig struct {
	MaxPageSize   int `yaml:"max_page_size"`
	ExportCeiling int `yaml:"export_ceiling"`
}

// FailureConfig lists what must fail closed when the ledger cannot record
// it. Actions are glob patterns ("USER_*").
type FailureConfig struct {
	FailClosedCategories []string `yaml:"fail_closed_categories"`
	FailClosedActions    []string `yaml:"fail_closed_actions"`
}

// TracingConfig configures OTLP/HTTP trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	Environment string  `yaml:"environment"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultDir returns ~/.auditledger, falling back to ./.auditledger when
// the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".auditledger"
	}
	return filepath.Join(home, ".auditledger")
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error). Default file
// locations are relative to the directory holding path.
func Load(path string) (*Config, error) {
	cfg := applyDefaults(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `auditledger config init`.
func WriteDefault(path string) error {
	cfg := applyDefaults(filepath.Dir(path))
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# auditledger configuration
#
# server:        API bind address; stream enables the websocket live feed
# store:         driver sqlite (path) or postgres (dsn, max_conns)
# archive:       type file (dir) or s3 (bucket, region, prefix, endpoint); empty disables
# retention:     scheduled runs of the policies in policies_file
# verification:  scheduled incremental chain verification, resumed from checkpoint_file
# query:         max_page_size (<= 500), export_ceiling (<= 100000)
# failure:       categories and action patterns that fail closed
# tracing:       OTLP/HTTP export
# log:           level debug|info|warn|error, format text|json

`
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o600)
}

// applyDefaults returns a Config with every field at its default, placing
// files under dir.
func applyDefaults(dir string) *Config {
	categories := make([]string, len(audit.DefaultFailClosedCategories))
	for i, c := range audit.DefaultFailClosedCategories {
		categories[i] = string(c)
	}
	return &Config{
		Server: ServerConfig{
			Host:   "127.0.0.1",
			Port:   3200,
			Stream: true,
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			Path:            filepath.Join(dir, "ledger.db"),
			MaxConns:        10,
			MaxConnLifetime: time.Hour,
		},
		Archive: ArchiveConfig{
			Dir: filepath.Join(dir, "archive"),
		},
		Retention: RetentionConfig{
			PoliciesFile: filepath.Join(dir, "policies.yaml"),
			Interval:     24 * time.Hour,
			BatchSize:    audit.DefaultRetentionBatch,
		},
		Verification: VerificationConfig{
			Enabled:        true,
			Interval:       time.Hour,
			BatchSize:      audit.DefaultVerifyBatch,
			CheckpointFile: filepath.Join(dir, "verify-checkpoint.json"),
		},
		Query: QueryConfig{
			MaxPageSize:   audit.MaxPageSize,
			ExportCeiling: audit.DefaultExportCeiling,
		},
		Failure: FailureConfig{
			FailClosedCategories: categories,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "auditledger",
			Environment: "development",
			SampleRatio: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q must be sqlite or postgres", cfg.Store.Driver)
	}
	if cfg.Store.MaxConns < 0 {
		return fmt.Errorf("store.max_conns must be non-negative")
	}

	switch cfg.Archive.Type {
	case "", "none":
	case "file":
		if cfg.Archive.Dir == "" {
			return fmt.Errorf("archive.dir is required for the file archive")
		}
	case "s3":
		if cfg.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required for the s3 archive")
		}
	default:
		return fmt.Errorf("archive.type %q must be file, s3 or empty", cfg.Archive.Type)
	}

	if cfg.Retention.Enabled && cfg.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be positive when retention is enabled")
	}
	if cfg.Retention.BatchSize < 1 {
		return fmt.Errorf("retention.batch_size must be at least 1")
	}
	if cfg.Verification.Enabled && cfg.Verification.Interval <= 0 {
		return fmt.Errorf("verification.interval must be positive when verification is enabled")
	}
	if cfg.Verification.BatchSize < 1 {
		return fmt.Errorf("verification.batch_size must be at least 1")
	}

	if cfg.Query.MaxPageSize < 1 || cfg.Query.MaxPageSize > audit.MaxPageSize {
		return fmt.Errorf("query.max_page_size %d out of range (1-%d)", cfg.Query.MaxPageSize, audit.MaxPageSize)
	}
	if cfg.Query.ExportCeiling < 1 || cfg.Query.ExportCeiling > audit.DefaultExportCeiling {
		return fmt.Errorf("query.export_ceiling %d out of range (1-%d)", cfg.Query.ExportCeiling, audit.DefaultExportCeiling)
	}

	if _, err := cfg.Failure.Policy(); err != nil {
		return fmt.Errorf("failure: %w", err)
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", cfg.Log.Format)
	}

	return nil
}

// Policy compiles the fail-closed settings.
func (f FailureConfig) Policy() (*audit.FailurePolicy, error) {
	categories := make([]audit.Category, 0, len(f.FailClosedCategories))
	for _, name := range f.FailClosedCategories {
		c, err := audit.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return audit.NewFailurePolicy(categories, f.FailClosedActions)
}

// Addr is the host:port the API listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
