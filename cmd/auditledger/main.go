// Package main is the CLI entry point for auditledger, a tamper-evident,
// append-only audit ledger for a multi-tenant manufacturing platform.
//
// Every recorded entry is hash-chained to its predecessor, committed
// entries cannot be changed through any interface, and only the retention
// engine may remove them, leaving tombstones that keep the chain verifiable.
//
// CLI commands (cobra):
//
//	auditledger serve                   - Run the HTTP API and background jobs
//	auditledger append                  - Record one entry
//	auditledger query                   - Filtered, paginated query
//	auditledger show <seq>              - Print one entry
//	auditledger verify                  - Verify hash chain integrity
//	auditledger export                  - Compliance export (csv, json, jsonl)
//	auditledger retention apply|list    - Apply or list retention policies
//	auditledger archive list|show       - Inspect retention archives
//	auditledger migrate up|down|version - PostgreSQL schema migrations
//	auditledger config init|show        - Configuration management
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/factoryos/auditledger/internal/config"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-10-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configPath is the global --config flag.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "auditledger",
	Short: "auditledger: tamper-evident audit ledger",
	Long: `auditledger records security- and business-relevant events as an
append-only, hash-chained ledger. Each entry's digest covers its content and
the previous entry's digest, so any modification, deletion or reordering is
detectable by 'auditledger verify'.

Run 'auditledger config init' to write a default configuration, then
'auditledger serve' to start the API.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath,
		"config",
		filepath.Join(config.DefaultDir(), "config.yaml"),
		"Path to config.yaml; other default paths are relative to its directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(retentionCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the config and installs the default logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

// setupLogging installs the process-wide slog handler. Logs go to stderr so
// command output on stdout stays machine-readable.
func setupLogging(lc config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(lc.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if lc.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
