package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/factoryos/auditledger/internal/api"
	"github.com/factoryos/auditledger/internal/audit"
	"github.com/factoryos/auditledger/internal/config"
	"github.com/factoryos/auditledger/internal/jobs"
	"github.com/factoryos/auditledger/internal/metrics"
	"github.com/factoryos/auditledger/internal/tracing"
)

// Lifecycle actions recorded by serve.
const (
	actionLedgerStarted = "LEDGER_STARTED"
	actionLedgerStopped = "LEDGER_STOPPED"
)

// ============================================================================
// auditledger serve
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background jobs",
	Long: `Run the ledger service. It serves the HTTP API (append, query, export,
verify, retention, live feed, metrics) on the configured address and runs
the scheduled jobs:

  - incremental chain verification, resumed from the checkpoint file
  - retention, when enabled, using the hot-reloaded policies file

Stops gracefully on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// runServe wires the stack together:
//
//  1. Load config and install logging and tracing
//  2. Open the store and archive, build the engines with metrics attached
//  3. Load retention policies and watch them for changes
//  4. Schedule verification and retention
//  5. Serve the API until a signal arrives, then drain and stop
func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
		Version:     version,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}()

	rec := metrics.New()
	l, err := openLedger(ctx, cfg, rec)
	if err != nil {
		return err
	}
	defer l.Close()

	policies, err := config.NewPolicySet(cfg.Retention.PoliciesFile)
	if err != nil {
		return fmt.Errorf("loading retention policies: %w", err)
	}

	watcher, err := config.NewWatcher(config.WatchTargets{
		PoliciesFile: policies.Path(),
		OnPoliciesChange: func() {
			// Reload logs its own outcome; a bad file keeps the old set.
			_ = policies.Reload()
		},
		ConfigFile: configPath,
		OnConfigChange: func() {
			slog.Warn("config.yaml changed; restart auditledger serve to apply it")
		},
	})
	if err != nil {
		return fmt.Errorf("starting file watcher: %w", err)
	}
	defer watcher.Close()

	var verifyJob *jobs.VerifyJob
	scheduler := jobs.NewScheduler()
	if cfg.Verification.Enabled {
		verifyJob = jobs.NewVerifyJob(l.verifier, l.writer, cfg.Verification.CheckpointFile, cfg.Verification.BatchSize)
		scheduler.Every(cfg.Verification.Interval, verifyJob, true)
	}
	if cfg.Retention.Enabled {
		scheduler.Every(cfg.Retention.Interval, jobs.NewRetentionJob(l.retention, policies.Policies), false)
	}

	opts := api.Options{
		Store:         l.store,
		Writer:        l.writer,
		Query:         l.query,
		Exporter:      l.exporter,
		Verifier:      l.verifier,
		Retention:     l.retention,
		Policies:      policies.Policies,
		FailurePolicy: l.failure,
		Metrics:       rec,
		Stream:        cfg.Server.Stream,
	}
	if verifyJob != nil {
		opts.Verification = verifyJob
	}
	apiServer := api.New(opts)
	defer apiServer.Close()

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}

	recordLifecycle(ctx, l.writer, actionLedgerStarted, map[string]any{
		"version": version,
		"commit":  commit,
		"driver":  cfg.Store.Driver,
		"addr":    server.Addr,
	})

	jobsCtx, stopJobs := context.WithCancel(context.Background())
	scheduler.Start(jobsCtx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("auditledger listening", "addr", server.Addr, "stream", cfg.Server.Stream)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down, signal received")
	case err := <-errCh:
		stopJobs()
		scheduler.Wait()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	// The stream holds hijacked connections Shutdown does not wait for.
	apiServer.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}

	stopJobs()
	scheduler.Wait()

	recordLifecycle(shutdownCtx, l.writer, actionLedgerStopped, nil)
	slog.Info("auditledger stopped")
	return nil
}

// recordLifecycle appends a SYSTEM entry for a service lifecycle event.
// Failure is logged, not fatal: lifecycle entries are fail-open.
func recordLifecycle(ctx context.Context, w *audit.Writer, action string, meta map[string]any) {
	_, err := w.Append(ctx, audit.Request{
		Action:   action,
		Category: audit.CategorySystem,
		Severity: audit.SeverityInfo,
		Metadata: meta,
	})
	if err != nil {
		slog.Error("recording lifecycle event", "action", action, "error", err)
	}
}
