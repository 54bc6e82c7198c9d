package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/factoryos/auditledger/internal/archive"
	"github.com/factoryos/auditledger/internal/audit"
	"github.com/factoryos/auditledger/internal/config"
	"github.com/factoryos/auditledger/internal/store"
)

// ledger is the wired set of components every command works through.
type ledger struct {
	store     audit.Store
	archive   audit.Archive
	writer    *audit.Writer
	query     *audit.QueryEngine
	exporter  *audit.Exporter
	verifier  *audit.Verifier
	retention *audit.RetentionEngine
	failure   *audit.FailurePolicy
}

// openLedger opens the configured store and archive and builds the engines
// over them. obs may be nil.
func openLedger(ctx context.Context, cfg *config.Config, obs audit.Observer) (*ledger, error) {
	st, err := store.Open(ctx, store.Options{
		Driver:          cfg.Store.Driver,
		Path:            cfg.Store.Path,
		DSN:             cfg.Store.DSN,
		MaxConns:        cfg.Store.MaxConns,
		MaxConnLifetime: cfg.Store.MaxConnLifetime,
		MigrateOnOpen:   cfg.Store.MigrateOnOpen,
	})
	if err != nil {
		return nil, fmt.Errorf("opening ledger store: %w", err)
	}

	arc, err := archive.Open(ctx, archive.Options{
		Type: cfg.Archive.Type,
		Dir:  cfg.Archive.Dir,
		S3: archive.S3Options{
			Bucket:       cfg.Archive.S3.Bucket,
			Region:       cfg.Archive.S3.Region,
			Prefix:       cfg.Archive.S3.Prefix,
			Endpoint:     cfg.Archive.S3.Endpoint,
			UsePathStyle: cfg.Archive.S3.UsePathStyle,
		},
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	failure, err := cfg.Failure.Policy()
	if err != nil {
		st.Close()
		return nil, err
	}

	var writerOpts []audit.WriterOption
	retentionOpts := []audit.RetentionOption{audit.WithBatchSize(cfg.Retention.BatchSize)}
	if obs != nil {
		writerOpts = append(writerOpts, audit.WithObserver(obs))
		retentionOpts = append(retentionOpts, audit.WithRetentionObserver(obs))
	}
	if arc != nil {
		retentionOpts = append(retentionOpts, audit.WithArchive(arc))
	}

	l := &ledger{store: st, archive: arc, failure: failure}
	l.writer = audit.NewWriter(st, writerOpts...)
	l.query = audit.NewQueryEngine(st, cfg.Query.MaxPageSize)
	l.exporter = audit.NewExporter(st, l.query, cfg.Query.ExportCeiling, obs)
	l.verifier = audit.NewVerifier(st, obs)
	l.retention = audit.NewRetentionEngine(st, l.query, l.writer, retentionOpts...)

	slog.Debug("ledger opened", "driver", cfg.Store.Driver, "archive", cfg.Archive.Type)
	return l, nil
}

func (l *ledger) Close() {
	if err := l.store.Close(); err != nil {
		slog.Error("closing ledger store", "error", err)
	}
}

// withLedger loads the config, opens the ledger for fn and closes it after.
func withLedger(ctx context.Context, fn func(*config.Config, *ledger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	l, err := openLedger(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(cfg, l)
}
