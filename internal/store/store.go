// Package store provides the audit.Store backends: an embedded SQLite file
// for single-node deployments and PostgreSQL for shared ones. Both enforce
// immutability with database triggers, so a committed entry cannot be
// changed even by code that bypasses the audit package.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/factoryos/auditledger/internal/audit"
)

// Drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
	// MigrateOnOpen applies pending PostgreSQL migrations before connecting.
	MigrateOnOpen bool
}

// Open returns the configured backend.
func Open(ctx context.Context, opts Options) (audit.Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite store: path is required")
		}
		s, err := OpenSQLite(ctx, opts.Path)
		if err != nil {
			return nil, err
		}
		return s, nil

	case DriverPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres store: dsn is required")
		}
		if opts.MigrateOnOpen {
			st, err := MigrateUp(opts.DSN)
			if err != nil {
				return nil, err
			}
			if st.Dirty {
				return nil, fmt.Errorf("postgres schema version %d is dirty; fix it with `auditledger migrate`", st.Version)
			}
		}
		p, err := OpenPostgres(ctx, opts.DSN, PostgresOptions{
			MaxConns:        opts.MaxConns,
			MaxConnLifetime: opts.MaxConnLifetime,
		})
		if err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q (use sqlite or postgres)", opts.Driver)
	}
}
