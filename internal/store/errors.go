package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/factoryos/auditledger/internal/audit"
)

// immutabilitySQLState is raised by the PostgreSQL mutation trigger.
const immutabilitySQLState = "LG001"

// immutabilityMessage prefixes every trigger rejection in both backends.
const immutabilityMessage = "immutability violation"

// translateError maps driver errors onto the audit sentinels so callers can
// use errors.Is regardless of backend. The driver error stays wrapped too.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w: %w", op, audit.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == immutabilitySQLState:
			return fmt.Errorf("%s: %w: %w", op, audit.ErrImmutabilityViolation, err)
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w: %w", op, audit.ErrChainConflict, err)
		// Connection exceptions, insufficient resources, operator
		// intervention, serialization failures and deadlocks are transient.
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P"), pgErr.Code == "40001", pgErr.Code == "40P01":
			return fmt.Errorf("%s: %w: %w", op, audit.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%s: %w: %w", op, audit.ErrStoreUnavailable, err)
	}

	// The SQLite driver reports trigger aborts and lock contention only
	// through the message text.
	msg := err.Error()
	switch {
	case strings.Contains(msg, immutabilityMessage):
		return fmt.Errorf("%s: %w: %w", op, audit.ErrImmutabilityViolation, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%s: %w: %w", op, audit.ErrChainConflict, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"),
		strings.Contains(msg, "unable to open database"), errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%s: %w: %w", op, audit.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
