package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/factoryos/auditledger/internal/audit"
)

// chainLockID is the advisory lock serializing commits across processes.
var chainLockID = func() int64 {
	h := fnv.New64a()
	h.Write([]byte("auditledger.chain_head"))
	return int64(h.Sum64())
}()

// Postgres is the Store for shared, multi-process deployments. Schema
// comes from the embedded migrations (see Migrate).
type Postgres struct {
	pool *pgxpool.Pool
}

// PostgresOptions tunes the connection pool.
type PostgresOptions struct {
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// OpenPostgres connects to dsn and pings the server.
func OpenPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, translateError("pinging postgres", err)
	}

	slog.Debug("postgres ledger opened", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return &Postgres{pool: pool}, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Tail(ctx context.Context) (audit.Tail, error) {
	var t audit.Tail
	err := p.pool.QueryRow(ctx,
		`SELECT last_sequence, last_digest FROM audit_chain_head WHERE id = 1`).Scan(&t.Sequence, &t.Digest)
	if err != nil {
		return audit.Tail{}, translateError("reading chain head", err)
	}
	return t, nil
}

// Commit takes the chain advisory lock, advances the head only if it still
// points at the entry's previous digest, and inserts the entry, all in one
// transaction.
func (p *Postgres) Commit(ctx context.Context, e *audit.Entry) (int64, error) {
	var seq int64
	err := p.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", chainLockID); err != nil {
			return translateError("acquiring chain lock", err)
		}

		err := tx.QueryRow(ctx,
			`UPDATE audit_chain_head SET last_sequence = last_sequence + 1, last_digest = $1
			 WHERE id = 1 AND last_digest = $2 RETURNING last_sequence`,
			e.Digest, e.PreviousDigest).Scan(&seq)
		if errors.Is(err, pgx.ErrNoRows) {
			return audit.ErrChainConflict
		}
		if err != nil {
			return translateError("advancing chain head", err)
		}

		args, err := entryArgs(postgresDialect, seq, e)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO audit_entries ("+entryColumns+") VALUES ("+placeholders(postgresDialect, len(args))+")",
			args...); err != nil {
			return translateError("inserting entry", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (p *Postgres) Get(ctx context.Context, seq int64) (*audit.Entry, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+entryColumns+" FROM audit_entries WHERE sequence_id = $1", seq)
	e, err := scanEntry(row)
	if err != nil {
		return nil, translateError(fmt.Sprintf("reading entry %d", seq), err)
	}
	return e, nil
}

func (p *Postgres) Find(ctx context.Context, f audit.Filter, w audit.Window) ([]audit.Entry, int64, error) {
	b := newBuilder(postgresDialect)
	b.filter(f)
	where := b.whereClause()

	var total int64
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_entries"+where, b.args...).Scan(&total); err != nil {
		return nil, 0, translateError("counting entries", err)
	}
	if w.Limit <= 0 {
		return nil, total, nil
	}

	q := "SELECT " + entryColumns + " FROM audit_entries" + where + orderBy(w) + b.limit(w)
	rows, err := p.pool.Query(ctx, q, b.args...)
	if err != nil {
		return nil, 0, translateError("querying entries", err)
	}
	defer rows.Close()
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, 0, translateError("querying entries", err)
	}
	return entries, total, nil
}

// ScanChain reads entries and tombstones in one repeatable-read snapshot.
func (p *Postgres) ScanChain(ctx context.Context, after int64, limit int) ([]audit.Link, error) {
	var links []audit.Link
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := p.inTx(ctx, opts, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			"SELECT "+entryColumns+" FROM audit_entries WHERE sequence_id > $1 ORDER BY sequence_id LIMIT $2",
			after, limit)
		if err != nil {
			return translateError("scanning chain", err)
		}
		entries, err := collectEntries(rows)
		rows.Close()
		if err != nil {
			return translateError("scanning chain", err)
		}

		rows, err = tx.Query(ctx,
			`SELECT sequence_id, digest, policy, run_id, purged_at FROM audit_tombstones
			 WHERE sequence_id > $1 ORDER BY sequence_id LIMIT $2`, after, limit)
		if err != nil {
			return translateError("scanning tombstones", err)
		}
		tombstones, err := collectTombstones(rows)
		rows.Close()
		if err != nil {
			return translateError("scanning tombstones", err)
		}

		links = mergeLinks(entries, tombstones, limit)
		return nil
	})
	return links, err
}

func (p *Postgres) DigestAt(ctx context.Context, seq int64) (string, error) {
	var digest string
	err := p.pool.QueryRow(ctx,
		`SELECT digest FROM audit_entries WHERE sequence_id = $1
		 UNION ALL
		 SELECT digest FROM audit_tombstones WHERE sequence_id = $1
		 LIMIT 1`, seq).Scan(&digest)
	if err != nil {
		return "", translateError(fmt.Sprintf("reading digest at %d", seq), err)
	}
	return digest, nil
}

// Purge writes tombstones, sets the transaction-local retention setting the
// mutation trigger checks, and deletes the batch. The setting ends with the
// transaction.
func (p *Postgres) Purge(ctx context.Context, batch audit.PurgeBatch) (int, error) {
	if len(batch.Sequences) == 0 {
		return 0, nil
	}

	var deleted int64
	err := p.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO audit_tombstones (sequence_id, digest, policy, run_id, purged_at)
			 SELECT sequence_id, digest, $1, $2, now() FROM audit_entries WHERE sequence_id = ANY($3)`,
			batch.Policy, batch.RunID, batch.Sequences)
		if err != nil {
			return translateError("writing tombstones", err)
		}
		if n := tag.RowsAffected(); n != int64(len(batch.Sequences)) {
			return fmt.Errorf("purging batch: %d of %d entries exist: %w", n, len(batch.Sequences), audit.ErrNotFound)
		}

		if _, err := tx.Exec(ctx, "SELECT set_config('auditledger.retention_run', $1, true)", batch.RunID); err != nil {
			return translateError("opening retention permit", err)
		}
		tag, err = tx.Exec(ctx, `DELETE FROM audit_entries WHERE sequence_id = ANY($1)`, batch.Sequences)
		if err != nil {
			return translateError("deleting entries", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) inTx(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, opts)
	if err != nil {
		return translateError("beginning transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translateError("committing transaction", err)
	}
	return nil
}

var _ audit.Store = (*Postgres)(nil)
