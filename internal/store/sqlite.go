package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/factoryos/auditledger/internal/audit"
)

// sqliteSchema creates the ledger tables. The triggers make committed
// entries and tombstones immutable below the application: an entry can be
// deleted only while a retention permit is open for the run that wrote its
// tombstone, which is what SQLite.Purge does inside a single transaction.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	sequence_id     INTEGER PRIMARY KEY,
	tenant_id       TEXT,
	actor_user_id   TEXT,
	actor_username  TEXT,
	action          TEXT NOT NULL,
	category        TEXT NOT NULL,
	severity        TEXT NOT NULL,
	entity_type     TEXT,
	entity_id       TEXT,
	before_state    BLOB,
	after_state     BLOB,
	ip_address      TEXT,
	user_agent      TEXT,
	device          TEXT,
	session_id      TEXT,
	request_id      TEXT,
	metadata        TEXT,
	digest          TEXT NOT NULL UNIQUE,
	previous_digest TEXT NOT NULL,
	signature       BLOB,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_tenant ON entries(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at);
CREATE INDEX IF NOT EXISTS idx_entries_actor ON entries(actor_user_id);
CREATE INDEX IF NOT EXISTS idx_entries_category ON entries(category, severity);
CREATE INDEX IF NOT EXISTS idx_entries_action ON entries(action);
CREATE INDEX IF NOT EXISTS idx_entries_entity ON entries(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS chain_head (
	id            INTEGER PRIMARY KEY CHECK (id = 1),
	last_sequence INTEGER NOT NULL,
	last_digest   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tombstones (
	sequence_id INTEGER PRIMARY KEY,
	digest      TEXT NOT NULL,
	policy      TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	purged_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS retention_permits (
	run_id TEXT PRIMARY KEY
);

CREATE TRIGGER IF NOT EXISTS entries_no_update BEFORE UPDATE ON entries
BEGIN
	SELECT RAISE(ABORT, 'immutability violation: audit entries cannot be updated');
END;

CREATE TRIGGER IF NOT EXISTS entries_guarded_delete BEFORE DELETE ON entries
WHEN NOT EXISTS (
	SELECT 1 FROM retention_permits p
	JOIN tombstones t ON t.run_id = p.run_id
	WHERE t.sequence_id = OLD.sequence_id AND t.digest = OLD.digest
)
BEGIN
	SELECT RAISE(ABORT, 'immutability violation: audit entries can only be removed by retention');
END;

CREATE TRIGGER IF NOT EXISTS tombstones_no_update BEFORE UPDATE ON tombstones
BEGIN
	SELECT RAISE(ABORT, 'immutability violation: tombstones cannot be updated');
END;

CREATE TRIGGER IF NOT EXISTS tombstones_no_delete BEFORE DELETE ON tombstones
BEGIN
	SELECT RAISE(ABORT, 'immutability violation: tombstones cannot be deleted');
END;
`

// SQLite is the embedded, single-file Store. WAL mode lets the API and CLI
// read while a writer commits.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the ledger database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating ledger directory %s: %w", dir, err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite ledger %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO chain_head (id, last_sequence, last_digest) VALUES (1, 0, ?)`,
		audit.GenesisDigest); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising chain head: %w", err)
	}

	slog.Debug("sqlite ledger opened", "path", path)
	return &SQLite{db: db, path: path}, nil
}

func (s *SQLite) Tail(ctx context.Context) (audit.Tail, error) {
	var t audit.Tail
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sequence, last_digest FROM chain_head WHERE id = 1`).Scan(&t.Sequence, &t.Digest)
	if err != nil {
		return audit.Tail{}, translateError("reading chain head", err)
	}
	return t, nil
}

// Commit advances the chain head only if it still points at the entry's
// previous digest, then inserts the entry at the new sequence.
func (s *SQLite) Commit(ctx context.Context, e *audit.Entry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, translateError("beginning commit", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE chain_head SET last_sequence = last_sequence + 1, last_digest = ?
		 WHERE id = 1 AND last_digest = ?`, e.Digest, e.PreviousDigest)
	if err != nil {
		return 0, translateError("advancing chain head", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, translateError("advancing chain head", err)
	} else if n == 0 {
		return 0, audit.ErrChainConflict
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT last_sequence FROM chain_head WHERE id = 1`).Scan(&seq); err != nil {
		return 0, translateError("reading chain head", err)
	}

	args, err := entryArgs(sqliteDialect, seq, e)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO entries ("+entryColumns+") VALUES ("+placeholders(sqliteDialect, len(args))+")",
		args...); err != nil {
		return 0, translateError("inserting entry", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, translateError("committing entry", err)
	}
	return seq, nil
}

func (s *SQLite) Get(ctx context.Context, seq int64) (*audit.Entry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE sequence_id = ?", seq)
	e, err := scanEntry(row)
	if err != nil {
		return nil, translateError(fmt.Sprintf("reading entry %d", seq), err)
	}
	return e, nil
}

func (s *SQLite) Find(ctx context.Context, f audit.Filter, w audit.Window) ([]audit.Entry, int64, error) {
	b := newBuilder(sqliteDialect)
	b.filter(f)
	where := b.whereClause()

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries"+where, b.args...).Scan(&total); err != nil {
		return nil, 0, translateError("counting entries", err)
	}
	if w.Limit <= 0 {
		return nil, total, nil
	}

	q := "SELECT " + entryColumns + " FROM entries" + where + orderBy(w) + b.limit(w)
	rows, err := s.db.QueryContext(ctx, q, b.args...)
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

// ScanChain reads entries and tombstones from one snapshot so a concurrent
// purge cannot make a position appear twice.
func (s *SQLite) ScanChain(ctx context.Context, after int64, limit int) ([]audit.Link, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, translateError("beginning chain scan", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE sequence_id > ? ORDER BY sequence_id LIMIT ?", after, limit)
	if err != nil {
		return nil, translateError("scanning chain", err)
	}
	entries, err := collectEntries(rows)
	rows.Close()
	if err != nil {
		return nil, translateError("scanning chain", err)
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT sequence_id, digest, policy, run_id, purged_at FROM tombstones
		 WHERE sequence_id > ? ORDER BY sequence_id LIMIT ?`, after, limit)
	if err != nil {
		return nil, translateError("scanning tombstones", err)
	}
	defer rows.Close()
	tombstones, err := collectTombstones(rows)
	if err != nil {
		return nil, translateError("scanning tombstones", err)
	}

	return mergeLinks(entries, tombstones, limit), nil
}

func (s *SQLite) DigestAt(ctx context.Context, seq int64) (string, error) {
	var digest string
	err := s.db.QueryRowContext(ctx,
		`SELECT digest FROM entries WHERE sequence_id = ?
		 UNION ALL
		 SELECT digest FROM tombstones WHERE sequence_id = ?
		 LIMIT 1`, seq, seq).Scan(&digest)
	if err != nil {
		return "", translateError(fmt.Sprintf("reading digest at %d", seq), err)
	}
	return digest, nil
}

// Purge is the privileged removal path. In one transaction it writes a
// tombstone for every sequence, opens a permit for the run, deletes the
// entries and closes the permit again. Any missing sequence aborts the
// whole batch.
func (s *SQLite) Purge(ctx context.Context, batch audit.PurgeBatch) (int, error) {
	if len(batch.Sequences) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, translateError("beginning purge", err)
	}
	defer tx.Rollback()

	in, seqArgs := inList(batch.Sequences)
	args := append([]any{batch.Policy, batch.RunID, audit.FormatTime(time.Now())}, seqArgs...)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO tombstones (sequence_id, digest, policy, run_id, purged_at)
		 SELECT sequence_id, digest, ?, ?, ? FROM entries WHERE sequence_id IN (`+in+`)`, args...)
	if err != nil {
		return 0, translateError("writing tombstones", err)
	}
	if n, _ := res.RowsAffected(); n != int64(len(batch.Sequences)) {
		return 0, fmt.Errorf("purging batch: %d of %d entries exist: %w", n, len(batch.Sequences), audit.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO retention_permits (run_id) VALUES (?)`, batch.RunID); err != nil {
		return 0, translateError("opening retention permit", err)
	}
	res, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE sequence_id IN (`+in+`)`, seqArgs...)
	if err != nil {
		return 0, translateError("deleting entries", err)
	}
	deleted, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM retention_permits WHERE run_id = ?`, batch.RunID); err != nil {
		return 0, translateError("closing retention permit", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, translateError("committing purge", err)
	}
	return int(deleted), nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func inList(seqs []int64) (string, []any) {
	args := make([]any, len(seqs))
	for i, seq := range seqs {
		args[i] = seq
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(seqs)), ", "), args
}

// rowIterator is satisfied by both *sql.Rows and pgx.Rows. Callers close
// the rows themselves.
type rowIterator interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectEntries(rows rowIterator) ([]audit.Entry, error) {
	var entries []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func collectTombstones(rows rowIterator) ([]audit.Tombstone, error) {
	var out []audit.Tombstone
	for rows.Next() {
		var t audit.Tombstone
		var purged any
		if err := rows.Scan(&t.Sequence, &t.Digest, &t.Policy, &t.RunID, &purged); err != nil {
			return nil, err
		}
		ts, err := scanTime(purged)
		if err != nil {
			return nil, fmt.Errorf("tombstone %d: %w", t.Sequence, err)
		}
		t.PurgedAt = ts
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ audit.Store = (*SQLite)(nil)
