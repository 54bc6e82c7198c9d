package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factoryos/auditledger/internal/audit"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fullRequest(action string) audit.Request {
	return audit.Request{
		TenantID:   "acme",
		Actor:      &audit.Actor{UserID: "u-1", Username: "alice"},
		Action:     action,
		Category:   audit.CategoryData,
		Severity:   audit.SeverityWarning,
		EntityType: "plan",
		EntityID:   "p-42",
		Before:     []byte(`{"status":"draft"}`),
		After:      []byte(`{"status":"active"}`),
		Context: audit.RequestContext{
			IPAddress: "192.0.2.10",
			UserAgent: "curl/8.5",
			Device:    "line-3-terminal",
			SessionID: "sess-1",
			RequestID: "req-1",
		},
		Metadata: map[string]any{"shift": 2, "line": "A", "tags": []any{"x", "y"}},
	}
}

func appendN(t *testing.T, w *audit.Writer, n int) []*audit.Entry {
	t.Helper()
	out := make([]*audit.Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := w.Append(context.Background(), fullRequest(fmt.Sprintf("ACTION_%d", i+1)))
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func verifyAll(t *testing.T, s audit.Store) *audit.IntegrityReport {
	t.Helper()
	report, err := audit.NewVerifier(s, nil).Verify(context.Background(), audit.VerifyRequest{})
	require.NoError(t, err)
	return report
}

func TestSQLite_EmptyLedger(t *testing.T) {
	s := openTestSQLite(t)

	tail, err := s.Tail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, audit.Tail{Sequence: 0, Digest: audit.GenesisDigest}, tail)

	_, err = s.Get(context.Background(), 1)
	assert.ErrorIs(t, err, audit.ErrNotFound)

	_, err = s.DigestAt(context.Background(), 1)
	assert.ErrorIs(t, err, audit.ErrNotFound)
}

func TestSQLite_RoundTripHashesIdentically(t *testing.T) {
	s := openTestSQLite(t)
	w := audit.NewWriter(s)
	appended := appendN(t, w, 3)

	for _, want := range appended {
		got, err := s.Get(context.Background(), want.Sequence)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.True(t, audit.VerifyEntry(got), "entry %d reloaded from sqlite must verify", got.Sequence)
	}

	tail, err := s.Tail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), tail.Sequence)
	assert.Equal(t, appended[2].Digest, tail.Digest)

	report := verifyAll(t, s)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(3), report.VerifiedCount)
}

func TestSQLite_SystemEventRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	w := audit.NewWriter(s)

	e, err := w.Append(context.Background(), audit.Request{
		Action:   "BACKUP_COMPLETED",
		Category: audit.CategoryBackup,
		Severity: audit.SeverityInfo,
	})
	require.NoError(t, err)

	got, err := s.Get(context.Background(), e.Sequence)
	require.NoError(t, err)
	assert.Nil(t, got.Actor)
	assert.Nil(t, got.Metadata)
	assert.Empty(t, got.TenantID)
	assert.True(t, audit.VerifyEntry(got))
}

func TestSQLite_UpdateIsRejected(t *testing.T) {
	s := openTestSQLite(t)
	appendN(t, audit.NewWriter(s), 2)

	_, err := s.db.Exec(`UPDATE entries SET action = 'PLAN_DELETED' WHERE sequence_id = 2`)
	require.Error(t, err)
	assert.ErrorIs(t, translateError("tampering", err), audit.ErrImmutabilityViolation)

	got, err := s.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "ACTION_2", got.Action)
}

func TestSQLite_DeleteIsRejected(t *testing.T) {
	s := openTestSQLite(t)
	appendN(t, audit.NewWriter(s), 2)

	_, err := s.db.Exec(`DELETE FROM entries WHERE sequence_id = 1`)
	assert.ErrorIs(t, translateError("deleting", err), audit.ErrImmutabilityViolation)

	// A permit alone is not enough: the entry also needs a tombstone from
	// the permitted run.
	_, err = s.db.Exec(`INSERT INTO retention_permits (run_id) VALUES ('forged')`)
	require.NoError(t, err)
	_, err = s.db.Exec(`DELETE FROM entries WHERE sequence_id = 1`)
	assert.ErrorIs(t, translateError("deleting", err), audit.ErrImmutabilityViolation)

	report := verifyAll(t, s)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(2), report.VerifiedCount)
}

func TestSQLite_TamperingBelowTriggersIsDetected(t *testing.T) {
	s := openTestSQLite(t)
	appendN(t, audit.NewWriter(s), 4)

	// An attacker with raw database access drops the guard first.
	_, err := s.db.Exec(`DROP TRIGGER entries_no_update`)
	require.NoError(t, err)
	_, err = s.db.Exec(`UPDATE entries SET action = 'EDITED' WHERE sequence_id = 3`)
	require.NoError(t, err)

	report := verifyAll(t, s)
	assert.False(t, report.Valid)
	require.NotNil(t, report.FirstFailure)
	assert.Equal(t, int64(3), report.FirstFailure.Sequence)
	assert.Equal(t, audit.HashMismatch, report.FirstFailure.Kind)
}

func TestSQLite_StaleCommitConflicts(t *testing.T) {
	s := openTestSQLite(t)
	appendN(t, audit.NewWriter(s), 1)

	stale := &audit.Entry{
		Action:         "FORKED",
		Category:       audit.CategoryData,
		Severity:       audit.SeverityInfo,
		PreviousDigest: audit.GenesisDigest,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	stale.Digest = audit.ComputeDigest(stale, stale.PreviousDigest)

	_, err := s.Commit(context.Background(), stale)
	assert.ErrorIs(t, err, audit.ErrChainConflict)

	tail, err := s.Tail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), tail.Sequence)
}

func TestSQLite_PurgeWritesTombstones(t *testing.T) {
	s := openTestSQLite(t)
	appended := appendN(t, audit.NewWriter(s), 5)
	ctx := context.Background()

	n, err := s.Purge(ctx, audit.PurgeBatch{Sequences: []int64{1, 2}, Policy: "short", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Get(ctx, 1)
	assert.ErrorIs(t, err, audit.ErrNotFound)

	digest, err := s.DigestAt(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, appended[1].Digest, digest)

	links, err := s.ScanChain(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, links, 5)
	assert.NotNil(t, links[0].Tombstone)
	assert.Equal(t, "short", links[0].Tombstone.Policy)
	assert.Equal(t, "run-1", links[1].Tombstone.RunID)
	assert.NotNil(t, links[2].Entry)
	assert.Equal(t, int64(3), links[2].Sequence)

	// The head survives the purge and the chain still verifies end to end.
	tail, err := s.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), tail.Sequence)

	report := verifyAll(t, s)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(2), report.PurgedCount)
	assert.Equal(t, int64(3), report.VerifiedCount)

	// Tombstones are immutable too.
	_, err = s.db.Exec(`DELETE FROM tombstones WHERE sequence_id = 1`)
	assert.ErrorIs(t, translateError("deleting tombstone", err), audit.ErrImmutabilityViolation)

	// The permit is closed after the purge.
	var permits int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM retention_permits`).Scan(&permits))
	assert.Zero(t, permits)
}

func TestSQLite_PurgeIsAllOrNothing(t *testing.T) {
	s := openTestSQLite(t)
	appendN(t, audit.NewWriter(s), 3)

	_, err := s.Purge(context.Background(), audit.PurgeBatch{Sequences: []int64{2, 9}, Policy: "p", RunID: "r"})
	assert.ErrorIs(t, err, audit.ErrNotFound)

	_, err = s.Get(context.Background(), 2)
	assert.NoError(t, err, "a failed batch must not remove anything")
	links, err := s.ScanChain(context.Background(), 0, 10)
	require.NoError(t, err)
	for _, l := range links {
		assert.Nil(t, l.Tombstone)
	}
}

func TestSQLite_ScanChainPaging(t *testing.T) {
	s := openTestSQLite(t)
	appendN(t, audit.NewWriter(s), 5)
	_, err := s.Purge(context.Background(), audit.PurgeBatch{Sequences: []int64{3}, Policy: "p", RunID: "r"})
	require.NoError(t, err)

	links, err := s.ScanChain(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, int64(2), links[0].Sequence)
	assert.Equal(t, int64(3), links[1].Sequence)
	assert.NotNil(t, links[1].Tombstone)
}

func TestSQLite_Find(t *testing.T) {
	s := openTestSQLite(t)
	w := audit.NewWriter(s)
	ctx := context.Background()

	reqs := []audit.Request{
		{TenantID: "acme", Actor: &audit.Actor{Username: "alice"}, Action: "LOGIN", Category: audit.CategoryAuth, Severity: audit.SeverityInfo},
		{TenantID: "acme", Actor: &audit.Actor{Username: "bob"}, Action: "PLAN_DELETED", Category: audit.CategoryData, Severity: audit.SeverityCritical, EntityType: "plan", EntityID: "p-1"},
		{TenantID: "globex", Action: "LOGIN_FAILED", Category: audit.CategorySecurity, Severity: audit.SeveritySecurity, Metadata: map[string]any{"reason": "100%_wrong"}},
		{TenantID: "acme", Actor: &audit.Actor{Username: "alice"}, Action: "PLAN_CREATED", Category: audit.CategoryData, Severity: audit.SeverityWarning, EntityType: "plan", EntityID: "p-2"},
	}
	for _, r := range reqs {
		_, err := w.Append(ctx, r)
		require.NoError(t, err)
	}

	seqs := func(entries []audit.Entry) []int64 {
		out := make([]int64, len(entries))
		for i, e := range entries {
			out[i] = e.Sequence
		}
		return out
	}

	tests := []struct {
		name   string
		filter audit.Filter
		window audit.Window
		want   []int64
		total  int64
	}{
		{"tenant", audit.Filter{TenantID: "acme"}, audit.Window{Limit: 10, Sort: audit.SortSequence}, []int64{1, 2, 4}, 3},
		{"username", audit.Filter{Username: "alice"}, audit.Window{Limit: 10, Sort: audit.SortSequence}, []int64{1, 4}, 2},
		{"category and severity", audit.Filter{Category: audit.CategoryData, Severity: audit.SeverityCritical}, audit.Window{Limit: 10}, []int64{2}, 1},
		{"entity", audit.Filter{EntityType: "plan", EntityID: "p-2"}, audit.Window{Limit: 10}, []int64{4}, 1},
		{"search is case-insensitive", audit.Filter{Search: "Plan_"}, audit.Window{Limit: 10, Sort: audit.SortSequence}, []int64{2, 4}, 2},
		{"search escapes wildcards", audit.Filter{Search: "100%_"}, audit.Window{Limit: 10}, []int64{3}, 1},
		{"search matches username", audit.Filter{Search: "BOB"}, audit.Window{Limit: 10}, []int64{2}, 1},
		{"severity rank descending", audit.Filter{}, audit.Window{Limit: 10, Sort: audit.SortSeverity, Descending: true}, []int64{3, 2, 4, 1}, 4},
		{"action ascending", audit.Filter{}, audit.Window{Limit: 10, Sort: audit.SortAction}, []int64{1, 3, 4, 2}, 4},
		{"created_at descending page", audit.Filter{}, audit.Window{Limit: 2, Offset: 1, Sort: audit.SortCreatedAt, Descending: true}, []int64{3, 2}, 4},
		{"keyset bounds", audit.Filter{AfterSequence: 1, UpToSequence: 3}, audit.Window{Limit: 10, Sort: audit.SortSequence}, []int64{2, 3}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, total, err := s.Find(ctx, tt.filter, tt.window)
			require.NoError(t, err)
			assert.Equal(t, tt.want, seqs(entries))
			assert.Equal(t, tt.total, total)
		})
	}

	t.Run("count only", func(t *testing.T) {
		entries, total, err := s.Find(ctx, audit.Filter{TenantID: "acme"}, audit.Window{})
		require.NoError(t, err)
		assert.Nil(t, entries)
		assert.Equal(t, int64(3), total)
	})
}

func TestSQLite_FindByTimeRange(t *testing.T) {
	s := openTestSQLite(t)
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	w := audit.NewWriter(s, audit.WithClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Hour)
	}))
	appendN(t, w, 5)

	entries, total, err := s.Find(context.Background(), audit.Filter{
		From: base.Add(2 * time.Hour),
		To:   base.Add(4 * time.Hour),
	}, audit.Window{Limit: 10, Sort: audit.SortSequence})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(2), entries[0].Sequence)

	_, total, err = s.Find(context.Background(), audit.Filter{OlderThan: base.Add(3 * time.Hour)}, audit.Window{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total, "OlderThan is exclusive")
}

func TestSQLite_ConcurrentAppendsStayLinear(t *testing.T) {
	s := openTestSQLite(t)
	w := audit.NewWriter(s)

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if _, err := w.Append(context.Background(), fullRequest(fmt.Sprintf("W%d_%d", i, j))); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("append: %v", err)
	}

	report := verifyAll(t, s)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(writers*perWriter), report.VerifiedCount)
}

// Two processes sharing one database file each have their own Writer; the
// conditional chain-head update is what keeps them from forking the chain.
func TestSQLite_TwoHandlesNeverFork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	var writers []*audit.Writer
	var first *SQLite
	for i := 0; i < 2; i++ {
		s, err := OpenSQLite(ctx, path)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		if first == nil {
			first = s
		}
		writers = append(writers, audit.NewWriter(s))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	committed, conflicts := 0, 0
	for i, w := range writers {
		wg.Add(1)
		go func(i int, w *audit.Writer) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				for {
					_, err := w.Append(ctx, fullRequest(fmt.Sprintf("P%d_%d", i, j)))
					if err == nil {
						mu.Lock()
						committed++
						mu.Unlock()
						break
					}
					if !audit.Retryable(err) {
						t.Errorf("append: %v", err)
						return
					}
					mu.Lock()
					conflicts++
					mu.Unlock()
				}
			}
		}(i, w)
	}
	wg.Wait()

	assert.Equal(t, 40, committed)
	t.Logf("retried %d conflicting appends", conflicts)

	report := verifyAll(t, first)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(40), report.VerifiedCount)
}

func TestSQLite_ReopenKeepsChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	appended := appendN(t, audit.NewWriter(s), 2)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	tail, err := s.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, appended[1].Digest, tail.Digest)

	e, err := audit.NewWriter(s).Append(ctx, fullRequest("AFTER_RESTART"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.Sequence)
	assert.Equal(t, appended[1].Digest, e.PreviousDigest)
}

func TestSQLite_MetadataNumbersSurvive(t *testing.T) {
	s := openTestSQLite(t)
	e, err := audit.NewWriter(s).Append(context.Background(), audit.Request{
		Action:   "MACHINE_CALIBRATED",
		Category: audit.CategorySystem,
		Severity: audit.SeverityInfo,
		Metadata: map[string]any{"offset": 0.125, "big": int64(9007199254740993)},
	})
	require.NoError(t, err)

	got, err := s.Get(context.Background(), e.Sequence)
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), got.Metadata["big"])
	assert.Equal(t, json.Number("0.125"), got.Metadata["offset"])
	assert.True(t, audit.VerifyEntry(got))
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{errors.New("sqlite: constraint failed: immutability violation: audit entries cannot be updated (1811)"), audit.ErrImmutabilityViolation},
		{errors.New("UNIQUE constraint failed: entries.sequence_id"), audit.ErrChainConflict},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), audit.ErrStoreUnavailable},
		{context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, translateError("op", tt.err), tt.want, "translating %q", tt.err)
	}
	assert.NoError(t, translateError("op", nil))
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/ledger?sslmode=disable", migrateURL("postgres://u:p@db:5432/ledger?sslmode=disable"))
	assert.Equal(t, "pgx5://db/ledger", migrateURL("postgresql://db/ledger"))
	assert.Equal(t, "pgx5://db/ledger", migrateURL("pgx5://db/ledger"))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "mysql"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Options{Driver: DriverPostgres})
	assert.Error(t, err)
}
