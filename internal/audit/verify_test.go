package audit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

// seedChain appends n entries and returns the store, writer and entries.
func seedChain(t *testing.T, n int) (*memStore, *Writer, []*Entry) {
	t.Helper()
	store := newMemStore()
	clock := newStepClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC), time.Minute)
	w := NewWriter(store, WithClock(clock.Now))
	entries := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, mustAppend(t, w, testRequest(fmt.Sprintf("ACTION_%d", i+1))))
	}
	return store, w, entries
}

func verify(t *testing.T, store Store, req VerifyRequest) *IntegrityReport {
	t.Helper()
	report, err := NewVerifier(store, nil).Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("Verify(%+v): %v", req, err)
	}
	return report
}

func TestVerify_EmptyLedger(t *testing.T) {
	report := verify(t, newMemStore(), VerifyRequest{})
	if !report.Valid || report.TotalScanned != 0 || report.FirstFailure != nil {
		t.Errorf("empty ledger report = %+v, want valid and empty", report)
	}
}

func TestVerify_LoginPlanCreatedTamperScenario(t *testing.T) {
	store := newMemStore()
	w := NewWriter(store)
	a := mustAppend(t, w, testRequest("LOGIN"))
	b := mustAppend(t, w, testRequest("PLAN_CREATED"))
	if a.Sequence != 1 || b.Sequence != 2 {
		t.Fatalf("sequences = %d, %d, want 1, 2", a.Sequence, b.Sequence)
	}

	report := verify(t, store, VerifyRequest{From: 1, To: 2})
	if !report.Valid || report.VerifiedCount != 2 {
		t.Fatalf("before tampering: %+v, want valid with 2 verified", report)
	}

	store.corrupt(2, func(e *Entry) { e.Action = "PLAN_DELETED" })

	report = verify(t, store, VerifyRequest{From: 1, To: 2})
	if report.Valid {
		t.Fatal("tampered chain must not verify")
	}
	if report.FirstFailure == nil || report.FirstFailure.Sequence != 2 || report.FirstFailure.Kind != HashMismatch {
		t.Errorf("first failure = %+v, want hash-mismatch at 2", report.FirstFailure)
	}
	if report.VerifiedCount != 1 {
		t.Errorf("verified count = %d, want 1", report.VerifiedCount)
	}
}

func TestVerify_DetectsTamperingAtExactEntry(t *testing.T) {
	const n = 6

	mutations := []struct {
		name   string
		modify func(e *Entry)
		kind   FailureKind
	}{
		{"action", func(e *Entry) { e.Action += "X" }, HashMismatch},
		{"tenant", func(e *Entry) { e.TenantID = "other" }, HashMismatch},
		{"severity", func(e *Entry) { e.Severity = SeveritySecurity }, HashMismatch},
		{"metadata", func(e *Entry) { e.Metadata = map[string]any{"injected": true} }, HashMismatch},
		{"created_at", func(e *Entry) { e.CreatedAt = e.CreatedAt.Add(-time.Hour) }, HashMismatch},
		{"digest", func(e *Entry) { e.Digest = GenesisDigest }, HashMismatch},
		{"previous digest", func(e *Entry) { e.PreviousDigest = "f" + e.PreviousDigest[1:] }, ChainBreak},
	}

	for _, m := range mutations {
		for k := int64(1); k <= n; k++ {
			t.Run(fmt.Sprintf("%s/entry %d", m.name, k), func(t *testing.T) {
				store, _, _ := seedChain(t, n)
				store.corrupt(k, m.modify)

				report := verify(t, store, VerifyRequest{From: 1, To: n})
				if report.Valid {
					t.Fatal("tampered chain must not verify")
				}
				if report.FirstFailure.Sequence != k || report.FirstFailure.Kind != m.kind {
					t.Errorf("first failure = %+v, want %s at %d", report.FirstFailure, m.kind, k)
				}
			})
		}
	}
}

func TestVerify_ReportsEveryFailureByDefault(t *testing.T) {
	store, _, _ := seedChain(t, 6)
	store.corrupt(2, func(e *Entry) { e.Action = "EDITED" })
	store.corrupt(5, func(e *Entry) { e.Action = "EDITED" })

	report := verify(t, store, VerifyRequest{})
	if report.FailureCount != 2 || len(report.Failures) != 2 {
		t.Fatalf("failures = %+v, want 2", report.Failures)
	}
	if report.FirstFailure.Sequence != 2 || report.Failures[1].Sequence != 5 {
		t.Errorf("failures at %d and %d, want 2 and 5", report.Failures[0].Sequence, report.Failures[1].Sequence)
	}
	if report.TotalScanned != 6 || report.VerifiedCount != 4 {
		t.Errorf("scanned %d verified %d, want 6 and 4", report.TotalScanned, report.VerifiedCount)
	}
	if report.LastGood.Sequence != 1 {
		t.Errorf("last good = %d, want 1", report.LastGood.Sequence)
	}
}

func TestVerify_StopOnFirstFailure(t *testing.T) {
	store, _, _ := seedChain(t, 6)
	store.corrupt(3, func(e *Entry) { e.EntityID = "swapped" })
	store.corrupt(5, func(e *Entry) { e.EntityID = "swapped" })

	report := verify(t, store, VerifyRequest{StopOnFirstFailure: true})
	if report.FailureCount != 1 || report.FirstFailure.Sequence != 3 {
		t.Errorf("report = %+v, want a single failure at 3", report)
	}
	if report.TotalScanned != 3 {
		t.Errorf("scanned %d, want 3", report.TotalScanned)
	}
}

func TestVerify_SubRangeWithStartDigest(t *testing.T) {
	store, _, entries := seedChain(t, 6)

	report := verify(t, store, VerifyRequest{From: 4, To: 6, StartDigest: entries[2].Digest})
	if !report.Valid || report.VerifiedCount != 3 {
		t.Errorf("report = %+v, want valid with 3 verified", report)
	}

	report = verify(t, store, VerifyRequest{From: 4, To: 6, StartDigest: entries[1].Digest})
	if report.Valid || report.FirstFailure.Sequence != 4 || report.FirstFailure.Kind != ChainBreak {
		t.Errorf("wrong start digest: first failure = %+v, want chain-break at 4", report.FirstFailure)
	}
}

func TestVerify_SubRangeAnchorsOnStoredDigest(t *testing.T) {
	store, _, _ := seedChain(t, 5)

	report := verify(t, store, VerifyRequest{From: 3})
	if !report.Valid || report.From != 3 || report.To != 5 || report.VerifiedCount != 3 {
		t.Errorf("report = %+v, want valid over 3..5", report)
	}
}

func TestVerify_MissingAnchor(t *testing.T) {
	store, _, _ := seedChain(t, 5)
	store.remove(2)

	_, err := NewVerifier(store, nil).Verify(context.Background(), VerifyRequest{From: 3})
	if !errors.Is(err, ErrAnchorNotFound) {
		t.Errorf("error = %v, want ErrAnchorNotFound", err)
	}
}

func TestVerify_ResumesFromLastGood(t *testing.T) {
	store, w, _ := seedChain(t, 3)

	first := verify(t, store, VerifyRequest{})
	if !first.Valid || first.LastGood.Sequence != 3 {
		t.Fatalf("first run = %+v", first)
	}

	mustAppend(t, w, testRequest("LATER_1"))
	mustAppend(t, w, testRequest("LATER_2"))

	second := verify(t, store, VerifyRequest{
		From:        first.LastGood.Sequence + 1,
		StartDigest: first.LastGood.Digest,
	})
	if !second.Valid || second.VerifiedCount != 2 || second.LastGood.Sequence != 5 {
		t.Errorf("resumed run = %+v, want valid over 4..5", second)
	}
}

func TestVerify_DetectsRemovedEntry(t *testing.T) {
	store, _, _ := seedChain(t, 5)
	store.remove(3)

	report := verify(t, store, VerifyRequest{})
	if report.Valid {
		t.Fatal("chain with a removed entry must not verify")
	}
	if report.FirstFailure.Sequence != 3 || report.FirstFailure.Kind != ChainBreak {
		t.Errorf("first failure = %+v, want chain-break at 3", report.FirstFailure)
	}
	if report.FailureCount != 1 {
		t.Errorf("failure count = %d, want 1 (the gap is reported once)", report.FailureCount)
	}
}

func TestVerify_DetectsRemovedTail(t *testing.T) {
	store, _, _ := seedChain(t, 4)
	store.remove(4)

	report := verify(t, store, VerifyRequest{})
	if report.Valid || report.FirstFailure.Sequence != 4 {
		t.Errorf("first failure = %+v, want missing sequence 4", report.FirstFailure)
	}
}

func TestVerify_BridgesPurgedEntries(t *testing.T) {
	store, _, _ := seedChain(t, 6)
	if _, err := store.Purge(context.Background(), PurgeBatch{Sequences: []int64{1, 2, 4}, Policy: "p", RunID: "r"}); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	report := verify(t, store, VerifyRequest{})
	if !report.Valid {
		t.Fatalf("chain with tombstones should verify: %+v", report.FirstFailure)
	}
	if report.PurgedCount != 3 || report.VerifiedCount != 3 {
		t.Errorf("purged %d verified %d, want 3 and 3", report.PurgedCount, report.VerifiedCount)
	}

	// A sub-range starting right after a purged position anchors on its tombstone.
	report = verify(t, store, VerifyRequest{From: 3})
	if !report.Valid || report.VerifiedCount != 3 {
		t.Errorf("sub-range after tombstone = %+v", report)
	}
}

func TestVerify_Idempotent(t *testing.T) {
	store, _, _ := seedChain(t, 8)
	store.corrupt(4, func(e *Entry) { e.Severity = SeverityCritical })

	first := verify(t, store, VerifyRequest{})
	second := verify(t, store, VerifyRequest{})

	if !reflect.DeepEqual(first, second) {
		t.Errorf("reports differ:\n%+v\n%+v", first, second)
	}
}

func TestVerify_SmallBatches(t *testing.T) {
	store, _, _ := seedChain(t, 7)

	report := verify(t, store, VerifyRequest{BatchSize: 2})
	if !report.Valid || report.VerifiedCount != 7 {
		t.Errorf("report = %+v, want 7 verified across pages", report)
	}
}

func TestVerify_Cancelled(t *testing.T) {
	store, _, _ := seedChain(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewVerifier(store, nil).Verify(ctx, VerifyRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if report == nil || report.TotalScanned != 0 {
		t.Errorf("cancelled before the first page should scan nothing, got %+v", report)
	}
}

func TestVerify_InvalidRange(t *testing.T) {
	_, err := NewVerifier(newMemStore(), nil).Verify(context.Background(), VerifyRequest{From: 5, To: 2})
	if !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("error = %v, want ErrInvalidFilter", err)
	}
}
