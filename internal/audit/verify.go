package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
)

// FailureKind distinguishes the two ways an entry can fail verification.
type FailureKind string

const (
	// ChainBreak: the entry's previous_digest does not match the digest
	// at the preceding position, or a position is missing entirely.
	ChainBreak FailureKind = "chain-break"
	// HashMismatch: recomputing the entry's digest does not reproduce
	// the stored value, so its fields were altered.
	HashMismatch FailureKind = "hash-mismatch"
)

const (
	// DefaultVerifyBatch is the store page size used while verifying.
	DefaultVerifyBatch = 1000

	// maxReportedFailures caps IntegrityReport.Failures. FirstFailure and
	// FailureCount stay exact beyond the cap.
	maxReportedFailures = 100
)

// Failure locates one integrity failure.
type Failure struct {
	Sequence int64       `json:"sequence_id"`
	Kind     FailureKind `json:"kind"`
	Expected string      `json:"expected,omitempty"`
	Actual   string      `json:"actual,omitempty"`
	Detail   string      `json:"detail,omitempty"`
}

// Checkpoint is a verified chain position from which a later run can
// resume.
type Checkpoint struct {
	Sequence int64  `json:"sequence_id"`
	Digest   string `json:"digest"`
}

// VerifyRequest selects what to verify. From and To are inclusive; zero
// means "from the start" and "through the tail". StartDigest is the
// last known-good digest before From; when empty the verifier anchors on
// the stored digest at From-1.
type VerifyRequest struct {
	From               int64  `json:"from,omitempty"`
	To                 int64  `json:"to,omitempty"`
	StartDigest        string `json:"start_digest,omitempty"`
	BatchSize          int    `json:"batch_size,omitempty"`
	StopOnFirstFailure bool   `json:"stop_on_first_failure,omitempty"`
}

// IntegrityReport is the result of a verification run. Failures are data,
// not errors.
type IntegrityReport struct {
	Valid         bool       `json:"valid"`
	From          int64      `json:"from"`
	To            int64      `json:"to"`
	TotalScanned  int64      `json:"total_scanned"`
	VerifiedCount int64      `json:"verified_count"`
	PurgedCount   int64      `json:"purged_count"`
	FailureCount  int64      `json:"failure_count"`
	FirstFailure  *Failure   `json:"first_failure,omitempty"`
	Failures      []Failure  `json:"failures,omitempty"`
	LastGood      Checkpoint `json:"last_good"`
}

func (r *IntegrityReport) fail(f Failure) {
	r.Valid = false
	r.FailureCount++
	if r.FirstFailure == nil {
		first := f
		r.FirstFailure = &first
	}
	if len(r.Failures) < maxReportedFailures {
		r.Failures = append(r.Failures, f)
	}
}

// Verifier checks the chain. It reads through the same path as queries and
// never takes the writer's lock. Verification has no side effects, so
// running it twice over an unchanged range yields identical reports.
type Verifier struct {
	store Store
	obs   Observer
}

// NewVerifier creates a Verifier. obs may be nil.
func NewVerifier(store Store, obs Observer) *Verifier {
	return &Verifier{store: store, obs: observerOrNop(obs)}
}

// Verify walks the requested range in ascending sequence order. By default
// it scans the whole range and reports every failure it finds;
// StopOnFirstFailure ends the scan at the first one. Cancellation is
// checked between store pages; on cancellation the partial report is
// returned together with the context error.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (*IntegrityReport, error) {
	ctx, span := tracer.Start(ctx, "audit.Verify")
	report, err := v.verify(ctx, req)
	if report != nil {
		span.SetAttributes(
			attribute.Bool("audit.valid", report.Valid),
			attribute.Int64("audit.scanned", report.TotalScanned),
		)
	}
	endSpan(span, err)
	return report, err
}

func (v *Verifier) verify(ctx context.Context, req VerifyRequest) (*IntegrityReport, error) {
	if req.From < 0 || req.To < 0 || (req.To > 0 && req.To < req.From) {
		return nil, fmt.Errorf("%w: invalid range %d..%d", ErrInvalidFilter, req.From, req.To)
	}
	batch := req.BatchSize
	if batch <= 0 {
		batch = DefaultVerifyBatch
	}
	from := max(req.From, 1)

	to := req.To
	if to == 0 {
		tail, err := v.store.Tail(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading chain tail: %w", err)
		}
		to = tail.Sequence
	}

	expected, err := v.anchor(ctx, from, req.StartDigest)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{
		Valid:    true,
		From:     from,
		To:       to,
		LastGood: Checkpoint{Sequence: from - 1, Digest: expected},
	}

	cursor := from - 1
scan:
	for cursor < to {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		links, err := v.store.ScanChain(ctx, cursor, batch)
		if err != nil {
			return report, fmt.Errorf("scanning chain after %d: %w", cursor, err)
		}
		if len(links) == 0 {
			break
		}

		for _, link := range links {
			if link.Sequence > to {
				break scan
			}
			expected = v.check(report, cursor, expected, link)
			cursor = link.Sequence
			if req.StopOnFirstFailure && !report.Valid {
				v.finish(report)
				return report, nil
			}
		}
	}

	if cursor < to {
		report.fail(Failure{
			Sequence: cursor + 1,
			Kind:     ChainBreak,
			Detail:   fmt.Sprintf("sequences %d..%d missing", cursor+1, to),
		})
	}

	v.finish(report)
	return report, nil
}

// check verifies one chain position and returns the digest the next
// position must reference. The stored digest always becomes the next
// expectation so a single altered entry is reported once.
func (v *Verifier) check(report *IntegrityReport, cursor int64, expected string, link Link) string {
	resynced := false
	if link.Sequence != cursor+1 {
		report.fail(Failure{
			Sequence: cursor + 1,
			Kind:     ChainBreak,
			Detail:   fmt.Sprintf("sequences %d..%d missing", cursor+1, link.Sequence-1),
		})
		resynced = true
	}

	if link.Tombstone != nil {
		report.PurgedCount++
		if report.Valid {
			report.LastGood = Checkpoint{Sequence: link.Sequence, Digest: link.Tombstone.Digest}
		}
		return link.Tombstone.Digest
	}

	e := link.Entry
	report.TotalScanned++

	switch {
	case !resynced && e.PreviousDigest != expected:
		report.fail(Failure{
			Sequence: e.Sequence,
			Kind:     ChainBreak,
			Expected: expected,
			Actual:   e.PreviousDigest,
		})
	case !VerifyEntry(e):
		report.fail(Failure{
			Sequence: e.Sequence,
			Kind:     HashMismatch,
			Expected: ComputeDigest(e, e.PreviousDigest),
			Actual:   e.Digest,
		})
	default:
		report.VerifiedCount++
		if report.Valid {
			report.LastGood = Checkpoint{Sequence: e.Sequence, Digest: e.Digest}
		}
	}
	return e.Digest
}

func (v *Verifier) finish(report *IntegrityReport) {
	if report.Valid {
		slog.Info("chain verified",
			"from", report.From, "to", report.To,
			"verified", report.VerifiedCount, "purged", report.PurgedCount)
	} else {
		slog.Error("chain integrity failure",
			"from", report.From, "to", report.To,
			"first_failure", report.FirstFailure.Sequence,
			"kind", report.FirstFailure.Kind,
			"failures", report.FailureCount)
	}
	v.obs.VerificationCompleted(report)
}

// anchor resolves the digest the entry at from must reference.
func (v *Verifier) anchor(ctx context.Context, from int64, start string) (string, error) {
	if start != "" {
		return start, nil
	}
	if from <= 1 {
		return GenesisDigest, nil
	}
	d, err := v.store.DigestAt(ctx, from-1)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: no digest stored at sequence %d", ErrAnchorNotFound, from-1)
	}
	if err != nil {
		return "", fmt.Errorf("reading anchor digest: %w", err)
	}
	return d, nil
}
