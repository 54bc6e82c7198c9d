package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/factoryos/auditledger/internal/audit"
)

// ActionIntegrityCheckFailed is appended when scheduled verification finds
// a failure.
const ActionIntegrityCheckFailed = "INTEGRITY_CHECK_FAILED"

// VerifyJob verifies the chain incrementally. Each run resumes after the
// persisted checkpoint and advances it only when the new range is valid, so
// a failure is reported again on every run until it is dealt with.
type VerifyJob struct {
	verifier       *audit.Verifier
	writer         *audit.Writer
	checkpointFile string
	batchSize      int

	mu   sync.Mutex
	last *audit.IntegrityReport
}

func NewVerifyJob(verifier *audit.Verifier, writer *audit.Writer, checkpointFile string, batchSize int) *VerifyJob {
	return &VerifyJob{
		verifier:       verifier,
		writer:         writer,
		checkpointFile: checkpointFile,
		batchSize:      batchSize,
	}
}

func (j *VerifyJob) Name() string { return "verification" }

// Run verifies everything committed since the checkpoint.
func (j *VerifyJob) Run(ctx context.Context) error {
	_, err := j.RunOnce(ctx)
	return err
}

// RunOnce is Run returning the report.
func (j *VerifyJob) RunOnce(ctx context.Context) (*audit.IntegrityReport, error) {
	cp, err := LoadCheckpoint(j.checkpointFile)
	if err != nil {
		return nil, err
	}

	req := audit.VerifyRequest{BatchSize: j.batchSize}
	if cp.Sequence > 0 {
		req.From = cp.Sequence + 1
		req.StartDigest = cp.Digest
	}

	report, err := j.verifier.Verify(ctx, req)
	if err != nil {
		return report, fmt.Errorf("verifying from %d: %w", req.From, err)
	}

	j.mu.Lock()
	j.last = report
	j.mu.Unlock()

	if !report.Valid {
		return report, j.recordFailure(ctx, report)
	}
	if report.LastGood.Sequence > cp.Sequence {
		if err := SaveCheckpoint(j.checkpointFile, report.LastGood); err != nil {
			return report, err
		}
		slog.Debug("verification checkpoint advanced", "seq", report.LastGood.Sequence)
	}
	return report, nil
}

// LastReport is the report of the most recent completed run, or nil.
func (j *VerifyJob) LastReport() *audit.IntegrityReport {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// recordFailure writes the failure into the ledger itself, where it is
// covered by the chain it describes.
func (j *VerifyJob) recordFailure(ctx context.Context, report *audit.IntegrityReport) error {
	first := report.FirstFailure
	_, err := j.writer.Append(ctx, audit.Request{
		Action:     ActionIntegrityCheckFailed,
		Category:   audit.CategorySecurity,
		Severity:   audit.SeveritySecurity,
		EntityType: "audit_chain",
		EntityID:   fmt.Sprintf("%d", first.Sequence),
		Metadata: map[string]any{
			"from":             report.From,
			"to":               report.To,
			"failure_count":    report.FailureCount,
			"first_failure":    first.Sequence,
			"kind":             string(first.Kind),
			"last_good_seq":    report.LastGood.Sequence,
			"last_good_digest": report.LastGood.Digest,
		},
	})
	if err != nil {
		return fmt.Errorf("recording integrity failure at %d: %w", first.Sequence, err)
	}
	return nil
}
