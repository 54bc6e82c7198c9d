package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ActionRetentionApplied is the action of the entry every non-dry retention
// run appends about itself.
const ActionRetentionApplied = "RETENTION_APPLIED"

// DefaultRetentionBatch is the number of entries archived and purged per
// transaction.
const DefaultRetentionBatch = 500

// RetentionPolicy says how long entries matching its criteria are kept.
// Empty TenantID, Category or Severity match anything.
type RetentionPolicy struct {
	Name           string   `yaml:"name" json:"name" validate:"required,max=64,excludesall=/"`
	TenantID       string   `yaml:"tenant_id,omitempty" json:"tenant_id,omitempty" validate:"max=128"`
	Category       Category `yaml:"category,omitempty" json:"category,omitempty" validate:"omitempty,category"`
	Severity       Severity `yaml:"severity,omitempty" json:"severity,omitempty" validate:"omitempty,severity"`
	RetentionDays  int      `yaml:"retention_days" json:"retention_days" validate:"min=1,max=36500"`
	ArchiveEnabled bool     `yaml:"archive_enabled" json:"archive_enabled"`
}

// Validate checks a single policy.
func (p *RetentionPolicy) Validate() error {
	return validateStruct(p, ErrInvalidPolicy)
}

// ValidatePolicies checks a policy set: each policy, plus unique names.
func ValidatePolicies(policies []RetentionPolicy) error {
	seen := make(map[string]bool, len(policies))
	for i := range policies {
		if err := policies[i].Validate(); err != nil {
			return fmt.Errorf("policy %d: %w", i, err)
		}
		if seen[policies[i].Name] {
			return fmt.Errorf("%w: duplicate policy name %q", ErrInvalidPolicy, policies[i].Name)
		}
		seen[policies[i].Name] = true
	}
	return nil
}

// Archive is cold storage for retention exports.
type Archive interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// PolicyOutcome reports what a run did for one policy.
type PolicyOutcome struct {
	Policy      string    `json:"policy"`
	Cutoff      time.Time `json:"cutoff"`
	Matched     int64     `json:"matched"`
	Archived    int64     `json:"archived"`
	Purged      int64     `json:"purged"`
	ArchiveKeys []string  `json:"archive_keys,omitempty"`
}

// RetentionResult aggregates a run.
type RetentionResult struct {
	RunID         string          `json:"run_id"`
	DryRun        bool            `json:"dry_run"`
	StartedAt     time.Time       `json:"started_at"`
	Policies      []PolicyOutcome `json:"policies"`
	MatchedCount  int64           `json:"matched_count"`
	ArchivedCount int64           `json:"archived_count"`
	PurgedCount   int64           `json:"purged_count"`
	Error         string          `json:"error,omitempty"`
}

// RetentionEngine is the only sanctioned way to remove entries. Matching
// runs through the QueryEngine; deletion goes through Store.Purge one
// short transaction per batch, never holding the writer's lock.
type RetentionEngine struct {
	store     Store
	query     *QueryEngine
	writer    *Writer
	archive   Archive
	batchSize int
	now       func() time.Time
	obs       Observer
}

// RetentionOption configures a RetentionEngine.
type RetentionOption func(*RetentionEngine)

// WithArchive sets the cold storage used by archive-enabled policies.
func WithArchive(a Archive) RetentionOption {
	return func(r *RetentionEngine) { r.archive = a }
}

// WithBatchSize sets the purge batch size.
func WithBatchSize(n int) RetentionOption {
	return func(r *RetentionEngine) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithRetentionClock overrides the clock used to compute cutoffs.
func WithRetentionClock(now func() time.Time) RetentionOption {
	return func(r *RetentionEngine) { r.now = now }
}

// WithRetentionObserver attaches an Observer.
func WithRetentionObserver(o Observer) RetentionOption {
	return func(r *RetentionEngine) { r.obs = observerOrNop(o) }
}

// NewRetentionEngine creates a RetentionEngine. The writer records each run
// in the ledger itself.
func NewRetentionEngine(store Store, query *QueryEngine, writer *Writer, opts ...RetentionOption) *RetentionEngine {
	r := &RetentionEngine{
		store:     store,
		query:     query,
		writer:    writer,
		batchSize: DefaultRetentionBatch,
		now:       time.Now,
		obs:       nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply evaluates every policy. With dryRun it only counts matches. Otherwise
// matching entries are archived (when the policy asks for it) and purged, and
// the run is recorded as a RETENTION_APPLIED entry even when it stops early
// on an error. Only entries committed before the run started are eligible.
func (r *RetentionEngine) Apply(ctx context.Context, policies []RetentionPolicy, dryRun bool) (*RetentionResult, error) {
	ctx, span := tracer.Start(ctx, "audit.Retention")
	span.SetAttributes(attribute.Bool("audit.dry_run", dryRun))
	res, err := r.apply(ctx, policies, dryRun)
	endSpan(span, err)
	return res, err
}

func (r *RetentionEngine) apply(ctx context.Context, policies []RetentionPolicy, dryRun bool) (*RetentionResult, error) {
	if err := ValidatePolicies(policies); err != nil {
		return nil, err
	}
	for _, p := range policies {
		if p.ArchiveEnabled && r.archive == nil && !dryRun {
			return nil, fmt.Errorf("%w: policy %q enables archiving but no archive is configured", ErrInvalidPolicy, p.Name)
		}
	}

	tail, err := r.store.Tail(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain tail: %w", err)
	}

	res := &RetentionResult{
		RunID:     uuid.NewString(),
		DryRun:    dryRun,
		StartedAt: r.now().UTC(),
		Policies:  make([]PolicyOutcome, 0, len(policies)),
	}

	var runErr error
	for _, p := range policies {
		outcome, err := r.applyPolicy(ctx, p, res.RunID, res.StartedAt, tail.Sequence, dryRun)
		res.Policies = append(res.Policies, outcome)
		res.MatchedCount += outcome.Matched
		res.ArchivedCount += outcome.Archived
		res.PurgedCount += outcome.Purged
		if err != nil {
			runErr = fmt.Errorf("applying policy %q: %w", p.Name, err)
			res.Error = runErr.Error()
			break
		}
	}

	if !dryRun {
		if err := r.record(ctx, res); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}

	r.obs.RetentionApplied(res)
	slog.Info("retention run finished",
		"run_id", res.RunID, "dry_run", dryRun, "matched", res.MatchedCount,
		"archived", res.ArchivedCount, "purged", res.PurgedCount, "error", res.Error)
	return res, runErr
}

func (r *RetentionEngine) applyPolicy(ctx context.Context, p RetentionPolicy, runID string, now time.Time, upTo int64, dryRun bool) (PolicyOutcome, error) {
	cutoff := now.Add(-time.Duration(p.RetentionDays) * 24 * time.Hour)
	outcome := PolicyOutcome{Policy: p.Name, Cutoff: cutoff}

	f := Filter{
		TenantID:     p.TenantID,
		Category:     p.Category,
		Severity:     p.Severity,
		OlderThan:    cutoff,
		UpToSequence: upTo,
	}

	matched, err := r.query.Count(ctx, f)
	if err != nil {
		return outcome, err
	}
	outcome.Matched = matched
	if dryRun || matched == 0 {
		return outcome, nil
	}

	err = r.query.scan(ctx, f, r.batchSize, func(batch []Entry) error {
		if p.ArchiveEnabled {
			key, err := r.archiveBatch(ctx, p, runID, now, batch)
			if err != nil {
				return err
			}
			outcome.Archived += int64(len(batch))
			outcome.ArchiveKeys = append(outcome.ArchiveKeys, key)
		}

		seqs := make([]int64, len(batch))
		for i := range batch {
			seqs[i] = batch[i].Sequence
		}
		n, err := r.store.Purge(ctx, PurgeBatch{Sequences: seqs, Policy: p.Name, RunID: runID})
		if err != nil {
			return fmt.Errorf("purging %d entries (%d..%d): %w", len(seqs), seqs[0], seqs[len(seqs)-1], err)
		}
		outcome.Purged += int64(n)
		slog.Warn("retention purged entries",
			"run_id", runID, "policy", p.Name, "count", n,
			"first_seq", seqs[0], "last_seq", seqs[len(seqs)-1])
		return nil
	})
	return outcome, err
}

// archiveBatch writes a batch as a json export document, hashes included,
// before it is purged.
func (r *RetentionEngine) archiveBatch(ctx context.Context, p RetentionPolicy, runID string, now time.Time, batch []Entry) (string, error) {
	first, last := batch[0].Sequence, batch[len(batch)-1].Sequence
	data, err := Render(FormatJSON, batch, RenderOptions{
		ExportID:      uuid.NewString(),
		ExportedAt:    now,
		IncludeHashes: true,
		Filter: Filter{
			TenantID: p.TenantID,
			Category: p.Category,
			Severity: p.Severity,
		},
	})
	if err != nil {
		return "", err
	}

	key := ArchiveKey(runID, p.Name, first, last)
	if err := r.archive.Put(ctx, key, data, FormatJSON.ContentType()); err != nil {
		return "", fmt.Errorf("archiving entries %d..%d: %w", first, last, err)
	}
	return key, nil
}

// ArchiveKey names the archive object holding entries first..last.
func ArchiveKey(runID, policy string, first, last int64) string {
	return fmt.Sprintf("retention/%s/%s/%020d-%020d.json", runID, policy, first, last)
}

// record appends the run's own ledger entry. It runs even if ctx was
// cancelled mid-run, since whatever was purged must leave a trace.
func (r *RetentionEngine) record(ctx context.Context, res *RetentionResult) error {
	policies := make([]any, 0, len(res.Policies))
	for _, o := range res.Policies {
		policies = append(policies, map[string]any{
			"policy":   o.Policy,
			"cutoff":   FormatTime(o.Cutoff),
			"matched":  o.Matched,
			"archived": o.Archived,
			"purged":   o.Purged,
		})
	}
	meta := map[string]any{
		"run_id":         res.RunID,
		"matched_count":  res.MatchedCount,
		"archived_count": res.ArchivedCount,
		"purged_count":   res.PurgedCount,
		"policies":       policies,
	}
	if res.Error != "" {
		meta["error"] = res.Error
	}

	_, err := r.writer.Append(context.WithoutCancel(ctx), Request{
		Action:     ActionRetentionApplied,
		Category:   CategorySystem,
		Severity:   SeverityCritical,
		EntityType: "retention_run",
		EntityID:   res.RunID,
		Metadata:   meta,
	})
	if err != nil {
		return fmt.Errorf("recording retention run: %w", err)
	}
	return nil
}
