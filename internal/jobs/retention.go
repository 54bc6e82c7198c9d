package jobs

import (
	"context"
	"log/slog"

	"github.com/factoryos/auditledger/internal/audit"
)

// PolicySource returns the policies to apply on each run. It is called
// every time so hot-reloaded policies take effect on the next run.
type PolicySource func() []audit.RetentionPolicy

// RetentionJob applies the current policy set.
type RetentionJob struct {
	engine   *audit.RetentionEngine
	policies PolicySource
}

func NewRetentionJob(engine *audit.RetentionEngine, policies PolicySource) *RetentionJob {
	return &RetentionJob{engine: engine, policies: policies}
}

func (j *RetentionJob) Name() string { return "retention" }

func (j *RetentionJob) Run(ctx context.Context) error {
	policies := j.policies()
	if len(policies) == 0 {
		slog.Debug("no retention policies configured, skipping run")
		return nil
	}
	_, err := j.engine.Apply(ctx, policies, false)
	return err
}
