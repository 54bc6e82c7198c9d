// Package jobs runs the ledger's periodic background work: incremental
// chain verification and retention.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	job        Job
	interval   time.Duration
	runAtStart bool
}

// Scheduler runs each job on its own ticker. A job never overlaps with
// itself; a run that outlasts its interval delays the next one.
type Scheduler struct {
	entries []entry
	wg      sync.WaitGroup
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Every schedules job at interval. With runAtStart the first run happens
// immediately rather than one interval after Start.
func (s *Scheduler) Every(interval time.Duration, job Job, runAtStart bool) {
	s.entries = append(s.entries, entry{job: job, interval: interval, runAtStart: runAtStart})
}

// Start launches the jobs. They stop when ctx is cancelled; Wait blocks
// until they have.
func (s *Scheduler) Start(ctx context.Context) {
	for _, e := range s.entries {
		s.wg.Add(1)
		go func(e entry) {
			defer s.wg.Done()
			s.loop(ctx, e)
		}(e)
	}
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	slog.Info("job started", "job", e.job.Name(), "interval", e.interval)

	if e.runAtStart {
		runJob(ctx, e.job)
	}
	for {
		select {
		case <-ticker.C:
			runJob(ctx, e.job)
		case <-ctx.Done():
			slog.Info("job stopped", "job", e.job.Name())
			return
		}
	}
}

func runJob(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		slog.Error("job failed", "job", job.Name(), "error", err, "duration", time.Since(start))
		return
	}
	slog.Debug("job completed", "job", job.Name(), "duration", time.Since(start))
}
