// Package maintenance runs the periodic queue housekeeping: recovering jobs
// whose lease ran out and pruning finished jobs.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/tracker"

	"github.com/robfig/cron/v3"
)

type Queue interface {
	RequeueExpired(ctx context.Context, lease time.Duration) (int64, error)
	ExpiredExhausted(ctx context.Context, lease time.Duration, limit int) ([]store.Job, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

type Failer interface {
	ReportFailure(ctx context.Context, job *store.Job, cause error, permanent bool) error
}

type Config struct {
	Lease          time.Duration
	Retention      time.Duration
	ReaperSchedule string
	PruneSchedule  string
}

type Runner struct {
	cfg   Config
	queue Queue
	fail  Failer
	cron  *cron.Cron
	now   func() time.Time
}

func New(cfg Config, q Queue, f Failer) *Runner {
	if cfg.ReaperSchedule == "" {
		cfg.ReaperSchedule = "@every 30s"
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = "@hourly"
	}
	return &Runner{cfg: cfg, queue: q, fail: f, cron: cron.New(), now: func() time.Time { return time.Now().UTC() }}
}

func (r *Runner) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(r.cfg.ReaperSchedule, func() {
		if err := r.Reap(ctx); err != nil {
			slog.Warn("lease reaper failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("reaper schedule %q: %w", r.cfg.ReaperSchedule, err)
	}
	if r.cfg.Retention > 0 {
		if _, err := r.cron.AddFunc(r.cfg.PruneSchedule, func() {
			if _, err := r.Prune(ctx); err != nil {
				slog.Warn("job prune failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("prune schedule %q: %w", r.cfg.PruneSchedule, err)
		}
	}
	r.cron.Start()
	return nil
}

func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// Reap returns expired jobs with attempts left to the queue and fails the
// nodes of expired jobs that have none.
func (r *Runner) Reap(ctx context.Context) error {
	if _, err := r.queue.RequeueExpired(ctx, r.cfg.Lease); err != nil {
		return err
	}
	jobs, err := r.queue.ExpiredExhausted(ctx, r.cfg.Lease, 100)
	if err != nil {
		return err
	}
	var errs []error
	for i := range jobs {
		job := &jobs[i]
		slog.Warn("job lease expired with no attempts left", "job_id", job.ID, "execution_id", job.ExecutionID, "attempts", job.Attempts)
		if err := r.fail.ReportFailure(ctx, job, tracker.ErrLeaseExpired, true); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Prune deletes completed and withdrawn jobs older than the retention.
func (r *Runner) Prune(ctx context.Context) (int64, error) {
	n, err := r.queue.Prune(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("pruned finished jobs", "count", n)
	}
	return n, nil
}
