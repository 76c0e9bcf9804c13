// Package queue is the durable job queue backing node execution.
//
// Jobs live in the job_queue table. A claim atomically moves the oldest
// eligible job to processing; eligibility is either "pending and due" or
// "processing with an expired lease and attempts left". The lease is the
// claimer's duration measured from updated_at, so no heartbeat is needed.
//
// State machine:
//
//	pending    -(claim)---------------------------> processing
//	processing -(complete)------------------------> completed
//	processing -(fail, attempts left)-------------> pending (run_at pushed by backoff)
//	processing -(fail, exhausted or permanent)----> dead_lettered
//	processing -(lease expiry)--------------------> pending
//	pending    -(execution cancelled)-------------> failed
//	processing -(execution already finished)------> failed
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrStaleClaim means the job was reclaimed after the reporting claim's
	// lease expired. The report belongs to a superseded attempt.
	ErrStaleClaim = errors.New("stale job claim")

	// ErrClaimContention is returned when every claim retry lost its
	// candidate row to another claimer.
	ErrClaimContention = errors.New("job claim contention")

	// errClaimConflict means another claimer changed the candidate row
	// between selection and update. Claim retries it.
	errClaimConflict = errors.New("claim conflict")
)

const maxClaimRetries = 8

type Options struct {
	// MaxAttempts applies when Enqueue is called with maxAttempts <= 0.
	MaxAttempts int
	Backoff     Backoff
	Notifier    Notifier
	Metrics     Metrics
	Now         func() time.Time
}

type Queue struct {
	db          *gorm.DB
	maxAttempts int
	backoff     Backoff
	notifier    Notifier
	metrics     Metrics
	now         func() time.Time
}

func New(db *gorm.DB, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{
		db:          db,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		now:         opts.Now,
	}
}

// WithTx returns a queue whose operations run on tx, so they commit or roll
// back together with the caller's other writes.
func (q *Queue) WithTx(tx *gorm.DB) *Queue {
	cp := *q
	cp.db = tx
	return &cp
}

// Notify wakes idle claimers. Call it after the enqueueing transaction has
// committed.
func (q *Queue) Notify(ctx context.Context) {
	if q.notifier == nil {
		return
	}
	q.notifier.Notify(ctx)
}

// Wakeups returns a channel that fires when new work may be available, or
// nil when no notifier is configured.
func (q *Queue) Wakeups(ctx context.Context) <-chan struct{} {
	if q.notifier == nil {
		return nil
	}
	return q.notifier.Subscribe(ctx)
}

func (q *Queue) DefaultMaxAttempts() int { return q.maxAttempts }

// Enqueue inserts a pending job that is immediately claimable.
func (q *Queue) Enqueue(ctx context.Context, executionID, workflowID uuid.UUID, payload []byte, maxAttempts int) (*store.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	now := q.now()
	job := &store.Job{
		ID:          uuid.New(),
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      store.JobPending,
		MaxAttempts: maxAttempts,
		Payload:     datatypes.JSON(payload),
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	q.metrics.Enqueued()
	return job, nil
}

// Claim takes ownership of the oldest eligible job for lease. It returns
// nil, nil when nothing is claimable. The returned job's Attempts identifies
// the claim; Complete and Fail only accept reports carrying it.
func (q *Queue) Claim(ctx context.Context, lease time.Duration) (*store.Job, error) {
	for i := 0; i < maxClaimRetries; i++ {
		job, err := q.claimOnce(ctx, lease)
		if errors.Is(err, errClaimConflict) {
			q.metrics.ClaimConflict()
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, fmt.Errorf("claim gave up after %d attempts: %w", maxClaimRetries, ErrClaimContention)
}

func (q *Queue) claimOnce(ctx context.Context, lease time.Duration) (*store.Job, error) {
	var claimed *store.Job
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := q.now()
		var cand store.Job
		res := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? AND run_at <= ?) OR (status = ? AND updated_at <= ? AND attempts < max_attempts)",
				store.JobPending, now, store.JobProcessing, now.Add(-lease)).
			Order("created_at asc").
			Order("id asc").
			Limit(1).
			Find(&cand)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		// The status/attempts guard makes the transition a compare-and-swap;
		// every claim bumps attempts, so a stale candidate cannot match.
		upd := tx.Model(&store.Job{}).
			Where("id = ? AND status = ? AND attempts = ?", cand.ID, cand.Status, cand.Attempts).
			Updates(map[string]any{
				"status":     store.JobProcessing,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return errClaimConflict
		}

		if cand.Status == store.JobProcessing {
			slog.Warn("job lease expired", "job_id", cand.ID, "execution_id", cand.ExecutionID, "attempts", cand.Attempts)
			q.metrics.LeaseExpired()
		}
		cand.Status = store.JobProcessing
		cand.Attempts++
		cand.UpdatedAt = now
		claimed = &cand
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		q.metrics.Claimed()
	}
	return claimed, nil
}

// Complete marks a job completed on behalf of the claim that produced
// attempt. It reports whether this call performed the transition; completing
// an already completed job is a no-op. A report from a superseded claim fails
// with ErrStaleClaim and changes nothing.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID, attempt int) (bool, error) {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&store.Job{}).
		Where("id = ? AND status = ? AND attempts = ?", jobID, store.JobProcessing, attempt).
		Updates(map[string]any{"status": store.JobCompleted, "updated_at": now, "last_error": ""})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		q.metrics.Completed()
		return true, nil
	}
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Attempts != attempt {
		return false, fmt.Errorf("%w: complete job %s from attempt %d, current attempt %d", ErrStaleClaim, jobID, attempt, job.Attempts)
	}
	if job.Status == store.JobCompleted {
		return false, nil
	}
	return false, fmt.Errorf("%w: complete job %s in status %s", ErrInvalidTransition, jobID, job.Status)
}

// Fail records a failed attempt on behalf of the claim that produced
// attempt. The job returns to pending after a backoff delay while attempts
// remain, and is dead-lettered when they are exhausted or the failure is
// permanent. The returned job reflects the new state. Failing a job that is
// no longer processing is a no-op; a report from a superseded claim fails
// with ErrStaleClaim.
func (q *Queue) Fail(ctx context.Context, jobID uuid.UUID, attempt int, reason string, permanent bool) (*store.Job, error) {
	for i := 0; i < maxClaimRetries; i++ {
		job, err := q.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Attempts != attempt {
			return nil, fmt.Errorf("%w: fail job %s from attempt %d, current attempt %d", ErrStaleClaim, jobID, attempt, job.Attempts)
		}
		if job.Status != store.JobProcessing {
			return job, nil
		}

		now := q.now()
		updates := map[string]any{"updated_at": now, "last_error": reason}
		if permanent || job.Attempts >= job.MaxAttempts {
			updates["status"] = store.JobDeadLettered
		} else {
			updates["status"] = store.JobPending
			updates["run_at"] = now.Add(q.backoff.Delay(job.Attempts))
		}
		res := q.db.WithContext(ctx).Model(&store.Job{}).
			Where("id = ? AND status = ? AND attempts = ?", job.ID, store.JobProcessing, attempt).
			Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		job.Status = updates["status"].(string)
		job.LastError = reason
		job.UpdatedAt = now
		if runAt, ok := updates["run_at"].(time.Time); ok {
			job.RunAt = runAt
			q.metrics.Retried()
		} else {
			q.metrics.DeadLettered()
		}
		return job, nil
	}
	return nil, fmt.Errorf("fail job %s: %w", jobID, errClaimConflict)
}

func (q *Queue) Get(ctx context.Context, jobID uuid.UUID) (*store.Job, error) {
	var job store.Job
	if err := q.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// CancelExecution withdraws every pending job of an execution. Jobs already
// processing are left to finish and report.
func (q *Queue) CancelExecution(ctx context.Context, executionID uuid.UUID, reason string) (int64, error) {
	res := q.db.WithContext(ctx).Model(&store.Job{}).
		Where("execution_id = ? AND status = ?", executionID, store.JobPending).
		Updates(map[string]any{"status": store.JobFailed, "last_error": reason, "updated_at": q.now()})
	return res.RowsAffected, res.Error
}

// Discard withdraws a single job that has not reached a terminal state. It
// is used for jobs claimed after their execution already finished.
func (q *Queue) Discard(ctx context.Context, jobID uuid.UUID, reason string) (bool, error) {
	res := q.db.WithContext(ctx).Model(&store.Job{}).
		Where("id = ? AND status IN ?", jobID, []string{store.JobPending, store.JobProcessing}).
		Updates(map[string]any{"status": store.JobFailed, "last_error": reason, "updated_at": q.now()})
	return res.RowsAffected == 1, res.Error
}

// CountActive counts pending and processing jobs of an execution.
func (q *Queue) CountActive(ctx context.Context, executionID uuid.UUID) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&store.Job{}).
		Where("execution_id = ? AND status IN ?", executionID, []string{store.JobPending, store.JobProcessing}).
		Count(&n).Error
	return n, err
}

// RequeueExpired returns processing jobs whose lease ran out and which still
// have attempts left to pending.
func (q *Queue) RequeueExpired(ctx context.Context, lease time.Duration) (int64, error) {
	now := q.now()
	res := q.db.WithContext(ctx).Model(&store.Job{}).
		Where("status = ? AND updated_at <= ? AND attempts < max_attempts", store.JobProcessing, now.Add(-lease)).
		Updates(map[string]any{"status": store.JobPending, "run_at": now, "updated_at": now, "last_error": "lease expired"})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		slog.Warn("job lease expired", "requeued", res.RowsAffected)
		for i := int64(0); i < res.RowsAffected; i++ {
			q.metrics.LeaseExpired()
		}
	}
	return res.RowsAffected, nil
}

// ExpiredExhausted lists processing jobs whose lease ran out with no attempts
// left. They can never be claimed again and must be dead-lettered by the
// caller so the owning node fails.
func (q *Queue) ExpiredExhausted(ctx context.Context, lease time.Duration, limit int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []store.Job
	err := q.db.WithContext(ctx).
		Where("status = ? AND updated_at <= ? AND attempts >= max_attempts", store.JobProcessing, q.now().Add(-lease)).
		Order("updated_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]store.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []store.Job
	err := q.db.WithContext(ctx).
		Where("status = ?", store.JobDeadLettered).
		Order("updated_at desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Stats returns job counts per status.
func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := q.db.WithContext(ctx).Model(&store.Job{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[string]int64{
		store.JobPending:      0,
		store.JobProcessing:   0,
		store.JobCompleted:    0,
		store.JobFailed:       0,
		store.JobDeadLettered: 0,
	}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// Prune deletes completed and withdrawn jobs last touched before cutoff.
// Dead letters are kept for inspection.
func (q *Queue) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := q.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{store.JobCompleted, store.JobFailed}, cutoff).
		Delete(&store.Job{})
	return res.RowsAffected, res.Error
}
