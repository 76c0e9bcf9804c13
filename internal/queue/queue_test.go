package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, clk *clock) *Queue {
	t.Helper()
	db := testutil.OpenDB(t)
	require.NoError(t, store.EnsureSchema(db))
	return New(db, Options{MaxAttempts: 3, Backoff: FixedBackoff(0), Now: clk.Now})
}

func enqueue(t *testing.T, q *Queue, n int) []uuid.UUID {
	t.Helper()
	execID, wfID := uuid.New(), uuid.New()
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		job, err := q.Enqueue(context.Background(), execID, wfID, []byte(`{"n":1}`), 0)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	return ids
}

func TestClaimReturnsOldestFirst(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk)
	ctx := context.Background()

	first := enqueue(t, q, 1)[0]
	clk.Advance(time.Second)
	second := enqueue(t, q, 1)[0]

	job, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first, job.ID)
	assert.Equal(t, store.JobProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)

	job, err = q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, second, job.ID)

	job, err = q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimIsExclusiveUnderConcurrency(t *testing.T) {
	for _, tc := range []struct {
		name           string
		claimers, jobs int
	}{{"more claimers", 8, 5}, {"more jobs", 4, 10}} {
		t.Run(tc.name, func(t *testing.T) {
			clk := newClock()
			q := newTestQueue(t, clk)
			enqueue(t, q, tc.jobs)

			var (
				mu  sync.Mutex
				got = map[uuid.UUID]int{}
				wg  sync.WaitGroup
			)
			for i := 0; i < tc.claimers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					job, err := q.Claim(context.Background(), time.Minute)
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if job == nil {
						return
					}
					mu.Lock()
					got[job.ID]++
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Len(t, got, min(tc.claimers, tc.jobs))
			for id, n := range got {
				assert.Equal(t, 1, n, "job %s claimed more than once", id)
			}
		})
	}
}

func TestClaimReportsPersistentContention(t *testing.T) {
	clk := newClock()
	db := testutil.OpenDB(t)
	require.NoError(t, store.EnsureSchema(db))
	q := New(db, Options{Now: clk.Now})
	enqueue(t, q, 1)

	// Another claimer wins the row between selection and update, every time.
	require.NoError(t, db.Callback().Update().Before("gorm:update").Register("test:steal_claim", func(tx *gorm.DB) {
		if tx.Statement.Table != "job_queue" {
			return
		}
		_, err := tx.Statement.ConnPool.ExecContext(tx.Statement.Context, "UPDATE job_queue SET attempts = attempts + 1")
		if err != nil {
			_ = tx.AddError(err)
		}
	}))

	job, err := q.Claim(context.Background(), time.Minute)
	assert.Nil(t, job)
	require.ErrorIs(t, err, ErrClaimContention)
}

func TestFailRetriesThenDeadLetters(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk)
	ctx := context.Background()
	id := enqueue(t, q, 1)[0]

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Claim(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		assert.Equal(t, attempt, job.Attempts)

		failed, err := q.Fail(ctx, id, job.Attempts, "boom", false)
		require.NoError(t, err)
		if attempt < 3 {
			assert.Equal(t, store.JobPending, failed.Status)
		} else {
			assert.Equal(t, store.JobDeadLettered, failed.Status)
		}
	}

	job, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job, "dead-lettered job must not be claimable")

	stored, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobDeadLettered, stored.Status)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, "boom", stored.LastError)
}

func TestFailPermanentDeadLettersImmediately(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk)
	ctx := context.Background()
	id := enqueue(t, q, 1)[0]

	_, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	job, err := q.Fail(ctx, id, 1, "bad request", true)
	require.NoError(t, err)
	assert.Equal(t, store.JobDeadLettered, job.Status)
	assert.Equal(t, 1, job.Attempts)

	again, err := q.Fail(ctx, id, 1, "ignored", false)
	require.NoError(t, err)
	assert.Equal(t, store.JobDeadLettered, again.Status)
}

func TestFailHonoursBackoff(t *testing.T) {
	clk := newClock()
	db := testutil.OpenDB(t)
	require.NoError(t, store.EnsureSchema(db))
	q := New(db, Options{MaxAttempts: 3, Backoff: FixedBackoff(10 * time.Second), Now: clk.Now})
	ctx := context.Background()
	id := enqueue(t, q, 1)[0]

	_, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	_, err = q.Fail(ctx, id, 1, "flaky", false)
	require.NoError(t, err)

	job, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job, "job must wait out its backoff")

	clk.Advance(10 * time.Second)
	job, err = q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)
}

func TestCompleteIsIdempotent(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk)
	ctx := context.Background()
	id := enqueue(t, q, 1)[0]

	_, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)

	changed, err := q.Complete(ctx, id, 1)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = q.Complete(ctx, id, 1)
	require.NoError(t, err)
	assert.False(t, changed)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, job.Status)

	_, err = q.Complete(ctx, uuid.New(), 1)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCompleteRejectsDeadLetteredJob(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk)
	ctx := context.Background()
	id := enqueue(t, q, 1)[0]

	_, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	_, err = q.Fail(ctx, id, 1, "fatal", true)
	require.NoError(t, err)

	_, err = q.Complete(ctx, id, 1)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk)
	ctx := context.Background()
	id := enqueue(t, q, 1)[0]

	job, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	clk.Advance(30 * time.Second)
	job, err = q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job, "lease still held")

	clk.Advance(31 * time.Second)
	job, err = q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempts)
}

func TestReportsFromSupersededClaimAreRejected(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk)
	ctx := context.Background()
	enqueue(t, q, 1)

	first, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	clk.Advance(2 * time.Minute)
	second, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, 2, second.Attempts)

	_, err = q.Fail(ctx, first.ID, first.Attempts, "late", false)
	require.ErrorIs(t, err, ErrStaleClaim)
	_, err = q.Complete(ctx, first.ID, first.Attempts)
	require.ErrorIs(t, err, ErrStaleClaim)

	job, err := q.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobProcessing, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Empty(t, job.LastError)

	again, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again, "live lease must not be handed out again")

	changed, err := q.Complete(ctx, second.ID, second.Attempts)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestFailIsNoOpOnceRetryIsScheduled(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk)
	ctx := context.Background()
	enqueue(t, q, 1)

	job, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	failed, err := q.Fail(ctx, job.ID, job.Attempts, "boom", false)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, failed.Status)

	dup, err := q.Fail(ctx, job.ID, job.Attempts, "boom", true)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, dup.Status, "duplicate report must not dead-letter the retry")
}

func TestRequeueExpiredAndExhausted(t *testing.T) {
	clk := newClock()
	db := testutil.OpenDB(t)
	require.NoError(t, store.EnsureSchema(db))
	q := New(db, Options{MaxAttempts: 1, Backoff: FixedBackoff(0), Now: clk.Now})
	ctx := context.Background()

	execID, wfID := uuid.New(), uuid.New()
	oneShot, err := q.Enqueue(ctx, execID, wfID, []byte(`{}`), 1)
	require.NoError(t, err)
	retryable, err := q.Enqueue(ctx, execID, wfID, []byte(`{}`), 3)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		job, err := q.Claim(ctx, time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
	}
	clk.Advance(2 * time.Minute)

	n, err := q.RequeueExpired(ctx, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	exhausted, err := q.ExpiredExhausted(ctx, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, oneShot.ID, exhausted[0].ID)

	job, err := q.Get(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, job.Status)
}

func TestCancelExecutionWithdrawsPendingJobs(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk)
	ctx := context.Background()

	execID, wfID := uuid.New(), uuid.New()
	running, err := q.Enqueue(ctx, execID, wfID, []byte(`{}`), 0)
	require.NoError(t, err)
	_, err = q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, execID, wfID, []byte(`{}`), 0)
	require.NoError(t, err)

	n, err := q.CancelExecution(ctx, execID, "cancelled")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	active, err := q.CountActive(ctx, execID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, active, "processing job keeps running")

	job, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	changed, err := q.Complete(ctx, running.ID, 1)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestDiscardWithdrawsInFlightJob(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk)
	ctx := context.Background()

	ids := enqueue(t, q, 1)
	_, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)

	ok, err := q.Discard(ctx, ids[0], "execution finished")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Discard(ctx, ids[0], "execution finished")
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs are left alone")

	job, err := q.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
}

func TestStatsAndPrune(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk)
	ctx := context.Background()
	enqueue(t, q, 3)

	done, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	_, err = q.Complete(ctx, done.ID, done.Attempts)
	require.NoError(t, err)
	fatal, err := q.Claim(ctx, time.Minute)
	require.NoError(t, err)
	_, err = q.Fail(ctx, fatal.ID, fatal.Attempts, "fatal", true)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats[store.JobPending])
	assert.EqualValues(t, 1, stats[store.JobCompleted])
	assert.EqualValues(t, 1, stats[store.JobDeadLettered])
	assert.EqualValues(t, 0, stats[store.JobProcessing])

	clk.Advance(time.Hour)
	n, err := q.Prune(ctx, clk.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	dead, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, fatal.ID, dead[0].ID)
}

func TestWithTxRollsBack(t *testing.T) {
	clk := newClock()
	q := newTestQueue(t, clk)
	ctx := context.Background()
	execID := uuid.New()

	err := q.db.Transaction(func(tx *gorm.DB) error {
		_, err := q.WithTx(tx).Enqueue(ctx, execID, uuid.New(), []byte(`{}`), 0)
		require.NoError(t, err)
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	active, err := q.CountActive(ctx, execID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, active)
}
