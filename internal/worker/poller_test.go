package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/executor"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/queue"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/secrets"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/testutil"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/tracker"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type env struct {
	repo    *store.Repo
	queue   *queue.Queue
	tracker *tracker.Tracker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := testutil.OpenDB(t)
	repo, err := store.New(db)
	require.NoError(t, err)
	q := queue.New(db, queue.Options{MaxAttempts: 3, Backoff: queue.FixedBackoff(0), Notifier: queue.NewLocalNotifier()})
	return &env{repo: repo, queue: q, tracker: tracker.New(db, q, tracker.Options{})}
}

func (e *env) submit(t *testing.T, def string) *store.WorkflowExecution {
	t.Helper()
	ctx := context.Background()
	wf := &store.Workflow{Name: t.Name(), Definition: datatypes.JSON(def)}
	require.NoError(t, e.repo.CreateWorkflow(ctx, wf))
	exec, err := e.tracker.Submit(ctx, wf.ID, json.RawMessage(`{"n": 2}`))
	require.NoError(t, err)
	return exec
}

// drain processes jobs until the queue has nothing claimable.
func drain(t *testing.T, p *Poller) int {
	t.Helper()
	n := 0
	for {
		worked, err := p.RunOnce(context.Background())
		require.NoError(t, err)
		if !worked {
			return n
		}
		n++
	}
}

func (e *env) status(t *testing.T, id uuid.UUID) (string, map[string]store.NodeExecution) {
	t.Helper()
	exec, err := e.repo.GetExecution(context.Background(), id)
	require.NoError(t, err)
	rows, err := e.repo.ListNodeExecutions(context.Background(), id)
	require.NoError(t, err)
	nodes := map[string]store.NodeExecution{}
	for _, r := range rows {
		nodes[r.NodeID] = r
	}
	return exec.Status, nodes
}

func TestPollerRunsChainToCompletion(t *testing.T) {
	e := newEnv(t)
	exec := e.submit(t, `{
		"nodes": [
			{"id": "start", "type": "manual"},
			{"id": "double", "type": "transform", "config": {"script": "function transform(input) return {v = input.start.trigger.n * 2} end"}}
		],
		"edges": [{"from": "start", "to": "double"}]
	}`)
	p := New(Config{NodeTimeout: time.Second}, e.queue, e.tracker, executor.Builtins(executor.Options{}), secrets.Static{})

	assert.Equal(t, 2, drain(t, p))
	status, nodes := e.status(t, exec.ID)
	assert.Equal(t, store.StatusSucceeded, status)
	assert.JSONEq(t, `{"v": 4}`, string(nodes["double"].Output))
}

func TestPollerInjectsSecretsWithoutPersistingThem(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("X-Api-Key")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	e := newEnv(t)
	ctx := context.Background()
	wf := &store.Workflow{Name: t.Name(), Definition: datatypes.JSON(`{
		"nodes": [{"id": "call", "type": "http", "secrets": ["API_KEY"],
			"config": {"url": "` + srv.URL + `", "headers": {"X-Api-Key": "{{secrets.API_KEY}}"}}}]
	}`)}
	require.NoError(t, e.repo.CreateWorkflow(ctx, wf))
	require.NoError(t, e.repo.PutSecret(ctx, wf.ID, "API_KEY", "stored"))
	exec, err := e.tracker.Submit(ctx, wf.ID, nil)
	require.NoError(t, err)

	p := New(Config{NodeTimeout: time.Second}, e.queue, e.tracker, executor.Builtins(executor.Options{HTTPClient: srv.Client()}), secrets.Static{"API_KEY": "k-123"})
	drain(t, p)

	assert.Equal(t, "k-123", auth)
	status, nodes := e.status(t, exec.ID)
	assert.Equal(t, store.StatusSucceeded, status)
	assert.NotContains(t, string(nodes["call"].Input), "k-123")
	jobs, err := e.repo.ListJobs(ctx, exec.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(jobs[0].Payload), "k-123")
}

func TestPollerScrubsSecretsEchoedByExecutors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	wf := &store.Workflow{Name: t.Name(), Definition: datatypes.JSON(`{
		"nodes": [
			{"id": "echo", "type": "transform", "secrets": ["API_KEY"],
				"config": {"script": "function transform(i) return {copy = i, note = 'key=' .. i.secrets.API_KEY} end"}},
			{"id": "whole", "type": "transform", "secrets": ["API_KEY"],
				"config": {"script": "function transform(i) return i end"}},
			{"id": "after", "type": "noop"}
		],
		"edges": [{"from": "echo", "to": "after"}, {"from": "whole", "to": "after"}]
	}`)}
	require.NoError(t, e.repo.CreateWorkflow(ctx, wf))
	require.NoError(t, e.repo.PutSecret(ctx, wf.ID, "API_KEY", "stored"))
	exec, err := e.tracker.Submit(ctx, wf.ID, nil)
	require.NoError(t, err)

	p := New(Config{NodeTimeout: time.Second}, e.queue, e.tracker, executor.Builtins(executor.Options{}), secrets.Static{"API_KEY": "s3cr3t"})
	assert.Equal(t, 3, drain(t, p))

	status, nodes := e.status(t, exec.ID)
	require.Equal(t, store.StatusSucceeded, status)
	for id, ne := range nodes {
		assert.NotContains(t, string(ne.Input), "s3cr3t", id)
		assert.NotContains(t, string(ne.Output), "s3cr3t", id)
	}
	assert.NotContains(t, string(nodes["whole"].Output), `"secrets"`)
	assert.Contains(t, string(nodes["echo"].Output), "key=[redacted]")
	jobs, err := e.repo.ListJobs(ctx, exec.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotContains(t, string(j.Payload), "s3cr3t")
	}
}

func TestPollerScrubsSecretsFromErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	wf := &store.Workflow{Name: t.Name(), Definition: datatypes.JSON(`{
		"nodes": [{"id": "leaky", "type": "transform", "secrets": ["API_KEY"],
			"config": {"script": "function transform(i) error('rejected ' .. i.secrets.API_KEY) end"}}]
	}`)}
	require.NoError(t, e.repo.CreateWorkflow(ctx, wf))
	require.NoError(t, e.repo.PutSecret(ctx, wf.ID, "API_KEY", "stored"))
	exec, err := e.tracker.Submit(ctx, wf.ID, nil)
	require.NoError(t, err)

	p := New(Config{NodeTimeout: time.Second}, e.queue, e.tracker, executor.Builtins(executor.Options{}), secrets.Static{"API_KEY": "s3cr3t"})
	assert.Equal(t, 1, drain(t, p), "script errors stay permanent after scrubbing")

	status, nodes := e.status(t, exec.ID)
	assert.Equal(t, store.StatusFailed, status)
	assert.Contains(t, nodes["leaky"].Error, "rejected [redacted]")
	assert.NotContains(t, nodes["leaky"].Error, "s3cr3t")
	got, err := e.repo.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.Error, "s3cr3t")
	jobs, err := e.repo.ListJobs(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobDeadLettered, jobs[0].Status)
	assert.NotContains(t, jobs[0].LastError, "s3cr3t")
}

func TestNodeTimeoutIsClampedBelowLease(t *testing.T) {
	p := New(Config{Lease: time.Minute, NodeTimeout: 10 * time.Second}, nil, nil, nil, nil)
	assert.Equal(t, 10*time.Second, p.dispatchTimeout(0))
	assert.Equal(t, 30*time.Second, p.dispatchTimeout(30))
	assert.Equal(t, 54*time.Second, p.dispatchTimeout(600))

	p = New(Config{Lease: time.Minute, NodeTimeout: 5 * time.Minute}, nil, nil, nil, nil)
	assert.Equal(t, 54*time.Second, p.dispatchTimeout(0))
}

func TestPollerLongNodeTimesOutBeforeLeaseExpires(t *testing.T) {
	e := newEnv(t)
	exec := e.submit(t, `{"nodes": [{"id": "slow", "type": "delay", "max_attempts": 1, "timeout_sec": 600, "config": {"ms": 2000}}]}`)
	p := New(Config{Lease: 100 * time.Millisecond, NodeTimeout: time.Minute}, e.queue, e.tracker, executor.Builtins(executor.Options{}), secrets.Static{})

	assert.Equal(t, 1, drain(t, p))
	status, nodes := e.status(t, exec.ID)
	assert.Equal(t, store.StatusFailed, status)
	assert.Contains(t, nodes["slow"].Error, "timed out after 90ms")
}

func TestPollerSecretMissingAtDispatchIsPermanent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	wf := &store.Workflow{Name: t.Name(), Definition: datatypes.JSON(`{"nodes": [{"id": "a", "type": "noop", "secrets": ["GONE"]}]}`)}
	require.NoError(t, e.repo.CreateWorkflow(ctx, wf))
	require.NoError(t, e.repo.PutSecret(ctx, wf.ID, "GONE", "sealed"))
	exec, err := e.tracker.Submit(ctx, wf.ID, nil)
	require.NoError(t, err)

	p := New(Config{}, e.queue, e.tracker, executor.Builtins(executor.Options{}), secrets.Static{})
	assert.Equal(t, 1, drain(t, p))

	status, nodes := e.status(t, exec.ID)
	assert.Equal(t, store.StatusFailed, status)
	assert.Contains(t, nodes["a"].Error, "secret not found")
}

func TestPollerTimeoutIsRetried(t *testing.T) {
	e := newEnv(t)
	exec := e.submit(t, `{"nodes": [{"id": "slow", "type": "delay", "max_attempts": 2, "config": {"ms": 2000}}]}`)
	p := New(Config{NodeTimeout: 20 * time.Millisecond}, e.queue, e.tracker, executor.Builtins(executor.Options{}), secrets.Static{})

	assert.Equal(t, 2, drain(t, p))
	status, nodes := e.status(t, exec.ID)
	assert.Equal(t, store.StatusFailed, status)
	assert.Contains(t, nodes["slow"].Error, "timed out")
	jobs, err := e.repo.ListJobs(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobDeadLettered, jobs[0].Status)
	assert.Equal(t, 2, jobs[0].Attempts)
}

func TestPollerUnknownNodeTypeFailsWithoutRetry(t *testing.T) {
	e := newEnv(t)
	exec := e.submit(t, `{"nodes": [{"id": "chat", "type": "ai"}]}`)
	p := New(Config{}, e.queue, e.tracker, executor.Builtins(executor.Options{}), secrets.Static{})

	assert.Equal(t, 1, drain(t, p))
	status, _ := e.status(t, exec.ID)
	assert.Equal(t, store.StatusFailed, status)
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	e := newEnv(t)
	p := New(Config{Concurrency: 2, PollInterval: 10 * time.Millisecond}, e.queue, e.tracker, executor.Builtins(executor.Options{}), secrets.Static{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	exec := e.submit(t, `{
		"nodes": [{"id": "a", "type": "noop"}, {"id": "b", "type": "noop"}, {"id": "c", "type": "noop"}],
		"edges": [{"from": "a", "to": "c"}, {"from": "b", "to": "c"}]
	}`)
	assert.Eventually(t, func() bool {
		got, err := e.repo.GetExecution(context.Background(), exec.ID)
		return err == nil && got.Status == store.StatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}
