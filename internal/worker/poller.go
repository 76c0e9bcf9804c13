// Package worker runs the claim, execute and report loop. Workers share
// nothing but the queue and the tracker, so any number of processes may run
// them side by side.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/executor"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/queue"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/scheduler"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/secrets"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/tracker"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

type Claimer interface {
	Claim(ctx context.Context, lease time.Duration) (*store.Job, error)
	Wakeups(ctx context.Context) <-chan struct{}
}

type Reporter interface {
	MarkRunning(ctx context.Context, job *store.Job) (bool, error)
	ReportSuccess(ctx context.Context, job *store.Job, output json.RawMessage) error
	ReportFailure(ctx context.Context, job *store.Job, cause error, permanent bool) error
}

type Metrics interface {
	NodeStarted()
	NodeFinished(nodeType, outcome string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) NodeStarted()                              {}
func (nopMetrics) NodeFinished(string, string, time.Duration) {}

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	// NodeTimeout applies when a node sets no timeout_sec of its own.
	NodeTimeout time.Duration
}

type Poller struct {
	cfg        Config
	queue      Claimer
	tracker    Reporter
	dispatcher executor.Dispatcher
	secrets    secrets.Resolver
	tracer     oteltrace.Tracer
	metrics    Metrics
}

type Option func(*Poller)

func WithTracer(t oteltrace.Tracer) Option { return func(p *Poller) { p.tracer = t } }

func WithMetrics(m Metrics) Option { return func(p *Poller) { p.metrics = m } }

func New(cfg Config, q Claimer, r Reporter, d executor.Dispatcher, s secrets.Resolver, opts ...Option) *Poller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = time.Minute
	}
	p := &Poller{
		cfg:        cfg,
		queue:      q,
		tracker:    r,
		dispatcher: d,
		secrets:    s,
		tracer:     noop.NewTracerProvider().Tracer("worker"),
		metrics:    nopMetrics{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run starts Concurrency workers and blocks until ctx is cancelled. Jobs in
// flight at shutdown are reported as retryable failures.
func (p *Poller) Run(ctx context.Context) error {
	wake := p.queue.Wakeups(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error { return p.loop(gctx, id, wake) })
	}
	slog.Info("workers started", "concurrency", p.cfg.Concurrency, "lease", p.cfg.Lease, "poll_interval", p.cfg.PollInterval)
	return g.Wait()
}

func (p *Poller) loop(ctx context.Context, id int, wake <-chan struct{}) error {
	for {
		worked, err := p.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, queue.ErrClaimContention) {
			slog.Debug("claim lost to other workers, retrying", "worker", id)
			continue
		}
		if err != nil {
			slog.Error("worker claim failed", "worker", id, "error", err)
		}
		if worked {
			continue
		}
		t := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-wake:
		case <-t.C:
		}
		t.Stop()
	}
}

// RunOnce claims at most one job and processes it. It reports whether a job
// was claimed.
func (p *Poller) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.Claim(ctx, p.cfg.Lease)
	if err != nil || job == nil {
		return false, err
	}
	p.process(ctx, job)
	return true, nil
}

func (p *Poller) process(ctx context.Context, job *store.Job) {
	// Results are recorded even when the worker is shutting down; an
	// unrecorded job would otherwise wait out its whole lease.
	reportCtx := context.WithoutCancel(ctx)
	log := slog.With("job_id", job.ID, "execution_id", job.ExecutionID, "attempt", job.Attempts)

	payload, err := tracker.DecodePayload(job.Payload)
	if err != nil {
		log.Error("undecodable job payload", "error", err)
		p.report(reportCtx, log, job, nil, executor.Permanent(err))
		return
	}
	log = log.With("node_id", payload.NodeID, "node_type", payload.NodeType)

	ok, err := p.tracker.MarkRunning(reportCtx, job)
	if err != nil {
		log.Error("mark node running failed", "error", err)
		return
	}
	if !ok {
		log.Info("job withdrawn, execution already finished")
		return
	}

	ctx, span := p.tracer.Start(ctx, "node "+payload.NodeType, oteltrace.WithAttributes(
		attribute.String("workflow.execution_id", job.ExecutionID.String()),
		attribute.String("workflow.node_id", payload.NodeID),
		attribute.Int("workflow.attempt", job.Attempts),
	))
	defer span.End()

	values, err := secrets.ResolveAll(ctx, p.secrets, job.WorkflowID, payload.Secrets)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) || errors.Is(err, secrets.ErrDecrypt) {
			err = executor.Permanent(err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.report(reportCtx, log, job, nil, err)
		return
	}
	input, err := scheduler.InjectSecrets(payload.Input, values)
	if err != nil {
		p.report(reportCtx, log, job, nil, executor.Permanent(err))
		return
	}

	timeout := p.dispatchTimeout(payload.TimeoutSec)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	p.metrics.NodeStarted()
	out, err := p.dispatcher.Execute(runCtx, payload.NodeType, input, payload.Config)
	cancel()

	// Executors see real secret values; nothing they return may carry them
	// into node outputs, errors or job rows.
	out = scheduler.ScrubOutput(out, values)
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("node timed out after %s: %w", timeout, err)
		}
		err = scrubError(err, values)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.metrics.NodeFinished(payload.NodeType, outcome, time.Since(start))
	p.report(reportCtx, log, job, out, err)
}

// dispatchTimeout bounds a node run. The result always ends before the
// claim's lease does, leaving a tenth of the lease to record the result, so
// a slow node is never reclaimed while it is still running here.
func (p *Poller) dispatchTimeout(timeoutSec int) time.Duration {
	timeout := p.cfg.NodeTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	if limit := p.cfg.Lease - p.cfg.Lease/10; timeout > limit {
		slog.Warn("node timeout clamped to lease", "timeout", timeout, "lease", p.cfg.Lease, "clamped", limit)
		timeout = limit
	}
	return timeout
}

// scrubError rewrites err's message without secret values, keeping whether
// it is permanent.
func scrubError(err error, values map[string]string) error {
	msg := scheduler.ScrubText(err.Error(), values)
	if msg == err.Error() {
		return err
	}
	if executor.IsPermanent(err) {
		return executor.Permanent(errors.New(msg))
	}
	return errors.New(msg)
}

func (p *Poller) report(ctx context.Context, log *slog.Logger, job *store.Job, out json.RawMessage, cause error) {
	var err error
	if cause == nil {
		err = p.tracker.ReportSuccess(ctx, job, out)
	} else {
		permanent := executor.IsPermanent(cause)
		log.Warn("node attempt failed", "permanent", permanent, "error", cause)
		err = p.tracker.ReportFailure(ctx, job, cause, permanent)
	}
	if err != nil {
		// The job stays processing; lease expiry hands it to another worker.
		log.Error("report node result failed", "error", err)
	}
}
