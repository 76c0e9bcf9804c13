package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/events"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/queue"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/scheduler"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

var activeStatuses = []string{store.StatusPending, store.StatusRunning}

// MarkRunning records that a claimed job is about to execute. It returns
// false when the job must not run because its execution or node already
// finished; such jobs are withdrawn from the queue.
func (t *Tracker) MarkRunning(ctx context.Context, job *store.Job) (bool, error) {
	p, err := DecodePayload(job.Payload)
	if err != nil {
		return false, err
	}
	proceed := false
	err = t.transact(ctx, job.ExecutionID, func(r *run) error {
		ne := r.nodes[p.NodeID]
		if finished(r.exec.Status) || ne == nil || finished(ne.Status) {
			if _, err := r.q.Discard(ctx, job.ID, cancelledReason); err != nil {
				return err
			}
			if ne != nil && !finished(ne.Status) {
				return t.failNode(r, ne, cancelledReason)
			}
			return nil
		}
		proceed = true
		if ne.Status == store.StatusRunning {
			// Reclaimed after a lease expiry.
			r.emit(events.Event{Type: events.NodeStarted, NodeID: ne.NodeID, NodeExecutionID: ne.ID.String(), NodeType: p.NodeType, JobID: job.ID.String(), Status: store.StatusRunning, Attempt: job.Attempts})
			return nil
		}
		now := t.now()
		err := r.tx.Model(&store.NodeExecution{}).
			Where("id = ? AND status = ?", ne.ID, store.StatusPending).
			Updates(map[string]any{"status": store.StatusRunning, "started_at": now}).Error
		if err != nil {
			return err
		}
		ne.Status = store.StatusRunning
		ne.StartedAt = &now
		r.emit(events.Event{Type: events.NodeStarted, NodeID: ne.NodeID, NodeExecutionID: ne.ID.String(), NodeType: p.NodeType, JobID: job.ID.String(), Status: store.StatusRunning, Attempt: job.Attempts})
		return nil
	})
	if errors.Is(err, ErrExecutionNotFound) {
		// The workflow was deleted underneath the job.
		return false, nil
	}
	return proceed, err
}

// ReportSuccess completes the job, records the node output and schedules
// every dependent whose predecessors have now all succeeded. Duplicate
// reports, and reports from a claim that was superseded after its lease
// expired, have no further effect. Results for executions that already
// finished are recorded but not propagated.
func (t *Tracker) ReportSuccess(ctx context.Context, job *store.Job, output json.RawMessage) error {
	p, err := DecodePayload(job.Payload)
	if err != nil {
		return err
	}
	output = normalizeOutput(output)
	return t.transact(ctx, job.ExecutionID, func(r *run) error {
		changed, err := r.q.Complete(ctx, job.ID, job.Attempts)
		if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrStaleClaim) {
			slog.Warn("dropping late success report", "job_id", job.ID, "node_id", p.NodeID, "attempt", job.Attempts, "error", err)
			return nil
		}
		if err != nil || !changed {
			return err
		}
		ne := r.nodes[p.NodeID]
		if ne == nil || finished(ne.Status) {
			return nil
		}
		now := t.now()
		res := r.tx.Model(&store.NodeExecution{}).
			Where("id = ? AND status IN ?", ne.ID, activeStatuses).
			Updates(map[string]any{"status": store.StatusSucceeded, "output": datatypes.JSON(output), "error": "", "finished_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		ne.Status = store.StatusSucceeded
		ne.Output = datatypes.JSON(output)
		ne.FinishedAt = &now
		r.emit(events.Event{Type: events.NodeSucceeded, NodeID: ne.NodeID, NodeExecutionID: ne.ID.String(), NodeType: p.NodeType, JobID: job.ID.String(), Status: store.StatusSucceeded, Attempt: job.Attempts})

		if finished(r.exec.Status) {
			return nil
		}
		if err := t.attachGraph(r); err != nil {
			return err
		}
		for _, id := range scheduler.ReadyAfter(r.graph, p.NodeID, r.state()) {
			if err := t.createNode(ctx, r, id); err != nil {
				return err
			}
		}
		return t.settle(ctx, r)
	})
}

// ReportFailure records a failed attempt. While attempts remain the node
// goes back to pending and the job is retried after a backoff delay. Once
// the job is dead-lettered the node fails, which blocks its downstream
// closure, and the execution is finalized when nothing else is in flight.
// Failures reported by a superseded claim are dropped.
func (t *Tracker) ReportFailure(ctx context.Context, job *store.Job, cause error, permanent bool) error {
	p, err := DecodePayload(job.Payload)
	if err != nil {
		// Without a node reference the job can only be dead-lettered.
		_, ferr := t.queue.Fail(ctx, job.ID, job.Attempts, err.Error(), true)
		return errors.Join(err, ferr)
	}
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	return t.transact(ctx, job.ExecutionID, func(r *run) error {
		ne := r.nodes[p.NodeID]
		if finished(r.exec.Status) {
			if _, err := r.q.Discard(ctx, job.ID, cancelledReason); err != nil {
				return err
			}
			if ne != nil && !finished(ne.Status) {
				return t.failNode(r, ne, cancelledReason)
			}
			return nil
		}

		updated, err := r.q.Fail(ctx, job.ID, job.Attempts, reason, permanent)
		if errors.Is(err, queue.ErrStaleClaim) {
			slog.Warn("dropping late failure report", "job_id", job.ID, "node_id", p.NodeID, "attempt", job.Attempts, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		if ne == nil {
			return nil
		}
		switch updated.Status {
		case store.JobPending:
			res := r.tx.Model(&store.NodeExecution{}).
				Where("id = ? AND status IN ?", ne.ID, activeStatuses).
				Updates(map[string]any{"status": store.StatusPending, "error": reason})
			if res.Error != nil {
				return res.Error
			}
			ne.Status = store.StatusPending
			ne.Error = reason
			r.emit(events.Event{Type: events.NodeRetrying, NodeID: ne.NodeID, NodeExecutionID: ne.ID.String(), NodeType: p.NodeType, JobID: job.ID.String(), Status: store.StatusPending, Error: reason, Attempt: updated.Attempts})
			return nil
		case store.JobDeadLettered:
			if finished(ne.Status) {
				return nil
			}
			if err := t.attachGraph(r); err != nil {
				return err
			}
			if err := t.failNode(r, ne, reason); err != nil {
				return err
			}
			return t.settle(ctx, r)
		}
		return nil
	})
}

func (t *Tracker) failNode(r *run, ne *store.NodeExecution, reason string) error {
	now := t.now()
	res := r.tx.Model(&store.NodeExecution{}).
		Where("id = ? AND status IN ?", ne.ID, activeStatuses).
		Updates(map[string]any{"status": store.StatusFailed, "error": reason, "finished_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	ne.Status = store.StatusFailed
	ne.Error = reason
	ne.FinishedAt = &now
	r.emit(events.Event{Type: events.NodeFailed, NodeID: ne.NodeID, NodeExecutionID: ne.ID.String(), Status: store.StatusFailed, Error: reason})
	return nil
}

// Cancel fails a running execution with a cancelled reason. Pending jobs are
// withdrawn and their nodes fail; jobs already processing may still report,
// but nothing downstream of them is scheduled.
func (t *Tracker) Cancel(ctx context.Context, executionID uuid.UUID, reason string) (*store.WorkflowExecution, error) {
	msg := "cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	var exec *store.WorkflowExecution
	err := t.transact(ctx, executionID, func(r *run) error {
		exec = r.exec
		if finished(r.exec.Status) {
			return ErrExecutionFinished
		}
		if _, err := r.q.CancelExecution(ctx, r.exec.ID, msg); err != nil {
			return err
		}
		for _, ne := range r.nodes {
			if ne.Status != store.StatusPending {
				continue
			}
			if err := t.failNode(r, ne, cancelledReason); err != nil {
				return err
			}
		}
		return t.finish(r, store.StatusFailed, msg)
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

func normalizeOutput(output json.RawMessage) json.RawMessage {
	if len(output) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(output) {
		return output
	}
	b, _ := json.Marshal(string(output))
	return b
}
