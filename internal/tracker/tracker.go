// Package tracker owns every write to workflow and node executions. Each
// operation locks the execution row, asks the scheduler what changes, and
// applies node updates together with the matching queue operations in one
// transaction. Events and queue wakeups go out only after commit.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/dag"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/events"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/queue"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/scheduler"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/secrets"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrExecutionFinished = errors.New("execution already finished")
	ErrInvalidInput      = errors.New("invalid execution input")
	ErrLeaseExpired      = errors.New("lease expired with no attempts left")
)

const cancelledReason = "execution cancelled"

// JobPayload is what a poller needs to run one node without reading the
// workflow definition. Input carries secret placeholders only.
type JobPayload struct {
	NodeExecutionID uuid.UUID       `json:"node_execution_id"`
	NodeID          string          `json:"node_id"`
	NodeType        string          `json:"node_type"`
	Config          json.RawMessage `json:"config,omitempty"`
	Input           json.RawMessage `json:"input"`
	Secrets         []string        `json:"secrets,omitempty"`
	TimeoutSec      int             `json:"timeout_sec,omitempty"`
}

func DecodePayload(raw []byte) (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return JobPayload{}, fmt.Errorf("decode job payload: %w", err)
	}
	if p.NodeExecutionID == uuid.Nil || p.NodeID == "" {
		return JobPayload{}, errors.New("decode job payload: missing node reference")
	}
	return p, nil
}

type Options struct {
	Events events.Publisher
	Now    func() time.Time
}

type Tracker struct {
	db     *gorm.DB
	queue  *queue.Queue
	events events.Publisher
	now    func() time.Time
}

func New(db *gorm.DB, q *queue.Queue, opts Options) *Tracker {
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{db: db, queue: q, events: opts.Events, now: opts.Now}
}

// run is the transactional snapshot of one execution.
type run struct {
	tx       *gorm.DB
	q        *queue.Queue
	exec     *store.WorkflowExecution
	graph    *dag.Graph
	nodes    map[string]*store.NodeExecution
	blocked  map[string]bool
	out      []events.Event
	enqueued int
}

func (r *run) state() scheduler.State {
	st := make(scheduler.State, len(r.nodes))
	for id, ne := range r.nodes {
		st[id] = ne.Status
	}
	return st
}

func (r *run) outputs() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(r.nodes))
	for id, ne := range r.nodes {
		if len(ne.Output) > 0 {
			out[id] = json.RawMessage(ne.Output)
		}
	}
	return out
}

func (r *run) emit(evt events.Event) {
	evt.ExecutionID = r.exec.ID.String()
	evt.WorkflowID = r.exec.WorkflowID.String()
	r.out = append(r.out, evt)
}

func finished(status string) bool {
	return status == store.StatusSucceeded || status == store.StatusFailed
}

// transact runs fn against a locked snapshot of the execution and publishes
// what it produced once the transaction commits.
func (t *Tracker) transact(ctx context.Context, executionID uuid.UUID, fn func(r *run) error) error {
	var r *run
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		r, err = t.load(ctx, tx, executionID)
		if err != nil {
			return err
		}
		return fn(r)
	})
	if err != nil {
		return err
	}
	t.flush(ctx, r)
	return nil
}

func (t *Tracker) flush(ctx context.Context, r *run) {
	if r == nil {
		return
	}
	for _, evt := range r.out {
		t.events.Publish(r.exec.ID, evt)
	}
	if r.enqueued > 0 {
		t.queue.Notify(ctx)
	}
}

func (t *Tracker) load(ctx context.Context, tx *gorm.DB, executionID uuid.UUID) (*run, error) {
	var exec store.WorkflowExecution
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&exec, "id = ?", executionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	r := &run{tx: tx, q: t.queue.WithTx(tx), exec: &exec, nodes: map[string]*store.NodeExecution{}}

	var rows []store.NodeExecution
	if err := tx.Where("execution_id = ?", exec.ID).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		r.nodes[rows[i].NodeID] = &rows[i]
	}
	return r, nil
}

// attachGraph parses the workflow definition into r. Malformed definitions
// are returned unwrapped so callers can match dag.ErrMalformedDefinition.
func (t *Tracker) attachGraph(r *run) error {
	var wf store.Workflow
	err := r.tx.First(&wf, "id = ?", r.exec.WorkflowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrWorkflowNotFound
	}
	if err != nil {
		return err
	}
	def, err := dag.Parse(wf.Definition)
	if err != nil {
		return err
	}
	r.graph = dag.Build(def)
	r.blocked = map[string]bool{}
	for _, id := range scheduler.Blocked(r.graph, r.state()) {
		r.blocked[id] = true
	}
	return nil
}

// Submit creates an execution of workflowID and starts it. The definition is
// validated first; a malformed one creates no rows at all.
func (t *Tracker) Submit(ctx context.Context, workflowID uuid.UUID, input json.RawMessage) (*store.WorkflowExecution, error) {
	input, err := normalizeInput(input)
	if err != nil {
		return nil, err
	}
	var r *run
	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wf store.Workflow
		if err := tx.First(&wf, "id = ?", workflowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWorkflowNotFound
			}
			return err
		}
		def, err := dag.Parse(wf.Definition)
		if err != nil {
			return err
		}
		exec := &store.WorkflowExecution{
			ID:         uuid.New(),
			WorkflowID: wf.ID,
			Status:     store.StatusPending,
			Input:      datatypes.JSON(input),
			StartedAt:  t.now(),
		}
		if err := tx.Create(exec).Error; err != nil {
			return fmt.Errorf("create execution: %w", err)
		}
		r = &run{tx: tx, q: t.queue.WithTx(tx), exec: exec, nodes: map[string]*store.NodeExecution{}, blocked: map[string]bool{}}
		r.graph = dag.Build(def)
		return t.start(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	t.flush(ctx, r)
	return r.exec, nil
}

// CreateExecution inserts a pending execution without starting it. The
// caller is expected to follow up with OnExecutionStart.
func (t *Tracker) CreateExecution(ctx context.Context, workflowID uuid.UUID, input json.RawMessage) (*store.WorkflowExecution, error) {
	input, err := normalizeInput(input)
	if err != nil {
		return nil, err
	}
	var wf store.Workflow
	if err := t.db.WithContext(ctx).First(&wf, "id = ?", workflowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	exec := &store.WorkflowExecution{
		ID:         uuid.New(),
		WorkflowID: wf.ID,
		Status:     store.StatusPending,
		Input:      datatypes.JSON(input),
		StartedAt:  t.now(),
	}
	if err := t.db.WithContext(ctx).Create(exec).Error; err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return exec, nil
}

// OnExecutionStart creates the root node executions of a pending execution
// and enqueues their jobs. Calling it again is a no-op. A malformed
// definition fails the execution without creating node rows and the
// validation error is returned.
func (t *Tracker) OnExecutionStart(ctx context.Context, executionID uuid.UUID) error {
	var malformed error
	err := t.transact(ctx, executionID, func(r *run) error {
		if r.exec.Status != store.StatusPending {
			return nil
		}
		if err := t.attachGraph(r); err != nil {
			if !errors.Is(err, dag.ErrMalformedDefinition) {
				return err
			}
			malformed = err
			return t.finish(r, store.StatusFailed, err.Error())
		}
		return t.start(ctx, r)
	})
	if err != nil {
		return err
	}
	return malformed
}

func (t *Tracker) start(ctx context.Context, r *run) error {
	if r.graph.Len() == 0 {
		r.emit(events.Event{Type: events.ExecutionStarted, Status: store.StatusRunning})
		return t.finish(r, store.StatusSucceeded, "")
	}
	err := r.tx.Model(&store.WorkflowExecution{}).
		Where("id = ?", r.exec.ID).
		Update("status", store.StatusRunning).Error
	if err != nil {
		return err
	}
	r.exec.Status = store.StatusRunning
	r.emit(events.Event{Type: events.ExecutionStarted, Status: store.StatusRunning})

	for _, id := range scheduler.Start(r.graph) {
		if err := t.createNode(ctx, r, id); err != nil {
			return err
		}
	}
	return t.settle(ctx, r)
}

// createNode inserts the node execution for a ready node and enqueues its
// job. Nodes whose input cannot be built, or whose secrets are missing, are
// recorded as failed instead and get no job.
func (t *Tracker) createNode(ctx context.Context, r *run, nodeID string) error {
	node, ok := r.graph.Node(nodeID)
	if !ok {
		return fmt.Errorf("unknown node %q", nodeID)
	}
	now := t.now()
	ne := &store.NodeExecution{
		ID:          uuid.New(),
		ExecutionID: r.exec.ID,
		NodeID:      nodeID,
		Status:      store.StatusPending,
		CreatedAt:   now,
	}

	input, err := scheduler.BuildInput(r.graph, nodeID, r.outputs(), json.RawMessage(r.exec.Input))
	var reason string
	if err != nil {
		reason = err.Error()
	} else {
		ne.Input = datatypes.JSON(input)
		missing, err := missingSecrets(r.tx, r.exec.WorkflowID, node.Secrets)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			reason = fmt.Sprintf("%v: %s", secrets.ErrNotFound, strings.Join(missing, ", "))
		}
	}
	if reason != "" {
		ne.Status = store.StatusFailed
		ne.Error = reason
		ne.FinishedAt = &now
	}
	if err := r.tx.Create(ne).Error; err != nil {
		return fmt.Errorf("create node execution %s: %w", nodeID, err)
	}
	r.nodes[nodeID] = ne
	if reason != "" {
		r.emit(events.Event{Type: events.NodeFailed, NodeID: nodeID, NodeExecutionID: ne.ID.String(), NodeType: node.Type, Status: store.StatusFailed, Error: reason})
		return nil
	}

	payload, err := json.Marshal(JobPayload{
		NodeExecutionID: ne.ID,
		NodeID:          nodeID,
		NodeType:        node.Type,
		Config:          node.Config,
		Input:           input,
		Secrets:         node.Secrets,
		TimeoutSec:      node.TimeoutSec,
	})
	if err != nil {
		return err
	}
	job, err := r.q.Enqueue(ctx, r.exec.ID, r.exec.WorkflowID, payload, node.MaxAttempts)
	if err != nil {
		return err
	}
	r.enqueued++
	r.emit(events.Event{Type: events.NodeQueued, NodeID: nodeID, NodeExecutionID: ne.ID.String(), NodeType: node.Type, JobID: job.ID.String(), Status: store.StatusPending})
	return nil
}

// missingSecrets reports which of keys have no stored value. It reads
// through tx so the check shares the transaction's snapshot.
func missingSecrets(tx *gorm.DB, workflowID uuid.UUID, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	var found []string
	err := tx.Model(&store.Secret{}).
		Where("workflow_id = ? AND key IN ?", workflowID, keys).
		Pluck("key", &found).Error
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(found))
	for _, k := range found {
		have[k] = true
	}
	var missing []string
	for _, k := range keys {
		if !have[k] {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// settle reports newly blocked nodes and finalizes the execution once
// nothing is left in flight.
func (t *Tracker) settle(ctx context.Context, r *run) error {
	st := r.state()
	for _, id := range scheduler.Blocked(r.graph, st) {
		if r.blocked[id] {
			continue
		}
		r.blocked[id] = true
		r.emit(events.Event{Type: events.NodeBlocked, NodeID: id, Status: store.StatusFailed})
	}
	if finished(r.exec.Status) {
		return nil
	}
	active, err := r.q.CountActive(ctx, r.exec.ID)
	if err != nil {
		return err
	}
	done, status := scheduler.Outcome(r.graph, st, active)
	if !done {
		return nil
	}
	var reason string
	if status == store.StatusFailed {
		reason = failureSummary(r)
	}
	return t.finish(r, status, reason)
}

func failureSummary(r *run) string {
	for _, id := range r.graph.IDs() {
		if ne, ok := r.nodes[id]; ok && ne.Status == store.StatusFailed {
			return fmt.Sprintf("node %s failed: %s", id, ne.Error)
		}
	}
	return "workflow did not complete"
}

func (t *Tracker) finish(r *run, status, reason string) error {
	now := t.now()
	err := r.tx.Model(&store.WorkflowExecution{}).
		Where("id = ?", r.exec.ID).
		Updates(map[string]any{"status": status, "error": reason, "finished_at": now}).Error
	if err != nil {
		return err
	}
	r.exec.Status = status
	r.exec.Error = reason
	r.exec.FinishedAt = &now
	r.emit(events.Event{Type: events.ExecutionFinished, Status: status, Error: reason})
	return nil
}

func normalizeInput(input json.RawMessage) (json.RawMessage, error) {
	if len(strings.TrimSpace(string(input))) == 0 {
		return nil, nil
	}
	if !json.Valid(input) {
		return nil, fmt.Errorf("%w: must be valid json", ErrInvalidInput)
	}
	return input, nil
}
