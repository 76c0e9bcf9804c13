// Package triggers starts executions from outside events: cron schedules
// and webhook calls. Manual runs go straight through the API.
package triggers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/dag"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

type Submitter interface {
	Submit(ctx context.Context, workflowID uuid.UUID, input json.RawMessage) (*store.WorkflowExecution, error)
}

type WorkflowSource interface {
	ListWorkflowsByTrigger(ctx context.Context, triggerType string) ([]store.Workflow, error)
	FindWorkflowByWebhookPath(ctx context.Context, path string) (*store.Workflow, error)
}

// Cron keeps one cron entry per cron-triggered workflow, reconciled against
// the database on every reload. Expressions take a leading seconds field.
type Cron struct {
	source    WorkflowSource
	submitter Submitter

	mu      sync.Mutex
	ctx     context.Context
	cron    *cron.Cron
	entries map[uuid.UUID]cron.EntryID
	specs   map[uuid.UUID]string

	reloadEvery time.Duration
	now         func() time.Time
}

func NewCron(source WorkflowSource, submitter Submitter, reloadEvery time.Duration) *Cron {
	if reloadEvery <= 0 {
		reloadEvery = 30 * time.Second
	}
	return &Cron{
		source:      source,
		submitter:   submitter,
		ctx:         context.Background(),
		cron:        cron.New(cron.WithSeconds()),
		entries:     map[uuid.UUID]cron.EntryID{},
		specs:       map[uuid.UUID]string{},
		reloadEvery: reloadEvery,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (c *Cron) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	if err := c.Reload(ctx); err != nil {
		return err
	}
	c.cron.Start()
	go c.reloadLoop(ctx)
	return nil
}

// Stop halts scheduling and waits for running submissions.
func (c *Cron) Stop() {
	<-c.cron.Stop().Done()
}

func (c *Cron) reloadLoop(ctx context.Context) {
	t := time.NewTicker(c.reloadEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Reload(ctx); err != nil {
				slog.Warn("cron trigger reload failed", "error", err)
			}
		}
	}
}

// Reload reconciles cron entries with the stored workflows right away.
func (c *Cron) Reload(ctx context.Context) error {
	rows, err := c.source.ListWorkflowsByTrigger(ctx, dag.TriggerCron)
	if err != nil {
		return err
	}
	expected := map[uuid.UUID]string{}
	for _, w := range rows {
		def, err := dag.Parse(w.Definition)
		if err != nil {
			slog.Warn("invalid workflow definition", "workflow_id", w.ID, "error", err)
			continue
		}
		if def.TriggerType() != dag.TriggerCron {
			continue
		}
		expected[w.ID] = def.Trigger.Expression
	}
	c.reconcile(expected)
	return nil
}

func (c *Cron) reconcile(expected map[uuid.UUID]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for wfID, expr := range expected {
		if old, ok := c.specs[wfID]; ok && old != expr {
			c.cron.Remove(c.entries[wfID])
			delete(c.entries, wfID)
			delete(c.specs, wfID)
		}
		if _, exists := c.entries[wfID]; exists {
			continue
		}
		id, err := c.cron.AddFunc(expr, c.fireFunc(wfID, expr))
		if err != nil {
			slog.Warn("invalid cron expression", "workflow_id", wfID, "cron", expr, "error", err)
			continue
		}
		c.entries[wfID] = id
		c.specs[wfID] = expr
	}

	for wfID, id := range c.entries {
		if _, ok := expected[wfID]; ok {
			continue
		}
		c.cron.Remove(id)
		delete(c.entries, wfID)
		delete(c.specs, wfID)
	}
}

func (c *Cron) fireFunc(wfID uuid.UUID, expr string) func() {
	return func() {
		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()
		input, _ := json.Marshal(map[string]any{"type": dag.TriggerCron, "cron": expr, "ts": c.now().UnixMilli()})
		exec, err := c.submitter.Submit(ctx, wfID, input)
		if err != nil {
			slog.Warn("cron trigger submit failed", "workflow_id", wfID, "error", err)
			return
		}
		slog.Info("cron trigger fired", "workflow_id", wfID, "execution_id", exec.ID)
	}
}

// Scheduled lists workflow ids with a live cron entry and their expression.
func (c *Cron) Scheduled() map[uuid.UUID]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uuid.UUID]string, len(c.specs))
	for k, v := range c.specs {
		out[k] = v
	}
	return out
}
