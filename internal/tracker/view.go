package tracker

import (
	"context"
	"errors"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/dag"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/scheduler"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NodeView is one graph node as seen by the status API. Execution is nil for
// nodes that never became ready.
type NodeView struct {
	NodeID    string               `json:"node_id"`
	Type      string               `json:"type"`
	Status    string               `json:"status"`
	Execution *store.NodeExecution `json:"execution,omitempty"`
}

type ExecutionView struct {
	Execution store.WorkflowExecution `json:"execution"`
	Nodes     []NodeView              `json:"nodes"`
}

// Describe reads an execution with the effective status of every node,
// including failures derived from upstream nodes. It takes no locks.
func (t *Tracker) Describe(ctx context.Context, executionID uuid.UUID) (*ExecutionView, error) {
	db := t.db.WithContext(ctx)
	var exec store.WorkflowExecution
	if err := db.First(&exec, "id = ?", executionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}
	var rows []store.NodeExecution
	if err := db.Where("execution_id = ?", exec.ID).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	byNode := make(map[string]*store.NodeExecution, len(rows))
	st := make(scheduler.State, len(rows))
	for i := range rows {
		byNode[rows[i].NodeID] = &rows[i]
		st[rows[i].NodeID] = rows[i].Status
	}

	view := &ExecutionView{Execution: exec}
	var wf store.Workflow
	if err := db.First(&wf, "id = ?", exec.WorkflowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	def, err := dag.Parse(wf.Definition)
	if err != nil {
		// Malformed definitions never produced node rows.
		view.Nodes = []NodeView{}
		return view, nil
	}
	g := dag.Build(def)
	eff := scheduler.EffectiveStatus(g, st)
	view.Nodes = make([]NodeView, 0, g.Len())
	for _, id := range g.IDs() {
		n, _ := g.Node(id)
		view.Nodes = append(view.Nodes, NodeView{NodeID: id, Type: n.Type, Status: eff[id], Execution: byNode[id]})
	}
	return view, nil
}
