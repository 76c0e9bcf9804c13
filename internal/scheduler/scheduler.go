// Package scheduler holds the DAG readiness rules. It is pure: callers hand
// in the graph and the node executions that exist so far, and get back which
// nodes to create and whether the execution is finished. The tracker applies
// those decisions transactionally.
//
// Joins are strict AND: a node becomes ready only once every predecessor has
// succeeded. A failed node therefore blocks its whole downstream closure
// without any rows being written for it; those nodes are reported as failed
// by EffectiveStatus.
package scheduler

import (
	"github.com/PetoAdam/homenavi/workflow-engine/internal/dag"
	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"
)

// Waiting is the effective status of a node that has no execution yet and is
// not blocked by a failure.
const Waiting = "waiting"

// State maps node id to the status of its NodeExecution. Nodes without a row
// are absent.
type State map[string]string

// Start returns the nodes to create when an execution starts.
func Start(g *dag.Graph) []string {
	return g.Roots()
}

// ReadyAfter returns the successors of nodeID that have no execution yet and
// whose predecessors have all succeeded.
func ReadyAfter(g *dag.Graph, nodeID string, st State) []string {
	var ready []string
	for _, succ := range g.Successors(nodeID) {
		if _, exists := st[succ]; exists {
			continue
		}
		if allSucceeded(g.Predecessors(succ), st) {
			ready = append(ready, succ)
		}
	}
	return ready
}

func allSucceeded(ids []string, st State) bool {
	for _, id := range ids {
		if st[id] != store.StatusSucceeded {
			return false
		}
	}
	return true
}

// EffectiveStatus reports a status for every node in the graph: the row
// status when one exists, failed when any ancestor failed, otherwise Waiting.
func EffectiveStatus(g *dag.Graph, st State) map[string]string {
	order, err := g.TopologicalOrder()
	if err != nil {
		order = g.IDs()
	}
	out := make(map[string]string, g.Len())
	for _, id := range order {
		if s, ok := st[id]; ok {
			out[id] = s
			continue
		}
		out[id] = Waiting
		for _, p := range g.Predecessors(id) {
			if out[p] == store.StatusFailed {
				out[id] = store.StatusFailed
				break
			}
		}
	}
	return out
}

// Blocked lists nodes without a row whose effective status is failed.
func Blocked(g *dag.Graph, st State) []string {
	var out []string
	eff := EffectiveStatus(g, st)
	for _, id := range g.IDs() {
		if _, exists := st[id]; exists {
			continue
		}
		if eff[id] == store.StatusFailed {
			out = append(out, id)
		}
	}
	return out
}

// Outcome decides whether an execution is finished. It is finished once no
// node execution is pending or running and no job is pending or processing.
// It succeeded only if every node in the graph has a succeeded execution.
func Outcome(g *dag.Graph, st State, activeJobs int64) (done bool, status string) {
	if activeJobs > 0 {
		return false, ""
	}
	for _, s := range st {
		if s == store.StatusPending || s == store.StatusRunning {
			return false, ""
		}
	}
	for _, id := range g.IDs() {
		if st[id] != store.StatusSucceeded {
			return true, store.StatusFailed
		}
	}
	return true, store.StatusSucceeded
}
