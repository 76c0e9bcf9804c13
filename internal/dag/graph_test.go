package dag

import (
	"reflect"
	"testing"
)

func diamond() *Graph {
	return Build(Definition{
		Nodes: []NodeDef{{ID: "a", Type: "noop"}, {ID: "b", Type: "noop"}, {ID: "c", Type: "noop"}, {ID: "d", Type: "noop"}, {ID: "e", Type: "noop"}},
		Edges: []EdgeDef{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "b", To: "d"}, {From: "c", To: "d"}},
	})
}

func TestGraph_RootsAndNeighbours(t *testing.T) {
	g := diamond()
	if got := g.Roots(); !reflect.DeepEqual(got, []string{"a", "e"}) {
		t.Fatalf("roots = %v", got)
	}
	if got := g.Predecessors("d"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("predecessors(d) = %v", got)
	}
	if got := g.Successors("a"); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("successors(a) = %v", got)
	}
	if got := g.Successors("missing"); got != nil {
		t.Fatalf("expected nil for unknown node, got %v", got)
	}
}

func TestGraph_Downstream(t *testing.T) {
	g := diamond()
	if got := g.Downstream("a"); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Fatalf("downstream(a) = %v", got)
	}
	if got := g.Downstream("b"); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("downstream(b) = %v", got)
	}
	if got := g.Downstream("d"); len(got) != 0 {
		t.Fatalf("downstream(d) = %v", got)
	}
}

func TestGraph_TopologicalOrderIsStable(t *testing.T) {
	order, err := diamond().TopologicalOrder()
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"a", "e", "b", "c", "d"}) {
		t.Fatalf("order = %v", order)
	}
}
