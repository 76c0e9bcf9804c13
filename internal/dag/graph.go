package dag

import "sort"

// Graph is an arena of nodes addressed by index, with adjacency lists of
// indices in both directions. Node ids map to indices through index.
type Graph struct {
	nodes []NodeDef
	index map[string]int
	succ  [][]int
	pred  [][]int
}

// Build indexes a definition. Edges naming unknown nodes are ignored, so
// callers are expected to validate first.
func Build(d Definition) *Graph {
	g := &Graph{
		nodes: append([]NodeDef(nil), d.Nodes...),
		index: make(map[string]int, len(d.Nodes)),
		succ:  make([][]int, len(d.Nodes)),
		pred:  make([][]int, len(d.Nodes)),
	}
	for i, n := range g.nodes {
		if _, ok := g.index[n.ID]; !ok {
			g.index[n.ID] = i
		}
	}
	for _, e := range d.Edges {
		from, okF := g.index[e.From]
		to, okT := g.index[e.To]
		if !okF || !okT {
			continue
		}
		g.succ[from] = append(g.succ[from], to)
		g.pred[to] = append(g.pred[to], from)
	}
	return g
}

func (g *Graph) Len() int { return len(g.nodes) }

func (g *Graph) Node(id string) (NodeDef, bool) {
	i, ok := g.index[id]
	if !ok {
		return NodeDef{}, false
	}
	return g.nodes[i], true
}

// IDs returns node ids in declaration order.
func (g *Graph) IDs() []string {
	out := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.ID
	}
	return out
}

// Roots returns the nodes with in-degree zero, in declaration order.
func (g *Graph) Roots() []string {
	var out []string
	for i, n := range g.nodes {
		if len(g.pred[i]) == 0 {
			out = append(out, n.ID)
		}
	}
	return out
}

func (g *Graph) Predecessors(id string) []string { return g.ids(g.pred, id) }

func (g *Graph) Successors(id string) []string { return g.ids(g.succ, id) }

func (g *Graph) ids(adj [][]int, id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(adj[i]))
	seen := make(map[int]struct{}, len(adj[i]))
	for _, j := range adj[i] {
		if _, dup := seen[j]; dup {
			continue
		}
		seen[j] = struct{}{}
		out = append(out, g.nodes[j].ID)
	}
	return out
}

// Downstream returns the transitive closure of successors of id, excluding
// id itself, sorted by id.
func (g *Graph) Downstream(id string) []string {
	start, ok := g.index[id]
	if !ok {
		return nil
	}
	visited := make([]bool, len(g.nodes))
	stack := append([]int(nil), g.succ[start]...)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[i] {
			continue
		}
		visited[i] = true
		stack = append(stack, g.succ[i]...)
	}
	var out []string
	for i, v := range visited {
		if v {
			out = append(out, g.nodes[i].ID)
		}
	}
	sort.Strings(out)
	return out
}

// TopologicalOrder runs Kahn's algorithm. Ties are broken by declaration
// order so the result is deterministic. A cycle yields a ValidationError
// naming one node on it.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indeg := make([]int, len(g.nodes))
	for i := range g.nodes {
		indeg[i] = len(g.pred[i])
	}
	queue := make([]int, 0, len(g.nodes))
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, g.nodes[i].ID)
		for _, j := range g.succ[i] {
			indeg[j]--
			if indeg[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if len(order) != len(g.nodes) {
		for i, d := range indeg {
			if d > 0 {
				return nil, invalid(KindCycle, g.nodes[i].ID, "workflow graph contains a cycle")
			}
		}
	}
	return order, nil
}
