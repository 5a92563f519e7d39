// Package graph validates workflow node/edge sets and orders them for
// execution.
package graph

import (
	"sort"
	"strings"

	"github.com/rendis/toolflow/pkg/schema"
)

// Graph is the validated dependency structure of a workflow definition.
type Graph struct {
	Nodes      []string            // node ids in declaration order
	Deps       map[string][]string // node id → nodes it waits for
	Dependents map[string][]string // node id → nodes waiting for it
	Order      []string            // topological order, ties broken by declaration order
	Levels     [][]string          // nodes whose dependencies all sit in earlier levels

	index map[string]int
}

// Sort validates nodes and edges and returns a deterministic execution order.
func Sort(nodes []schema.ToolNode, edges []schema.WorkflowEdge) ([]string, error) {
	g, err := Parse(nodes, edges)
	if err != nil {
		return nil, err
	}
	return g.Order, nil
}

// ParseDefinition is Parse over a whole definition.
func ParseDefinition(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	return Parse(def.Nodes, def.Edges)
}

// Parse builds adjacency lists, rejects dangling and self edges, and runs
// Kahn's algorithm. Among nodes that become ready at the same time, the one
// declared first is emitted first, so identical definitions always produce
// identical orders.
func Parse(nodes []schema.ToolNode, edges []schema.WorkflowEdge) (*Graph, error) {
	g := &Graph{
		Nodes:      make([]string, 0, len(nodes)),
		Deps:       make(map[string][]string, len(nodes)),
		Dependents: make(map[string][]string, len(nodes)),
		index:      make(map[string]int, len(nodes)),
	}

	for i, n := range nodes {
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty id", i)
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id: %s", n.ID)
		}
		g.index[n.ID] = i
		g.Nodes = append(g.Nodes, n.ID)
	}

	seen := make(map[schema.WorkflowEdge]bool, len(edges))
	for i, e := range edges {
		for _, end := range []string{e.From, e.To} {
			if _, ok := g.index[end]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDanglingEdge,
					"edge %d (%s -> %s) references unknown node %q", i, e.From, e.To, end).
					WithDetails(map[string]any{"edge": i, "from": e.From, "to": e.To, "missing": end})
			}
		}
		if e.From == e.To {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s has an edge to itself", e.From).
				WithDetails(map[string]any{"nodes": []string{e.From}})
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		g.Deps[e.To] = append(g.Deps[e.To], e.From)
		g.Dependents[e.From] = append(g.Dependents[e.From], e.To)
	}

	for _, id := range g.Nodes {
		g.sortByDeclaration(g.Deps[id])
		g.sortByDeclaration(g.Dependents[id])
	}

	inDegree := make(map[string]int, len(g.Nodes))
	ready := make([]int, 0, len(g.Nodes))
	for i, id := range g.Nodes {
		inDegree[id] = len(g.Deps[id])
		if inDegree[id] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		id := g.Nodes[ready[0]]
		ready = ready[1:]
		order = append(order, id)

		for _, dep := range g.Dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = insertSorted(ready, g.index[dep])
			}
		}
	}

	if len(order) != len(g.Nodes) {
		remaining := make([]string, 0, len(g.Nodes)-len(order))
		for _, id := range g.Nodes {
			if inDegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"cycle detected among nodes: %s", strings.Join(remaining, ", ")).
			WithDetails(map[string]any{"nodes": remaining})
	}

	g.Order = order
	g.Levels = g.computeLevels()
	return g, nil
}

// computeLevels groups nodes by dependency depth, keeping topological order
// inside each level.
func (g *Graph) computeLevels() [][]string {
	depth := make(map[string]int, len(g.Order))
	maxLevel := -1
	for _, id := range g.Order {
		d := 0
		for _, dep := range g.Deps[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// Descendants returns every node reachable from id, in topological order.
func (g *Graph) Descendants(id string) []string {
	reached := make(map[string]bool)
	stack := append([]string(nil), g.Dependents[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[n] {
			continue
		}
		reached[n] = true
		stack = append(stack, g.Dependents[n]...)
	}

	out := make([]string, 0, len(reached))
	for _, n := range g.Order {
		if reached[n] {
			out = append(out, n)
		}
	}
	return out
}

// Roots returns nodes without dependencies in declaration order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.Nodes {
		if len(g.Deps[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

func (g *Graph) sortByDeclaration(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return g.index[ids[i]] < g.index[ids[j]] })
}

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
