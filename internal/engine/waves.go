package engine

import (
	"github.com/rendis/toolflow/internal/expressions"
	"github.com/rendis/toolflow/internal/graph"
	"github.com/rendis/toolflow/pkg/schema"
)

// planWaves cuts g.Order into contiguous waves. A node opens a new wave when
// one of its dependencies, or a node its params reference, already sits in
// the current wave. Nodes of one wave share a single context snapshot, so a
// reference resolves the same way it would in a one-at-a-time run: earlier
// nodes are visible, later ones are absent.
func planWaves(def *schema.WorkflowDefinition, g *graph.Graph) [][]string {
	position := make(map[string]int, len(g.Order))
	for i, id := range g.Order {
		position[id] = i
	}

	var waves [][]string
	var current []string
	inCurrent := map[string]bool{}
	for _, id := range g.Order {
		if waitsOnAny(id, g.Deps[id], referencedNodes(def, id, position), inCurrent) {
			waves = append(waves, current)
			current = nil
			inCurrent = map[string]bool{}
		}
		current = append(current, id)
		inCurrent[id] = true
	}
	if len(current) > 0 {
		waves = append(waves, current)
	}
	return waves
}

func waitsOnAny(id string, deps, refs []string, inCurrent map[string]bool) bool {
	for _, set := range [][]string{deps, refs} {
		for _, other := range set {
			if other != id && inCurrent[other] {
				return true
			}
		}
	}
	return false
}

// referencedNodes lists the node ids that id's params point at and that run
// before it.
func referencedNodes(def *schema.WorkflowDefinition, id string, position map[string]int) []string {
	node, ok := def.Node(id)
	if !ok {
		return nil
	}
	var refs []string
	for _, root := range expressions.PathRoots(schema.Object(node.Params)) {
		if pos, known := position[root]; known && pos < position[id] {
			refs = append(refs, root)
		}
	}
	return refs
}
