package diagram

import (
	"fmt"

	"github.com/rendis/toolflow/internal/graph"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/pkg/schema"
)

// Build constructs a DiagramModel from a definition and, when rec is not
// nil, overlays each node's recorded status. Nodes follow topological order.
func Build(def *schema.WorkflowDefinition, rec *store.ExecutionRecord) (*DiagramModel, error) {
	g, err := graph.ParseDefinition(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: parse graph: %w", err)
	}

	tools := make(map[string]string, len(def.Nodes))
	for _, n := range def.Nodes {
		tools[n.ID] = n.ToolID
	}

	nodes := make([]*Node, 0, len(g.Order)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, id := range g.Order {
		node := &Node{
			ID:     id,
			Label:  fmt.Sprintf("%s\n(%s)", id, tools[id]),
			ToolID: tools[id],
			Kind:   NodeKindTool,
		}
		if rec != nil {
			overlayStatus(node, rec.NodeResults[id])
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  buildEdges(def, g),
		Levels: buildLevels(g),
	}, nil
}

func overlayStatus(node *Node, nr *schema.NodeResult) {
	if nr == nil {
		return
	}
	node.Status = &StatusOverlay{
		Status:     string(nr.Status),
		DurationMs: nr.DurationMs,
	}
	if nr.Error != nil {
		node.Status.Error = nr.Error.Message
	}
}

// buildEdges returns start→roots, the declared edges, then leaves→end.
func buildEdges(def *schema.WorkflowDefinition, g *graph.Graph) []Edge {
	var edges []Edge
	for _, root := range g.Roots() {
		edges = append(edges, Edge{From: StartID, To: root})
	}

	seen := make(map[schema.WorkflowEdge]bool, len(def.Edges))
	for _, e := range def.Edges {
		if seen[e] {
			continue
		}
		seen[e] = true
		edges = append(edges, Edge{From: e.From, To: e.To})
	}

	for _, id := range g.Order {
		if len(g.Dependents[id]) == 0 {
			edges = append(edges, Edge{From: id, To: EndID})
		}
	}
	return edges
}

func buildLevels(g *graph.Graph) [][]string {
	levels := make([][]string, 0, len(g.Levels)+2)
	levels = append(levels, []string{StartID})
	levels = append(levels, g.Levels...)
	levels = append(levels, []string{EndID})
	return levels
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Workflow"
}
