// Package diagram renders workflow graphs, optionally overlaid with the node
// outcomes of one execution.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindTool  NodeKind = "tool"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

// Virtual node ids framing every diagram.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one tool invocation, or a virtual start/end marker.
type Node struct {
	ID     string
	Label  string
	ToolID string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the recorded outcome of a node.
type StatusOverlay struct {
	Status     string // a schema.NodeStatus
	DurationMs int64
	Error      string
}

// Edge represents a dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}
