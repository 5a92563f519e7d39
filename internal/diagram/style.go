package diagram

// statusStyle is the colour scheme shared by the Mermaid and graphviz
// renderers for one node status.
type statusStyle struct {
	fill   string
	stroke string
	font   string
	dashed bool
}

// statusOrder fixes the order in which class definitions are emitted.
var statusOrder = []string{"completed", "failed", "running", "pending", "skipped"}

var statusStyles = map[string]statusStyle{
	"completed": {fill: "#2d6a2d", stroke: "#1a4a1a", font: "#ffffff"},
	"failed":    {fill: "#8b1a1a", stroke: "#5c0e0e", font: "#ffffff"},
	"running":   {fill: "#1a5276", stroke: "#0e3a52", font: "#ffffff"},
	"pending":   {fill: "#d3d3d3", stroke: "#6b6b6b", font: "#000000"},
	"skipped":   {fill: "#e8e8e8", stroke: "#888888", font: "#888888", dashed: true},
}

// styleFor returns the style for a node's overlay, if it has a known one.
func styleFor(n *Node) (statusStyle, bool) {
	if n.Status == nil {
		return statusStyle{}, false
	}
	s, ok := statusStyles[n.Status.Status]
	return s, ok
}

// displayName is the single-line caption used by renderers that cannot
// wrap labels.
func displayName(n *Node) string {
	if n.Kind == NodeKindTool && n.ToolID != "" {
		return n.ID + " (" + n.ToolID + ")"
	}
	return n.Label
}
