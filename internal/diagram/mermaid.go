package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders the model as a top-down Mermaid flowchart. Nodes
// with an overlay are assigned a class named after their status.
func RenderMermaid(model *DiagramModel) string {
	var lines []string
	emit := func(format string, args ...any) {
		lines = append(lines, "    "+fmt.Sprintf(format, args...))
	}

	if model.Title != "" {
		emit("%%%% %s", model.Title)
	}
	for _, n := range model.Nodes {
		caption := fmt.Sprintf("%q", strings.ReplaceAll(displayName(n), `"`, "#quot;"))
		if n.Kind == NodeKindTool {
			emit("%s[%s]", mermaidSafeID(n.ID), caption)
		} else {
			emit("%s((%s))", mermaidSafeID(n.ID), caption)
		}
	}
	for _, e := range model.Edges {
		arrow := "-->"
		if e.Label != "" {
			arrow += "|" + e.Label + "|"
		}
		emit("%s %s %s", mermaidSafeID(e.From), arrow, mermaidSafeID(e.To))
	}

	lines = append(lines, "")
	for _, status := range statusOrder {
		s := statusStyles[status]
		def := fmt.Sprintf("fill:%s,stroke:%s,color:%s", s.fill, s.stroke, s.font)
		if s.dashed {
			def += ",stroke-dasharray:5 5"
		}
		emit("classDef %s %s", status, def)
	}
	for _, n := range model.Nodes {
		if _, ok := styleFor(n); ok {
			emit("class %s %s", mermaidSafeID(n.ID), n.Status.Status)
		}
	}

	return "graph TD\n" + strings.Join(lines, "\n") + "\n"
}

// mermaidSafeID maps a node id onto the identifier charset Mermaid accepts.
func mermaidSafeID(id string) string {
	return mermaidIDReplacer.Replace(id)
}
