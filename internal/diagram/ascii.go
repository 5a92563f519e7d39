package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxErrorWidth = 40

// RenderASCII lays the model out one dependency level per row. Between rows
// it lists the tool-to-tool edges leaving the row above, so fan-in and
// fan-out stay readable without a layout engine.
func RenderASCII(model *DiagramModel) string {
	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}
	outgoing := make(map[string][]string)
	for _, e := range model.Edges {
		outgoing[e.From] = append(outgoing[e.From], e.To)
	}

	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		cells := make([][]string, 0, len(level))
		for _, id := range level {
			if n := byID[id]; n != nil {
				cells = append(cells, nodeCell(n))
			}
		}
		writeRow(&b, cells)

		if i == len(model.Levels)-1 {
			break
		}
		var arrows []string
		for _, from := range level {
			if byID[from] == nil || byID[from].Kind != NodeKindTool {
				continue
			}
			for _, to := range outgoing[from] {
				if n := byID[to]; n != nil && n.Kind == NodeKindTool {
					arrows = append(arrows, fmt.Sprintf("  %s ──▶ %s", from, to))
				}
			}
		}
		if len(arrows) == 0 {
			b.WriteString("  │\n  ▼\n")
			continue
		}
		b.WriteString(strings.Join(arrows, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

// nodeCell draws one node as a box. Start and end markers get rounded
// corners; tool boxes show the tool id and, with an overlay, the outcome.
func nodeCell(n *Node) []string {
	var content []string
	switch n.Kind {
	case NodeKindStart, NodeKindEnd:
		content = []string{n.Label}
	default:
		content = []string{n.ID}
		if n.ToolID != "" {
			content = append(content, n.ToolID)
		}
		if n.Status != nil {
			line := statusTag(n.Status.Status)
			if n.Status.DurationMs > 0 {
				line = strings.TrimSpace(fmt.Sprintf("%s %dms", line, n.Status.DurationMs))
			}
			if line != "" {
				content = append(content, line)
			}
			if n.Status.Error != "" {
				content = append(content, truncate(n.Status.Error, maxErrorWidth))
			}
		}
	}

	inner := 0
	for _, line := range content {
		inner = max(inner, utf8.RuneCountInString(line))
	}

	corners := [4]string{"┌", "┐", "└", "┘"}
	if n.Kind != NodeKindTool {
		corners = [4]string{"╭", "╮", "╰", "╯"}
	}
	rule := strings.Repeat("─", inner+2)

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, corners[0]+rule+corners[1])
	for _, line := range content {
		pad := strings.Repeat(" ", inner-utf8.RuneCountInString(line))
		lines = append(lines, "│ "+line+pad+" │")
	}
	lines = append(lines, corners[2]+rule+corners[3])
	return lines
}

// writeRow prints cells side by side, bottom-padding the shorter ones.
func writeRow(b *strings.Builder, cells [][]string) {
	height := 0
	widths := make([]int, len(cells))
	for i, c := range cells {
		height = max(height, len(c))
		widths[i] = utf8.RuneCountInString(c[0])
	}
	for row := 0; row < height; row++ {
		b.WriteString("  ")
		for i, c := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(c) {
				b.WriteString(c[row])
			} else {
				b.WriteString(strings.Repeat(" ", widths[i]))
			}
		}
		b.WriteByte('\n')
	}
}

func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
