package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders the model to PNG with the dot layout.
func RenderImage(model *DiagramModel) ([]byte, error) {
	return renderGraphviz(context.Background(), model, graphviz.PNG)
}

// RenderSVG renders the model to an SVG document with the dot layout.
func RenderSVG(model *DiagramModel) ([]byte, error) {
	return renderGraphviz(context.Background(), model, graphviz.SVG)
}

func renderGraphviz(ctx context.Context, model *DiagramModel, format graphviz.Format) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: graphviz init: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: new graph: %w", err)
	}
	defer g.Close()

	if err := populate(g, model); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := gv.Render(ctx, g, format, &out); err != nil {
		return nil, fmt.Errorf("diagram: %s output: %w", format, err)
	}
	return out.Bytes(), nil
}

// populate copies the model into g. Tool nodes are boxes captioned with the
// node id over the tool id; start and end are small circles.
func populate(g *cgraph.Graph, model *DiagramModel) error {
	g.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		g.SetLabel(model.Title)
	}

	byID := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return fmt.Errorf("diagram: node %s: %w", n.ID, err)
		}
		byID[n.ID] = gn

		if n.Kind == NodeKindTool {
			gn.SetShape(cgraph.BoxShape)
			gn.SetLabel(n.ID + `\n` + n.ToolID)
		} else {
			gn.SetShape(cgraph.CircleShape)
			gn.SetWidth(0.5)
			gn.SetHeight(0.5)
			gn.SetLabel(n.Label)
		}

		if s, ok := styleFor(n); ok {
			gn.SetStyle(cgraph.FilledNodeStyle)
			if s.dashed {
				gn.SetStyle(cgraph.DashedNodeStyle)
			}
			gn.SetFillColor(s.fill)
			gn.SetFontColor(s.font)
		}
	}

	for _, e := range model.Edges {
		from, to := byID[e.From], byID[e.To]
		if from == nil || to == nil {
			continue
		}
		ge, err := g.CreateEdgeByName(e.From+"->"+e.To, from, to)
		if err != nil {
			return fmt.Errorf("diagram: edge %s->%s: %w", e.From, e.To, err)
		}
		if e.Label != "" {
			ge.SetLabel(e.Label)
		}
	}
	return nil
}
