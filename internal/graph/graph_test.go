package graph

import (
	"errors"
	"reflect"
	"testing"

	"github.com/rendis/toolflow/pkg/schema"
)

// --- helpers ---

func nodes(ids ...string) []schema.ToolNode {
	out := make([]schema.ToolNode, len(ids))
	for i, id := range ids {
		out[i] = schema.ToolNode{ID: id, ToolID: "noop"}
	}
	return out
}

func edge(from, to string) schema.WorkflowEdge {
	return schema.WorkflowEdge{From: from, To: to}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FlowError, got %T: %v", err, err)
	}
	if fe.Code != code {
		t.Errorf("expected code %s, got %s: %s", code, fe.Code, fe.Message)
	}
}

func positions(order []string) map[string]int {
	m := make(map[string]int, len(order))
	for i, id := range order {
		m[id] = i
	}
	return m
}

// --- ordering ---

func TestParse_DependenciesBeforeDependents(t *testing.T) {
	//   a   e
	//  / \
	// b   c
	//  \ /
	//   d
	g, err := Parse(nodes("d", "c", "b", "a", "e"), []schema.WorkflowEdge{
		edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pos := positions(g.Order)
	for _, e := range []schema.WorkflowEdge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")} {
		if pos[e.From] >= pos[e.To] {
			t.Errorf("%s must run before %s: %v", e.From, e.To, g.Order)
		}
	}
	if len(g.Order) != 5 {
		t.Fatalf("expected 5 nodes in order, got %v", g.Order)
	}
}

func TestParse_TieBreakFollowsDeclarationOrder(t *testing.T) {
	g, err := Parse(nodes("z", "m", "a", "after"), []schema.WorkflowEdge{edge("m", "after")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"z", "m", "a", "after"}
	if !reflect.DeepEqual(g.Order, want) {
		t.Errorf("expected %v, got %v", want, g.Order)
	}
}

func TestSort_Deterministic(t *testing.T) {
	ns := nodes("fetch", "enrich", "notify", "audit", "format")
	es := []schema.WorkflowEdge{edge("fetch", "enrich"), edge("fetch", "format"), edge("enrich", "notify")}

	first, err := Sort(ns, es)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Sort(ns, es)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("order changed between runs: %v vs %v", first, again)
		}
	}
	want := []string{"fetch", "enrich", "notify", "audit", "format"}
	if !reflect.DeepEqual(first, want) {
		t.Errorf("expected %v, got %v", want, first)
	}
}

func TestParse_SingletonsAreRoots(t *testing.T) {
	g, err := Parse(nodes("solo", "a", "b"), []schema.WorkflowEdge{edge("a", "b")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(g.Roots(), []string{"solo", "a"}) {
		t.Errorf("expected roots [solo a], got %v", g.Roots())
	}
	if len(g.Levels) != 2 || !reflect.DeepEqual(g.Levels[0], []string{"solo", "a"}) {
		t.Errorf("unexpected levels %v", g.Levels)
	}
}

func TestParse_EmptyGraph(t *testing.T) {
	g, err := Parse(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Order) != 0 || len(g.Levels) != 0 {
		t.Errorf("expected empty order and levels, got %v %v", g.Order, g.Levels)
	}
}

func TestParse_DuplicateEdgesCollapse(t *testing.T) {
	g, err := Parse(nodes("a", "b"), []schema.WorkflowEdge{edge("a", "b"), edge("a", "b")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Deps["b"]) != 1 {
		t.Errorf("expected one dependency, got %v", g.Deps["b"])
	}
}

func TestDescendants(t *testing.T) {
	g, err := Parse(nodes("a", "b", "c", "d", "x"), []schema.WorkflowEdge{
		edge("a", "b"), edge("b", "c"), edge("a", "d"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := g.Descendants("a"); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Errorf("unexpected descendants of a: %v", got)
	}
	if got := g.Descendants("x"); len(got) != 0 {
		t.Errorf("x has no descendants, got %v", got)
	}
}

// --- rejection ---

func TestParse_TwoNodeCycle(t *testing.T) {
	_, err := Parse(nodes("a", "b", "c"), []schema.WorkflowEdge{edge("a", "b"), edge("b", "a")})
	assertCode(t, err, schema.ErrCodeCycleDetected)

	var fe *schema.FlowError
	errors.As(err, &fe)
	if !reflect.DeepEqual(fe.Details["nodes"], []string{"a", "b"}) {
		t.Errorf("expected remaining nodes [a b], got %v", fe.Details["nodes"])
	}
}

func TestParse_LongCycle(t *testing.T) {
	_, err := Parse(nodes("a", "b", "c", "d"), []schema.WorkflowEdge{
		edge("a", "b"), edge("b", "c"), edge("c", "d"), edge("d", "b"),
	})
	assertCode(t, err, schema.ErrCodeCycleDetected)
}

func TestParse_SelfEdge(t *testing.T) {
	_, err := Parse(nodes("a"), []schema.WorkflowEdge{edge("a", "a")})
	assertCode(t, err, schema.ErrCodeCycleDetected)
}

func TestParse_DanglingEdge(t *testing.T) {
	_, err := Parse(nodes("a"), []schema.WorkflowEdge{edge("a", "ghost")})
	assertCode(t, err, schema.ErrCodeDanglingEdge)

	_, err = Parse(nodes("a"), []schema.WorkflowEdge{edge("ghost", "a")})
	assertCode(t, err, schema.ErrCodeDanglingEdge)
}

func TestParse_DuplicateAndEmptyIDs(t *testing.T) {
	_, err := Parse(nodes("a", "a"), nil)
	assertCode(t, err, schema.ErrCodeValidation)

	_, err = Parse(nodes(""), nil)
	assertCode(t, err, schema.ErrCodeValidation)
}
