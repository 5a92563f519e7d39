package validation

import (
	"fmt"

	"github.com/rendis/toolflow/pkg/schema"
)

// validateSemantic checks what the structural schema cannot: unique ids,
// registered tools, variable defaults matching their declared type, and
// names shared between variables and nodes (a node result would shadow the
// variable in the execution context).
func validateSemantic(def *schema.WorkflowDefinition, lookup ToolLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if first, dup := nodeIDs[n.ID]; dup {
			result.AddErrorf(path+".id", schema.ErrCodeValidation,
				"duplicate node id %q (first declared at nodes[%d])", n.ID, first)
			continue
		}
		nodeIDs[n.ID] = i

		if lookup != nil && !lookup.Has(n.ToolID) {
			result.AddErrorf(path+".toolId", schema.ErrCodeToolNotFound, "tool %q is not registered", n.ToolID)
		}
	}

	varNames := make(map[string]bool, len(def.Variables))
	for i, v := range def.Variables {
		path := fmt.Sprintf("variables[%d]", i)
		if varNames[v.Name] {
			result.AddErrorf(path+".name", schema.ErrCodeValidation, "duplicate variable %q", v.Name)
			continue
		}
		varNames[v.Name] = true

		if _, clash := nodeIDs[v.Name]; clash {
			result.AddErrorf(path+".name", schema.ErrCodeValidation,
				"variable %q has the same name as a node", v.Name)
		}

		want, ok := v.Type.Kind()
		if !ok {
			result.AddErrorf(path+".type", schema.ErrCodeValidation, "unknown variable type %q", v.Type)
			continue
		}
		if !v.DefaultValue.IsNull() && v.DefaultValue.Kind() != want {
			result.AddErrorf(path+".defaultValue", schema.ErrCodeValidation,
				"default value of %q is %s, declared %s", v.Name, v.DefaultValue.Kind(), v.Type)
		}
	}

	for i, e := range def.Edges {
		if e.From == e.To {
			continue // reported by the graph stage
		}
		if _, ok := nodeIDs[e.From]; !ok {
			result.AddErrorf(fmt.Sprintf("edges[%d].from", i), schema.ErrCodeDanglingEdge,
				"edge references unknown node %q", e.From)
		}
		if _, ok := nodeIDs[e.To]; !ok {
			result.AddErrorf(fmt.Sprintf("edges[%d].to", i), schema.ErrCodeDanglingEdge,
				"edge references unknown node %q", e.To)
		}
	}

	return result
}
