package validation

import "github.com/rendis/toolflow/pkg/schema"

// Validator checks workflow definitions and tool params.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(params map[string]schema.Value, inputSchema []byte) error
}

// ToolLookup reports whether a tool id can be executed. The tool registry
// satisfies it.
type ToolLookup interface {
	Has(toolID string) bool
}
