package validation

import (
	"errors"

	"github.com/rendis/toolflow/internal/graph"
	"github.com/rendis/toolflow/pkg/schema"
)

// WorkflowValidator runs the three validation stages:
//  1. Structural (JSON Schema)
//  2. Semantic (ids, tools, variables, edge endpoints)
//  3. Graph (cycles, ordering)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	tools      ToolLookup
}

// NewWorkflowValidator creates a WorkflowValidator. A nil lookup skips the
// tool existence check.
func NewWorkflowValidator(lookup ToolLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, tools: lookup}, nil
}

// Validate aggregates the issues of every stage. Structural errors skip the
// later stages; semantic errors skip the graph stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.tools))
	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

func (wv *WorkflowValidator) ValidateInput(params map[string]schema.Value, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(params, inputSchema)
}

// validateStructural reports schema violations at the location of the
// offending value, e.g. "nodes[0].id".
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	violations, err := v.DefinitionViolations(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, vio := range violations {
		result.AddError(schema.IssuePath(vio.Location...), schema.ErrCodeValidation, vio.Message)
	}
	return result
}

func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	g, err := graph.ParseDefinition(def)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			result.AddError("edges", fe.Code, fe.Message)
		} else {
			result.AddError("edges", schema.ErrCodeValidation, err.Error())
		}
		return result
	}

	if len(def.Nodes) > 1 {
		for _, id := range g.Roots() {
			if len(g.Dependents[id]) == 0 {
				result.AddWarning("nodes", schema.ErrCodeValidation,
					"node "+id+" has no edges and runs independently")
			}
		}
	}
	return result
}
