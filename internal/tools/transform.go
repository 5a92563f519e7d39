package tools

import (
	"context"
	"encoding/json"

	"github.com/rendis/toolflow/internal/expressions"
	"github.com/rendis/toolflow/pkg/schema"
)

const transformInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "input": {}
  },
  "required": ["expression"]
}`

// TransformTools exposes every expression engine as "transform.<engine>".
// The result of the expression becomes the node output.
func TransformTools(engines expressions.Engines) []Tool {
	out := make([]Tool, 0, len(engines))
	for _, name := range []string{"jq", "expr", "cel"} {
		if e, ok := engines[name]; ok {
			out = append(out, &transformTool{engine: e})
		}
	}
	return out
}

type transformTool struct {
	engine expressions.Engine
}

func (t *transformTool) Name() string { return "transform." + t.engine.Name() }

func (t *transformTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Evaluate a " + t.engine.Name() + " expression against 'input'.",
		InputSchema: json.RawMessage(transformInputSchema),
	}
}

func (t *transformTool) Validate(params map[string]schema.Value) error {
	return requireString(t.Name(), params, "expression")
}

func (t *transformTool) Execute(ctx context.Context, params map[string]schema.Value) (schema.Value, error) {
	input := params["input"]
	if input.IsNull() {
		input = schema.Object(nil)
	}
	return t.engine.Evaluate(ctx, stringParam(params, "expression", ""), input)
}
