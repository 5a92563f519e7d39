package tools

import (
	"context"
	"sort"

	"github.com/rendis/toolflow/internal/expressions"
	"github.com/rendis/toolflow/pkg/schema"
)

// DataTools returns the structural helpers.
func DataTools() []Tool {
	return []Tool{&dataMergeTool{}, &dataObjectTool{}}
}

// --- data.merge ---

// dataMergeTool deep-merges the objects of 'sources' left to right; later
// members win, nested objects merge recursively.
type dataMergeTool struct{}

func (t *dataMergeTool) Name() string { return "data.merge" }

func (t *dataMergeTool) Schema() ToolSchema {
	return ToolSchema{Description: "Deep-merge the objects listed in 'sources'."}
}

func (t *dataMergeTool) Validate(params map[string]schema.Value) error {
	if params["sources"].Kind() != schema.KindArray {
		return schema.NewError(schema.ErrCodeValidation, "data.merge requires 'sources' array")
	}
	return nil
}

func (t *dataMergeTool) Execute(_ context.Context, params map[string]schema.Value) (schema.Value, error) {
	merged := map[string]schema.Value{}
	for i, src := range params["sources"].Items() {
		if src.Kind() != schema.KindObject {
			return schema.Value{}, schema.NewErrorf(schema.ErrCodeValidation,
				"data.merge: sources[%d] is %s, want object", i, src.Kind())
		}
		merged = deepMerge(merged, src.Fields())
	}
	return schema.Object(merged), nil
}

func deepMerge(dst, src map[string]schema.Value) map[string]schema.Value {
	out := make(map[string]schema.Value, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if cur, ok := out[k]; ok && cur.Kind() == schema.KindObject && v.Kind() == schema.KindObject {
			out[k] = schema.Object(deepMerge(cur.Fields(), v.Fields()))
			continue
		}
		out[k] = v.Clone()
	}
	return out
}

// --- data.object ---

// dataObjectTool builds an object from 'fields', expanding dotted keys into
// nested members. Useful for shaping the body of a later request.
type dataObjectTool struct{}

func (t *dataObjectTool) Name() string { return "data.object" }

func (t *dataObjectTool) Schema() ToolSchema {
	return ToolSchema{Description: "Build an object from 'fields'; dotted keys nest."}
}

func (t *dataObjectTool) Validate(params map[string]schema.Value) error {
	if params["fields"].Kind() != schema.KindObject {
		return schema.NewError(schema.ErrCodeValidation, "data.object requires 'fields' object")
	}
	return nil
}

func (t *dataObjectTool) Execute(_ context.Context, params map[string]schema.Value) (schema.Value, error) {
	fields := params["fields"].Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := map[string]schema.Value{}
	for _, k := range keys {
		expressions.SetPath(out, k, fields[k])
	}
	return schema.Object(out), nil
}
