package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/toolflow/pkg/schema"
)

// GoJQEngine runs jq programs over node outputs.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(compileJQ)}
}

// compileJQ parses and compiles source. $ENV is always empty so workflows
// cannot read the host environment.
func compileJQ(source string) (*gojq.Code, error) {
	query, err := gojq.Parse(source)
	if err != nil {
		return nil, compileError("jq", source, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", source, err)
	}
	return code, nil
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs the program with input as ".". One output is returned as
// is, several are gathered into an array and none yields null.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, input schema.Value) (schema.Value, error) {
	outputs, err := e.EvaluateAll(ctx, expression, input)
	if err != nil {
		return schema.Value{}, err
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	if len(outputs) == 0 {
		return schema.Null(), nil
	}
	return schema.Array(outputs), nil
}

// EvaluateAll returns every value the program emits, in order.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, input schema.Value) ([]schema.Value, error) {
	if expression == "" {
		return nil, emptyExpression("jq")
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var outputs []schema.Value
	iter := code.RunWithContext(ctx, input.Interface())
	for raw, ok := iter.Next(); ok; raw, ok = iter.Next() {
		if runErr, failed := raw.(error); failed {
			return nil, evalError("jq", expression, runErr)
		}
		v, err := toValue(expression, raw)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, v)
	}
	return outputs, nil
}

var _ Engine = (*GoJQEngine)(nil)
