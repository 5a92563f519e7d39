package expressions

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rendis/toolflow/pkg/schema"
)

var structValueType = reflect.TypeOf(&structpb.Value{})

// CELEngine evaluates Common Expression Language predicates and
// projections. The input document is the dynamic variable "input".
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(cel.Variable("input", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) compile(source string) (cel.Program, error) {
	ast, issues := e.env.Compile(source)
	if err := issues.Err(); err != nil {
		return nil, compileError("cel", source, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("cel", source, err)
	}
	return prg, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(_ context.Context, expression string, input schema.Value) (schema.Value, error) {
	if expression == "" {
		return schema.Value{}, emptyExpression("cel")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return schema.Value{}, err
	}

	out, _, err := prg.Eval(map[string]any{"input": input.Interface()})
	if err != nil {
		return schema.Value{}, evalError("cel", expression, err)
	}

	// structpb.Value is CEL's JSON bridge: converting through it turns CEL
	// maps and lists back into plain Go values.
	native, err := out.ConvertToNative(structValueType)
	if err != nil {
		return schema.Value{}, evalError("cel", expression, err)
	}
	return toValue(expression, native.(*structpb.Value).AsInterface())
}

var _ Engine = (*CELEngine)(nil)
