package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/toolflow/pkg/schema"
)

// ExprEngine evaluates expr-lang programs. Members of an object input are
// top-level variables; the whole input is also bound to "input".
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine compiles programs untyped so one program serves inputs of
// any shape.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache(func(source string) (*vm.Program, error) {
		prg, err := expr.Compile(source, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, compileError("expr", source, err)
		}
		return prg, nil
	})}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, input schema.Value) (schema.Value, error) {
	if expression == "" {
		return schema.Value{}, emptyExpression("expr")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return schema.Value{}, err
	}

	doc := input.Interface()
	env := map[string]any{}
	if fields, ok := doc.(map[string]any); ok {
		for k, v := range fields {
			env[k] = v
		}
	}
	env["input"] = doc

	out, err := vm.Run(prg, env)
	if err != nil {
		return schema.Value{}, evalError("expr", expression, err)
	}
	return toValue(expression, out)
}

var _ Engine = (*ExprEngine)(nil)
