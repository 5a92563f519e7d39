package expressions

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rendis/toolflow/pkg/schema"
)

// Engine evaluates an expression against an input document.
// Implementations: GoJQ (reshaping), Expr (computation), CEL (predicates).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, input schema.Value) (schema.Value, error)
}

// Engines bundles the available engines by name.
type Engines map[string]Engine

// NewEngines builds the standard engine set.
func NewEngines() (Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	set := Engines{}
	for _, e := range []Engine{NewGoJQEngine(), NewExprEngine(), celEngine} {
		set[e.Name()] = e
	}
	return set, nil
}

// programCache memoizes compiled programs by source text. Concurrent misses
// on the same source share one compilation.
type programCache[P any] struct {
	compile func(source string) (P, error)

	mu       sync.RWMutex
	programs map[string]P
	inflight singleflight.Group
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{compile: compile, programs: make(map[string]P)}
}

func (c *programCache[P]) get(source string) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := c.inflight.Do(source, func() (any, error) {
		c.mu.RLock()
		p, ok := c.programs[source]
		c.mu.RUnlock()
		if ok {
			return p, nil
		}
		p, err := c.compile(source)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.programs[source] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		var zero P
		return zero, err
	}
	return v.(P), nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// compileError reports an expression that never became a program.
func compileError(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

// evalError reports a program that failed on a particular input.
func evalError(engine, expression string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeToolFailed, "%s: evaluating %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: empty expression", engine)
}

func toValue(expression string, out any) (schema.Value, error) {
	v, err := schema.FromAny(out)
	if err != nil {
		return schema.Value{}, schema.NewErrorf(schema.ErrCodeToolFailed,
			"result of %q is not representable: %s", expression, err.Error()).WithCause(err)
	}
	return v, nil
}
