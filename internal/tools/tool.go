// Package tools is the tool executor: it maps a node's tool id onto a
// concrete capability and runs it with resolved params.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
)

// Executor runs one tool invocation. Implementations must tolerate repeated
// calls with identical arguments.
type Executor interface {
	Execute(ctx context.Context, toolID string, params map[string]schema.Value) (schema.Value, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, toolID string, params map[string]schema.Value) (schema.Value, error)

func (f ExecutorFunc) Execute(ctx context.Context, toolID string, params map[string]schema.Value) (schema.Value, error) {
	return f(ctx, toolID, params)
}

// Tool is a named capability.
type Tool interface {
	Name() string
	Schema() ToolSchema
	Validate(params map[string]schema.Value) error
	Execute(ctx context.Context, params map[string]schema.Value) (schema.Value, error)
}

// ToolSchema describes the params contract of a tool.
type ToolSchema struct {
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// ToolInfo summarizes a registered tool for listings.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Param helpers shared by the built-in tools.

func stringParam(m map[string]schema.Value, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.Str()
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]schema.Value, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.Boolean()
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]schema.Value, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	n, ok := v.Num()
	if !ok {
		return defaultVal
	}
	return int(n)
}

func durationParam(m map[string]schema.Value, key string, defaultVal time.Duration) time.Duration {
	s := stringParam(m, key, "")
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// stringMapParam reads an object param, rendering scalar members as text.
func stringMapParam(m map[string]schema.Value, key string) map[string]string {
	v, ok := m[key]
	if !ok || v.Kind() != schema.KindObject {
		return nil
	}
	out := make(map[string]string, len(v.Fields()))
	for k, f := range v.Fields() {
		if f.IsNull() {
			continue
		}
		out[k] = f.AsString()
	}
	return out
}

func requireString(tool string, m map[string]schema.Value, key string) error {
	if stringParam(m, key, "") == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s: missing required param %q", tool, key)
	}
	return nil
}
