package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/toolflow/pkg/schema"
)

// InputValidator checks params against a tool's JSON input schema.
type InputValidator interface {
	ValidateInput(params map[string]schema.Value, inputSchema []byte) error
}

// Registry is the thread-safe set of tools. It implements Executor.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	validator InputValidator
}

// NewRegistry creates an empty Registry. A nil validator skips input
// schema checks; each tool's own Validate still runs.
func NewRegistry(validator InputValidator) *Registry {
	return &Registry{tools: make(map[string]Tool), validator: validator}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not registered", name)
	}
	return tool, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns registered tools sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, ToolInfo{Name: t.Name(), Description: t.Schema().Description})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Execute validates params and runs the tool. Failures are always
// *schema.FlowError; foreign errors are wrapped as TOOL_FAILED.
func (r *Registry) Execute(ctx context.Context, toolID string, params map[string]schema.Value) (schema.Value, error) {
	tool, err := r.Get(toolID)
	if err != nil {
		return schema.Value{}, err
	}
	if params == nil {
		params = map[string]schema.Value{}
	}

	if r.validator != nil {
		if err := r.validator.ValidateInput(params, tool.Schema().InputSchema); err != nil {
			fe := schema.AsFlowError(err, schema.ErrCodeValidation)
			return schema.Value{}, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s", toolID, fe.Message).
				WithCause(err).WithDetails(fe.Details)
		}
	}
	if err := tool.Validate(params); err != nil {
		return schema.Value{}, schema.AsFlowError(err, schema.ErrCodeValidation)
	}

	out, err := tool.Execute(ctx, params)
	if err != nil {
		return schema.Value{}, schema.AsFlowError(err, schema.ErrCodeToolFailed)
	}
	return out, nil
}

var _ Executor = (*Registry)(nil)
