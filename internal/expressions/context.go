package expressions

import (
	"sync"

	"github.com/rendis/toolflow/pkg/schema"
)

// Context is the mutable key/value store of one run: workflow defaults,
// trigger variables and the results of nodes that already finished.
// Safe for concurrent use by nodes of the same level.
type Context struct {
	mu     sync.RWMutex
	values map[string]schema.Value
}

// NewContext seeds the context with variable defaults, then overlays the
// trigger variables. Trigger values win on key collision.
func NewContext(defaults []schema.WorkflowVariable, overlay map[string]schema.Value) *Context {
	c := &Context{values: make(map[string]schema.Value, len(defaults)+len(overlay))}
	for _, v := range defaults {
		c.values[v.Name] = v.DefaultValue.Clone()
	}
	for k, v := range overlay {
		c.values[k] = v.Clone()
	}
	return c
}

func (c *Context) Set(key string, v schema.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = v
}

func (c *Context) Get(key string) (schema.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// SetNodeResult publishes a node outcome under its id as
// {output, status[, error]} so later nodes can reference nodeId.output.field.
func (c *Context) SetNodeResult(nodeID string, status schema.NodeStatus, output schema.Value, err error) {
	entry := map[string]schema.Value{
		"status": schema.String(string(status)),
		"output": output,
	}
	if err != nil {
		entry["error"] = schema.String(err.Error())
	}
	c.Set(nodeID, schema.Object(entry))
}

// Scope returns a point-in-time view of the context for resolution. Entries
// are replaced wholesale and never mutated in place, so a shallow copy of
// the top level is enough.
func (c *Context) Scope() schema.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := make(map[string]schema.Value, len(c.values))
	for k, v := range c.values {
		cp[k] = v
	}
	return schema.Object(cp)
}

// Resolve looks path up against the current context.
func (c *Context) Resolve(path string) (schema.Value, bool) {
	return Resolve(path, c.Scope())
}

// ResolveParams resolves a node's raw params against the current context.
func (c *Context) ResolveParams(raw map[string]schema.Value) map[string]schema.Value {
	return ResolveParams(raw, c.Scope())
}
