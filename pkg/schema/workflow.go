package schema

import "time"

// WorkflowDefinition is the JSON-serializable workflow graph. The engine
// receives a snapshot and never mutates it during a run.
type WorkflowDefinition struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	OwnerID     string             `json:"ownerId,omitempty"`
	Nodes       []ToolNode         `json:"nodes"`
	Edges       []WorkflowEdge     `json:"edges,omitempty"`
	Variables   []WorkflowVariable `json:"variables,omitempty"`
}

// ToolNode invokes one tool. Params may contain path references
// ("/form/name", "fetchPet.output.id") resolved just before invocation.
type ToolNode struct {
	ID     string           `json:"id"`
	ToolID string           `json:"toolId"`
	Params map[string]Value `json:"params,omitempty"`
}

// WorkflowEdge orders two nodes: To runs only after From completed.
type WorkflowEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// VariableType enumerates the declared types of workflow variables.
type VariableType string

const (
	VariableString  VariableType = "string"
	VariableNumber  VariableType = "number"
	VariableBoolean VariableType = "boolean"
	VariableObject  VariableType = "object"
	VariableArray   VariableType = "array"
)

// Kind maps the declared type onto the Value kind it must carry.
func (t VariableType) Kind() (Kind, bool) {
	switch t {
	case VariableString:
		return KindString, true
	case VariableNumber:
		return KindNumber, true
	case VariableBoolean:
		return KindBool, true
	case VariableObject:
		return KindObject, true
	case VariableArray:
		return KindArray, true
	}
	return KindNull, false
}

// WorkflowVariable seeds the execution context before trigger variables
// are overlaid.
type WorkflowVariable struct {
	Name         string       `json:"name"`
	Type         VariableType `json:"type"`
	DefaultValue Value        `json:"defaultValue"`
}

// NodeIDs returns node ids in declaration order.
func (d *WorkflowDefinition) NodeIDs() []string {
	ids := make([]string, len(d.Nodes))
	for i, n := range d.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// Node returns the node with the given id.
func (d *WorkflowDefinition) Node(id string) (*ToolNode, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Snapshot returns a deep copy safe to hand to a run.
func (d *WorkflowDefinition) Snapshot() *WorkflowDefinition {
	cp := *d
	cp.Nodes = make([]ToolNode, len(d.Nodes))
	for i, n := range d.Nodes {
		params := make(map[string]Value, len(n.Params))
		for k, v := range n.Params {
			params[k] = v.Clone()
		}
		cp.Nodes[i] = ToolNode{ID: n.ID, ToolID: n.ToolID, Params: params}
	}
	cp.Edges = append([]WorkflowEdge(nil), d.Edges...)
	cp.Variables = make([]WorkflowVariable, len(d.Variables))
	for i, v := range d.Variables {
		cp.Variables[i] = WorkflowVariable{Name: v.Name, Type: v.Type, DefaultValue: v.DefaultValue.Clone()}
	}
	return &cp
}

// NodeResult is the recorded outcome of one node in a run.
type NodeResult struct {
	NodeID      string           `json:"nodeId"`
	ToolID      string           `json:"toolId"`
	Status      NodeStatus       `json:"status"`
	Params      map[string]Value `json:"params,omitempty"`
	Output      *Value           `json:"output,omitempty"`
	Error       *FlowError       `json:"error,omitempty"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	DurationMs  int64            `json:"durationMs"`
}

// ExecutionResult is the terminal outcome of one run returned by the engine.
type ExecutionResult struct {
	ExecutionID string                 `json:"executionId"`
	WorkflowID  string                 `json:"workflowId"`
	Status      ExecutionStatus        `json:"status"`
	Order       []string               `json:"order,omitempty"`
	NodeResults map[string]*NodeResult `json:"nodeResults"`
	Error       *FlowError             `json:"error,omitempty"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// Success reports whether the run completed.
func (r *ExecutionResult) Success() bool {
	return r != nil && r.Status == ExecutionStatusCompleted
}
