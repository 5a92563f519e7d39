package trigger

import (
	"context"

	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/pkg/schema"
)

// Dispatcher runs stored workflows on direct request from the API, CLI or
// MCP server.
type Dispatcher struct {
	store  store.Store
	runner WorkflowRunner
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st store.Store, runner WorkflowRunner) *Dispatcher {
	return &Dispatcher{store: st, runner: runner}
}

// RunManual runs workflowID with vars overlaid on its defaults. A missing
// workflow is NOT_FOUND and a disabled one is DISABLED; neither creates a
// record. A run that fails is returned as a failed record, not an error.
func (d *Dispatcher) RunManual(ctx context.Context, workflowID string, vars map[string]schema.Value, requestedBy string) (*store.ExecutionRecord, error) {
	wf, err := d.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	if !wf.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeDisabled, "workflow %s is disabled", workflowID)
	}
	return d.runner.Run(ctx, &wf.WorkflowDefinition, schema.ManualTrigger{Vars: vars, RequestedBy: requestedBy})
}
