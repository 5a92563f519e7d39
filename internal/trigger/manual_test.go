package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolflow/pkg/schema"
)

func TestRunManual(t *testing.T) {
	st := newMemStore(t)
	runner := &mockRunner{}
	addWorkflow(t, st, "wf-on", true)
	addWorkflow(t, st, "wf-off", false)
	d := NewDispatcher(st, runner)

	rec, err := d.RunManual(context.Background(), "wf-on", map[string]schema.Value{"id": schema.String("pet-1")}, "cli")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, rec.Status)

	calls := runner.runs()
	require.Len(t, calls, 1)
	trig := calls[0].Trigger.(schema.ManualTrigger)
	assert.Equal(t, "cli", trig.RequestedBy)
	assert.Equal(t, "pet-1", trig.Vars["id"].AsString())

	_, err = d.RunManual(context.Background(), "wf-off", nil, "")
	assert.Equal(t, schema.ErrCodeDisabled, schema.ErrorCode(err))

	_, err = d.RunManual(context.Background(), "wf-missing", nil, "")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
	assert.Len(t, runner.runs(), 1)
}
