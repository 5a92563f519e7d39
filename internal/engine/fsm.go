package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/pkg/schema"
)

// EventAppender is satisfied by the Store; the run machine records one event
// per transition through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.ExecutionEvent) error
}

type runTrigger string

const (
	triggerStart    runTrigger = "start"
	triggerComplete runTrigger = "complete"
	triggerFail     runTrigger = "fail"
)

var transitionEvents = map[schema.ExecutionStatus]string{
	schema.ExecutionStatusRunning:   schema.EventExecutionStarted,
	schema.ExecutionStatusCompleted: schema.EventExecutionCompleted,
	schema.ExecutionStatusFailed:    schema.EventExecutionFailed,
}

// RunMachine is the lifecycle of one execution record:
//
//	pending -> running -> completed | failed
//	pending -> failed   (run aborted before any node started)
//
// Terminal states accept no triggers.
type RunMachine struct {
	mu          sync.Mutex
	executionID string
	sm          *stateless.StateMachine
	appender    EventAppender
}

// NewRunMachine creates a machine in the pending state. A nil appender
// disables event emission.
func NewRunMachine(executionID string, appender EventAppender) *RunMachine {
	return newRunMachineAt(executionID, schema.ExecutionStatusPending, appender)
}

func newRunMachineAt(executionID string, initial schema.ExecutionStatus, appender EventAppender) *RunMachine {
	sm := stateless.NewStateMachine(initial)

	sm.Configure(schema.ExecutionStatusPending).
		Permit(triggerStart, schema.ExecutionStatusRunning).
		Permit(triggerFail, schema.ExecutionStatusFailed)

	sm.Configure(schema.ExecutionStatusRunning).
		Permit(triggerComplete, schema.ExecutionStatusCompleted).
		Permit(triggerFail, schema.ExecutionStatusFailed)

	sm.Configure(schema.ExecutionStatusCompleted)
	sm.Configure(schema.ExecutionStatusFailed)

	return &RunMachine{executionID: executionID, sm: sm, appender: appender}
}

// State returns the current status.
func (m *RunMachine) State() schema.ExecutionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sm.MustState().(schema.ExecutionStatus)
}

// Transition moves the machine to status to and appends the matching
// execution event. Illegal moves fail with INVALID_TRANSITION and leave the
// state untouched. The caller persists the new status.
func (m *RunMachine) Transition(ctx context.Context, to schema.ExecutionStatus, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.sm.MustState().(schema.ExecutionStatus)
	trig, ok := triggerFor(to)
	if ok {
		ok, _ = m.sm.CanFireCtx(ctx, trig)
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": m.executionID, "from": string(from), "to": string(to)})
	}
	if err := m.sm.FireCtx(ctx, trig); err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).WithCause(err)
	}

	if m.appender == nil {
		return nil
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return schema.NewError(schema.ErrCodeStore, "failed to encode transition payload").WithCause(err)
		}
		raw = data
	}
	if err := m.appender.AppendEvent(ctx, &store.ExecutionEvent{
		ExecutionID: m.executionID,
		Type:        transitionEvents[to],
		Payload:     raw,
	}); err != nil {
		return schema.AsFlowError(err, schema.ErrCodeStore)
	}
	return nil
}

func triggerFor(to schema.ExecutionStatus) (runTrigger, bool) {
	switch to {
	case schema.ExecutionStatusRunning:
		return triggerStart, true
	case schema.ExecutionStatusCompleted:
		return triggerComplete, true
	case schema.ExecutionStatusFailed:
		return triggerFail, true
	}
	return "", false
}
