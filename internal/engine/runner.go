package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/toolflow/internal/logging"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/pkg/schema"
)

// Runner is the trigger boundary around the Engine. It owns the execution
// record: created pending, moved through the run machine, node results
// persisted as they finish, and the terminal state written exactly once.
// Nothing that goes wrong inside a run escapes Run as a panic.
type Runner struct {
	engine *Engine
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner wires an Engine to the record store. A nil hub disables live
// streaming.
func NewRunner(engine *Engine, st store.Store, hub streaming.EventHub, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		engine: engine,
		store:  st,
		hub:    hub,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run executes def for trigger and returns the terminal record. The error
// is non-nil only when no record could be created at all; a failed workflow
// is reported through the record's status.
func (r *Runner) Run(ctx context.Context, def *schema.WorkflowDefinition, trigger schema.Trigger) (*store.ExecutionRecord, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if trigger == nil {
		trigger = schema.ManualTrigger{}
	}

	rec := &store.ExecutionRecord{
		ID:          uuid.NewString(),
		WorkflowID:  def.ID,
		Status:      schema.ExecutionStatusPending,
		TriggeredBy: trigger.Type(),
		StartedAt:   r.now(),
		NodeResults: map[string]*schema.NodeResult{},
		Metadata:    schema.TriggerMetadata(trigger),
	}
	// Record writes must land even when the caller gives up on the run.
	persistCtx := logging.WithRun(context.WithoutCancel(ctx), rec.ID, def.ID, string(trigger.Type()))
	if err := r.store.CreateExecution(persistCtx, rec); err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	r.publish(persistCtx, rec, "", schema.EventExecutionCreated, map[string]any{"trigger": string(trigger.Type())})

	machine := NewRunMachine(rec.ID, r.store)
	r.execute(ctx, persistCtx, machine, rec, def, trigger)
	return rec, nil
}

func (r *Runner) execute(ctx, persistCtx context.Context, machine *RunMachine, rec *store.ExecutionRecord, def *schema.WorkflowDefinition, trigger schema.Trigger) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(persistCtx, "run panicked", slog.Any("panic", p))
			r.finalize(persistCtx, machine, rec, &schema.ExecutionResult{
				Status: schema.ExecutionStatusFailed,
				Error:  schema.NewErrorf(schema.ErrCodePanic, "run panicked: %v", p),
			})
		}
	}()

	if err := r.transition(persistCtx, machine, rec, schema.ExecutionStatusRunning, nil); err != nil {
		r.logger.WarnContext(persistCtx, "failed to mark run as running", slog.String("error", err.Error()))
	} else {
		started := r.now()
		rec.StartedAt = started
		if err := r.store.UpdateExecution(persistCtx, rec.ID, store.ExecutionUpdate{StartedAt: &started}); err != nil {
			r.logger.WarnContext(persistCtx, "failed to persist start time", slog.String("error", err.Error()))
		}
	}

	obs := &recordObserver{runner: r, rec: rec, persistCtx: persistCtx}
	res := r.engine.Execute(ctx, def, trigger, Options{ExecutionID: rec.ID, Observer: obs})
	r.finalize(persistCtx, machine, rec, res)
}

// finalize moves the record to its terminal status and writes the outcome.
func (r *Runner) finalize(ctx context.Context, machine *RunMachine, rec *store.ExecutionRecord, res *schema.ExecutionResult) {
	if machine.State().Terminal() {
		return
	}
	status := res.Status
	if status != schema.ExecutionStatusCompleted {
		status = schema.ExecutionStatusFailed
	}

	completed := r.now()
	if res.CompletedAt != nil {
		completed = *res.CompletedAt
	}
	for id, nr := range res.NodeResults {
		rec.NodeResults[id] = nr
	}
	rec.Status = status
	rec.CompletedAt = &completed
	rec.Error = res.Error

	payload := map[string]any{"status": string(status)}
	if res.Error != nil {
		payload["error"] = res.Error
	}
	if err := r.transition(ctx, machine, rec, status, payload); err != nil {
		r.logger.WarnContext(ctx, "run transition failed", slog.String("error", err.Error()))
	}

	update := store.ExecutionUpdate{Status: &status, CompletedAt: &completed, Error: res.Error}
	if err := r.store.UpdateExecution(ctx, rec.ID, update); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist terminal record", slog.String("error", err.Error()))
	}
}

// transition fires the run machine, persists the status and publishes it.
// Event-log failures are logged; the status change still stands.
func (r *Runner) transition(ctx context.Context, machine *RunMachine, rec *store.ExecutionRecord, to schema.ExecutionStatus, payload map[string]any) error {
	if err := machine.Transition(ctx, to, payload); err != nil {
		if schema.ErrorCode(err) == schema.ErrCodeInvalidTransition {
			return err
		}
		r.logger.WarnContext(ctx, "failed to append transition event", slog.String("error", err.Error()))
	}
	rec.Status = to
	if !to.Terminal() {
		if err := r.store.UpdateExecution(ctx, rec.ID, store.ExecutionUpdate{Status: &to}); err != nil {
			return err
		}
	}
	r.publish(ctx, rec, "", transitionEvents[to], payload)
	return nil
}

func (r *Runner) publish(ctx context.Context, rec *store.ExecutionRecord, nodeID, eventType string, payload any) {
	if r.hub == nil {
		return
	}
	if err := r.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: rec.ID,
		WorkflowID:  rec.WorkflowID,
		NodeID:      nodeID,
		EventType:   eventType,
		Payload:     payload,
		Timestamp:   r.now(),
	}); err != nil {
		r.logger.DebugContext(ctx, "stream publish failed", slog.String("error", err.Error()))
	}
}

// recordObserver persists node results as the engine reports them.
type recordObserver struct {
	runner     *Runner
	rec        *store.ExecutionRecord
	persistCtx context.Context
}

func (o *recordObserver) NodeStarted(_ context.Context, nr *schema.NodeResult) {
	o.persist(nr, schema.EventNodeStarted)
}

func (o *recordObserver) NodeFinished(_ context.Context, nr *schema.NodeResult) {
	var eventType string
	switch nr.Status {
	case schema.NodeStatusCompleted:
		eventType = schema.EventNodeCompleted
	case schema.NodeStatusSkipped:
		eventType = schema.EventNodeSkipped
	default:
		eventType = schema.EventNodeFailed
	}
	o.persist(nr, eventType)
}

func (o *recordObserver) persist(nr *schema.NodeResult, eventType string) {
	r := o.runner
	ctx := logging.WithNodeID(o.persistCtx, nr.NodeID)

	if err := r.store.UpsertNodeResult(ctx, o.rec.ID, nr); err != nil {
		r.logger.WarnContext(ctx, "failed to persist node result", slog.String("error", err.Error()))
	}

	payload, err := json.Marshal(nodeEventPayload(nr))
	if err != nil {
		payload = nil
	}
	if err := r.store.AppendEvent(ctx, &store.ExecutionEvent{
		ExecutionID: o.rec.ID,
		NodeID:      nr.NodeID,
		Type:        eventType,
		Payload:     payload,
	}); err != nil {
		r.logger.WarnContext(ctx, "failed to append node event", slog.String("error", err.Error()))
	}
	r.publish(ctx, o.rec, nr.NodeID, eventType, nodeEventPayload(nr))
}

func nodeEventPayload(nr *schema.NodeResult) map[string]any {
	p := map[string]any{
		"toolId": nr.ToolID,
		"status": string(nr.Status),
	}
	if nr.DurationMs > 0 {
		p["durationMs"] = nr.DurationMs
	}
	if nr.Error != nil {
		p["error"] = nr.Error
	}
	return p
}

// RunFailure records a run that could not start, for example because the
// workflow was disabled after a trigger fired. The record goes straight from
// pending to failed.
func (r *Runner) RunFailure(ctx context.Context, workflowID string, trigger schema.Trigger, cause error) (*store.ExecutionRecord, error) {
	if trigger == nil {
		trigger = schema.ManualTrigger{}
	}
	rec := &store.ExecutionRecord{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Status:      schema.ExecutionStatusPending,
		TriggeredBy: trigger.Type(),
		StartedAt:   r.now(),
		NodeResults: map[string]*schema.NodeResult{},
		Metadata:    schema.TriggerMetadata(trigger),
	}
	persistCtx := logging.WithRun(context.WithoutCancel(ctx), rec.ID, workflowID, string(trigger.Type()))
	if err := r.store.CreateExecution(persistCtx, rec); err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	fe := schema.AsFlowError(cause, schema.ErrCodeNodeFailed)
	if fe == nil {
		fe = schema.NewError(schema.ErrCodeNodeFailed, fmt.Sprintf("run of workflow %s could not start", workflowID))
	}
	r.finalize(persistCtx, NewRunMachine(rec.ID, r.store), rec, &schema.ExecutionResult{
		Status: schema.ExecutionStatusFailed,
		Error:  fe,
	})
	return rec, nil
}
