// Package engine drives workflow runs: it orders nodes, resolves their
// params against the run context, invokes tools and aggregates the outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/toolflow/internal/expressions"
	"github.com/rendis/toolflow/internal/graph"
	"github.com/rendis/toolflow/internal/logging"
	"github.com/rendis/toolflow/internal/tools"
	"github.com/rendis/toolflow/pkg/schema"
)

const (
	DefaultPoolSize    = 8
	DefaultNodeTimeout = 30 * time.Second

	// bodyPathsParam is a reserved node param: an object of body key → path
	// resolved into the "body" param before the tool is called.
	bodyPathsParam = "bodyPaths"
)

// Config tunes an Engine.
type Config struct {
	// PoolSize bounds concurrent node invocations across all runs.
	PoolSize int
	// NodeTimeout bounds a single tool invocation. Zero means no limit.
	NodeTimeout time.Duration
}

// DefinitionValidator rejects definitions before any node runs.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// Observer receives node lifecycle callbacks while a run is in flight.
// Callbacks for nodes of the same level may arrive concurrently.
type Observer interface {
	NodeStarted(ctx context.Context, result *schema.NodeResult)
	NodeFinished(ctx context.Context, result *schema.NodeResult)
}

// Options are per-run settings.
type Options struct {
	// ExecutionID labels the result. A fresh UUID is used when empty.
	ExecutionID string
	Observer    Observer
}

// Engine executes workflow definitions. It holds no per-run state, so one
// Engine serves any number of concurrent runs.
type Engine struct {
	tools       tools.Executor
	validator   DefinitionValidator
	pool        *WorkerPool
	nodeTimeout time.Duration
	logger      *slog.Logger
	metrics     *runMetrics
	now         func() time.Time
}

// New creates an Engine. A nil validator only checks the graph shape.
func New(executor tools.Executor, validator DefinitionValidator, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		tools:       executor,
		validator:   validator,
		pool:        NewWorkerPool(cfg.PoolSize),
		nodeTimeout: cfg.NodeTimeout,
		logger:      logger,
		metrics:     setupRunMetrics(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Close stops accepting node work and waits for in-flight invocations.
func (e *Engine) Close() {
	e.pool.Shutdown()
}

// PoolMetrics exposes the worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Execute runs def once for trigger and returns its terminal result. It
// never panics and never returns nil. An invalid definition fails before
// any node is attempted. A failed node skips its dependents while
// independent branches keep running.
func (e *Engine) Execute(ctx context.Context, def *schema.WorkflowDefinition, trigger schema.Trigger, opts Options) *schema.ExecutionResult {
	if trigger == nil {
		trigger = schema.ManualTrigger{}
	}
	res := &schema.ExecutionResult{
		ExecutionID: opts.ExecutionID,
		Status:      schema.ExecutionStatusRunning,
		NodeResults: map[string]*schema.NodeResult{},
		StartedAt:   e.now(),
	}
	if res.ExecutionID == "" {
		res.ExecutionID = uuid.NewString()
	}
	if def != nil {
		res.WorkflowID = def.ID
	}
	ctx = logging.WithRun(ctx, res.ExecutionID, res.WorkflowID, string(trigger.Type()))

	g, err := e.prepare(def)
	if err != nil {
		e.logger.WarnContext(ctx, "workflow rejected before execution", slog.String("error", err.Error()))
		return e.finish(ctx, res, schema.AsFlowError(err, schema.ErrCodeValidation))
	}

	def = def.Snapshot()
	res.Order = append([]string(nil), g.Order...)

	r := &run{
		engine:   e,
		def:      def,
		graph:    g,
		vars:     expressions.NewContext(def.Variables, trigger.Variables()),
		observer: opts.Observer,
		results:  res.NodeResults,
	}

	e.logger.InfoContext(ctx, "run started", slog.Int("nodes", len(def.Nodes)))
	for _, wave := range planWaves(def, g) {
		r.runWave(ctx, wave)
	}

	return e.finish(ctx, res, r.summarize())
}

func (e *Engine) prepare(def *schema.WorkflowDefinition) (*graph.Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if e.validator != nil {
		if err := e.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}
	return graph.ParseDefinition(def)
}

func (e *Engine) finish(ctx context.Context, res *schema.ExecutionResult, runErr *schema.FlowError) *schema.ExecutionResult {
	completed := e.now()
	res.CompletedAt = &completed
	res.Error = runErr
	if runErr != nil {
		res.Status = schema.ExecutionStatusFailed
	} else {
		res.Status = schema.ExecutionStatusCompleted
	}
	e.metrics.recordRun(ctx, res.WorkflowID, string(res.Status), res.StartedAt)
	e.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(res.Status)),
		slog.Int64("duration_ms", completed.Sub(res.StartedAt).Milliseconds()))
	return res
}

// run is the mutable state of one Execute call.
type run struct {
	engine   *Engine
	def      *schema.WorkflowDefinition
	graph    *graph.Graph
	vars     *expressions.Context
	observer Observer

	mu      sync.Mutex
	results map[string]*schema.NodeResult
}

// runWave executes every node of one wave against a single scope snapshot.
// Nodes with a failed or skipped dependency are recorded as skipped without
// calling their tool.
func (r *run) runWave(ctx context.Context, wave []string) {
	scope := r.vars.Scope()
	runnable := make([]string, 0, len(wave))
	for _, id := range wave {
		if upstream, blocked := r.blockedBy(id); blocked {
			r.skip(ctx, id, upstream)
			continue
		}
		runnable = append(runnable, id)
	}
	if len(runnable) == 0 {
		return
	}

	rejected := r.engine.pool.RunBatch(ctx, runnable, func(ctx context.Context, id string) error {
		return r.runNode(ctx, id, scope)
	})
	// Nodes the pool refused (cancelled run, engine shut down) still need
	// a recorded outcome.
	for _, id := range runnable {
		if err, ok := rejected[id]; ok {
			r.failUnstarted(ctx, id, err)
		}
	}
}

func (r *run) blockedBy(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dep := range r.graph.Deps[id] {
		nr, ok := r.results[dep]
		if !ok || nr.Status != schema.NodeStatusCompleted {
			return dep, true
		}
	}
	return "", false
}

func (r *run) skip(ctx context.Context, id, upstream string) {
	node, _ := r.def.Node(id)
	now := r.engine.now()
	fe := schema.NewErrorf(schema.ErrCodeUpstreamFailed, "skipped because upstream node %s did not complete", upstream).
		WithNode(id).
		WithDetails(map[string]any{"upstream": upstream})
	nr := &schema.NodeResult{
		NodeID:      id,
		ToolID:      node.ToolID,
		Status:      schema.NodeStatusSkipped,
		Error:       fe,
		CompletedAt: &now,
	}
	r.vars.SetNodeResult(id, schema.NodeStatusSkipped, schema.Null(), fe)
	r.record(logging.WithNodeID(ctx, id), nr)
	r.engine.logger.InfoContext(logging.WithNodeID(ctx, id), "node skipped", slog.String("upstream", upstream))
}

func (r *run) failUnstarted(ctx context.Context, id string, cause error) {
	node, _ := r.def.Node(id)
	now := r.engine.now()
	fe := invocationError(cause).WithNode(id)
	nr := &schema.NodeResult{
		NodeID:      id,
		ToolID:      node.ToolID,
		Status:      schema.NodeStatusFailed,
		Error:       fe,
		CompletedAt: &now,
	}
	r.vars.SetNodeResult(id, schema.NodeStatusFailed, schema.Null(), fe)
	r.record(logging.WithNodeID(ctx, id), nr)
}

// runNode resolves params, invokes the tool once and records the outcome.
// The returned error only feeds the pool counters.
func (r *run) runNode(ctx context.Context, id string, scope schema.Value) error {
	node, _ := r.def.Node(id)
	ctx = logging.WithNodeID(ctx, id)
	e := r.engine
	if err := ctx.Err(); err != nil {
		r.failUnstarted(ctx, id, err)
		return err
	}

	started := e.now()
	params := resolveNodeParams(node.Params, scope)
	nr := &schema.NodeResult{
		NodeID:    id,
		ToolID:    node.ToolID,
		Status:    schema.NodeStatusRunning,
		Params:    params,
		StartedAt: &started,
	}
	if r.observer != nil {
		cp := *nr
		r.observer.NodeStarted(ctx, &cp)
	}
	e.logger.DebugContext(ctx, "node started", slog.String("tool_id", node.ToolID))

	out, err := e.invoke(ctx, node.ToolID, params)

	completed := e.now()
	nr.CompletedAt = &completed
	nr.DurationMs = completed.Sub(started).Milliseconds()
	if err != nil {
		fe := *schema.AsFlowError(err, schema.ErrCodeNodeFailed)
		fe.NodeID = id
		nr.Status = schema.NodeStatusFailed
		nr.Error = &fe
		r.vars.SetNodeResult(id, schema.NodeStatusFailed, schema.Null(), &fe)
		e.logger.WarnContext(ctx, "node failed",
			slog.String("tool_id", node.ToolID),
			slog.String("code", fe.Code),
			slog.String("error", fe.Message))
	} else {
		nr.Status = schema.NodeStatusCompleted
		nr.Output = &out
		r.vars.SetNodeResult(id, schema.NodeStatusCompleted, out, nil)
		e.logger.InfoContext(ctx, "node completed",
			slog.String("tool_id", node.ToolID),
			slog.Int64("duration_ms", nr.DurationMs))
	}
	e.metrics.recordNode(ctx, node.ToolID, string(nr.Status), completed.Sub(started))
	r.record(ctx, nr)

	if nr.Error != nil {
		return nr.Error
	}
	return nil
}

func (r *run) record(ctx context.Context, nr *schema.NodeResult) {
	r.mu.Lock()
	r.results[nr.NodeID] = nr
	r.mu.Unlock()
	if r.observer != nil {
		cp := *nr
		r.observer.NodeFinished(ctx, &cp)
	}
}

// summarize returns nil when every node completed, else a NODE_FAILED
// error listing the failed and skipped nodes in execution order.
func (r *run) summarize() *schema.FlowError {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed, skipped []string
	for _, id := range r.graph.Order {
		nr, ok := r.results[id]
		switch {
		case !ok, nr.Status == schema.NodeStatusFailed:
			failed = append(failed, id)
		case nr.Status == schema.NodeStatusSkipped:
			skipped = append(skipped, id)
		}
	}
	if len(failed) == 0 && len(skipped) == 0 {
		return nil
	}

	msg := fmt.Sprintf("%d of %d nodes failed: %s", len(failed), len(r.graph.Order), strings.Join(failed, ", "))
	if len(failed) == 1 {
		if nr, ok := r.results[failed[0]]; ok && nr.Error != nil {
			msg = fmt.Sprintf("node %s failed: %s", failed[0], nr.Error.Message)
		}
	}
	details := map[string]any{"failedNodes": failed}
	if len(skipped) > 0 {
		details["skippedNodes"] = skipped
	}
	return schema.NewError(schema.ErrCodeNodeFailed, msg).WithDetails(details)
}

// invoke calls the tool once, bounded by the node timeout. A panicking tool
// becomes an EXECUTION_PANIC error.
func (e *Engine) invoke(ctx context.Context, toolID string, params map[string]schema.Value) (schema.Value, error) {
	callCtx := ctx
	cancel := func() {}
	if e.nodeTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.nodeTimeout)
	}
	defer cancel()

	type outcome struct {
		out schema.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: schema.NewErrorf(schema.ErrCodePanic, "tool %s panicked: %v", toolID, rec)}
			}
		}()
		out, err := e.tools.Execute(callCtx, toolID, params)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && callCtx.Err() != nil {
			return schema.Value{}, invocationError(callCtx.Err()).WithCause(o.err)
		}
		return o.out, o.err
	case <-callCtx.Done():
		return schema.Value{}, invocationError(callCtx.Err())
	}
}

// invocationError maps a context or pool error onto a node failure.
func invocationError(err error) *schema.FlowError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewError(schema.ErrCodeTimeout, "node timed out").WithCause(err)
	case errors.Is(err, context.Canceled):
		return schema.NewError(schema.ErrCodeNodeFailed, "run cancelled before node finished").WithCause(err)
	case errors.Is(err, ErrPoolShutdown):
		return schema.NewError(schema.ErrCodeNodeFailed, "engine is shutting down").WithCause(err)
	}
	return schema.AsFlowError(err, schema.ErrCodeNodeFailed)
}

// resolveNodeParams resolves raw params against scope. A bodyPaths object is
// resolved separately and merged into the "body" param.
func resolveNodeParams(raw map[string]schema.Value, scope schema.Value) map[string]schema.Value {
	bodyPaths, hasPaths := raw[bodyPathsParam]
	if hasPaths {
		rest := make(map[string]schema.Value, len(raw)-1)
		for k, v := range raw {
			if k != bodyPathsParam {
				rest[k] = v
			}
		}
		raw = rest
	}

	params := expressions.ResolveParams(raw, scope)
	if !hasPaths || bodyPaths.Kind() != schema.KindObject {
		return params
	}

	paths := make(map[string]string, len(bodyPaths.Fields()))
	for key, p := range bodyPaths.Fields() {
		if s, ok := p.Str(); ok && s != "" {
			paths[key] = s
		}
	}
	body := expressions.ResolveBodyPaths(paths, scope)
	if existing, ok := params["body"]; ok && existing.Kind() == schema.KindObject {
		body = mergeObjects(existing.Fields(), body)
	}
	params["body"] = schema.Object(body)
	return params
}

// mergeObjects deep-merges src over dst into a new map.
func mergeObjects(dst, src map[string]schema.Value) map[string]schema.Value {
	out := make(map[string]schema.Value, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if cur, ok := out[k]; ok && cur.Kind() == schema.KindObject && v.Kind() == schema.KindObject {
			out[k] = schema.Object(mergeObjects(cur.Fields(), v.Fields()))
			continue
		}
		out[k] = v
	}
	return out
}
