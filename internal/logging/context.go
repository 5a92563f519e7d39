// Package logging carries run correlation ids on the context and lifts them
// into every slog record.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Correlation identifies the run, and optionally the node, a log line
// belongs to.
type Correlation struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	Trigger     string
}

// attrs returns the non-empty fields as slog attributes.
func (c Correlation) attrs() []slog.Attr {
	out := make([]slog.Attr, 0, 4)
	for _, kv := range [...][2]string{
		{"execution_id", c.ExecutionID},
		{"workflow_id", c.WorkflowID},
		{"node_id", c.NodeID},
		{"trigger", c.Trigger},
	} {
		if kv[1] != "" {
			out = append(out, slog.String(kv[0], kv[1]))
		}
	}
	return out
}

type correlationKey struct{}

// From returns the correlation stored on ctx; missing fields are "".
func From(ctx context.Context) Correlation {
	c, _ := ctx.Value(correlationKey{}).(Correlation)
	return c
}

func update(ctx context.Context, set func(*Correlation)) context.Context {
	c := From(ctx)
	set(&c)
	return context.WithValue(ctx, correlationKey{}, c)
}

// WithRun starts a run scope. Trigger is cron, webhook or manual.
func WithRun(ctx context.Context, executionID, workflowID, trigger string) context.Context {
	return update(ctx, func(c *Correlation) {
		*c = Correlation{ExecutionID: executionID, WorkflowID: workflowID, Trigger: trigger}
	})
}

func WithWorkflowID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *Correlation) { c.WorkflowID = id })
}

func WithNodeID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *Correlation) { c.NodeID = id })
}

// LogWith binds the correlation on ctx to logger, for code that logs
// without passing a context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := From(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the context's correlation to each record before
// handing it to the wrapped handler.
type CorrelationHandler struct {
	next slog.Handler
}

func NewCorrelationHandler(next slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{next: next}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(From(ctx).attrs()...)
	return h.next.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewCorrelationHandler(h.next.WithAttrs(attrs))
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return NewCorrelationHandler(h.next.WithGroup(name))
}

// ParseLevel accepts debug, info, warn(ing) and error in any case. Anything
// else is info.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	name := strings.TrimSpace(s)
	if strings.EqualFold(name, "warning") {
		name = "warn"
	}
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// New returns a correlation-aware logger writing JSON or logfmt-style text
// to w.
func New(w io.Writer, level string, jsonFormat bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if jsonFormat {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(h))
}
