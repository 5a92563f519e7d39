package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// runMetrics holds the engine instruments. Any instrument may be nil when
// the meter provider refuses to create it; record helpers tolerate that.
type runMetrics struct {
	runs         metric.Int64Counter
	runDuration  metric.Float64Histogram
	nodes        metric.Int64Counter
	nodeDuration metric.Float64Histogram
}

func setupRunMetrics() *runMetrics {
	meter := otel.GetMeterProvider().Meter("toolflow/engine")
	m := &runMetrics{}
	if meter == nil {
		return m
	}
	if c, err := meter.Int64Counter(
		"toolflow_engine_runs_total",
		metric.WithDescription("Count of finished workflow runs by status"),
	); err == nil {
		m.runs = c
	}
	if h, err := meter.Float64Histogram(
		"toolflow_engine_run_duration_seconds",
		metric.WithDescription("Duration of workflow runs"),
		metric.WithUnit("s"),
	); err == nil {
		m.runDuration = h
	}
	if c, err := meter.Int64Counter(
		"toolflow_engine_nodes_total",
		metric.WithDescription("Count of finished nodes by tool and status"),
	); err == nil {
		m.nodes = c
	}
	if h, err := meter.Float64Histogram(
		"toolflow_engine_node_duration_seconds",
		metric.WithDescription("Duration of single tool invocations"),
		metric.WithUnit("s"),
	); err == nil {
		m.nodeDuration = h
	}
	return m
}

func (m *runMetrics) recordRun(ctx context.Context, workflowID, status string, started time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("status", status),
	)
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.runDuration != nil {
		m.runDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	}
}

func (m *runMetrics) recordNode(ctx context.Context, toolID, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool_id", toolID),
		attribute.String("status", status),
	)
	if m.nodes != nil {
		m.nodes.Add(ctx, 1, attrs)
	}
	if m.nodeDuration != nil && d > 0 {
		m.nodeDuration.Record(ctx, d.Seconds(), attrs)
	}
}
