// Package streaming fans execution events out to live subscribers such as
// the SSE endpoint.
package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted while a run is in flight.
type StreamEvent struct {
	ExecutionID string    `json:"executionId"`
	WorkflowID  string    `json:"workflowId"`
	NodeID      string    `json:"nodeId,omitempty"`
	EventType   string    `json:"eventType"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive. Empty
// fields match everything.
type EventFilter struct {
	ExecutionID string   `json:"executionId,omitempty"`
	WorkflowID  string   `json:"workflowId,omitempty"`
	EventTypes  []string `json:"eventTypes,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
