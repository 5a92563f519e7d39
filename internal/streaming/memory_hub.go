package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// subscriberBuffer is how many undelivered events a subscriber may lag
// behind before the hub starts dropping events for it.
const subscriberBuffer = 64

// Matches reports whether e passes every non-empty field of f.
func (f EventFilter) Matches(e StreamEvent) bool {
	switch {
	case f.ExecutionID != "" && f.ExecutionID != e.ExecutionID:
		return false
	case f.WorkflowID != "" && f.WorkflowID != e.WorkflowID:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType):
		return false
	}
	return true
}

type subscription struct {
	filter EventFilter
	events chan StreamEvent
}

// MemoryHub is the in-process EventHub. Subscriptions pinned to one
// execution are indexed by its id, so the SSE endpoint's per-execution
// streams are not scanned for unrelated runs. Delivery never blocks the
// publisher: a full subscriber buffer drops the event and counts it.
type MemoryHub struct {
	mu       sync.RWMutex
	byExec   map[string]map[*subscription]struct{}
	wildcard map[*subscription]struct{}

	dropped atomic.Int64
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		byExec:   make(map[string]map[*subscription]struct{}),
		wildcard: make(map[*subscription]struct{}),
	}
}

// Publish delivers event to every matching subscriber. A zero timestamp is
// stamped with the current UTC time.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	h.deliver(h.byExec[event.ExecutionID], event)
	h.deliver(h.wildcard, event)
	return nil
}

func (h *MemoryHub) deliver(set map[*subscription]struct{}, event StreamEvent) {
	for sub := range set {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers filter and returns its event channel together with a
// release func. Release is idempotent and also happens when ctx ends. The
// channel is never closed.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{filter: filter, events: make(chan StreamEvent, subscriberBuffer)}

	h.mu.Lock()
	h.setFor(filter.ExecutionID, true)[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			set := h.setFor(filter.ExecutionID, false)
			delete(set, sub)
			if filter.ExecutionID != "" && len(set) == 0 {
				delete(h.byExec, filter.ExecutionID)
			}
		})
	}
	context.AfterFunc(ctx, release)
	return sub.events, release, nil
}

// setFor returns the subscription set for an execution id, or the wildcard
// set for "". Callers hold h.mu for writing.
func (h *MemoryHub) setFor(executionID string, create bool) map[*subscription]struct{} {
	if executionID == "" {
		return h.wildcard
	}
	set, ok := h.byExec[executionID]
	if !ok && create {
		set = make(map[*subscription]struct{})
		h.byExec[executionID] = set
	}
	return set
}

// Subscribers counts live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.wildcard)
	for _, set := range h.byExec {
		n += len(set)
	}
	return n
}

// Dropped counts events discarded because a subscriber's buffer was full.
func (h *MemoryHub) Dropped() int64 { return h.dropped.Load() }

var _ EventHub = (*MemoryHub)(nil)
