package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolflow/pkg/schema"
)

func next(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		require.FailNow(t, "no event within 1s")
	}
	return StreamEvent{}
}

func quiet(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(40 * time.Millisecond):
	}
}

func subscribe(t *testing.T, hub *MemoryHub, f EventFilter) <-chan StreamEvent {
	t.Helper()
	ch, release, err := hub.Subscribe(context.Background(), f)
	require.NoError(t, err)
	t.Cleanup(release)
	return ch
}

func TestEventFilterMatches(t *testing.T) {
	evt := StreamEvent{ExecutionID: "exec-1", WorkflowID: "wf-1", EventType: schema.EventNodeCompleted}
	cases := []struct {
		name   string
		filter EventFilter
		want   bool
	}{
		{"empty", EventFilter{}, true},
		{"execution hit", EventFilter{ExecutionID: "exec-1"}, true},
		{"execution miss", EventFilter{ExecutionID: "exec-2"}, false},
		{"workflow miss", EventFilter{WorkflowID: "wf-2"}, false},
		{"type hit", EventFilter{EventTypes: []string{schema.EventNodeStarted, schema.EventNodeCompleted}}, true},
		{"type miss", EventFilter{EventTypes: []string{schema.EventNodeStarted}}, false},
		{"all fields", EventFilter{ExecutionID: "exec-1", WorkflowID: "wf-1", EventTypes: []string{schema.EventNodeCompleted}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(evt))
		})
	}
}

func TestMemoryHubDeliversAndStamps(t *testing.T) {
	hub := NewMemoryHub()
	ch := subscribe(t, hub, EventFilter{})

	require.NoError(t, hub.Publish(context.Background(), StreamEvent{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-pets",
		NodeID:      "fetchPet",
		EventType:   schema.EventNodeCompleted,
		Payload:     map[string]any{"status": 200},
	}))

	got := next(t, ch)
	assert.Equal(t, "fetchPet", got.NodeID)
	assert.Equal(t, schema.EventNodeCompleted, got.EventType)
	assert.Equal(t, map[string]any{"status": 200}, got.Payload)
	assert.WithinDuration(t, time.Now(), got.Timestamp, time.Second)
}

func TestMemoryHubExecutionIndex(t *testing.T) {
	hub := NewMemoryHub()
	pinned := subscribe(t, hub, EventFilter{ExecutionID: "exec-1"})
	byWorkflow := subscribe(t, hub, EventFilter{WorkflowID: "wf-b"})
	everything := subscribe(t, hub, EventFilter{})

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", WorkflowID: "wf-a", EventType: schema.EventExecutionStarted}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-2", WorkflowID: "wf-b", EventType: schema.EventExecutionStarted}))

	assert.Equal(t, "exec-1", next(t, pinned).ExecutionID)
	quiet(t, pinned)

	assert.Equal(t, "exec-2", next(t, byWorkflow).ExecutionID)
	quiet(t, byWorkflow)

	assert.Equal(t, "exec-1", next(t, everything).ExecutionID)
	assert.Equal(t, "exec-2", next(t, everything).ExecutionID)
}

func TestMemoryHubReleaseIsIdempotent(t *testing.T) {
	hub := NewMemoryHub()
	ch, release, err := hub.Subscribe(context.Background(), EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Equal(t, 1, hub.Subscribers())

	release()
	release()
	assert.Equal(t, 0, hub.Subscribers())
	assert.Empty(t, hub.byExec)

	require.NoError(t, hub.Publish(context.Background(), StreamEvent{ExecutionID: "exec-1", EventType: "tick"}))
	quiet(t, ch)
}

func TestMemoryHubReleasesOnContextEnd(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	_, release, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer release()

	cancel()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryHubDropsWhenSubscriberLags(t *testing.T) {
	hub := NewMemoryHub()
	ch := subscribe(t, hub, EventFilter{})

	const extra = 7
	for range subscriberBuffer + extra {
		require.NoError(t, hub.Publish(context.Background(), StreamEvent{EventType: "tick"}))
	}

	assert.Len(t, ch, subscriberBuffer)
	assert.Equal(t, int64(extra), hub.Dropped())
}

func TestMemoryHubRejectsEndedContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{EventType: "tick"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryHubConcurrentChurn(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 40 {
				_ = hub.Publish(ctx, StreamEvent{ExecutionID: "exec-shared", EventType: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			f := EventFilter{}
			if i%2 == 0 {
				f.ExecutionID = "exec-shared"
			}
			ch, release, err := hub.Subscribe(ctx, f)
			if err != nil {
				return
			}
			defer release()
			for range 3 {
				select {
				case <-ch:
				case <-time.After(5 * time.Millisecond):
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}
