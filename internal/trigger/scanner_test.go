package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/pkg/schema"
)

// mockRunner records runs and answers with a canned record.
type mockRunner struct {
	mu       sync.Mutex
	calls    []runCall
	status   schema.ExecutionStatus
	err      error
	panicFor string
	delay    time.Duration
}

type runCall struct {
	WorkflowID string
	Trigger    schema.Trigger
}

func (r *mockRunner) Run(_ context.Context, def *schema.WorkflowDefinition, trigger schema.Trigger) (*store.ExecutionRecord, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	r.calls = append(r.calls, runCall{WorkflowID: def.ID, Trigger: trigger})
	status, err, panicFor := r.status, r.err, r.panicFor
	r.mu.Unlock()

	if panicFor == def.ID {
		panic("tool exploded")
	}
	if err != nil {
		return nil, err
	}
	if status == "" {
		status = schema.ExecutionStatusCompleted
	}
	rec := &store.ExecutionRecord{ID: uuid.NewString(), WorkflowID: def.ID, Status: status}
	if status == schema.ExecutionStatusFailed {
		rec.Error = schema.NewError(schema.ErrCodeNodeFailed, "node a failed: boom")
	}
	return rec, nil
}

func (r *mockRunner) runs() []runCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runCall(nil), r.calls...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemStore(t *testing.T) *store.MemStore {
	t.Helper()
	st, err := store.NewMemStore()
	require.NoError(t, err)
	return st
}

func addWorkflow(t *testing.T, st store.Store, id string, enabled bool) {
	t.Helper()
	require.NoError(t, st.CreateWorkflow(context.Background(), &store.Workflow{
		WorkflowDefinition: schema.WorkflowDefinition{
			ID:    id,
			Name:  id,
			Nodes: []schema.ToolNode{{ID: "a", ToolID: "noop"}},
		},
		Enabled: enabled,
	}))
}

func addJob(t *testing.T, st store.Store, workflowID, expr string, nextRun time.Time) *store.ScheduledJob {
	t.Helper()
	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		CronExpression: expr,
		Timezone:       "UTC",
		Enabled:        true,
		NextRun:        nextRun,
	}
	require.NoError(t, st.UpsertScheduledJob(context.Background(), job))
	return job
}

func getJob(t *testing.T, st store.Store, id string) *store.ScheduledJob {
	t.Helper()
	job, err := st.GetScheduledJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func newTestScanner(st store.Store, runner WorkflowRunner, hub streaming.EventHub) *Scanner {
	return NewScanner(st, runner, hub, ScannerConfig{Interval: time.Minute}, quietLogger())
}

func TestScan_RunsDueJob(t *testing.T) {
	st := newMemStore(t)
	runner := &mockRunner{}
	addWorkflow(t, st, "wf-1", true)
	now := at("2026-03-01T12:05:10Z")
	job := addJob(t, st, "wf-1", "*/5 * * * *", at("2026-03-01T12:05:00Z"))

	res, err := newTestScanner(st, runner, nil).Scan(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	out := res.Jobs[0]
	assert.Equal(t, schema.JobRunCompleted, out.Status)
	assert.NotEmpty(t, out.ExecutionID)

	calls := runner.runs()
	require.Len(t, calls, 1)
	trig, ok := calls[0].Trigger.(schema.CronTrigger)
	require.True(t, ok)
	assert.Equal(t, job.ID, trig.JobID)
	assert.Equal(t, "*/5 * * * *", trig.Expression)
	assert.Equal(t, at("2026-03-01T12:05:00Z"), trig.ScheduledAt)

	stored := getJob(t, st, job.ID)
	require.NotNil(t, stored.LastRun)
	assert.True(t, stored.LastRun.Equal(now))
	assert.True(t, stored.NextRun.Equal(at("2026-03-01T12:10:00Z")))
	assert.Equal(t, schema.JobRunCompleted, stored.LastRunStatus)
}

func TestScan_LateScanKeepsNextRunOnBoundary(t *testing.T) {
	st := newMemStore(t)
	addWorkflow(t, st, "wf-1", true)
	now := at("2026-03-01T12:08:40Z")
	job := addJob(t, st, "wf-1", "*/5 * * * *", at("2026-03-01T12:05:00Z"))

	_, err := newTestScanner(st, &mockRunner{}, nil).Scan(context.Background(), now)
	require.NoError(t, err)

	// lastRun is the scan time, nextRun the following boundary: the gap is
	// whatever is left of the interval, not a full five minutes.
	stored := getJob(t, st, job.ID)
	require.NotNil(t, stored.LastRun)
	assert.True(t, stored.LastRun.Equal(now))
	assert.True(t, stored.NextRun.Equal(at("2026-03-01T12:10:00Z")))
	assert.Equal(t, 80*time.Second, stored.NextRun.Sub(*stored.LastRun))
}

func TestScan_IgnoresFutureAndDisabledJobs(t *testing.T) {
	st := newMemStore(t)
	runner := &mockRunner{}
	addWorkflow(t, st, "wf-1", true)
	addWorkflow(t, st, "wf-2", true)
	now := at("2026-03-01T12:05:10Z")
	addJob(t, st, "wf-1", "*/5 * * * *", at("2026-03-01T12:10:00Z"))
	off := addJob(t, st, "wf-2", "*/5 * * * *", at("2026-03-01T12:00:00Z"))
	enabled := false
	require.NoError(t, st.UpdateScheduledJob(context.Background(), off.ID, store.ScheduledJobUpdate{Enabled: &enabled}))

	res, err := newTestScanner(st, runner, nil).Scan(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, runner.runs())
}

func TestScan_ClaimsEachActivationOnce(t *testing.T) {
	st := newMemStore(t)
	runner := &mockRunner{delay: 20 * time.Millisecond}
	addWorkflow(t, st, "wf-1", true)
	now := at("2026-03-01T12:05:10Z")
	addJob(t, st, "wf-1", "*/5 * * * *", at("2026-03-01T12:05:00Z"))

	// Two scanners stand in for two overlapping processes.
	a := newTestScanner(st, runner, nil)
	b := newTestScanner(st, runner, nil)

	var wg sync.WaitGroup
	for _, s := range []*Scanner{a, b, a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Scan(context.Background(), now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, runner.runs(), 1)
}

func TestScan_DisabledWorkflowIsSkipped(t *testing.T) {
	st := newMemStore(t)
	runner := &mockRunner{}
	hub := streaming.NewMemoryHub()
	addWorkflow(t, st, "wf-off", false)
	now := at("2026-03-01T12:05:10Z")
	job := addJob(t, st, "wf-off", "*/5 * * * *", at("2026-03-01T12:05:00Z"))

	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{WorkflowID: "wf-off"})
	require.NoError(t, err)
	defer cancel()

	res, err := newTestScanner(st, runner, hub).Scan(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, schema.JobRunSkipped, res.Jobs[0].Status)
	assert.Equal(t, "workflow is disabled", res.Jobs[0].Reason)
	assert.Empty(t, runner.runs())

	stored := getJob(t, st, job.ID)
	assert.Nil(t, stored.LastRun)
	assert.True(t, stored.NextRun.After(now))
	assert.Equal(t, schema.JobRunSkipped, stored.LastRunStatus)

	execs, err := st.ListExecutions(context.Background(), store.ExecutionFilter{WorkflowID: "wf-off"})
	require.NoError(t, err)
	assert.Empty(t, execs)

	select {
	case evt := <-ch:
		assert.Equal(t, schema.EventCronJobSkipped, evt.EventType)
	case <-time.After(time.Second):
		t.Fatal("no skip event published")
	}
}

func TestScan_MissingWorkflowIsSkipped(t *testing.T) {
	st := newMemStore(t)
	runner := &mockRunner{}
	now := at("2026-03-01T12:05:10Z")
	addJob(t, st, "wf-gone", "* * * * *", at("2026-03-01T12:05:00Z"))

	res, err := newTestScanner(st, runner, nil).Scan(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, schema.JobRunSkipped, res.Jobs[0].Status)
	assert.Equal(t, "workflow not found", res.Jobs[0].Reason)
	assert.Empty(t, runner.runs())
}

func TestScan_FailedRunIsRecorded(t *testing.T) {
	st := newMemStore(t)
	runner := &mockRunner{status: schema.ExecutionStatusFailed}
	addWorkflow(t, st, "wf-1", true)
	now := at("2026-03-01T12:05:10Z")
	job := addJob(t, st, "wf-1", "*/5 * * * *", at("2026-03-01T12:05:00Z"))

	res, err := newTestScanner(st, runner, nil).Scan(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, schema.JobRunFailed, res.Jobs[0].Status)
	assert.Equal(t, "node a failed: boom", res.Jobs[0].Reason)
	assert.Equal(t, schema.JobRunFailed, getJob(t, st, job.ID).LastRunStatus)
}

func TestScan_RunnerErrorDoesNotStopOtherJobs(t *testing.T) {
	st := newMemStore(t)
	runner := &mockRunner{panicFor: "wf-bad"}
	addWorkflow(t, st, "wf-bad", true)
	addWorkflow(t, st, "wf-good", true)
	now := at("2026-03-01T12:05:10Z")
	bad := addJob(t, st, "wf-bad", "* * * * *", at("2026-03-01T12:05:00Z"))
	addJob(t, st, "wf-good", "* * * * *", at("2026-03-01T12:05:00Z"))

	res, err := newTestScanner(st, runner, nil).Scan(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, res.Jobs, 2)

	byWorkflow := map[string]*JobOutcome{}
	for _, out := range res.Jobs {
		byWorkflow[out.WorkflowID] = out
	}
	assert.Equal(t, schema.JobRunFailed, byWorkflow["wf-bad"].Status)
	assert.Contains(t, byWorkflow["wf-bad"].Reason, "tool exploded")
	assert.Equal(t, schema.JobRunCompleted, byWorkflow["wf-good"].Status)
	assert.Equal(t, schema.JobRunFailed, getJob(t, st, bad.ID).LastRunStatus)
}

func TestScan_RunCouldNotStart(t *testing.T) {
	st := newMemStore(t)
	runner := &mockRunner{err: errors.New("store offline")}
	addWorkflow(t, st, "wf-1", true)
	addJob(t, st, "wf-1", "* * * * *", at("2026-03-01T12:05:00Z"))

	res, err := newTestScanner(st, runner, nil).Scan(context.Background(), at("2026-03-01T12:05:10Z"))
	require.NoError(t, err)
	assert.Equal(t, schema.JobRunFailed, res.Jobs[0].Status)
	assert.Equal(t, "store offline", res.Jobs[0].Reason)
}

func TestScan_InvalidExpressionFallsBack(t *testing.T) {
	st := newMemStore(t)
	runner := &mockRunner{}
	addWorkflow(t, st, "wf-1", true)
	now := at("2026-03-01T12:05:10Z")
	job := addJob(t, st, "wf-1", "whenever", at("2026-03-01T12:05:00Z"))

	res, err := newTestScanner(st, runner, nil).Scan(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, schema.JobRunCompleted, res.Jobs[0].Status)
	assert.True(t, getJob(t, st, job.ID).NextRun.Equal(at("2026-03-01T12:06:00Z")))
}

func TestRecoverMissed(t *testing.T) {
	st := newMemStore(t)
	runner := &mockRunner{}
	addWorkflow(t, st, "wf-1", true)
	addWorkflow(t, st, "wf-2", true)
	now := at("2026-03-01T12:05:10Z")
	stale := addJob(t, st, "wf-1", "0 * * * *", at("2026-03-01T09:00:00Z"))
	fresh := addJob(t, st, "wf-2", "* * * * *", at("2026-03-01T12:05:00Z"))

	s := newTestScanner(st, runner, nil)
	s.now = func() time.Time { return now }

	n, err := s.RecoverMissed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, runner.runs())

	got := getJob(t, st, stale.ID)
	assert.Nil(t, got.LastRun)
	assert.True(t, got.NextRun.Equal(at("2026-03-01T13:00:00Z")))
	assert.True(t, getJob(t, st, fresh.ID).NextRun.Equal(at("2026-03-01T12:05:00Z")))
}

func TestScanner_StartStop(t *testing.T) {
	st := newMemStore(t)
	runner := &mockRunner{}
	addWorkflow(t, st, "wf-1", true)
	addJob(t, st, "wf-1", "* * * * *", time.Now().UTC().Add(-time.Second))

	s := NewScanner(st, runner, nil, ScannerConfig{Interval: time.Hour}, quietLogger())
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return len(runner.runs()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
