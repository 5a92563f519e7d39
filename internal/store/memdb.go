package store

import (
	"context"
	"sort"
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/rendis/toolflow/pkg/schema"
)

const (
	tableWorkflows   = "workflows"
	tableExecutions  = "executions"
	tableNodeResults = "node_results"
	tableEvents      = "execution_events"
	tableJobs        = "scheduled_jobs"
	tableWebhooks    = "webhooks"
)

// nodeResultRow keys a node result by its execution.
type nodeResultRow struct {
	ExecutionID string
	NodeID      string
	Result      *schema.NodeResult
}

func memSchema() *memdb.DBSchema {
	id := func() *memdb.IndexSchema {
		return &memdb.IndexSchema{Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}}
	}
	byWorkflow := func(unique bool) *memdb.IndexSchema {
		return &memdb.IndexSchema{Name: "workflow", Unique: unique, Indexer: &memdb.StringFieldIndex{Field: "WorkflowID"}}
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableWorkflows: {
				Name:    tableWorkflows,
				Indexes: map[string]*memdb.IndexSchema{"id": id()},
			},
			tableExecutions: {
				Name: tableExecutions,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       id(),
					"workflow": byWorkflow(false),
				},
			},
			tableNodeResults: {
				Name: tableNodeResults,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "ExecutionID"},
							&memdb.StringFieldIndex{Field: "NodeID"},
						}},
					},
					"execution": {Name: "execution", Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"}},
				},
			},
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "ExecutionID"},
							&memdb.IntFieldIndex{Field: "Sequence"},
						}},
					},
					"execution": {Name: "execution", Indexer: &memdb.StringFieldIndex{Field: "ExecutionID"}},
				},
			},
			tableJobs: {
				Name: tableJobs,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       id(),
					"workflow": byWorkflow(true),
				},
			},
			tableWebhooks: {
				Name: tableWebhooks,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       id(),
					"workflow": byWorkflow(true),
					"token":    {Name: "token", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Token"}},
				},
			},
		},
	}
}

// MemStore implements Store on go-memdb. Selected with db_path ":memory:";
// it backs tests and throwaway runs. Objects are copied in and out so
// callers never share memory with the database.
type MemStore struct {
	db *memdb.MemDB

	mu     sync.Mutex
	nextID int64
}

func NewMemStore() (*MemStore, error) {
	db, err := memdb.NewMemDB(memSchema())
	if err != nil {
		return nil, err
	}
	return &MemStore{db: db}, nil
}

func (s *MemStore) Migrate(context.Context) error { return nil }

func (s *MemStore) Close() error { return nil }

// --- Workflows ---

func (s *MemStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, _ := txn.First(tableWorkflows, "id", wf.ID); existing != nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	wf.CreatedAt = timeOr(wf.CreatedAt, now)
	wf.UpdatedAt = timeOr(wf.UpdatedAt, now)
	if err := txn.Insert(tableWorkflows, copyWorkflow(wf)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	raw, err := s.db.Txn(false).First(tableWorkflows, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, notFound("workflow", id)
	}
	return copyWorkflow(raw.(*Workflow)), nil
}

func (s *MemStore) UpdateWorkflow(_ context.Context, id string, update WorkflowUpdate) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableWorkflows, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return notFound("workflow", id)
	}
	wf := copyWorkflow(raw.(*Workflow))
	if update.Definition != nil {
		wf.WorkflowDefinition = *update.Definition.Snapshot()
		wf.ID = id
	}
	if update.Enabled != nil {
		wf.Enabled = *update.Enabled
	}
	wf.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	if err := txn.Insert(tableWorkflows, wf); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	it, err := s.db.Txn(false).Get(tableWorkflows, "id")
	if err != nil {
		return nil, err
	}
	var out []*Workflow
	for raw := it.Next(); raw != nil; raw = it.Next() {
		wf := raw.(*Workflow)
		if filter.OwnerID != "" && wf.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Enabled != nil && wf.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, copyWorkflow(wf))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *MemStore) DeleteWorkflow(_ context.Context, id string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableWorkflows, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return notFound("workflow", id)
	}
	if err := txn.Delete(tableWorkflows, raw); err != nil {
		return err
	}
	// Triggers go with the workflow; executions are history and stay.
	if _, err := txn.DeleteAll(tableJobs, "workflow", id); err != nil {
		return err
	}
	if _, err := txn.DeleteAll(tableWebhooks, "workflow", id); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// --- Executions ---

func (s *MemStore) CreateExecution(_ context.Context, rec *ExecutionRecord) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if existing, _ := txn.First(tableExecutions, "id", rec.ID); existing != nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", rec.ID)
	}
	rec.StartedAt = timeOr(rec.StartedAt, time.Now().UTC().Truncate(time.Millisecond))
	stored := copyExecution(rec)
	stored.NodeResults = nil
	if err := txn.Insert(tableExecutions, stored); err != nil {
		return err
	}
	for _, r := range rec.NodeResults {
		if err := txn.Insert(tableNodeResults, &nodeResultRow{ExecutionID: rec.ID, NodeID: r.NodeID, Result: copyNodeResult(r)}); err != nil {
			return err
		}
	}
	txn.Commit()
	return nil
}

func (s *MemStore) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableExecutions, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, notFound("execution", id)
	}
	rec := copyExecution(raw.(*ExecutionRecord))
	results, err := nodeResults(txn, id)
	if err != nil {
		return nil, err
	}
	rec.NodeResults = make(map[string]*schema.NodeResult, len(results))
	for _, r := range results {
		rec.NodeResults[r.NodeID] = r
	}
	return rec, nil
}

// writableExecution loads a non-terminal record inside a write txn.
func writableExecution(txn *memdb.Txn, id string) (*ExecutionRecord, error) {
	raw, err := txn.First(tableExecutions, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, notFound("execution", id)
	}
	rec := raw.(*ExecutionRecord)
	if rec.Status.Terminal() {
		return nil, terminalConflict(id, rec.Status)
	}
	return copyExecution(rec), nil
}

func (s *MemStore) UpdateExecution(_ context.Context, id string, update ExecutionUpdate) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	rec, err := writableExecution(txn, id)
	if err != nil {
		return err
	}
	if update.Status != nil {
		rec.Status = *update.Status
	}
	if update.StartedAt != nil {
		rec.StartedAt = update.StartedAt.UTC()
	}
	if update.CompletedAt != nil {
		t := update.CompletedAt.UTC()
		rec.CompletedAt = &t
	}
	if update.Error != nil {
		e := *update.Error
		rec.Error = &e
	}
	if update.Metadata != nil {
		rec.Metadata = cloneValues(update.Metadata)
	}
	if err := txn.Insert(tableExecutions, rec); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	txn := s.db.Txn(false)
	var (
		it  memdb.ResultIterator
		err error
	)
	if filter.WorkflowID != "" {
		it, err = txn.Get(tableExecutions, "workflow", filter.WorkflowID)
	} else {
		it, err = txn.Get(tableExecutions, "id")
	}
	if err != nil {
		return nil, err
	}

	var out []*ExecutionRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*ExecutionRecord)
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.TriggeredBy != "" && rec.TriggeredBy != filter.TriggeredBy {
			continue
		}
		if filter.Since != nil && rec.StartedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, copyExecution(rec))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *MemStore) UpsertNodeResult(_ context.Context, executionID string, r *schema.NodeResult) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := writableExecution(txn, executionID); err != nil {
		return err
	}
	row := &nodeResultRow{ExecutionID: executionID, NodeID: r.NodeID, Result: copyNodeResult(r)}
	if err := txn.Insert(tableNodeResults, row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) ListNodeResults(_ context.Context, executionID string) ([]*schema.NodeResult, error) {
	return nodeResults(s.db.Txn(false), executionID)
}

func nodeResults(txn *memdb.Txn, executionID string) ([]*schema.NodeResult, error) {
	it, err := txn.Get(tableNodeResults, "execution", executionID)
	if err != nil {
		return nil, err
	}
	var out []*schema.NodeResult
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, copyNodeResult(raw.(*nodeResultRow).Result))
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := startedMillis(out[i]), startedMillis(out[j])
		if ti != tj {
			return ti < tj
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out, nil
}

func startedMillis(r *schema.NodeResult) int64 {
	if r.StartedAt == nil {
		return 0
	}
	return r.StartedAt.UnixMilli()
}

// --- Execution events ---

func (s *MemStore) AppendEvent(_ context.Context, event *ExecutionEvent) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableEvents, "execution", event.ExecutionID)
	if err != nil {
		return err
	}
	var seq int64
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if e := raw.(*ExecutionEvent); e.Sequence > seq {
			seq = e.Sequence
		}
	}
	event.Sequence = seq + 1
	event.Timestamp = timeOr(event.Timestamp, time.Now().UTC())

	s.mu.Lock()
	s.nextID++
	event.ID = s.nextID
	s.mu.Unlock()

	cp := *event
	if err := txn.Insert(tableEvents, &cp); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) ListEvents(_ context.Context, executionID string, since int64) ([]*ExecutionEvent, error) {
	it, err := s.db.Txn(false).Get(tableEvents, "execution", executionID)
	if err != nil {
		return nil, err
	}
	var out []*ExecutionEvent
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if e := raw.(*ExecutionEvent); e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// --- Scheduled jobs ---

func (s *MemStore) UpsertScheduledJob(_ context.Context, job *ScheduledJob) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	now := time.Now().UTC().Truncate(time.Millisecond)
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	stored := *job
	if raw, _ := txn.First(tableJobs, "workflow", job.WorkflowID); raw != nil {
		existing := raw.(*ScheduledJob)
		stored = *existing
		stored.CronExpression = job.CronExpression
		stored.Timezone = job.Timezone
		stored.Enabled = job.Enabled
		stored.NextRun = job.NextRun
	} else {
		stored.CreatedAt = timeOr(job.CreatedAt, now)
	}
	stored.UpdatedAt = now
	if err := txn.Insert(tableJobs, &stored); err != nil {
		return err
	}
	txn.Commit()
	*job = *copyJob(&stored)
	return nil
}

func (s *MemStore) getJob(index, key, what string) (*ScheduledJob, error) {
	raw, err := s.db.Txn(false).First(tableJobs, index, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, notFound(what, key)
	}
	return copyJob(raw.(*ScheduledJob)), nil
}

func (s *MemStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	return s.getJob("id", id, "scheduled job")
}

func (s *MemStore) GetScheduledJobByWorkflow(_ context.Context, workflowID string) (*ScheduledJob, error) {
	return s.getJob("workflow", workflowID, "scheduled job for workflow")
}

func (s *MemStore) listJobs(keep func(*ScheduledJob) bool) ([]*ScheduledJob, error) {
	it, err := s.db.Txn(false).Get(tableJobs, "id")
	if err != nil {
		return nil, err
	}
	var out []*ScheduledJob
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if j := raw.(*ScheduledJob); keep(j) {
			out = append(out, copyJob(j))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].NextRun.Before(out[j].NextRun)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	out, err := s.listJobs(func(j *ScheduledJob) bool {
		if filter.WorkflowID != "" && j.WorkflowID != filter.WorkflowID {
			return false
		}
		return filter.Enabled == nil || j.Enabled == *filter.Enabled
	})
	if err != nil {
		return nil, err
	}
	return page(out, filter.Limit, 0), nil
}

func (s *MemStore) ListDueJobs(_ context.Context, now time.Time) ([]*ScheduledJob, error) {
	return s.listJobs(func(j *ScheduledJob) bool {
		return j.Enabled && !j.NextRun.After(now)
	})
}

// ClaimScheduledJob relies on memdb's single-writer transactions for the
// compare-and-set.
func (s *MemStore) ClaimScheduledJob(_ context.Context, claim JobClaim) (bool, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableJobs, "id", claim.JobID)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	job := copyJob(raw.(*ScheduledJob))
	if !job.Enabled || job.NextRun.UnixMilli() != claim.ExpectedNextRun.UnixMilli() {
		return false, nil
	}
	job.NextRun = claim.NextRun.UTC()
	if claim.LastRun != nil {
		t := claim.LastRun.UTC()
		job.LastRun = &t
	}
	job.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableJobs, job); err != nil {
		return false, err
	}
	txn.Commit()
	return true, nil
}

func (s *MemStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableJobs, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return notFound("scheduled job", id)
	}
	job := copyJob(raw.(*ScheduledJob))
	if update.CronExpression != nil {
		job.CronExpression = *update.CronExpression
	}
	if update.Timezone != nil {
		job.Timezone = *update.Timezone
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.NextRun != nil {
		job.NextRun = update.NextRun.UTC()
	}
	if update.LastRunStatus != nil {
		job.LastRunStatus = *update.LastRunStatus
	}
	job.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableJobs, job); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) DeleteScheduledJob(_ context.Context, id string) error {
	return s.deleteByID(tableJobs, id, "scheduled job")
}

// --- Webhooks ---

func (s *MemStore) UpsertWebhook(_ context.Context, wh *Webhook) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if raw, _ := txn.First(tableWebhooks, "token", wh.Token); raw != nil && raw.(*Webhook).WorkflowID != wh.WorkflowID {
		return schema.NewError(schema.ErrCodeConflict, "webhook token already in use")
	}

	stored := *wh
	if raw, _ := txn.First(tableWebhooks, "workflow", wh.WorkflowID); raw != nil {
		existing := raw.(*Webhook)
		stored = *existing
		stored.Token = wh.Token
		stored.Secret = wh.Secret
		stored.Enabled = wh.Enabled
	} else {
		stored.CreatedAt = timeOr(wh.CreatedAt, time.Now().UTC().Truncate(time.Millisecond))
	}
	if err := txn.Insert(tableWebhooks, &stored); err != nil {
		return err
	}
	txn.Commit()
	*wh = stored
	return nil
}

func (s *MemStore) getWebhook(index, key string) (*Webhook, error) {
	raw, err := s.db.Txn(false).First(tableWebhooks, index, key)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	cp := *raw.(*Webhook)
	return &cp, nil
}

func (s *MemStore) GetWebhookByToken(_ context.Context, token string) (*Webhook, error) {
	wh, err := s.getWebhook("token", token)
	if err == nil && wh == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "webhook not found")
	}
	return wh, err
}

func (s *MemStore) GetWebhookByWorkflow(_ context.Context, workflowID string) (*Webhook, error) {
	wh, err := s.getWebhook("workflow", workflowID)
	if err == nil && wh == nil {
		return nil, notFound("webhook for workflow", workflowID)
	}
	return wh, err
}

func (s *MemStore) MarkWebhookTriggered(_ context.Context, id string, at time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableWebhooks, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return notFound("webhook", id)
	}
	wh := *raw.(*Webhook)
	t := at.UTC()
	wh.LastTriggered = &t
	if err := txn.Insert(tableWebhooks, &wh); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *MemStore) DeleteWebhook(_ context.Context, id string) error {
	return s.deleteByID(tableWebhooks, id, "webhook")
}

func (s *MemStore) deleteByID(table, id, what string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(table, "id", id)
	if err != nil {
		return err
	}
	if raw == nil {
		return notFound(what, id)
	}
	if err := txn.Delete(table, raw); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// --- Copy helpers ---

func copyWorkflow(wf *Workflow) *Workflow {
	cp := *wf
	cp.WorkflowDefinition = *wf.WorkflowDefinition.Snapshot()
	return &cp
}

func copyExecution(rec *ExecutionRecord) *ExecutionRecord {
	cp := *rec
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		cp.CompletedAt = &t
	}
	if rec.Error != nil {
		e := *rec.Error
		cp.Error = &e
	}
	cp.Metadata = cloneValues(rec.Metadata)
	cp.NodeResults = nil
	return &cp
}

func copyNodeResult(r *schema.NodeResult) *schema.NodeResult {
	cp := *r
	cp.Params = cloneValues(r.Params)
	if r.Output != nil {
		v := r.Output.Clone()
		cp.Output = &v
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

func copyJob(j *ScheduledJob) *ScheduledJob {
	cp := *j
	if j.LastRun != nil {
		t := *j.LastRun
		cp.LastRun = &t
	}
	return &cp
}

func cloneValues(m map[string]schema.Value) map[string]schema.Value {
	if m == nil {
		return nil
	}
	out := make(map[string]schema.Value, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var (
	_ Store = (*MemStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
