package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/toolflow/pkg/schema"
)

// connPragmas are applied once after open. SQLite answers some of them with
// a row, so they are read rather than executed.
var connPragmas = [][2]string{
	{"journal_mode", "WAL"},
	{"synchronous", "NORMAL"},
	{"busy_timeout", "5000"},
	{"foreign_keys", "ON"},
	{"temp_store", "MEMORY"},
}

// LibSQLStore persists everything in one libSQL (SQLite) database. Writes
// are serialized through a single connection.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens dsn, a libSQL file URI such as "file:/var/lib/toolflow.db".
func NewLibSQLStore(dsn string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	for _, p := range connPragmas {
		var ignored string
		_ = db.QueryRow(fmt.Sprintf("PRAGMA %s=%s", p[0], p[1])).Scan(&ignored)
	}
	return &LibSQLStore{db: db}, nil
}

func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// inTx runs fn inside a transaction and commits when it returns nil.
func (s *LibSQLStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface{ Scan(...any) error }

// collect drains rows through scan.
func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---- workflows

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	doc, err := json.Marshal(wf.WorkflowDefinition)
	if err != nil {
		return fmt.Errorf("encode workflow %s: %w", wf.ID, err)
	}
	now := time.Now().UTC()
	wf.CreatedAt = timeOr(wf.CreatedAt, now)
	wf.UpdatedAt = timeOr(wf.UpdatedAt, now)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, owner_id, definition, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, optText(wf.OwnerID), string(doc), flag(wf.Enabled),
		millis(wf.CreatedAt), millis(wf.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	return err
}

const workflowColumns = `id, definition, enabled, created_at, updated_at`

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var (
		wf       Workflow
		doc      string
		enabled  int
		cms, ums int64
		id       string
	)
	if err := row.Scan(&id, &doc, &enabled, &cms, &ums); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(doc), &wf.WorkflowDefinition); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	wf.ID = id
	wf.Enabled = enabled != 0
	wf.CreatedAt, wf.UpdatedAt = fromMillis(cms), fromMillis(ums)
	return &wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var q stmt
	if def := update.Definition; def != nil {
		next := *def
		next.ID = id
		doc, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode workflow %s: %w", id, err)
		}
		q.set("definition", string(doc)).set("name", next.Name).set("owner_id", optText(next.OwnerID))
	}
	if update.Enabled != nil {
		q.set("enabled", flag(*update.Enabled))
	}
	if q.empty() {
		return nil
	}
	q.set("updated_at", millis(time.Now())).where("id = ?", id)

	query, args := q.update("workflows")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectRow(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var q stmt
	if filter.OwnerID != "" {
		q.where("owner_id = ?", filter.OwnerID)
	}
	if filter.Enabled != nil {
		q.where("enabled = ?", flag(*filter.Enabled))
	}
	query, args := q.selectFrom("workflows", workflowColumns, "created_at DESC, id", filter.Limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanWorkflow)
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "workflows", "workflow", id)
}

func (s *LibSQLStore) deleteByID(ctx context.Context, table, what, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectRow(res, what, id)
}

// ---- executions

func (s *LibSQLStore) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	failure, err := marshalNullable(rec.Error)
	if err != nil {
		return fmt.Errorf("encode execution %s error: %w", rec.ID, err)
	}
	meta, err := marshalNullable(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode execution %s metadata: %w", rec.ID, err)
	}
	rec.StartedAt = timeOr(rec.StartedAt, time.Now().UTC())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, triggered_by, started_at, completed_at, error, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, string(rec.Status), string(rec.TriggeredBy),
		millis(rec.StartedAt), nullMillis(rec.CompletedAt), failure, meta,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", rec.ID)
	}
	return err
}

const executionColumns = `id, workflow_id, status, triggered_by, started_at, completed_at, error, metadata`

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	var (
		rec            ExecutionRecord
		status, source string
		started        int64
		completed      sql.NullInt64
		failure, meta  sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &status, &source, &started, &completed, &failure, &meta); err != nil {
		return nil, err
	}
	rec.Status = schema.ExecutionStatus(status)
	rec.TriggeredBy = schema.TriggerType(source)
	rec.StartedAt = fromMillis(started)
	rec.CompletedAt = nullFromMillis(completed)
	if text := failure.String; failure.Valid && text != "" {
		rec.Error = new(schema.FlowError)
		if err := json.Unmarshal([]byte(text), rec.Error); err != nil {
			return nil, fmt.Errorf("decode execution %s error: %w", rec.ID, err)
		}
	}
	if text := meta.String; meta.Valid && text != "" {
		if err := json.Unmarshal([]byte(text), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode execution %s metadata: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// GetExecution returns the record with its node results.
func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, notFound("execution", id)
	case err != nil:
		return nil, err
	}

	results, err := s.ListNodeResults(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.NodeResults = make(map[string]*schema.NodeResult, len(results))
	for _, r := range results {
		rec.NodeResults[r.NodeID] = r
	}
	return rec, nil
}

// UpdateExecution applies update unless the record is already terminal.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var q stmt
	if update.Status != nil {
		q.set("status", string(*update.Status))
	}
	if update.StartedAt != nil {
		q.set("started_at", millis(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		q.set("completed_at", millis(*update.CompletedAt))
	}
	for column, v := range map[string]any{"error": update.Error, "metadata": update.Metadata} {
		encoded, err := marshalNullable(v)
		if err != nil {
			return fmt.Errorf("encode execution %s %s: %w", id, column, err)
		}
		if encoded != nil {
			q.set(column, encoded)
		}
	}
	if q.empty() {
		return nil
	}
	q.where("id = ?", id).where("status NOT IN (?, ?)",
		string(schema.ExecutionStatusCompleted), string(schema.ExecutionStatusFailed))

	query, args := q.update("executions")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return s.explainUntouched(ctx, res, id)
}

// explainUntouched turns a guarded write that changed nothing into NOT_FOUND
// or a terminal-state CONFLICT.
func (s *LibSQLStore) explainUntouched(ctx context.Context, res sql.Result, id string) error {
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return notFound("execution", id)
	case err != nil:
		return err
	}
	return terminalConflict(id, schema.ExecutionStatus(status))
}

// ListExecutions returns records newest first, without node results.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	var q stmt
	if filter.WorkflowID != "" {
		q.where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.Status != nil {
		q.where("status = ?", string(*filter.Status))
	}
	if filter.TriggeredBy != "" {
		q.where("triggered_by = ?", string(filter.TriggeredBy))
	}
	if filter.Since != nil {
		q.where("started_at >= ?", millis(*filter.Since))
	}
	query, args := q.selectFrom("executions", executionColumns, "started_at DESC, id", filter.Limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanExecution)
}

// UpsertNodeResult writes one node's outcome while the run is still open.
func (s *LibSQLStore) UpsertNodeResult(ctx context.Context, executionID string, r *schema.NodeResult) error {
	var cols [3]any
	for i, v := range []any{r.Params, r.Output, r.Error} {
		encoded, err := marshalNullable(v)
		if err != nil {
			return fmt.Errorf("encode node %s result: %w", r.NodeID, err)
		}
		cols[i] = encoded
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO node_results (execution_id, node_id, tool_id, status, params, output, error, started_at, completed_at, duration_ms)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM executions WHERE id = ? AND status NOT IN (?, ?))
		 ON CONFLICT(execution_id, node_id) DO UPDATE SET
		   tool_id = excluded.tool_id,
		   status = excluded.status,
		   params = excluded.params,
		   output = excluded.output,
		   error = excluded.error,
		   started_at = excluded.started_at,
		   completed_at = excluded.completed_at,
		   duration_ms = excluded.duration_ms`,
		executionID, r.NodeID, r.ToolID, string(r.Status), cols[0], cols[1], cols[2],
		nullMillis(r.StartedAt), nullMillis(r.CompletedAt), r.DurationMs,
		executionID, string(schema.ExecutionStatusCompleted), string(schema.ExecutionStatusFailed),
	)
	if err != nil {
		return err
	}
	return s.explainUntouched(ctx, res, executionID)
}

func scanNodeResult(row rowScanner) (*schema.NodeResult, error) {
	var (
		r                       schema.NodeResult
		status                  string
		params, output, failure sql.NullString
		started, completed      sql.NullInt64
	)
	if err := row.Scan(&r.NodeID, &r.ToolID, &status, &params, &output, &failure, &started, &completed, &r.DurationMs); err != nil {
		return nil, err
	}
	r.Status = schema.NodeStatus(status)
	r.StartedAt = nullFromMillis(started)
	r.CompletedAt = nullFromMillis(completed)
	if params.Valid {
		if err := json.Unmarshal([]byte(params.String), &r.Params); err != nil {
			return nil, fmt.Errorf("decode node %s params: %w", r.NodeID, err)
		}
	}
	if output.Valid {
		v, err := schema.ParseJSON([]byte(output.String))
		if err != nil {
			return nil, fmt.Errorf("decode node %s output: %w", r.NodeID, err)
		}
		r.Output = &v
	}
	if failure.Valid {
		r.Error = new(schema.FlowError)
		if err := json.Unmarshal([]byte(failure.String), r.Error); err != nil {
			return nil, fmt.Errorf("decode node %s error: %w", r.NodeID, err)
		}
	}
	return &r, nil
}

func (s *LibSQLStore) ListNodeResults(ctx context.Context, executionID string) ([]*schema.NodeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, tool_id, status, params, output, error, started_at, completed_at, duration_ms
		 FROM node_results WHERE execution_id = ?
		 ORDER BY COALESCE(started_at, 0), node_id`, executionID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanNodeResult)
}

// ---- event log

// AppendEvent numbers event after the execution's last one. Reading the
// current maximum and inserting happen in one transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *ExecutionEvent) error {
	event.Timestamp = timeOr(event.Timestamp, time.Now().UTC())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var last int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM execution_events WHERE execution_id = ?`,
			event.ExecutionID).Scan(&last); err != nil {
			return fmt.Errorf("event log %s: read sequence: %w", event.ExecutionID, err)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO execution_events (execution_id, node_id, event_type, payload, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			event.ExecutionID, optText(event.NodeID), event.Type, optJSON(event.Payload),
			millis(event.Timestamp), last+1,
		)
		if err != nil {
			return fmt.Errorf("event log %s: append %s: %w", event.ExecutionID, event.Type, err)
		}
		event.Sequence = last + 1
		if id, err := res.LastInsertId(); err == nil {
			event.ID = id
		}
		return nil
	})
}

func scanEvent(row rowScanner) (*ExecutionEvent, error) {
	var (
		e             ExecutionEvent
		node, payload sql.NullString
		ts            int64
	)
	if err := row.Scan(&e.ID, &e.ExecutionID, &node, &e.Type, &payload, &ts, &e.Sequence); err != nil {
		return nil, err
	}
	e.NodeID = node.String
	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	e.Timestamp = fromMillis(ts)
	return &e, nil
}

// ListEvents returns events with sequence > since, oldest first.
func (s *LibSQLStore) ListEvents(ctx context.Context, executionID string, since int64) ([]*ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM execution_events
		 WHERE execution_id = ? AND sequence > ?
		 ORDER BY sequence`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanEvent)
}

// ---- scheduled jobs

// UpsertScheduledJob creates the workflow's job or replaces its schedule.
// The existing job id is kept and written back into job.
func (s *LibSQLStore) UpsertScheduledJob(ctx context.Context, job *ScheduledJob) error {
	now := time.Now().UTC()
	job.CreatedAt = timeOr(job.CreatedAt, now)
	job.UpdatedAt = now
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}

	return s.db.QueryRowContext(ctx,
		`INSERT INTO scheduled_jobs (id, workflow_id, cron_expression, timezone, is_enabled, last_run, next_run, last_run_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET
		   cron_expression = excluded.cron_expression,
		   timezone = excluded.timezone,
		   is_enabled = excluded.is_enabled,
		   next_run = excluded.next_run,
		   updated_at = excluded.updated_at
		 RETURNING id`,
		job.ID, job.WorkflowID, job.CronExpression, job.Timezone, flag(job.Enabled),
		nullMillis(job.LastRun), millis(job.NextRun), optText(string(job.LastRunStatus)),
		millis(job.CreatedAt), millis(job.UpdatedAt),
	).Scan(&job.ID)
}

const jobColumns = `id, workflow_id, cron_expression, timezone, is_enabled, last_run, next_run, last_run_status, created_at, updated_at`

func scanJob(row rowScanner) (*ScheduledJob, error) {
	var (
		j              ScheduledJob
		enabled        int
		last           sql.NullInt64
		next, cms, ums int64
		status         sql.NullString
	)
	if err := row.Scan(&j.ID, &j.WorkflowID, &j.CronExpression, &j.Timezone, &enabled,
		&last, &next, &status, &cms, &ums); err != nil {
		return nil, err
	}
	j.Enabled = enabled != 0
	j.LastRun = nullFromMillis(last)
	j.NextRun = fromMillis(next)
	j.LastRunStatus = schema.JobRunStatus(status.String)
	j.CreatedAt, j.UpdatedAt = fromMillis(cms), fromMillis(ums)
	return &j, nil
}

func (s *LibSQLStore) jobWhere(ctx context.Context, column, value, what string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE `+column+` = ?`, value)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(what, value)
	}
	return j, err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	return s.jobWhere(ctx, "id", id, "scheduled job")
}

func (s *LibSQLStore) GetScheduledJobByWorkflow(ctx context.Context, workflowID string) (*ScheduledJob, error) {
	return s.jobWhere(ctx, "workflow_id", workflowID, "scheduled job for workflow")
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	var q stmt
	if filter.WorkflowID != "" {
		q.where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.Enabled != nil {
		q.where("is_enabled = ?", flag(*filter.Enabled))
	}
	query, args := q.selectFrom("scheduled_jobs", jobColumns, "next_run ASC, id", filter.Limit, 0)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanJob)
}

// ListDueJobs returns enabled jobs with next_run <= now, earliest first.
func (s *LibSQLStore) ListDueJobs(ctx context.Context, now time.Time) ([]*ScheduledJob, error) {
	var q stmt
	q.where("is_enabled = 1").where("next_run <= ?", millis(now))
	query, args := q.selectFrom("scheduled_jobs", jobColumns, "next_run ASC, id", 0, 0)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanJob)
}

// ClaimScheduledJob is a compare-and-set on next_run. Two scanners racing for
// the same due job see exactly one successful claim.
func (s *LibSQLStore) ClaimScheduledJob(ctx context.Context, claim JobClaim) (bool, error) {
	var q stmt
	q.set("next_run", millis(claim.NextRun)).set("updated_at", millis(time.Now()))
	if claim.LastRun != nil {
		q.set("last_run", millis(*claim.LastRun))
	}
	q.where("id = ?", claim.JobID).
		where("next_run = ?", millis(claim.ExpectedNextRun)).
		where("is_enabled = 1")

	query, args := q.update("scheduled_jobs")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	var q stmt
	if update.CronExpression != nil {
		q.set("cron_expression", *update.CronExpression)
	}
	if update.Timezone != nil {
		q.set("timezone", *update.Timezone)
	}
	if update.Enabled != nil {
		q.set("is_enabled", flag(*update.Enabled))
	}
	if update.NextRun != nil {
		q.set("next_run", millis(*update.NextRun))
	}
	if update.LastRunStatus != nil {
		q.set("last_run_status", string(*update.LastRunStatus))
	}
	if q.empty() {
		return nil
	}
	q.set("updated_at", millis(time.Now())).where("id = ?", id)

	query, args := q.update("scheduled_jobs")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectRow(res, "scheduled job", id)
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "scheduled_jobs", "scheduled job", id)
}

// ---- webhooks

// UpsertWebhook creates the workflow's webhook or rotates its token and
// secret. The existing id is kept and written back into wh.
func (s *LibSQLStore) UpsertWebhook(ctx context.Context, wh *Webhook) error {
	wh.CreatedAt = timeOr(wh.CreatedAt, time.Now().UTC())
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO webhooks (id, workflow_id, token, secret, is_enabled, last_triggered, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET
		   token = excluded.token,
		   secret = excluded.secret,
		   is_enabled = excluded.is_enabled
		 RETURNING id`,
		wh.ID, wh.WorkflowID, wh.Token, wh.Secret, flag(wh.Enabled),
		nullMillis(wh.LastTriggered), millis(wh.CreatedAt),
	).Scan(&wh.ID)
	if isUniqueViolation(err) {
		return schema.NewError(schema.ErrCodeConflict, "webhook token already in use")
	}
	return err
}

const webhookColumns = `id, workflow_id, token, secret, is_enabled, last_triggered, created_at`

func scanWebhook(row rowScanner) (*Webhook, error) {
	var (
		wh      Webhook
		enabled int
		fired   sql.NullInt64
		cms     int64
	)
	if err := row.Scan(&wh.ID, &wh.WorkflowID, &wh.Token, &wh.Secret, &enabled, &fired, &cms); err != nil {
		return nil, err
	}
	wh.Enabled = enabled != 0
	wh.LastTriggered = nullFromMillis(fired)
	wh.CreatedAt = fromMillis(cms)
	return &wh, nil
}

func (s *LibSQLStore) GetWebhookByToken(ctx context.Context, token string) (*Webhook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE token = ?`, token)
	wh, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		// The token is a credential; keep it out of the message.
		return nil, schema.NewError(schema.ErrCodeNotFound, "webhook not found")
	}
	return wh, err
}

func (s *LibSQLStore) GetWebhookByWorkflow(ctx context.Context, workflowID string) (*Webhook, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE workflow_id = ?`, workflowID)
	wh, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("webhook for workflow", workflowID)
	}
	return wh, err
}

func (s *LibSQLStore) MarkWebhookTriggered(ctx context.Context, id string, at time.Time) error {
	var q stmt
	query, args := q.set("last_triggered", millis(at)).where("id = ?", id).update("webhooks")
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectRow(res, "webhook", id)
}

func (s *LibSQLStore) DeleteWebhook(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "webhooks", "webhook", id)
}

// ---- helpers

func notFound(what, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", what, id)
}

func terminalConflict(id string, status schema.ExecutionStatus) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s and can no longer change", id, status).
		WithDetails(map[string]any{"status": string(status)})
}

// expectRow maps a write that matched nothing to NOT_FOUND.
func expectRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	switch {
	case err != nil:
		return err
	case n == 0:
		return notFound(what, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}

func timeOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

// Timestamps are stored as Unix milliseconds.

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return millis(*t)
}

func nullFromMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// optText stores "" as NULL.
func optText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func optJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// marshalNullable encodes v as JSON text, mapping nil pointers and empty
// maps to SQL NULL.
func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *schema.FlowError:
		if t == nil {
			return nil, nil
		}
	case *schema.Value:
		if t == nil {
			return nil, nil
		}
	case map[string]schema.Value:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
