package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions. Records in a terminal status are immutable; updates and
	// node result writes against them fail with CONFLICT.
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)
	UpsertNodeResult(ctx context.Context, executionID string, result *schema.NodeResult) error
	ListNodeResults(ctx context.Context, executionID string) ([]*schema.NodeResult, error)

	// Execution event log (append-only)
	AppendEvent(ctx context.Context, event *ExecutionEvent) error
	ListEvents(ctx context.Context, executionID string, since int64) ([]*ExecutionEvent, error)

	// Scheduled jobs. At most one per workflow.
	UpsertScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	GetScheduledJobByWorkflow(ctx context.Context, workflowID string) (*ScheduledJob, error)
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	ListDueJobs(ctx context.Context, now time.Time) ([]*ScheduledJob, error)
	ClaimScheduledJob(ctx context.Context, claim JobClaim) (bool, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	DeleteScheduledJob(ctx context.Context, id string) error

	// Webhooks. At most one per workflow.
	UpsertWebhook(ctx context.Context, wh *Webhook) error
	GetWebhookByToken(ctx context.Context, token string) (*Webhook, error)
	GetWebhookByWorkflow(ctx context.Context, workflowID string) (*Webhook, error)
	MarkWebhookTriggered(ctx context.Context, id string, at time.Time) error
	DeleteWebhook(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MemoryPath selects the in-memory store.
const MemoryPath = ":memory:"

// Open returns the store for dbPath and applies migrations. A bare file path
// is turned into a libSQL file URI.
func Open(ctx context.Context, dbPath string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch {
	case dbPath == MemoryPath || dbPath == "":
		s, err = NewMemStore()
	case strings.Contains(dbPath, ":"):
		s, err = NewLibSQLStore(dbPath)
	default:
		s, err = NewLibSQLStore("file:" + dbPath)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}
