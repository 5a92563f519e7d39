package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
)

// Workflow is a stored workflow definition plus its enabled flag.
type Workflow struct {
	schema.WorkflowDefinition
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ExecutionRecord is the persisted outcome of one run.
type ExecutionRecord struct {
	ID          string                        `json:"id"`
	WorkflowID  string                        `json:"workflowId"`
	Status      schema.ExecutionStatus        `json:"status"`
	TriggeredBy schema.TriggerType            `json:"triggeredBy"`
	StartedAt   time.Time                     `json:"startedAt"`
	CompletedAt *time.Time                    `json:"completedAt,omitempty"`
	NodeResults map[string]*schema.NodeResult `json:"nodeResults"`
	Error       *schema.FlowError             `json:"error,omitempty"`
	Metadata    map[string]schema.Value       `json:"metadata,omitempty"`
}

// ExecutionEvent is an immutable entry in an execution's event log.
type ExecutionEvent struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"executionId"`
	NodeID      string          `json:"nodeId,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ScheduledJob is the cron trigger of a workflow.
type ScheduledJob struct {
	ID             string              `json:"id"`
	WorkflowID     string              `json:"workflowId"`
	CronExpression string              `json:"cronExpression"`
	Timezone       string              `json:"timezone"`
	Enabled        bool                `json:"isEnabled"`
	LastRun        *time.Time          `json:"lastRun,omitempty"`
	NextRun        time.Time           `json:"nextRun"`
	LastRunStatus  schema.JobRunStatus `json:"lastRunStatus,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// Webhook is the inbound HTTP trigger of a workflow. Token is the opaque
// path segment callers post to.
type Webhook struct {
	ID            string     `json:"id"`
	WorkflowID    string     `json:"workflowId"`
	Token         string     `json:"url"`
	Secret        string     `json:"secret,omitempty"`
	Enabled       bool       `json:"isEnabled"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// --- Filter and update types ---

type WorkflowFilter struct {
	OwnerID string `json:"ownerId,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// WorkflowUpdate replaces the definition and/or the enabled flag.
type WorkflowUpdate struct {
	Definition *schema.WorkflowDefinition `json:"definition,omitempty"`
	Enabled    *bool                      `json:"enabled,omitempty"`
}

type ExecutionFilter struct {
	WorkflowID  string                  `json:"workflowId,omitempty"`
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	TriggeredBy schema.TriggerType      `json:"triggeredBy,omitempty"`
	Since       *time.Time              `json:"since,omitempty"`
	Limit       int                     `json:"limit,omitempty"`
	Offset      int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies the mutable fields of a non-terminal record.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	StartedAt   *time.Time              `json:"startedAt,omitempty"`
	CompletedAt *time.Time              `json:"completedAt,omitempty"`
	Error       *schema.FlowError       `json:"error,omitempty"`
	Metadata    map[string]schema.Value `json:"metadata,omitempty"`
}

type ScheduledJobFilter struct {
	WorkflowID string `json:"workflowId,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type ScheduledJobUpdate struct {
	CronExpression *string              `json:"cronExpression,omitempty"`
	Timezone       *string              `json:"timezone,omitempty"`
	Enabled        *bool                `json:"isEnabled,omitempty"`
	NextRun        *time.Time           `json:"nextRun,omitempty"`
	LastRunStatus  *schema.JobRunStatus `json:"lastRunStatus,omitempty"`
}

// JobClaim advances a due job. The claim succeeds only while the job is
// enabled and its next run still equals ExpectedNextRun.
type JobClaim struct {
	JobID           string
	ExpectedNextRun time.Time
	NextRun         time.Time
	// LastRun is left untouched when nil.
	LastRun *time.Time
}
