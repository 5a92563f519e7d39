package trigger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/pkg/schema"
)

// Kind selects which trigger of a workflow a schedule request targets.
type Kind string

const (
	KindCron    Kind = "cron"
	KindWebhook Kind = "webhook"
)

// Schedule is the set of triggers bound to one workflow.
type Schedule struct {
	WorkflowID string              `json:"workflowId"`
	Cron       *store.ScheduledJob `json:"cron,omitempty"`
	Webhook    *store.Webhook      `json:"webhook,omitempty"`
}

// CronRequest creates or replaces a workflow's cron trigger.
type CronRequest struct {
	Expression string `json:"cronExpression"`
	Timezone   string `json:"timezone,omitempty"`
	Enabled    *bool  `json:"isEnabled,omitempty"`
}

// WebhookRequest creates or replaces a workflow's webhook. An empty secret
// keeps the current one, or generates one for a new webhook.
type WebhookRequest struct {
	Secret      string `json:"secret,omitempty"`
	Enabled     *bool  `json:"isEnabled,omitempty"`
	RotateToken bool   `json:"rotateToken,omitempty"`
}

// Schedules manages the cron and webhook triggers of stored workflows.
type Schedules struct {
	store store.Store
	now   func() time.Time
}

// NewSchedules creates a Schedules service.
func NewSchedules(st store.Store) *Schedules {
	return &Schedules{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Get returns the triggers bound to workflowID. Absent triggers are nil.
func (s *Schedules) Get(ctx context.Context, workflowID string) (*Schedule, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	sched := &Schedule{WorkflowID: workflowID}
	job, err := s.store.GetScheduledJobByWorkflow(ctx, workflowID)
	switch {
	case err == nil:
		sched.Cron = job
	case schema.ErrorCode(err) != schema.ErrCodeNotFound:
		return nil, err
	}
	wh, err := s.store.GetWebhookByWorkflow(ctx, workflowID)
	switch {
	case err == nil:
		sched.Webhook = wh
	case schema.ErrorCode(err) != schema.ErrCodeNotFound:
		return nil, err
	}
	return sched, nil
}

// SetCron validates the expression and upserts the workflow's job with its
// first activation computed from now.
func (s *Schedules) SetCron(ctx context.Context, workflowID string, req CronRequest) (*store.ScheduledJob, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if err := ValidateExpression(req.Expression, req.Timezone); err != nil {
		return nil, err
	}

	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		CronExpression: req.Expression,
		Timezone:       req.Timezone,
		Enabled:        req.Enabled == nil || *req.Enabled,
		NextRun:        NextRun(req.Expression, req.Timezone, s.now()),
	}
	if existing, err := s.store.GetScheduledJobByWorkflow(ctx, workflowID); err == nil {
		job.ID = existing.ID
	}
	if err := s.store.UpsertScheduledJob(ctx, job); err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	return job, nil
}

// SetWebhook upserts the workflow's webhook. The token is stable across
// updates unless RotateToken is set.
func (s *Schedules) SetWebhook(ctx context.Context, workflowID string, req WebhookRequest) (*store.Webhook, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	wh := &store.Webhook{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Token:      uuid.NewString(),
		Secret:     req.Secret,
		Enabled:    req.Enabled == nil || *req.Enabled,
	}
	if existing, err := s.store.GetWebhookByWorkflow(ctx, workflowID); err == nil {
		wh.ID = existing.ID
		if !req.RotateToken {
			wh.Token = existing.Token
		}
		if wh.Secret == "" {
			wh.Secret = existing.Secret
		}
		if req.Enabled == nil {
			wh.Enabled = existing.Enabled
		}
	}
	if wh.Secret == "" {
		secret, err := newSecret()
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "generate webhook secret").WithCause(err)
		}
		wh.Secret = secret
	}
	if err := s.store.UpsertWebhook(ctx, wh); err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	return wh, nil
}

// Remove deletes the workflow's trigger of the given kind.
func (s *Schedules) Remove(ctx context.Context, workflowID string, kind Kind) error {
	switch kind {
	case KindCron:
		job, err := s.store.GetScheduledJobByWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		return s.store.DeleteScheduledJob(ctx, job.ID)
	case KindWebhook:
		wh, err := s.store.GetWebhookByWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		return s.store.DeleteWebhook(ctx, wh.ID)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger kind %q", kind)
	}
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
