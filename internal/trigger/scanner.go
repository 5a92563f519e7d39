package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/pkg/schema"
)

const (
	DefaultScanInterval    = time.Minute
	DefaultScanConcurrency = 4
)

// WorkflowRunner runs a definition for a trigger and returns the terminal
// record. Satisfied by engine.Runner.
type WorkflowRunner interface {
	Run(ctx context.Context, def *schema.WorkflowDefinition, trigger schema.Trigger) (*store.ExecutionRecord, error)
}

// ScannerConfig tunes the background scan loop.
type ScannerConfig struct {
	Interval    time.Duration
	Concurrency int
}

// JobOutcome is what one scan did with one due job.
type JobOutcome struct {
	JobID       string              `json:"jobId"`
	WorkflowID  string              `json:"workflowId"`
	Status      schema.JobRunStatus `json:"status"`
	ExecutionID string              `json:"executionId,omitempty"`
	NextRun     *time.Time          `json:"nextRun,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

// ScanResult summarizes one scan. Jobs is in the order the store returned
// the due jobs, not completion order.
type ScanResult struct {
	ScannedAt time.Time     `json:"scannedAt"`
	Processed int           `json:"processed"`
	Jobs      []*JobOutcome `json:"jobs"`
}

// Scanner fires due cron jobs. Each due job is claimed with a conditional
// update before its run is dispatched, so overlapping scans cannot fire the
// same activation twice.
type Scanner struct {
	store  store.Store
	runner WorkflowRunner
	hub    streaming.EventHub
	cfg    ScannerConfig
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScanner creates a Scanner. A nil hub disables cron stream events.
func NewScanner(st store.Store, runner WorkflowRunner, hub streaming.EventHub, cfg ScannerConfig, logger *slog.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultScanInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultScanConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		store:    st,
		runner:   runner,
		hub:      hub,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scan loop. The first scan runs immediately.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scanner already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("cron scanner started", slog.Duration("interval", s.cfg.Interval))
	return nil
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scanner) tick(ctx context.Context) {
	res, err := s.Scan(ctx, s.now())
	if err != nil {
		s.logger.Error("cron scan failed", slog.String("error", err.Error()))
		return
	}
	if res.Processed > 0 {
		s.logger.Info("cron scan finished", slog.Int("processed", res.Processed))
	}
}

// Stop cancels the loop and waits for the in-progress scan to return.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("cron scanner stopped")
	return nil
}

// Scan processes every job due at now. Only a failure to list due jobs is
// returned as an error; per-job problems are reported in the outcomes.
func (s *Scanner) Scan(ctx context.Context, now time.Time) (*ScanResult, error) {
	now = now.UTC()
	jobs, err := s.store.ListDueJobs(ctx, now)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}

	outcomes := make([]*JobOutcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			outcomes[i] = s.process(ctx, job, now)
			return nil
		})
	}
	_ = g.Wait()

	return &ScanResult{ScannedAt: now, Processed: len(jobs), Jobs: outcomes}, nil
}

// process claims and runs one job. It never panics.
func (s *Scanner) process(ctx context.Context, job *store.ScheduledJob, now time.Time) (out *JobOutcome) {
	out = &JobOutcome{JobID: job.ID, WorkflowID: job.WorkflowID}
	logger := s.logger.With(slog.String("job_id", job.ID), slog.String("workflow_id", job.WorkflowID))

	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "cron job panicked", slog.Any("panic", p))
			out.Status = schema.JobRunFailed
			out.Reason = fmt.Sprintf("panic: %v", p)
			s.setLastStatus(ctx, job.ID, schema.JobRunFailed)
		}
	}()

	if !s.tryAcquire(job.ID) {
		return s.skip(ctx, out, "job is already running in this process")
	}
	defer s.releaseJob(job.ID)

	if _, err := ParseSchedule(job.CronExpression, job.Timezone); err != nil {
		logger.WarnContext(ctx, "cron expression did not parse, falling back to next minute",
			slog.String("expression", job.CronExpression))
	}
	next := NextRun(job.CronExpression, job.Timezone, now)
	out.NextRun = &next

	wf, err := s.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil || !wf.Enabled {
		reason := "workflow is disabled"
		if err != nil {
			reason = "workflow not found"
			if schema.ErrorCode(err) != schema.ErrCodeNotFound {
				reason = "workflow lookup failed: " + err.Error()
			}
		}
		// Advance the schedule so the job does not re-fire every tick, but
		// leave lastRun alone: nothing ran.
		claimed, cerr := s.claim(ctx, job, next, nil)
		if cerr != nil {
			out.Status = schema.JobRunFailed
			out.Reason = cerr.Error()
			return out
		}
		if claimed {
			s.setLastStatus(ctx, job.ID, schema.JobRunSkipped)
		}
		return s.skip(ctx, out, reason)
	}

	claimed, err := s.claim(ctx, job, next, &now)
	if err != nil {
		out.Status = schema.JobRunFailed
		out.Reason = err.Error()
		return out
	}
	if !claimed {
		return s.skip(ctx, out, "claimed by another scan")
	}
	s.publish(ctx, job, schema.EventCronJobClaimed, map[string]any{
		"jobId":       job.ID,
		"scheduledAt": job.NextRun.UTC(),
		"nextRun":     next,
	})

	rec, err := s.runner.Run(ctx, &wf.WorkflowDefinition, schema.CronTrigger{
		JobID:       job.ID,
		Expression:  job.CronExpression,
		ScheduledAt: job.NextRun.UTC(),
	})
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "cron run could not start", slog.String("error", err.Error()))
		out.Status = schema.JobRunFailed
		out.Reason = err.Error()
	case rec.Status == schema.ExecutionStatusCompleted:
		out.Status = schema.JobRunCompleted
		out.ExecutionID = rec.ID
	default:
		out.Status = schema.JobRunFailed
		out.ExecutionID = rec.ID
		if rec.Error != nil {
			out.Reason = rec.Error.Message
		}
	}
	s.setLastStatus(ctx, job.ID, out.Status)
	return out
}

func (s *Scanner) claim(ctx context.Context, job *store.ScheduledJob, next time.Time, lastRun *time.Time) (bool, error) {
	claimed, err := s.store.ClaimScheduledJob(ctx, store.JobClaim{
		JobID:           job.ID,
		ExpectedNextRun: job.NextRun,
		NextRun:         next,
		LastRun:         lastRun,
	})
	if err != nil {
		return false, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	return claimed, nil
}

func (s *Scanner) skip(ctx context.Context, out *JobOutcome, reason string) *JobOutcome {
	out.Status = schema.JobRunSkipped
	out.Reason = reason
	s.logger.DebugContext(ctx, "cron job skipped",
		slog.String("job_id", out.JobID),
		slog.String("reason", reason))
	s.publish(ctx, &store.ScheduledJob{ID: out.JobID, WorkflowID: out.WorkflowID}, schema.EventCronJobSkipped,
		map[string]any{"jobId": out.JobID, "reason": reason})
	return out
}

func (s *Scanner) setLastStatus(ctx context.Context, jobID string, status schema.JobRunStatus) {
	if err := s.store.UpdateScheduledJob(context.WithoutCancel(ctx), jobID, store.ScheduledJobUpdate{LastRunStatus: &status}); err != nil {
		s.logger.WarnContext(ctx, "failed to record job status",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
}

func (s *Scanner) publish(ctx context.Context, job *store.ScheduledJob, eventType string, payload map[string]any) {
	if s.hub == nil {
		return
	}
	_ = s.hub.Publish(ctx, streaming.StreamEvent{
		WorkflowID: job.WorkflowID,
		EventType:  eventType,
		Payload:    payload,
	})
}

// RecoverMissed advances enabled jobs whose next run is more than one scan
// interval in the past, without firing them. It runs once at startup so a
// long outage does not produce a burst of stale runs.
func (s *Scanner) RecoverMissed(ctx context.Context) (int, error) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return 0, schema.AsFlowError(err, schema.ErrCodeStore)
	}

	now := s.now()
	cutoff := now.Add(-s.cfg.Interval)
	recovered := 0
	for _, job := range jobs {
		if !job.NextRun.Before(cutoff) {
			continue
		}
		claimed, err := s.claim(ctx, job, NextRun(job.CronExpression, job.Timezone, now), nil)
		if err != nil {
			s.logger.Error("failed to recover missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
			continue
		}
		if claimed {
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("advanced missed cron jobs", slog.Int("count", recovered))
	}
	return recovered, nil
}

func (s *Scanner) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scanner) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}
