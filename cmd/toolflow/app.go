package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/rendis/toolflow/internal/engine"
	"github.com/rendis/toolflow/internal/expressions"
	"github.com/rendis/toolflow/internal/logging"
	"github.com/rendis/toolflow/internal/quota"
	"github.com/rendis/toolflow/internal/store"
	"github.com/rendis/toolflow/internal/streaming"
	"github.com/rendis/toolflow/internal/tools"
	"github.com/rendis/toolflow/internal/trigger"
	"github.com/rendis/toolflow/internal/validation"
)

// app is the wired object graph behind every command.
type app struct {
	cfg        Config
	logger     *slog.Logger
	store      store.Store
	registry   *tools.Registry
	validator  *validation.WorkflowValidator
	engine     *engine.Engine
	runner     *engine.Runner
	hub        *streaming.MemoryHub
	dispatcher *trigger.Dispatcher
	scanner    *trigger.Scanner
	webhooks   *trigger.WebhookReceiver
	schedules  *trigger.Schedules

	closers []func()
}

// newApp opens the store and wires tools, engine and triggers. logOut
// receives structured logs; jsonLogs selects the JSON handler.
func newApp(ctx context.Context, cfg Config, logOut io.Writer, jsonLogs bool) (_ *app, err error) {
	a := &app{
		cfg:    cfg,
		logger: logging.New(logOut, cfg.LogLevel, jsonLogs),
	}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.store, err = store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	inputValidator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	a.registry = tools.NewRegistry(inputValidator)

	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, err
	}
	retry := tools.RetryPolicy{MaxRetries: cfg.HTTPRetries}
	if err := tools.RegisterBuiltins(a.registry, tools.BuiltinConfig{
		HTTP:    tools.HTTPConfig{Retry: retry},
		APIs:    cfg.apiList(),
		Engines: engines,
	}); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	counter, err := a.quotaCounter(ctx)
	if err != nil {
		return nil, err
	}
	executor := tools.Chain(a.registry,
		tools.WithQuota(counter, cfg.Quotas, nil),
		tools.WithCircuitBreaker(tools.NewCircuitBreakers(tools.DefaultCircuitBreakerConfig(), a.logger)),
		tools.WithRetry(retry),
	)

	a.validator, err = validation.NewWorkflowValidator(a.registry)
	if err != nil {
		return nil, err
	}

	a.engine = engine.New(executor, a.validator, engine.Config{
		PoolSize:    cfg.PoolSize,
		NodeTimeout: cfg.NodeTimeout,
	}, a.logger)
	a.closers = append(a.closers, a.engine.Close)

	a.hub = streaming.NewMemoryHub()
	a.runner = engine.NewRunner(a.engine, a.store, a.hub, a.logger)
	a.dispatcher = trigger.NewDispatcher(a.store, a.runner)
	a.scanner = trigger.NewScanner(a.store, a.runner, a.hub, trigger.ScannerConfig{Interval: cfg.ScanInterval}, a.logger)
	a.webhooks = trigger.NewWebhookReceiver(a.store, a.runner, a.hub,
		trigger.WebhookConfig{RequireSignature: cfg.RequireWebhookSignature}, a.logger)
	a.schedules = trigger.NewSchedules(a.store)
	return a, nil
}

// quotaCounter picks the shared Postgres counter when quota_dsn is set and
// the in-process one otherwise. No quotas means no counter at all.
func (a *app) quotaCounter(ctx context.Context) (quota.Counter, error) {
	if len(a.cfg.Quotas) == 0 {
		return nil, nil
	}
	if a.cfg.QuotaDSN == "" {
		return quota.NewMemoryCounter(), nil
	}
	pg, err := quota.OpenPostgresCounter(ctx, a.cfg.QuotaDSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pg.Close)
	return pg, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
