package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"hivecore/internal/adapter/eventlog"
	"hivecore/internal/adapter/executor"
	"hivecore/internal/domain"
	"hivecore/internal/infra/config"
	"hivecore/internal/infra/logger"
	"hivecore/internal/infra/tracer"
	"hivecore/internal/usecase/agentregistry"
	"hivecore/internal/usecase/command"
	"hivecore/internal/usecase/eventbus"
	"hivecore/internal/usecase/locator"
	"hivecore/internal/usecase/projection"
	"hivecore/internal/usecase/scheduling"
	"hivecore/internal/usecase/taskmanager"
)

// buildApp wires every component from cfg. Nothing is replayed or started;
// on failure the components built so far are closed.
func buildApp(ctx context.Context, cfg *config.Config) (app *locator.App, err error) {
	// 1. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	app = &locator.App{Config: cfg, Logger: log}
	app.OnClose("logger", func(context.Context) error { return logCloser() })
	defer func() {
		if err != nil {
			_ = app.Close(ctx)
			app = nil
		}
	}()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	app.OnClose("tracer", tracerShutdown)

	// 2. Event log, bus and projections
	events, err := openEventLog(cfg.EventLog, log)
	if err != nil {
		return nil, fmt.Errorf("event log: %w", err)
	}
	app.Log = events
	app.OnClose("event_log", func(context.Context) error { return events.Close() })

	bus := eventbus.New(logger.Component(log, "event_bus"))
	app.Bus = bus
	app.OnClose("event_bus", func(context.Context) error { bus.Close(); return nil })
	projLog := logger.Component(log, "projection")
	bus.Subscribe(domain.EventProjectionUpdated, func(ctx context.Context, ev domain.Event) {
		projLog.DebugContext(ctx, "projection updated", "seq", ev.Seq, "update", string(ev.Payload))
	})

	app.Agents = projection.NewAgentEngine(projection.WithLogger(projLog), projection.WithBus(bus))
	app.Tasks = projection.NewTaskEngine(projection.WithLogger(projLog), projection.WithBus(bus))

	// 3. Authorities
	app.Registry = agentregistry.NewRegistry(events, agentregistry.Config{
		DefaultMaxPoolSize: cfg.Agents.DefaultMaxPoolSize,
		AutoPopulatePool:   cfg.Agents.AutoPopulatePool,
	}, logger.Component(log, "agent_registry"))

	app.Scheduler = scheduling.NewScheduler(logger.Component(log, "scheduler"))
	app.OnClose("scheduler", func(context.Context) error { return app.Scheduler.Stop() })

	exec, err := executor.FromConfig(cfg.Executor.Kind, breakerConfig(cfg.Executor.Breaker), logger.Component(log, "executor"))
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	app.Manager = taskmanager.NewManager(events, app.Registry, app.Scheduler, exec, taskmanager.Config{
		MaxHistoryEntries: cfg.Tasks.MaxHistoryEntries,
		DefaultMaxRetries: cfg.Tasks.DefaultMaxRetries,
		DefaultRetryDelay: cfg.Tasks.DefaultRetryDelay,
		DispatchTimeout:   cfg.Tasks.DispatchTimeout,
	}, logger.Component(log, "task_manager"))
	app.OnClose("task_manager", func(context.Context) error { return app.Manager.Stop() })

	// 4. Command surface
	app.Commands = command.NewService(app.Registry, app.Manager, command.Config{
		SystemAgentID:       cfg.Commands.SystemAgentID,
		AllowConfigMutation: cfg.Agents.AllowConfigMutation,
		RateLimitPerMin:     cfg.Commands.RateLimitPerMin,
		RateLimitBurst:      cfg.Commands.RateLimitBurst,
	}, logger.Component(log, "commands"))
	app.OnClose("commands", func(context.Context) error { return app.Commands.Close() })

	// 5. Maintenance
	app.Scheduler.RegisterAction(scheduling.ActionProjectionCheck, app.CheckProjections)
	if cfg.Scheduler.ProjectionCheck != "" {
		if err := app.Scheduler.AddTask(scheduling.ScheduledTask{
			Name:     "projection-check",
			Schedule: cfg.Scheduler.ProjectionCheck,
			Action:   scheduling.ActionProjectionCheck,
		}); err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
	}
	return app, nil
}

func openEventLog(cfg config.EventLogConfig, log *slog.Logger) (domain.EventLog, error) {
	switch cfg.Driver {
	case "memory":
		return eventlog.NewMemoryLog(logger.Component(log, "event_log")), nil
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create event log directory: %w", err)
		}
		l, err := eventlog.NewSQLiteLog(cfg.Path, logger.Component(log, "event_log"))
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown event log driver %q", cfg.Driver)
	}
}

func breakerConfig(cfg config.BreakerConfig) *executor.BreakerConfig {
	if !cfg.Enabled {
		return nil
	}
	return &executor.BreakerConfig{
		MaxFailures: uint32(cfg.MaxFailures),
		Timeout:     cfg.Timeout,
		Interval:    cfg.Interval,
	}
}

// recoverAndSeed replays the log into the wired app and seeds bootstrap
// configs the log does not know yet.
func recoverAndSeed(ctx context.Context, app *locator.App) error {
	if err := app.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if _, err := app.Seed(ctx, app.Config.Bootstrap); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	return nil
}
