package locator

import (
	"context"
	"errors"
	"fmt"

	"hivecore/internal/domain"
	"hivecore/internal/infra/config"
)

// Recover rebuilds the process state from the event log: both projections
// replay the stored stream and attach to the log for live events, the
// authoritative stores are restored from the replayed views, leases left by
// the previous process are released and interrupted runs are rescheduled.
func (a *App) Recover(ctx context.Context) error {
	const op = "App.Recover"
	events, err := a.Log.ReadAll(ctx)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	if err := a.Agents.Replay(events); err != nil {
		return domain.WrapOp(op, err)
	}
	if err := a.Tasks.Replay(events); err != nil {
		return domain.WrapOp(op, err)
	}

	detachAgents := a.Agents.Attach(a.Log)
	detachTasks := a.Tasks.Attach(a.Log)
	a.OnClose("projections", func(context.Context) error {
		detachTasks()
		detachAgents()
		return nil
	})

	a.Registry.Restore(a.Agents.State())
	a.Manager.Restore(a.Tasks.State())

	released, err := a.Registry.Recover(ctx)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	resumed, err := a.Manager.Recover(ctx)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	a.Logger.Info("state recovered",
		"events", len(events),
		"released_leases", released,
		"resumed_runs", resumed,
	)
	return nil
}

// Seed creates the bootstrap configs whose identity the log does not know
// yet. Agent seeds go first so task seeds can bind to them.
func (a *App) Seed(ctx context.Context, seeds config.BootstrapConfig) (int, error) {
	const op = "App.Seed"
	created := 0
	for _, cfg := range seeds.Agents {
		_, err := a.Registry.GetAgentConfig(cfg.AgentKind, cfg.AgentType, 0)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return created, domain.WrapOp(op, err)
		}
		if _, err := a.Registry.CreateAgentConfig(ctx, cfg); err != nil {
			return created, domain.WrapOp(op, err)
		}
		created++
	}
	for _, cfg := range seeds.Tasks {
		_, err := a.Manager.GetTaskConfig(cfg.TaskKind, cfg.TaskType, 0)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return created, domain.WrapOp(op, err)
		}
		if _, err := a.Manager.CreateTaskConfig(ctx, cfg); err != nil {
			return created, domain.WrapOp(op, err)
		}
		created++
	}
	if created > 0 {
		a.Logger.Info("bootstrap configs seeded", "created", created)
	}
	return created, nil
}

// Start launches the scheduler and the task manager's dispatch loop.
func (a *App) Start(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return domain.WrapOp("App.Start", err)
	}
	return domain.WrapOp("App.Start", a.Manager.Start(ctx))
}

// CheckProjections reports a halted projection, or a projection whose pool
// counters disagree with the authoritative stores. A disagreement observed
// while commands are in flight can be transient.
func (a *App) CheckProjections(_ context.Context) error {
	var errs []error
	if err := a.Agents.Err(); err != nil {
		errs = append(errs, fmt.Errorf("agents projection halted: %w", err))
	}
	if err := a.Tasks.Err(); err != nil {
		errs = append(errs, fmt.Errorf("tasks projection halted: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	agents := a.Agents.State()
	configs := a.Registry.ListAgentConfigs()
	if len(configs) != len(agents.Configs) {
		errs = append(errs, fmt.Errorf("agents projection holds %d identities, registry %d", len(agents.Configs), len(configs)))
	}
	for _, cfg := range configs {
		want, err := a.Registry.GetAgentPool(cfg.AgentKind, cfg.AgentType)
		if err != nil {
			continue
		}
		got := agents.Pools[cfg.Key()]
		if got.Stats != want.Stats || got.TargetSize != want.TargetSize {
			errs = append(errs, fmt.Errorf("agent pool %s: projection %+v, registry %+v", cfg.Key(), got.Stats, want.Stats))
		}
	}

	tasks := a.Tasks.State()
	taskConfigs := a.Manager.ListTaskConfigs()
	if len(taskConfigs) != len(tasks.Configs) {
		errs = append(errs, fmt.Errorf("tasks projection holds %d identities, manager %d", len(tasks.Configs), len(taskConfigs)))
	}
	for _, cfg := range taskConfigs {
		want, err := a.Manager.GetPoolStats(cfg.TaskKind, cfg.TaskType)
		if err != nil {
			continue
		}
		if got := tasks.Pools[cfg.Key()]; got.Stats != want.Stats {
			errs = append(errs, fmt.Errorf("task pool %s: projection %+v, manager %+v", cfg.Key(), got.Stats, want.Stats))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
