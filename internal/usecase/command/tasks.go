package command

import (
	"context"

	"hivecore/internal/domain"
	"hivecore/internal/infra/tracer"
	"hivecore/internal/usecase/taskmanager"
)

// CreateTaskConfig creates version 1 of a task identity owned by the acting agent.
func (s *Service) CreateTaskConfig(ctx context.Context, actingAgentID string, cfg domain.TaskConfig) (out domain.TaskConfig, err error) {
	const op = "create_task_config"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskConfigWrite, tracer.TaskIdentity(cfg.TaskKind, cfg.TaskType)...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return domain.TaskConfig{}, err
	}
	if err := s.checkMutable(op); err != nil {
		return domain.TaskConfig{}, err
	}
	if cfg.OwnerAgentID == "" {
		cfg.OwnerAgentID = actingAgentID
	}
	return s.tasks.CreateTaskConfig(ctx, cfg)
}

// UpdateTaskConfig appends a new version of a task identity.
func (s *Service) UpdateTaskConfig(ctx context.Context, actingAgentID, kind, taskType string, patch domain.TaskConfigPatch) (out domain.TaskConfig, err error) {
	const op = "update_task_config"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskConfigWrite, tracer.TaskIdentity(kind, taskType)...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return domain.TaskConfig{}, err
	}
	if err := s.checkMutable(op); err != nil {
		return domain.TaskConfig{}, err
	}
	cur, err := s.tasks.GetTaskConfig(kind, taskType, 0)
	if err != nil {
		return domain.TaskConfig{}, err
	}
	if err := checkOwner(ctx, op, cur); err != nil {
		return domain.TaskConfig{}, err
	}
	return s.tasks.UpdateTaskConfig(ctx, kind, taskType, patch)
}

// DestroyTaskConfig removes a task identity and its terminal runs.
func (s *Service) DestroyTaskConfig(ctx context.Context, actingAgentID, kind, taskType string) (err error) {
	const op = "destroy_task_config"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskConfigDestroy, tracer.TaskIdentity(kind, taskType)...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return err
	}
	cur, err := s.tasks.GetTaskConfig(kind, taskType, 0)
	if err != nil {
		return err
	}
	if err := checkOwner(ctx, op, cur); err != nil {
		return err
	}
	return s.tasks.DestroyTaskConfig(ctx, kind, taskType)
}

// GetTaskConfig returns one version of a task identity; 0 selects the latest.
func (s *Service) GetTaskConfig(ctx context.Context, actingAgentID, kind, taskType string, version int) (out domain.TaskConfig, err error) {
	const op = "get_task_config"
	_, span, err := s.begin(ctx, op, actingAgentID, domain.PermPoolRead, tracer.TaskIdentity(kind, taskType)...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return domain.TaskConfig{}, err
	}
	return s.tasks.GetTaskConfig(kind, taskType, version)
}

// ListTaskConfigs returns the latest version of every task identity.
func (s *Service) ListTaskConfigs(ctx context.Context, actingAgentID string) (out []domain.TaskConfig, err error) {
	const op = "list_task_configs"
	_, span, err := s.begin(ctx, op, actingAgentID, domain.PermPoolRead)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return nil, err
	}
	return s.tasks.ListTaskConfigs(), nil
}

// GetPoolStats returns the run counters of a task identity.
func (s *Service) GetPoolStats(ctx context.Context, actingAgentID, kind, taskType string) (out domain.TaskPool, err error) {
	const op = "get_pool_stats"
	_, span, err := s.begin(ctx, op, actingAgentID, domain.PermPoolRead, tracer.TaskIdentity(kind, taskType)...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return domain.TaskPool{}, err
	}
	return s.tasks.GetPoolStats(kind, taskType)
}

// CreateTaskRun instantiates a run of a task config.
func (s *Service) CreateTaskRun(ctx context.Context, actingAgentID string, req taskmanager.CreateRunRequest) (out *domain.TaskRun, err error) {
	const op = "create_task_run"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunWrite, tracer.TaskIdentity(req.TaskKind, req.TaskType)...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return nil, err
	}
	run, err := s.tasks.CreateTaskRun(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(tracer.TaskRun(run.TaskRunID))
	return run, nil
}

// ScheduleStartTaskRuns starts runs in order and reports each outcome. On
// cancellation the results cover the runs handled so far.
func (s *Service) ScheduleStartTaskRuns(ctx context.Context, actingAgentID string, ids []string, initiatingTaskRunID string) (out []taskmanager.StartResult, err error) {
	const op = "schedule_start_task_runs"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunWrite,
		tracer.Count("task_runs", len(ids)), tracer.Label("initiating_task_run_id", initiatingTaskRunID))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return nil, err
	}
	if initiatingTaskRunID != "" {
		ctx = domain.ContextWithInitiatingRun(ctx, initiatingTaskRunID)
	}
	return s.tasks.ScheduleStartTaskRuns(ctx, ids, initiatingTaskRunID)
}

// ScheduleStartInteractionBlockingTaskRuns starts every run blocked by an
// interaction run.
func (s *Service) ScheduleStartInteractionBlockingTaskRuns(ctx context.Context, actingAgentID, interactionTaskRunID string) (out []taskmanager.StartResult, err error) {
	const op = "schedule_start_interaction_blocking_task_runs"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunWrite, tracer.TaskRun(interactionTaskRunID))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return nil, err
	}
	return s.tasks.ScheduleStartInteractionBlockingTaskRuns(ctx, interactionTaskRunID)
}

// StopTaskRun stops a run and its live dependents.
func (s *Service) StopTaskRun(ctx context.Context, actingAgentID, id string) (out []string, err error) {
	const op = "stop_task_run"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunWrite, tracer.TaskRun(id))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return nil, err
	}
	return s.tasks.StopTaskRun(ctx, id)
}

// RemoveTaskRun stops a run and deletes it from the graph.
func (s *Service) RemoveTaskRun(ctx context.Context, actingAgentID, id string) (err error) {
	const op = "remove_task_run"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunWrite, tracer.TaskRun(id))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return err
	}
	return s.tasks.RemoveTaskRun(ctx, id)
}

// GetTaskRun returns one run.
func (s *Service) GetTaskRun(ctx context.Context, actingAgentID, id string) (out *domain.TaskRun, err error) {
	const op = "get_task_run"
	_, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunRead, tracer.TaskRun(id))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return nil, err
	}
	return s.tasks.GetTaskRun(id)
}

// GetAllTaskRuns returns every run ordered by creation.
func (s *Service) GetAllTaskRuns(ctx context.Context, actingAgentID string) (out []*domain.TaskRun, err error) {
	const op = "get_all_task_runs"
	_, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunRead)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return nil, err
	}
	return s.tasks.GetAllTaskRuns(), nil
}

// IsTaskRunOccupied reports whether a run currently holds an agent.
func (s *Service) IsTaskRunOccupied(ctx context.Context, actingAgentID, id string) (out bool, err error) {
	const op = "is_task_run_occupied"
	_, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunRead, tracer.TaskRun(id))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return false, err
	}
	return s.tasks.IsTaskRunOccupied(id)
}

// AddBlockingTaskRuns makes id a blocker of each dependent.
func (s *Service) AddBlockingTaskRuns(ctx context.Context, actingAgentID, id string, dependentIDs []string) (err error) {
	const op = "add_blocking_task_runs"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunWrite, tracer.TaskRun(id), tracer.Count("dependents", len(dependentIDs)))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return err
	}
	return s.tasks.AddBlockingTaskRuns(ctx, id, dependentIDs)
}

// GetTaskRunHistory returns a run's filtered attempt history, most recent first.
func (s *Service) GetTaskRunHistory(ctx context.Context, actingAgentID, id string, q taskmanager.HistoryQuery) (out []domain.HistoryEntry, err error) {
	const op = "get_task_run_history"
	_, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunRead, tracer.TaskRun(id))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return nil, err
	}
	if q.Limit < 0 {
		return nil, domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrInvalidInput, "limit must not be negative")
	}
	if q.StartDate != nil && q.EndDate != nil && q.EndDate.Before(*q.StartDate) {
		return nil, domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrInvalidInput, "end date precedes start date")
	}
	return s.tasks.GetTaskRunHistory(id, q)
}

// AppendTrajectory records one step of a live run's trace.
func (s *Service) AppendTrajectory(ctx context.Context, actingAgentID, id string, step domain.TrajectoryStep) (err error) {
	const op = "append_trajectory"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunWrite, tracer.TaskRun(id), tracer.Label("step_kind", step.Kind))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return err
	}
	return s.tasks.AppendTrajectory(ctx, id, step)
}

// RespondToInteraction completes an executing interaction run with the response.
func (s *Service) RespondToInteraction(ctx context.Context, actingAgentID, id, response string) (err error) {
	const op = "respond_to_interaction"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunWrite, tracer.TaskRun(id))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return err
	}
	return s.tasks.RespondToInteraction(ctx, id, response)
}

// CompleteTaskRun records a successful attempt reported by an external executor.
func (s *Service) CompleteTaskRun(ctx context.Context, actingAgentID, id, output string) (err error) {
	const op = "complete_task_run"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunWrite, tracer.TaskRun(id))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return err
	}
	return s.tasks.CompleteTaskRun(ctx, id, output)
}

// FailTaskRun records a failed attempt reported by an external executor.
func (s *Service) FailTaskRun(ctx context.Context, actingAgentID, id, reason string) (err error) {
	const op = "fail_task_run"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermTaskRunWrite, tracer.TaskRun(id))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return err
	}
	return s.tasks.FailTaskRun(ctx, id, reason)
}
