package taskmanager

import (
	"context"
	"sort"
	"time"

	"hivecore/internal/domain"
	"hivecore/internal/usecase/envelope"
)

// CreateRunRequest describes a new task run.
type CreateRunRequest struct {
	TaskKind            string
	TaskType            string
	ConfigVersion       int // 0 pins the latest version
	RunKind             domain.RunKind
	TaskRunInput        string
	OriginTaskRunID     string
	BlockedByTaskRunIDs []string
}

// StartOutcome is the per-run result of a batch start.
type StartOutcome string

const (
	OutcomeScheduled StartOutcome = "scheduled" // admitted and dispatched or delayed
	OutcomePending   StartOutcome = "pending"   // queued behind an EXCLUSIVE run
	OutcomeArmed     StartOutcome = "armed"     // dependent; starts when its blockers complete
	OutcomeRejected  StartOutcome = "rejected"
)

// StartResult reports what a batch start did with one run.
type StartResult struct {
	TaskRunID string
	Outcome   StartOutcome
	Err       error
}

// HistoryQuery filters GetTaskRunHistory.
type HistoryQuery struct {
	Limit       int
	StartDate   *time.Time
	EndDate     *time.Time
	SuccessOnly bool
}

// CreateTaskRun instantiates a run in CREATED. A run with blockers is
// dependent: it only leaves CREATED once every blocker has completed.
func (m *Manager) CreateTaskRun(ctx context.Context, req CreateRunRequest) (*domain.TaskRun, error) {
	const op = "Manager.CreateTaskRun"
	if req.RunKind == "" {
		req.RunKind = domain.RunKindAutomatic
	}
	if !req.RunKind.Valid() {
		return nil, domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrInvalidInput, "unknown run kind "+string(req.RunKind))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.configLocked(domain.TaskKey{Kind: req.TaskKind, Type: req.TaskType}, req.ConfigVersion)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	blockers, err := m.uniqueRunsLocked(op, req.BlockedByTaskRunIDs)
	if err != nil {
		return nil, err
	}

	now := m.now()
	run := &domain.TaskRun{
		TaskRunID:           m.newID(),
		OriginTaskRunID:     req.OriginTaskRunID,
		TaskKind:            cfg.TaskKind,
		TaskType:            cfg.TaskType,
		ConfigVersion:       cfg.Version,
		RunKind:             req.RunKind,
		TaskRunInput:        req.TaskRunInput,
		Status:              domain.TaskRunCreated,
		Revision:            1,
		CurrentTrajectory:   []domain.TrajectoryStep{},
		History:             []domain.HistoryEntry{},
		IsDependent:         len(blockers) > 0,
		BlockedByTaskRunIDs: []string{},
		BlockingTaskRunIDs:  []string{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if req.RunKind == domain.RunKindInteraction {
		run.InteractionStatus = domain.InteractionPending
	}
	for _, b := range blockers {
		run.BlockedByTaskRunIDs = append(run.BlockedByTaskRunIDs, b.TaskRunID)
	}
	run.TaskRunInput = seedInput(run.TaskRunInput, blockers)

	if _, err := m.log.Append(ctx, domain.EventTaskRunCreated, domain.TaskRunPayload{Run: *run}); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	m.runs[run.TaskRunID] = run

	// Once the run exists its edges are completed even if ctx is cancelled.
	// A failed edge write takes the run back out.
	edgeCtx := context.WithoutCancel(ctx)
	for _, b := range blockers {
		if _, err := m.updateLocked(edgeCtx, b.TaskRunID, func(next *domain.TaskRun) error {
			next.BlockingTaskRunIDs = append(next.BlockingTaskRunIDs, run.TaskRunID)
			return nil
		}); err != nil {
			if rbErr := m.removeLocked(edgeCtx, run.TaskRunID); rbErr != nil {
				m.logger.Error("rolling back task run failed", "task_run_id", run.TaskRunID, "error", rbErr)
			}
			return nil, domain.WrapOp(op, err)
		}
	}
	m.logger.Info("task run created", "task_run_id", run.TaskRunID, "task_type", run.TaskType,
		"run_kind", run.RunKind, "blocked_by", len(blockers))
	return m.runs[run.TaskRunID].Clone(), nil
}

// seedInput folds the output of already-completed blockers into input and
// marks it pending while any blocker is still outstanding.
func seedInput(input string, blockers []*domain.TaskRun) string {
	outstanding := 0
	for _, b := range blockers {
		if b.Status != domain.TaskRunCompleted {
			outstanding++
		}
	}
	if outstanding > 0 {
		input = envelope.MarkPending(input)
	}
	for _, b := range blockers {
		if b.Status == domain.TaskRunCompleted {
			input = envelope.AppendOutput(input, b.LastOutput, outstanding > 0)
		}
	}
	return input
}

// ScheduleStartTaskRuns starts each run in order. Runs are processed one at a
// time; if ctx is cancelled the runs already handled stay as they are and
// the rest are untouched.
func (m *Manager) ScheduleStartTaskRuns(ctx context.Context, ids []string, initiatingTaskRunID string) ([]StartResult, error) {
	const op = "Manager.ScheduleStartTaskRuns"
	results := make([]StartResult, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return results, domain.WrapOp(op, err)
		}
		m.mu.Lock()
		outcome, err := m.startLocked(ctx, id)
		m.mu.Unlock()
		if err != nil {
			outcome = OutcomeRejected
			m.logger.Debug("task run start rejected", "task_run_id", id, "initiating_task_run_id", initiatingTaskRunID, "error", err)
		} else {
			m.logger.Info("task run start requested", "task_run_id", id, "initiating_task_run_id", initiatingTaskRunID, "outcome", outcome)
		}
		results = append(results, StartResult{TaskRunID: id, Outcome: outcome, Err: err})
	}
	return results, nil
}

// ScheduleStartInteractionBlockingTaskRuns starts, as one batch, every run
// blocked by the given interaction run.
func (m *Manager) ScheduleStartInteractionBlockingTaskRuns(ctx context.Context, interactionTaskRunID string) ([]StartResult, error) {
	const op = "Manager.ScheduleStartInteractionBlockingTaskRuns"
	m.mu.Lock()
	run, ok := m.runs[interactionTaskRunID]
	if !ok {
		m.mu.Unlock()
		return nil, domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrNotFound, interactionTaskRunID)
	}
	if run.RunKind != domain.RunKindInteraction {
		m.mu.Unlock()
		return nil, domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrInvalidInput, interactionTaskRunID+" is not an interaction run")
	}
	ids := append([]string(nil), run.BlockingTaskRunIDs...)
	m.mu.Unlock()

	return m.ScheduleStartTaskRuns(domain.ContextWithInitiatingRun(ctx, interactionTaskRunID), ids, interactionTaskRunID)
}

func (m *Manager) startLocked(ctx context.Context, id string) (StartOutcome, error) {
	const op = "Manager.ScheduleStartTaskRuns"
	run, ok := m.runs[id]
	if !ok {
		return "", domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrNotFound, id)
	}
	if run.Status != domain.TaskRunCreated && run.Status != domain.TaskRunStopped {
		return "", domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrInvalidTransition, id+" is "+string(run.Status))
	}

	if run.IsDependent && m.outstandingBlockersLocked(run) > 0 {
		_, err := m.updateLocked(ctx, id, func(next *domain.TaskRun) error {
			next.Status = domain.TaskRunCreated
			next.StartRequested = true
			return nil
		})
		if err != nil {
			return "", domain.WrapOp(op, err)
		}
		return OutcomeArmed, nil
	}
	outcome, err := m.admitLocked(ctx, id)
	return outcome, domain.WrapOp(op, err)
}

// StopTaskRun forces a live run to STOPPED, releasing any held agent. Every
// live run that transitively depends on it is stopped too. Stopping a
// terminal run is a no-op. The returned ids are the runs actually stopped.
func (m *Manager) StopTaskRun(ctx context.Context, id string) ([]string, error) {
	const op = "Manager.StopTaskRun"
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; !ok {
		return nil, domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrNotFound, id)
	}
	stopped, err := m.stopCascadeLocked(ctx, id)
	m.drainAwaitingLocked(ctx)
	return stopped, domain.WrapOp(op, err)
}

// RemoveTaskRun stops the run (with the same cascade as StopTaskRun),
// detaches it from the dependency graph and deletes the record.
func (m *Manager) RemoveTaskRun(ctx context.Context, id string) error {
	const op = "Manager.RemoveTaskRun"
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[id]; !ok {
		return domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrNotFound, id)
	}
	if _, err := m.stopCascadeLocked(ctx, id); err != nil {
		return domain.WrapOp(op, err)
	}
	err := m.removeLocked(ctx, id)
	m.drainAwaitingLocked(ctx)
	return domain.WrapOp(op, err)
}

// removeLocked deletes a terminal run and drops it from every edge list.
func (m *Manager) removeLocked(ctx context.Context, id string) error {
	run := m.runs[id]
	for _, b := range run.BlockedByTaskRunIDs {
		if _, ok := m.runs[b]; !ok {
			continue
		}
		if _, err := m.updateLocked(ctx, b, func(next *domain.TaskRun) error {
			next.BlockingTaskRunIDs = without(next.BlockingTaskRunIDs, id)
			return nil
		}); err != nil {
			return err
		}
	}
	for _, d := range run.BlockingTaskRunIDs {
		if _, ok := m.runs[d]; !ok {
			continue
		}
		if _, err := m.updateLocked(ctx, d, func(next *domain.TaskRun) error {
			next.BlockedByTaskRunIDs = without(next.BlockedByTaskRunIDs, id)
			next.IsDependent = len(next.BlockedByTaskRunIDs) > 0
			if m.outstandingBlockersLocked(next) == 0 {
				next.TaskRunInput = envelope.ClearPending(next.TaskRunInput)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if _, err := m.log.Append(ctx, domain.EventTaskRunRemoved, domain.TaskRunRemovedPayload{TaskRunID: id}); err != nil {
		return err
	}
	delete(m.runs, id)
	delete(m.timerGen, id)
	m.logger.Info("task run removed", "task_run_id", id)
	return nil
}

// GetTaskRun returns a copy of one run.
func (m *Manager) GetTaskRun(id string) (*domain.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, domain.NewSubSystemError(domain.SubSystemTaskRun, "Manager.GetTaskRun", domain.ErrNotFound, id)
	}
	return run.Clone(), nil
}

// GetAllTaskRuns returns copies of every run ordered by creation.
func (m *Manager) GetAllTaskRuns() []*domain.TaskRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := m.sortedRunsLocked(nil)
	out := make([]*domain.TaskRun, len(runs))
	for i, r := range runs {
		out[i] = r.Clone()
	}
	return out
}

// IsTaskRunOccupied reports whether the run currently holds an agent.
func (m *Manager) IsTaskRunOccupied(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return false, domain.NewSubSystemError(domain.SubSystemTaskRun, "Manager.IsTaskRunOccupied", domain.ErrNotFound, id)
	}
	return run.IsOccupied, nil
}

// GetTaskRunHistory returns the run's attempt history, most recent first.
func (m *Manager) GetTaskRunHistory(id string, q HistoryQuery) ([]domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, domain.NewSubSystemError(domain.SubSystemTaskRun, "Manager.GetTaskRunHistory", domain.ErrNotFound, id)
	}

	out := make([]domain.HistoryEntry, 0, len(run.History))
	for i := len(run.History) - 1; i >= 0; i-- {
		h := run.History[i]
		if q.SuccessOnly && !h.Success {
			continue
		}
		if q.StartDate != nil && h.StartedAt.Before(*q.StartDate) {
			continue
		}
		if q.EndDate != nil && h.StartedAt.After(*q.EndDate) {
			continue
		}
		out = append(out, h)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// AppendTrajectory records one step of a live run's execution trace.
func (m *Manager) AppendTrajectory(ctx context.Context, id string, step domain.TrajectoryStep) error {
	const op = "Manager.AppendTrajectory"
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrNotFound, id)
	}
	if run.IsTerminal() {
		return domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrConflict, id+" is "+string(run.Status))
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = m.now()
	}
	_, err := m.updateLocked(ctx, id, func(next *domain.TaskRun) error {
		next.CurrentTrajectory = append(next.CurrentTrajectory, step)
		return nil
	})
	return domain.WrapOp(op, err)
}

// RespondToInteraction records the user's response on an executing
// interaction run and completes it with the response as output.
func (m *Manager) RespondToInteraction(ctx context.Context, id, response string) error {
	const op = "Manager.RespondToInteraction"
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrNotFound, id)
	}
	if run.RunKind != domain.RunKindInteraction {
		return domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrInvalidInput, id+" is not an interaction run")
	}
	if run.Status != domain.TaskRunExecuting {
		return domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrInvalidTransition, id+" is "+string(run.Status))
	}
	if _, err := m.updateLocked(ctx, id, func(next *domain.TaskRun) error {
		next.Response = response
		return nil
	}); err != nil {
		return domain.WrapOp(op, err)
	}
	return domain.WrapOp(op, m.finishLocked(ctx, id, "", response, nil))
}

func (m *Manager) uniqueRunsLocked(op string, ids []string) ([]*domain.TaskRun, error) {
	seen := make(map[string]bool, len(ids))
	out := make([]*domain.TaskRun, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		r, ok := m.runs[id]
		if !ok {
			return nil, domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrNotFound, id)
		}
		out = append(out, r)
	}
	return out, nil
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// sortedKeys returns map keys in order; used where iteration order reaches the log.
func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
