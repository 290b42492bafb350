package taskmanager

import (
	"context"

	"hivecore/internal/domain"
	"hivecore/internal/usecase/envelope"
)

// AddBlockingTaskRuns makes id a blocker of every run in dependentIDs. Edges
// are recorded on both ends. Dependents must still be CREATED, and an edge
// that would close a cycle is rejected. Validation covers the whole batch
// before anything is written.
func (m *Manager) AddBlockingTaskRuns(ctx context.Context, id string, dependentIDs []string) error {
	const op = "Manager.AddBlockingTaskRuns"
	m.mu.Lock()
	defer m.mu.Unlock()

	blocker, ok := m.runs[id]
	if !ok {
		return domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrNotFound, id)
	}
	if blocker.Status == domain.TaskRunStopped || (blocker.Status == domain.TaskRunFailed && !blocker.RetryPending) {
		return domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrConflict, id+" can no longer complete")
	}
	deps, err := m.uniqueRunsLocked(op, dependentIDs)
	if err != nil {
		return err
	}
	var add []*domain.TaskRun
	for _, d := range deps {
		switch {
		case d.TaskRunID == id:
			return domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrInvalidInput, "run cannot block itself")
		case contains(blocker.BlockingTaskRunIDs, d.TaskRunID):
			continue
		case d.Status != domain.TaskRunCreated:
			return domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrConflict, d.TaskRunID+" is "+string(d.Status))
		case m.blocksLocked(d.TaskRunID, id):
			return domain.NewSubSystemError(domain.SubSystemTaskRun, op, domain.ErrConflict, "edge "+id+" -> "+d.TaskRunID+" would create a cycle")
		}
		add = append(add, d)
	}
	if len(add) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return domain.WrapOp(op, err)
	}

	// Both ends of the batch are written even if ctx is cancelled midway.
	ctx = context.WithoutCancel(ctx)
	for _, d := range add {
		if _, err := m.updateLocked(ctx, d.TaskRunID, func(next *domain.TaskRun) error {
			next.BlockedByTaskRunIDs = append(next.BlockedByTaskRunIDs, id)
			next.IsDependent = true
			if blocker.Status == domain.TaskRunCompleted {
				next.TaskRunInput = envelope.AppendOutput(next.TaskRunInput, blocker.LastOutput, m.outstandingBlockersLocked(next) > 0)
			} else {
				next.TaskRunInput = envelope.MarkPending(next.TaskRunInput)
			}
			return nil
		}); err != nil {
			return domain.WrapOp(op, err)
		}
	}
	_, err = m.updateLocked(ctx, id, func(next *domain.TaskRun) error {
		for _, d := range add {
			next.BlockingTaskRunIDs = append(next.BlockingTaskRunIDs, d.TaskRunID)
		}
		return nil
	})
	if err != nil {
		return domain.WrapOp(op, err)
	}
	m.logger.Info("blocking edges added", "task_run_id", id, "dependents", len(add))
	return nil
}

// blocksLocked reports whether from transitively blocks to.
func (m *Manager) blocksLocked(from, to string) bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		run, ok := m.runs[cur]
		if !ok {
			continue
		}
		for _, next := range run.BlockingTaskRunIDs {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// outstandingBlockersLocked counts the blockers of run that have not completed.
func (m *Manager) outstandingBlockersLocked(run *domain.TaskRun) int {
	n := 0
	for _, b := range run.BlockedByTaskRunIDs {
		if br, ok := m.runs[b]; ok && br.Status != domain.TaskRunCompleted {
			n++
		}
	}
	return n
}

// propagateLocked merges a completed run's output into each dependent. A
// dependent whose last blocker this was, and that was asked to start, is
// admitted.
func (m *Manager) propagateLocked(ctx context.Context, done *domain.TaskRun) error {
	for _, id := range done.BlockingTaskRunIDs {
		if _, ok := m.runs[id]; !ok {
			continue
		}
		next, err := m.updateLocked(ctx, id, func(next *domain.TaskRun) error {
			next.TaskRunInput = envelope.AppendOutput(next.TaskRunInput, done.LastOutput, m.outstandingBlockersLocked(next) > 0)
			return nil
		})
		if err != nil {
			return err
		}
		if next.Status == domain.TaskRunCreated && next.StartRequested && m.outstandingBlockersLocked(next) == 0 {
			if _, err := m.admitLocked(ctx, id); err != nil {
				return err
			}
			m.logger.Info("dependent task run released", "task_run_id", id, "blocker", done.TaskRunID)
		}
	}
	return nil
}

// stopCascadeLocked stops id and every live run that transitively depends on
// it, blockers before dependents. Terminal runs are skipped. Cancellation is
// checked between runs.
func (m *Manager) stopCascadeLocked(ctx context.Context, id string) ([]string, error) {
	if root, ok := m.runs[id]; !ok || root.IsTerminal() {
		return nil, nil
	}
	order := []string{id}
	seen := map[string]bool{id: true}
	for i := 0; i < len(order); i++ {
		run, ok := m.runs[order[i]]
		if !ok {
			continue
		}
		for _, d := range run.BlockingTaskRunIDs {
			if !seen[d] {
				seen[d] = true
				order = append(order, d)
			}
		}
	}

	var stopped []string
	touched := map[domain.TaskKey]bool{}
	for _, rid := range order {
		if err := ctx.Err(); err != nil {
			return stopped, err
		}
		run, ok := m.runs[rid]
		if !ok || run.IsTerminal() {
			continue
		}
		if err := m.stopOneLocked(ctx, rid); err != nil {
			return stopped, err
		}
		touched[run.Key()] = true
		stopped = append(stopped, rid)
	}
	for _, k := range sortedTaskKeys(touched) {
		if err := m.admitPendingLocked(ctx, k); err != nil {
			return stopped, err
		}
	}
	if len(stopped) > 1 {
		m.logger.Info("task runs stopped with dependents", "task_run_id", id, "stopped", len(stopped))
	}
	return stopped, nil
}

// stopOneLocked writes STOPPED before it lets go of the run's timer and lease.
func (m *Manager) stopOneLocked(ctx context.Context, id string) error {
	prev := m.runs[id]
	if _, err := m.updateLocked(ctx, id, func(next *domain.TaskRun) error {
		clearOccupancy(next)
		next.Status = domain.TaskRunStopped
		next.RetryPending = false
		next.StartRequested = false
		next.NextRunTime = nil
		return nil
	}); err != nil {
		return err
	}
	m.disarmLocked(id)
	m.releaseLocked(context.WithoutCancel(ctx), id, prev.ExecutionID, prev.CurrentAgentID)
	m.awaiting = without(m.awaiting, id)
	m.pending[prev.Key()] = without(m.pending[prev.Key()], id)
	m.logger.Info("task run stopped", "task_run_id", id)
	return nil
}

func sortedTaskKeys(set map[domain.TaskKey]bool) []domain.TaskKey {
	names := make(map[string]bool, len(set))
	byName := make(map[string]domain.TaskKey, len(set))
	for k := range set {
		names[k.String()] = true
		byName[k.String()] = k
	}
	out := make([]domain.TaskKey, 0, len(set))
	for _, n := range sortedKeys(names) {
		out = append(out, byName[n])
	}
	return out
}
