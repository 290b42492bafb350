package taskmanager

import (
	"context"
	"errors"
	"time"

	"hivecore/internal/domain"
)

// admitLocked moves a startable run toward execution. An EXCLUSIVE identity
// whose slot is held queues the run as PENDING instead.
func (m *Manager) admitLocked(ctx context.Context, id string) (StartOutcome, error) {
	run := m.runs[id]
	key := run.Key()
	if m.latestModeLocked(key) == domain.ConcurrencyExclusive && m.slotHeldLocked(key, id) {
		if _, err := m.updateLocked(ctx, id, func(next *domain.TaskRun) error {
			next.Status = domain.TaskRunPending
			next.StartRequested = false
			return nil
		}); err != nil {
			return "", err
		}
		m.pending[key] = append(without(m.pending[key], id), id)
		m.logger.Debug("task run queued behind exclusive run", "task_run_id", id, "task_type", key.Type)
		return OutcomePending, nil
	}

	cfg, err := m.configLocked(key, run.ConfigVersion)
	if err != nil {
		return "", err
	}
	var delay time.Duration
	if cfg.IntervalMs > 0 && !cfg.RunImmediately {
		delay = time.Duration(cfg.IntervalMs) * time.Millisecond
	}
	return OutcomeScheduled, m.scheduleLocked(ctx, id, delay, false)
}

// slotHeldLocked reports whether a run of key other than id is in flight.
func (m *Manager) slotHeldLocked(key domain.TaskKey, id string) bool {
	for _, r := range m.runs {
		if r.TaskRunID != id && r.Key() == key && r.IsInFlight() {
			return true
		}
	}
	return false
}

// scheduleLocked puts the run in SCHEDULED and dispatches it now, or after
// delay. A retry also bumps the attempt counter.
func (m *Manager) scheduleLocked(ctx context.Context, id string, delay time.Duration, retry bool) error {
	_, err := m.updateLocked(ctx, id, func(next *domain.TaskRun) error {
		next.Status = domain.TaskRunScheduled
		next.StartRequested = false
		next.RetryPending = false
		if retry {
			next.CurrentRetryAttempt++
		}
		next.NextRunTime = nil
		if delay > 0 {
			at := m.now().Add(delay)
			next.NextRunTime = &at
		}
		return nil
	})
	if err != nil {
		return err
	}
	if delay > 0 {
		m.armLocked(id, delay, m.delayFired)
		return nil
	}
	return m.dispatchLocked(ctx, id)
}

// dispatchLocked moves a SCHEDULED run to AWAITING_AGENT and tries to lease
// an agent for it.
func (m *Manager) dispatchLocked(ctx context.Context, id string) error {
	if _, err := m.updateLocked(ctx, id, func(next *domain.TaskRun) error {
		next.Status = domain.TaskRunAwaitingAgent
		next.NextRunTime = nil
		return nil
	}); err != nil {
		return err
	}
	_, err := m.acquireLocked(ctx, id)
	return err
}

// acquireLocked leases an agent for an AWAITING_AGENT run. It reports whether
// the run left AWAITING_AGENT. Pool exhaustion keeps the run waiting for the
// next availability signal; any other lease failure counts as a failed attempt.
// A run whose transition could not be written stays queued for re-dispatch.
func (m *Manager) acquireLocked(ctx context.Context, id string) (bool, error) {
	run := m.runs[id]
	cfg, err := m.configLocked(run.Key(), run.ConfigVersion)
	if err != nil {
		return false, err
	}

	inst, err := m.agents.AcquireAgent(ctx, cfg.AgentKind, cfg.AgentType, id)
	if errors.Is(err, domain.ErrPoolExhausted) {
		m.awaitLocked(id)
		m.logger.Debug("task run awaiting agent", "task_run_id", id, "agent_type", cfg.AgentType)
		return false, nil
	}
	if err != nil {
		m.logger.Warn("agent lease failed", "task_run_id", id, "agent_type", cfg.AgentType, "error", err)
		if ferr := m.finishLocked(ctx, id, "", "", err); ferr != nil {
			m.awaitLocked(id)
			return false, ferr
		}
		m.awaiting = without(m.awaiting, id)
		return true, nil
	}

	execID := m.newID()
	next, err := m.updateLocked(ctx, id, func(next *domain.TaskRun) error {
		now := m.now()
		next.Status = domain.TaskRunExecuting
		next.IsOccupied = true
		next.OccupiedSince = &now
		next.CurrentAgentID = inst.AgentID
		next.ExecutionID = execID
		if next.StartTime == nil {
			next.StartTime = &now
		}
		next.LastRunTime = &now
		return nil
	})
	if err != nil {
		m.releaseLocked(context.WithoutCancel(ctx), id, "", inst.AgentID)
		m.awaitLocked(id)
		return false, err
	}
	m.awaiting = without(m.awaiting, id)
	m.logger.Info("task run executing", "task_run_id", id, "agent_id", inst.AgentID,
		"attempt", next.CurrentRetryAttempt, "execution_id", execID)
	m.launchLocked(next, cfg)
	return true, nil
}

// launchLocked hands the run to the executor, if one is configured.
func (m *Manager) launchLocked(run *domain.TaskRun, cfg domain.TaskConfig) {
	if m.executor == nil {
		return
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.cfg.DispatchTimeout > 0 {
		ctx, cancel = context.WithTimeout(m.runCtx, m.cfg.DispatchTimeout)
	} else {
		ctx, cancel = context.WithCancel(m.runCtx)
	}
	m.running[run.ExecutionID] = cancel

	req := domain.ExecutionRequest{
		TaskRunID:     run.TaskRunID,
		TaskKind:      cfg.TaskKind,
		TaskType:      cfg.TaskType,
		ConfigVersion: cfg.Version,
		RunKind:       run.RunKind,
		AgentID:       run.CurrentAgentID,
		Input:         run.TaskRunInput,
		Attempt:       run.CurrentRetryAttempt,
	}
	execID := run.ExecutionID
	m.execWG.Add(1)
	go func() {
		defer m.execWG.Done()
		defer cancel()
		out, err := m.executor.Execute(ctx, req)

		m.mu.Lock()
		defer m.mu.Unlock()
		if _, live := m.running[execID]; !live {
			return // stopped while executing
		}
		if m.runCtx.Err() != nil {
			return // shutting down; Recover reschedules the run
		}
		if ferr := m.finishLocked(context.Background(), req.TaskRunID, execID, out, err); ferr != nil {
			m.logger.Warn("recording execution result failed", "task_run_id", req.TaskRunID, "error", ferr)
		}
	}()
}

// CompleteTaskRun records a successful attempt of an EXECUTING run.
func (m *Manager) CompleteTaskRun(ctx context.Context, id, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.WrapOp("Manager.CompleteTaskRun", m.finishLocked(ctx, id, "", output, nil))
}

// FailTaskRun records a failed attempt of an EXECUTING run.
func (m *Manager) FailTaskRun(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason == "" {
		reason = domain.ErrExecution.Error()
	}
	return domain.WrapOp("Manager.FailTaskRun", m.finishLocked(ctx, id, "", "", errors.New(reason)))
}

// finishLocked closes the current attempt. An empty execID accepts whichever
// execution is current. A failed lease arrives here from AWAITING_AGENT.
func (m *Manager) finishLocked(ctx context.Context, id, execID, output string, execErr error) error {
	run, ok := m.runs[id]
	if !ok {
		return domain.NewSubSystemError(domain.SubSystemTaskRun, "finish", domain.ErrNotFound, id)
	}
	leaseFailed := run.Status == domain.TaskRunAwaitingAgent && execErr != nil
	if run.Status != domain.TaskRunExecuting && !leaseFailed {
		return domain.NewSubSystemError(domain.SubSystemTaskRun, "finish", domain.ErrInvalidTransition, id+" is "+string(run.Status))
	}
	if execID != "" && run.ExecutionID != execID {
		return domain.NewSubSystemError(domain.SubSystemTaskRun, "finish", domain.ErrConflict, "stale execution "+execID)
	}
	cfg, err := m.configLocked(run.Key(), run.ConfigVersion)
	if err != nil {
		return err
	}

	agentID := run.CurrentAgentID
	release := func() { m.releaseLocked(context.WithoutCancel(ctx), id, run.ExecutionID, agentID) }

	now := m.now()
	entry := domain.HistoryEntry{
		Attempt:    run.CurrentRetryAttempt,
		AgentID:    agentID,
		StartedAt:  now,
		FinishedAt: now,
		Success:    execErr == nil,
	}
	if run.LastRunTime != nil && !leaseFailed {
		entry.StartedAt = *run.LastRunTime
	}
	if execErr == nil {
		entry.Output = output
		err = m.succeedLocked(ctx, id, cfg, entry, release)
	} else {
		entry.Error = execErr.Error()
		err = m.failLocked(ctx, id, cfg, entry, release)
	}
	if err != nil {
		return err
	}
	if agentID != "" {
		m.drainAwaitingLocked(ctx)
	}
	return nil
}

// succeedLocked and failLocked call release once the attempt's outcome is
// written and before any follow-up admission.
func (m *Manager) succeedLocked(ctx context.Context, id string, cfg domain.TaskConfig, entry domain.HistoryEntry, release func()) error {
	repeat := false
	next, err := m.updateLocked(ctx, id, func(next *domain.TaskRun) error {
		m.appendHistory(next, entry)
		clearOccupancy(next)
		next.CompletedRuns++
		next.LastOutput = entry.Output
		next.LastError = ""
		next.CurrentRetryAttempt = 0
		if cfg.IntervalMs > 0 && (cfg.MaxRepeats == nil || next.CompletedRuns < *cfg.MaxRepeats) {
			repeat = true
			at := m.now().Add(time.Duration(cfg.IntervalMs) * time.Millisecond)
			next.Status = domain.TaskRunScheduled
			next.NextRunTime = &at
			return nil
		}
		next.Status = domain.TaskRunCompleted
		next.NextRunTime = nil
		if next.RunKind == domain.RunKindInteraction {
			next.InteractionStatus = domain.InteractionCompleted
		}
		return nil
	})
	if err != nil {
		return err
	}
	release()
	if repeat {
		m.armLocked(id, time.Duration(cfg.IntervalMs)*time.Millisecond, m.delayFired)
		m.logger.Info("task run repeat scheduled", "task_run_id", id, "completed_runs", next.CompletedRuns)
		return nil
	}
	m.logger.Info("task run completed", "task_run_id", id, "completed_runs", next.CompletedRuns)
	if err := m.propagateLocked(ctx, next); err != nil {
		return err
	}
	return m.admitPendingLocked(ctx, next.Key())
}

func (m *Manager) failLocked(ctx context.Context, id string, cfg domain.TaskConfig, entry domain.HistoryEntry, release func()) error {
	maxRetries := m.cfg.DefaultMaxRetries
	if cfg.MaxRetries != nil {
		maxRetries = *cfg.MaxRetries
	}
	delay := m.cfg.DefaultRetryDelay
	if cfg.RetryDelayMs != nil {
		delay = time.Duration(*cfg.RetryDelayMs) * time.Millisecond
	}

	retry := false
	next, err := m.updateLocked(ctx, id, func(next *domain.TaskRun) error {
		m.appendHistory(next, entry)
		clearOccupancy(next)
		next.Status = domain.TaskRunFailed
		next.ErrorCount++
		next.LastError = entry.Error
		next.NextRunTime = nil
		next.RetryPending = false
		if retryDecision(next.CurrentRetryAttempt, maxRetries) {
			retry = true
			at := m.now().Add(delay)
			next.RetryPending = true
			next.NextRunTime = &at
		}
		return nil
	})
	if err != nil {
		return err
	}
	release()
	if retry {
		m.armLocked(id, delay, m.retryFired)
		m.logger.Info("task run retry scheduled", "task_run_id", id,
			"attempt", next.CurrentRetryAttempt+1, "max_retries", maxRetries, "delay", delay)
		return nil
	}
	m.logger.Warn("task run failed", "task_run_id", id, "error_count", next.ErrorCount, "error", entry.Error)
	return m.admitPendingLocked(ctx, next.Key())
}

func (m *Manager) appendHistory(run *domain.TaskRun, entry domain.HistoryEntry) {
	run.History = append(run.History, entry)
	if over := len(run.History) - m.cfg.MaxHistoryEntries; over > 0 {
		run.History = append([]domain.HistoryEntry{}, run.History[over:]...)
	}
}

// releaseLocked cancels an execution and returns its agent to the pool.
func (m *Manager) releaseLocked(ctx context.Context, id, execID, agentID string) {
	if execID != "" {
		if cancel, ok := m.running[execID]; ok {
			cancel()
			delete(m.running, execID)
		}
	}
	if agentID == "" {
		return
	}
	if err := m.agents.ReleaseAgent(ctx, agentID); err != nil {
		m.logger.Warn("agent release failed", "agent_id", agentID, "task_run_id", id, "error", err)
	}
}

func (m *Manager) awaitLocked(id string) {
	if !contains(m.awaiting, id) {
		m.awaiting = append(m.awaiting, id)
	}
}

// admitPendingLocked hands a freed EXCLUSIVE slot to the oldest queued run.
func (m *Manager) admitPendingLocked(ctx context.Context, key domain.TaskKey) error {
	for len(m.pending[key]) > 0 {
		if m.latestModeLocked(key) == domain.ConcurrencyExclusive && m.slotHeldLocked(key, "") {
			return nil
		}
		id := m.pending[key][0]
		m.pending[key] = m.pending[key][1:]
		run, ok := m.runs[id]
		if !ok || run.Status != domain.TaskRunPending {
			continue
		}
		if _, err := m.admitLocked(ctx, id); err != nil {
			return err
		}
	}
	delete(m.pending, key)
	return nil
}

// drainAwaitingLocked retries every AWAITING_AGENT run, oldest first.
func (m *Manager) drainAwaitingLocked(ctx context.Context) {
	for _, id := range append([]string(nil), m.awaiting...) {
		run, ok := m.runs[id]
		if !ok || run.Status != domain.TaskRunAwaitingAgent {
			m.awaiting = without(m.awaiting, id)
			continue
		}
		if _, err := m.acquireLocked(ctx, id); err != nil {
			m.logger.Warn("re-dispatch failed", "task_run_id", id, "error", err)
		}
	}
}

// armLocked schedules fn for the run and invalidates any earlier callback.
func (m *Manager) armLocked(id string, d time.Duration, fn func(ctx context.Context, id string, gen uint64) error) {
	m.timerGen[id]++
	gen := m.timerGen[id]
	if err := m.timer.After(id, d, func(ctx context.Context) error { return fn(ctx, id, gen) }); err != nil {
		m.logger.Error("arming task run timer failed", "task_run_id", id, "error", err)
	}
}

func (m *Manager) disarmLocked(id string) {
	m.timerGen[id]++
	if err := m.timer.Cancel(id); err != nil {
		m.logger.Debug("cancel task run timer", "task_run_id", id, "error", err)
	}
}

// delayFired dispatches a run whose start or repeat delay elapsed.
func (m *Manager) delayFired(ctx context.Context, id string, gen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || m.timerGen[id] != gen || run.Status != domain.TaskRunScheduled {
		return nil
	}
	return m.dispatchLocked(ctx, id)
}

// retryFired re-enters SCHEDULED for a failed run with a retry pending.
func (m *Manager) retryFired(ctx context.Context, id string, gen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || m.timerGen[id] != gen || run.Status != domain.TaskRunFailed || !run.RetryPending {
		return nil
	}
	return m.scheduleLocked(ctx, id, 0, true)
}
