// Package taskmanager owns task configs and task runs: the run state
// machine, concurrency-mode admission, agent dispatch, retries, repeats and
// the blocking-dependency graph.
//
// Like the agent registry it is a transactional authority: each change is
// validated, appended to the event log, and then applied to the in-memory
// store. All mutations are serialized by a single mutex.
package taskmanager

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"hivecore/internal/domain"
	"hivecore/internal/usecase/projection"
)

// Agents is the slice of the agent registry the manager dispatches against.
type Agents interface {
	HasAgentConfig(key domain.AgentKey) bool
	AcquireAgent(ctx context.Context, kind domain.AgentKind, agentType, taskRunID string) (*domain.AgentInstance, error)
	ReleaseAgent(ctx context.Context, agentID string) error
	OnAvailable(fn func(domain.AgentKey))
}

// Timer runs delayed callbacks keyed by task run id. Arming an id replaces
// any pending callback for it.
type Timer interface {
	After(id string, d time.Duration, fn func(ctx context.Context) error) error
	Cancel(id string) error
}

// Config holds task defaults.
type Config struct {
	MaxHistoryEntries int
	DefaultMaxRetries int
	DefaultRetryDelay time.Duration
	DispatchTimeout   time.Duration // per execution; 0 means none
}

// Manager is the task authority.
type Manager struct {
	mu       sync.Mutex
	log      domain.EventLog
	agents   Agents
	timer    Timer
	executor domain.Executor
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	newID    domain.IDGenerator

	configs map[domain.TaskKey][]domain.TaskConfig
	runs    map[string]*domain.TaskRun

	pending  map[domain.TaskKey][]string // EXCLUSIVE admission queues, FIFO
	awaiting []string                    // runs waiting on agent capacity, oldest first
	timerGen map[string]uint64
	running  map[string]context.CancelFunc // execution id -> cancel

	wake    chan struct{}
	runCtx  context.Context
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	execWG  sync.WaitGroup
	started bool
}

// NewManager creates a Manager. executor may be nil, in which case runs stay
// EXECUTING until CompleteTaskRun or FailTaskRun is called.
func NewManager(log domain.EventLog, agents Agents, timer Timer, executor domain.Executor, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxHistoryEntries <= 0 {
		cfg.MaxHistoryEntries = 50
	}
	m := &Manager{
		log:      log,
		agents:   agents,
		timer:    timer,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    domain.NewID,
		configs:  make(map[domain.TaskKey][]domain.TaskConfig),
		runs:     make(map[string]*domain.TaskRun),
		pending:  make(map[domain.TaskKey][]string),
		timerGen: make(map[string]uint64),
		running:  make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
		runCtx:   context.Background(),
	}
	agents.OnAvailable(func(domain.AgentKey) {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	})
	return m
}

// Start runs the loop that re-dispatches AWAITING_AGENT runs when agent
// capacity appears. Executions launched afterwards inherit ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.started = true

	m.loopWG.Add(1)
	go m.wakeLoop(m.runCtx)
	m.logger.Info("task manager started")
	return nil
}

// Stop ends the wake loop, cancels running executions and waits for them.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	m.started = false
	m.mu.Unlock()

	m.loopWG.Wait()
	m.execWG.Wait()
	m.logger.Info("task manager stopped")
	return nil
}

func (m *Manager) wakeLoop(ctx context.Context) {
	defer m.loopWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
			m.mu.Lock()
			m.drainAwaitingLocked(ctx)
			m.mu.Unlock()
		}
	}
}

// CreateTaskConfig creates version 1 of a task identity. The bound agent
// identity must exist.
func (m *Manager) CreateTaskConfig(ctx context.Context, cfg domain.TaskConfig) (domain.TaskConfig, error) {
	const op = "Manager.CreateTaskConfig"
	if cfg.ConcurrencyMode == "" {
		cfg.ConcurrencyMode = domain.ConcurrencyParallel
	}
	if err := m.validateConfig(op, cfg); err != nil {
		return domain.TaskConfig{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := cfg.Key()
	if _, exists := m.configs[key]; exists {
		return domain.TaskConfig{}, domain.NewSubSystemError(domain.SubSystemTask, op, domain.ErrDuplicate, key.String())
	}
	next := cfg.Clone()
	next.Version = 1
	next.CreatedAt = m.now()
	if _, err := m.log.Append(ctx, domain.EventTaskConfigCreated, domain.TaskConfigPayload{Config: next}); err != nil {
		return domain.TaskConfig{}, domain.WrapOp(op, err)
	}
	m.configs[key] = []domain.TaskConfig{next}
	m.logger.Info("task config created", "task_kind", next.TaskKind, "task_type", next.TaskType,
		"concurrency_mode", next.ConcurrencyMode, "agent_type", next.AgentType)
	return next.Clone(), nil
}

// UpdateTaskConfig appends version N+1. Existing runs keep their version.
func (m *Manager) UpdateTaskConfig(ctx context.Context, kind, taskType string, patch domain.TaskConfigPatch) (domain.TaskConfig, error) {
	const op = "Manager.UpdateTaskConfig"
	key := domain.TaskKey{Kind: kind, Type: taskType}

	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.configs[key]
	if !ok {
		return domain.TaskConfig{}, domain.NewSubSystemError(domain.SubSystemTask, op, domain.ErrNotFound, key.String())
	}
	next := patch.Apply(versions[len(versions)-1])
	next.CreatedAt = m.now()
	if err := m.validateConfig(op, next); err != nil {
		return domain.TaskConfig{}, err
	}
	if _, err := m.log.Append(ctx, domain.EventTaskConfigUpdated, domain.TaskConfigPayload{Config: next}); err != nil {
		return domain.TaskConfig{}, domain.WrapOp(op, err)
	}
	prevMode := versions[len(versions)-1].ConcurrencyMode
	m.configs[key] = append(versions, next)
	m.logger.Info("task config updated", "task_kind", kind, "task_type", taskType, "version", next.Version)

	// Leaving EXCLUSIVE releases every queued run at once.
	if prevMode == domain.ConcurrencyExclusive && next.ConcurrencyMode != prevMode {
		if err := m.admitPendingLocked(ctx, key); err != nil {
			m.logger.Warn("admitting queued task runs failed", "task_kind", kind, "task_type", taskType, "error", err)
		}
	}
	return next.Clone(), nil
}

// DestroyTaskConfig removes every version of a task identity together with
// its terminal runs. It is rejected while any run is still live.
func (m *Manager) DestroyTaskConfig(ctx context.Context, kind, taskType string) error {
	const op = "Manager.DestroyTaskConfig"
	key := domain.TaskKey{Kind: kind, Type: taskType}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[key]; !ok {
		return domain.NewSubSystemError(domain.SubSystemTask, op, domain.ErrNotFound, key.String())
	}
	runs := m.runsOfLocked(key)
	for _, r := range runs {
		if !r.IsTerminal() {
			return domain.NewSubSystemError(domain.SubSystemTask, op, domain.ErrInUse, "run "+r.TaskRunID+" is "+string(r.Status))
		}
	}
	for _, r := range runs {
		if err := m.removeLocked(ctx, r.TaskRunID); err != nil {
			return domain.WrapOp(op, err)
		}
	}
	if _, err := m.log.Append(ctx, domain.EventTaskConfigDestroyed, domain.TaskKeyPayload{TaskKind: kind, TaskType: taskType}); err != nil {
		return domain.WrapOp(op, err)
	}
	delete(m.configs, key)
	delete(m.pending, key)
	m.logger.Info("task config destroyed", "task_kind", kind, "task_type", taskType, "runs_removed", len(runs))
	return nil
}

// GetTaskConfig returns one version of a task identity; version 0 selects the latest.
func (m *Manager) GetTaskConfig(kind, taskType string, version int) (domain.TaskConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, err := m.configLocked(domain.TaskKey{Kind: kind, Type: taskType}, version)
	if err != nil {
		return domain.TaskConfig{}, domain.WrapOp("Manager.GetTaskConfig", err)
	}
	return cfg.Clone(), nil
}

// ListTaskConfigs returns the latest version of every task identity, ordered by key.
func (m *Manager) ListTaskConfigs() []domain.TaskConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TaskConfig, 0, len(m.configs))
	for _, versions := range m.configs {
		out = append(out, versions[len(versions)-1].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// GetPoolStats derives the pool view of a task identity.
func (m *Manager) GetPoolStats(kind, taskType string) (domain.TaskPool, error) {
	key := domain.TaskKey{Kind: kind, Type: taskType}
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.configs[key]
	if !ok {
		return domain.TaskPool{}, domain.NewSubSystemError(domain.SubSystemTask, "Manager.GetPoolStats", domain.ErrNotFound, key.String())
	}
	nums := make([]int, len(versions))
	for i, c := range versions {
		nums[i] = c.Version
	}
	return domain.BuildTaskPool(key, nums, m.runsOfLocked(key)), nil
}

// Restore replaces the authoritative store with a replayed projection
// snapshot. Call Recover afterwards to resume in-flight runs.
func (m *Manager) Restore(state *projection.TaskState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs = make(map[domain.TaskKey][]domain.TaskConfig, len(state.Configs))
	for k, versions := range state.Configs {
		cp := make([]domain.TaskConfig, len(versions))
		for i, c := range versions {
			cp[i] = c.Clone()
		}
		m.configs[k] = cp
	}
	m.runs = make(map[string]*domain.TaskRun, len(state.Runs))
	for id, r := range state.Runs {
		m.runs[id] = r.Clone()
	}
	m.pending = make(map[domain.TaskKey][]string)
	m.awaiting = nil
	m.logger.Info("task manager restored", "configs", len(m.configs), "runs", len(m.runs))
}

// Recover resumes work interrupted by a restart. Agent leases must already
// have been released by the registry. In-flight executions are lost, so
// their runs go back to SCHEDULED; delays are re-armed for the time left.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	const op = "Manager.Recover"
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := m.sortedRunsLocked(func(r *domain.TaskRun) bool { return !r.IsTerminal() })
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].UpdatedAt.Before(runs[j].UpdatedAt) })

	resumed := 0
	for _, r := range runs {
		switch {
		case r.Status == domain.TaskRunPending:
			m.pending[r.Key()] = append(m.pending[r.Key()], r.TaskRunID)
		case r.Status == domain.TaskRunFailed && r.RetryPending:
			m.armLocked(r.TaskRunID, m.untilLocked(r.NextRunTime), m.retryFired)
			resumed++
		case r.Status == domain.TaskRunScheduled && r.NextRunTime != nil:
			m.armLocked(r.TaskRunID, m.untilLocked(r.NextRunTime), m.delayFired)
			resumed++
		case r.Status == domain.TaskRunScheduled, r.Status == domain.TaskRunAwaitingAgent, r.Status == domain.TaskRunExecuting:
			if r.Status != domain.TaskRunScheduled {
				if _, err := m.updateLocked(ctx, r.TaskRunID, func(next *domain.TaskRun) error {
					next.Status = domain.TaskRunScheduled
					clearOccupancy(next)
					return nil
				}); err != nil {
					return resumed, domain.WrapOp(op, err)
				}
			}
			if err := m.dispatchLocked(ctx, r.TaskRunID); err != nil {
				return resumed, domain.WrapOp(op, err)
			}
			resumed++
		}
	}

	// The log may end after a slot was freed but before the next queued run
	// was admitted.
	queued := make(map[domain.TaskKey]bool, len(m.pending))
	for k := range m.pending {
		queued[k] = true
	}
	for _, k := range sortedTaskKeys(queued) {
		if err := m.admitPendingLocked(ctx, k); err != nil {
			return resumed, domain.WrapOp(op, err)
		}
	}
	m.logger.Info("task runs recovered", "resumed", resumed)
	return resumed, nil
}

func (m *Manager) validateConfig(op string, cfg domain.TaskConfig) error {
	invalid := func(detail string) error {
		return domain.NewSubSystemError(domain.SubSystemTask, op, domain.ErrInvalidInput, detail)
	}
	switch {
	case cfg.TaskKind == "":
		return invalid("task kind is required")
	case cfg.TaskType == "":
		return invalid("task type is required")
	case !cfg.ConcurrencyMode.Valid():
		return invalid("unknown concurrency mode " + strconv.Quote(string(cfg.ConcurrencyMode)))
	case !cfg.AgentKind.Valid():
		return invalid("unknown agent kind " + strconv.Quote(string(cfg.AgentKind)))
	case cfg.AgentType == "":
		return invalid("agent type is required")
	case cfg.IntervalMs < 0:
		return invalid("interval must not be negative")
	case cfg.MaxRetries != nil && *cfg.MaxRetries < 0:
		return invalid("max retries must not be negative")
	case cfg.RetryDelayMs != nil && *cfg.RetryDelayMs < 0:
		return invalid("retry delay must not be negative")
	case cfg.MaxRepeats != nil && *cfg.MaxRepeats < 1:
		return invalid("max repeats must be at least 1")
	}
	if !m.agents.HasAgentConfig(cfg.AgentKey()) {
		return domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrNotFound, "bound agent "+cfg.AgentKey().String())
	}
	return nil
}

func (m *Manager) configLocked(key domain.TaskKey, version int) (domain.TaskConfig, error) {
	versions, ok := m.configs[key]
	if !ok {
		return domain.TaskConfig{}, domain.NewSubSystemError(domain.SubSystemTask, "lookup", domain.ErrNotFound, key.String())
	}
	if version == 0 {
		return versions[len(versions)-1], nil
	}
	for _, c := range versions {
		if c.Version == version {
			return c, nil
		}
	}
	return domain.TaskConfig{}, domain.NewSubSystemError(domain.SubSystemTask, "lookup", domain.ErrNotFound,
		key.String()+" version "+strconv.Itoa(version))
}

// latestModeLocked returns the concurrency mode of the latest version, which
// governs admission for every run of the identity.
func (m *Manager) latestModeLocked(key domain.TaskKey) domain.ConcurrencyMode {
	versions := m.configs[key]
	if len(versions) == 0 {
		return domain.ConcurrencyParallel
	}
	return versions[len(versions)-1].ConcurrencyMode
}

func (m *Manager) runsOfLocked(key domain.TaskKey) []*domain.TaskRun {
	var out []*domain.TaskRun
	for _, r := range m.runs {
		if r.Key() == key {
			out = append(out, r)
		}
	}
	sortRuns(out)
	return out
}

func (m *Manager) sortedRunsLocked(match func(*domain.TaskRun) bool) []*domain.TaskRun {
	var out []*domain.TaskRun
	for _, r := range m.runs {
		if match == nil || match(r) {
			out = append(out, r)
		}
	}
	sortRuns(out)
	return out
}

func sortRuns(runs []*domain.TaskRun) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].TaskRunID < runs[j].TaskRunID
	})
}

// updateLocked applies mutate to a copy of the run, appends the snapshot and
// then swaps it in. The stored run is untouched if mutate or the append fails.
func (m *Manager) updateLocked(ctx context.Context, id string, mutate func(next *domain.TaskRun) error) (*domain.TaskRun, error) {
	cur, ok := m.runs[id]
	if !ok {
		return nil, domain.NewSubSystemError(domain.SubSystemTaskRun, "update", domain.ErrNotFound, id)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.Status != cur.Status {
		if err := ValidateTransition(cur.Status, next.Status); err != nil {
			return nil, domain.NewSubSystemError(domain.SubSystemTaskRun, "update", err, id)
		}
	}
	next.Revision = cur.Revision + 1
	next.UpdatedAt = m.now()
	if _, err := m.log.Append(ctx, domain.EventTaskRunUpdated, domain.TaskRunPayload{Run: *next}); err != nil {
		return nil, err
	}
	m.runs[id] = next
	return next, nil
}

func (m *Manager) untilLocked(t *time.Time) time.Duration {
	if t == nil {
		return 0
	}
	if d := t.Sub(m.now()); d > 0 {
		return d
	}
	return 0
}

func clearOccupancy(r *domain.TaskRun) {
	r.IsOccupied = false
	r.OccupiedSince = nil
	r.CurrentAgentID = ""
	r.ExecutionID = ""
}
