package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivecore/internal/adapter/eventlog"
	"hivecore/internal/domain"
	"hivecore/internal/usecase/agentregistry"
	"hivecore/internal/usecase/projection"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTimer records armed callbacks so tests can fire them by hand.
type fakeTimer struct {
	mu     sync.Mutex
	fns    map[string]func(context.Context) error
	delays map[string]time.Duration
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{
		fns:    make(map[string]func(context.Context) error),
		delays: make(map[string]time.Duration),
	}
}

func (t *fakeTimer) After(id string, d time.Duration, fn func(context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fns[id] = fn
	t.delays[id] = d
	return nil
}

func (t *fakeTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.fns, id)
	delete(t.delays, id)
	return nil
}

func (t *fakeTimer) armed(id string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.delays[id]
	return d, ok
}

func (t *fakeTimer) callback(id string) func(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fns[id]
}

func (t *fakeTimer) fire(tb testing.TB, id string) {
	tb.Helper()
	t.mu.Lock()
	fn, ok := t.fns[id]
	delete(t.fns, id)
	delete(t.delays, id)
	t.mu.Unlock()
	require.True(tb, ok, "no timer armed for %s", id)
	require.NoError(tb, fn(context.Background()))
}

// clock hands out strictly increasing UTC times without a monotonic reading.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type fixture struct {
	m     *Manager
	reg   *agentregistry.Registry
	log   *eventlog.MemoryLog
	proj  *projection.Engine[*projection.TaskState]
	timer *fakeTimer
	clock *clock
	ids   *atomic.Int64
}

var writerKey = domain.AgentKey{Kind: domain.AgentKindOperator, Type: "writer"}

func newFixture(t *testing.T, poolSize int, exec domain.Executor, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	log := eventlog.NewMemoryLog(newTestLogger())
	proj := projection.NewTaskEngine(projection.WithLogger(newTestLogger()))
	proj.Attach(log)

	reg := agentregistry.NewRegistry(log, agentregistry.Config{}, newTestLogger())
	_, err := reg.CreateAgentConfig(ctx, domain.AgentConfig{
		AgentKind:   writerKey.Kind,
		AgentType:   writerKey.Type,
		MaxPoolSize: poolSize,
	})
	require.NoError(t, err)

	f := &fixture{
		reg:   reg,
		log:   log,
		proj:  proj,
		clock: &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		ids:   &atomic.Int64{},
	}
	f.m, f.timer = f.newManager(exec, cfg)
	return f
}

// newManager builds a manager over the fixture's log and registry.
func (f *fixture) newManager(exec domain.Executor, cfg Config) (*Manager, *fakeTimer) {
	return f.newManagerOn(f.log, exec, cfg)
}

func (f *fixture) newManagerOn(log domain.EventLog, exec domain.Executor, cfg Config) (*Manager, *fakeTimer) {
	timer := newFakeTimer()
	m := NewManager(log, f.reg, timer, exec, cfg, newTestLogger())
	m.now = f.clock.now
	m.newID = func() string { return fmt.Sprintf("run-%03d", f.ids.Add(1)) }
	return m, timer
}

// restart replays events into a fresh log and rebuilds the registry and a
// manager over it the way the process does on boot. The caller runs Recover.
func (f *fixture) restart(t *testing.T, events []domain.Event) *fixture {
	t.Helper()
	ctx := context.Background()
	log := eventlog.NewMemoryLog(newTestLogger())
	for _, ev := range events {
		_, err := log.Append(ctx, ev.Kind, ev.Payload)
		require.NoError(t, err)
	}
	stored, err := log.ReadAll(ctx)
	require.NoError(t, err)

	agents := projection.NewAgentEngine(projection.WithLogger(newTestLogger()))
	tasks := projection.NewTaskEngine(projection.WithLogger(newTestLogger()))
	require.NoError(t, agents.Replay(stored))
	require.NoError(t, tasks.Replay(stored))
	agents.Attach(log)
	tasks.Attach(log)

	reg := agentregistry.NewRegistry(log, agentregistry.Config{}, newTestLogger())
	reg.Restore(agents.State())
	_, err = reg.Recover(ctx)
	require.NoError(t, err)

	g := &fixture{reg: reg, log: log, proj: tasks, clock: f.clock, ids: f.ids}
	g.m, g.timer = g.newManager(nil, Config{})
	g.m.Restore(tasks.State())
	return g
}

var errLogUnavailable = errors.New("event log unavailable")

// faultyLog fails appends of one event kind. The first skip matching appends
// go through, the next times fail, and later ones go through again. A
// negative times fails for good.
type faultyLog struct {
	domain.EventLog
	kind  domain.EventKind
	skip  int
	times int
}

func (l *faultyLog) failOn(kind domain.EventKind, skip, times int) {
	l.kind, l.skip, l.times = kind, skip, times
}

func (l *faultyLog) heal() { l.kind = "" }

func (l *faultyLog) Append(ctx context.Context, kind domain.EventKind, payload any) (domain.Event, error) {
	if l.kind != "" && kind == l.kind {
		switch {
		case l.skip > 0:
			l.skip--
		case l.times != 0:
			l.times--
			return domain.Event{}, errLogUnavailable
		}
	}
	return l.EventLog.Append(ctx, kind, payload)
}

// withFaultyLog swaps the fixture's manager for one writing through a
// faultyLog. The projection still follows the underlying log.
func (f *fixture) withFaultyLog() *faultyLog {
	faulty := &faultyLog{EventLog: f.log}
	f.m, f.timer = f.newManagerOn(faulty, nil, Config{})
	return faulty
}

// leaseHolder returns the run an instance is leased to, or "" when idle.
func (f *fixture) leaseHolder(t *testing.T, agentID string) string {
	t.Helper()
	for _, inst := range f.reg.ListAgentInstances(writerKey.Kind, writerKey.Type) {
		if inst.AgentID != agentID {
			continue
		}
		asg, _ := inst.CurrentAssignment()
		return asg.TaskRunID
	}
	t.Fatalf("no instance %s", agentID)
	return ""
}

func (f *fixture) createConfig(t *testing.T, cfg domain.TaskConfig) domain.TaskConfig {
	t.Helper()
	if cfg.TaskKind == "" {
		cfg.TaskKind = "pipeline"
	}
	if cfg.AgentKind == "" {
		cfg.AgentKind = writerKey.Kind
		cfg.AgentType = writerKey.Type
	}
	out, err := f.m.CreateTaskConfig(context.Background(), cfg)
	require.NoError(t, err)
	return out
}

func (f *fixture) createRun(t *testing.T, taskType, input string, blockedBy ...string) *domain.TaskRun {
	t.Helper()
	run, err := f.m.CreateTaskRun(context.Background(), CreateRunRequest{
		TaskKind:            "pipeline",
		TaskType:            taskType,
		TaskRunInput:        input,
		BlockedByTaskRunIDs: blockedBy,
	})
	require.NoError(t, err)
	return run
}

func (f *fixture) start(t *testing.T, ids ...string) []StartResult {
	t.Helper()
	results, err := f.m.ScheduleStartTaskRuns(context.Background(), ids, "")
	require.NoError(t, err)
	require.Len(t, results, len(ids))
	for _, r := range results {
		require.NoError(t, r.Err, r.TaskRunID)
	}
	return results
}

func (f *fixture) run(t *testing.T, id string) *domain.TaskRun {
	t.Helper()
	run, err := f.m.GetTaskRun(id)
	require.NoError(t, err)
	return run
}

func (f *fixture) status(t *testing.T, id string) domain.TaskRunStatus {
	t.Helper()
	return f.run(t, id).Status
}

// assertConsistent checks that the projection tracked every manager mutation.
func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	require.NoError(t, f.proj.Err())
	state := f.proj.State()
	runs := f.m.GetAllTaskRuns()
	assert.Len(t, state.Runs, len(runs))
	for _, r := range runs {
		assert.Equal(t, r, state.Runs[r.TaskRunID], "run %s", r.TaskRunID)
	}
	for _, c := range f.m.ListTaskConfigs() {
		pool, err := f.m.GetPoolStats(c.TaskKind, c.TaskType)
		require.NoError(t, err)
		assert.Equal(t, pool, state.Pools[c.Key()])
	}
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestCreateTaskConfig(t *testing.T) {
	f := newFixture(t, 1, nil, Config{})

	cfg := f.createConfig(t, domain.TaskConfig{TaskType: "summarize", TaskConfigInput: "be brief"})
	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, domain.ConcurrencyParallel, cfg.ConcurrencyMode)
	assert.False(t, cfg.CreatedAt.IsZero())

	_, err := f.m.CreateTaskConfig(context.Background(), cfg)
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	f.assertConsistent(t)
}

func TestCreateTaskConfigValidation(t *testing.T) {
	f := newFixture(t, 1, nil, Config{})
	ctx := context.Background()
	base := domain.TaskConfig{TaskKind: "pipeline", TaskType: "t", AgentKind: writerKey.Kind, AgentType: writerKey.Type}

	tests := []struct {
		name   string
		mutate func(c *domain.TaskConfig)
		want   error
	}{
		{"missing type", func(c *domain.TaskConfig) { c.TaskType = "" }, domain.ErrInvalidInput},
		{"bad mode", func(c *domain.TaskConfig) { c.ConcurrencyMode = "SOMETIMES" }, domain.ErrInvalidInput},
		{"bad agent kind", func(c *domain.TaskConfig) { c.AgentKind = "robot" }, domain.ErrInvalidInput},
		{"negative interval", func(c *domain.TaskConfig) { c.IntervalMs = -1 }, domain.ErrInvalidInput},
		{"negative retries", func(c *domain.TaskConfig) { c.MaxRetries = intPtr(-1) }, domain.ErrInvalidInput},
		{"zero repeats", func(c *domain.TaskConfig) { c.MaxRepeats = intPtr(0) }, domain.ErrInvalidInput},
		{"unknown agent", func(c *domain.TaskConfig) { c.AgentType = "ghost" }, domain.ErrNotFound},
	}
	before, err := f.log.ReadAll(ctx)
	require.NoError(t, err)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			_, err := f.m.CreateTaskConfig(ctx, c)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	after, err := f.log.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "rejected configs must not reach the log")
}

func TestUpdateTaskConfigKeepsRunVersion(t *testing.T) {
	f := newFixture(t, 2, nil, Config{})
	ctx := context.Background()
	f.createConfig(t, domain.TaskConfig{TaskType: "summarize", Description: "v1"})
	r1 := f.createRun(t, "summarize", "one")

	desc := "v2"
	next, err := f.m.UpdateTaskConfig(ctx, "pipeline", "summarize", domain.TaskConfigPatch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, writerKey.Type, next.AgentType, "unpatched fields are inherited")

	r2 := f.createRun(t, "summarize", "two")
	assert.Equal(t, 1, f.run(t, r1.TaskRunID).ConfigVersion)
	assert.Equal(t, 2, r2.ConfigVersion)

	v1, err := f.m.GetTaskConfig("pipeline", "summarize", 1)
	require.NoError(t, err)
	assert.Equal(t, "v1", v1.Description)

	_, err = f.m.UpdateTaskConfig(ctx, "pipeline", "missing", domain.TaskConfigPatch{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	pool, err := f.m.GetPoolStats("pipeline", "summarize")
	require.NoError(t, err)
	require.Len(t, pool.Versions, 2)
	assert.Equal(t, 1, pool.Versions[0].Stats.Created)
	assert.Equal(t, 1, pool.Versions[1].Stats.Created)
	f.assertConsistent(t)
}

func TestCreateRunPinnedVersion(t *testing.T) {
	f := newFixture(t, 1, nil, Config{})
	ctx := context.Background()
	f.createConfig(t, domain.TaskConfig{TaskType: "summarize"})

	_, err := f.m.CreateTaskRun(ctx, CreateRunRequest{TaskKind: "pipeline", TaskType: "summarize", ConfigVersion: 3})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.m.CreateTaskRun(ctx, CreateRunRequest{TaskKind: "pipeline", TaskType: "summarize", RunKind: "manual"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	run, err := f.m.CreateTaskRun(ctx, CreateRunRequest{TaskKind: "pipeline", TaskType: "summarize", ConfigVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunCreated, run.Status)
	assert.Equal(t, domain.RunKindAutomatic, run.RunKind)
	assert.Equal(t, 1, run.Revision)
}

func TestDestroyTaskConfig(t *testing.T) {
	f := newFixture(t, 1, nil, Config{})
	ctx := context.Background()
	f.createConfig(t, domain.TaskConfig{TaskType: "summarize"})
	done := f.createRun(t, "summarize", "a")
	f.start(t, done.TaskRunID)
	require.NoError(t, f.m.CompleteTaskRun(ctx, done.TaskRunID, "ok"))
	live := f.createRun(t, "summarize", "b")

	err := f.m.DestroyTaskConfig(ctx, "pipeline", "summarize")
	assert.ErrorIs(t, err, domain.ErrInUse)

	_, err = f.m.StopTaskRun(ctx, live.TaskRunID)
	require.NoError(t, err)
	require.NoError(t, f.m.DestroyTaskConfig(ctx, "pipeline", "summarize"))

	assert.Empty(t, f.m.GetAllTaskRuns())
	assert.Empty(t, f.m.ListTaskConfigs())
	_, err = f.m.GetPoolStats("pipeline", "summarize")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	f.assertConsistent(t)
}

func TestListTaskConfigsOrdered(t *testing.T) {
	f := newFixture(t, 1, nil, Config{})
	f.createConfig(t, domain.TaskConfig{TaskType: "b"})
	f.createConfig(t, domain.TaskConfig{TaskType: "a"})

	cfgs := f.m.ListTaskConfigs()
	require.Len(t, cfgs, 2)
	assert.Equal(t, "a", cfgs[0].TaskType)
	assert.Equal(t, "b", cfgs[1].TaskType)
}

func TestRestoreAndRecover(t *testing.T) {
	f := newFixture(t, 2, nil, Config{})
	ctx := context.Background()
	f.createConfig(t, domain.TaskConfig{TaskType: "one", ConcurrencyMode: domain.ConcurrencyExclusive})
	f.createConfig(t, domain.TaskConfig{TaskType: "flaky", MaxRetries: intPtr(3), RetryDelayMs: int64Ptr(500)})

	executing := f.createRun(t, "one", "first")
	queued := f.createRun(t, "one", "second")
	retrying := f.createRun(t, "flaky", "third")
	f.start(t, executing.TaskRunID, queued.TaskRunID, retrying.TaskRunID)
	require.NoError(t, f.m.FailTaskRun(ctx, retrying.TaskRunID, "boom"))
	require.Equal(t, domain.TaskRunExecuting, f.status(t, executing.TaskRunID))
	require.Equal(t, domain.TaskRunPending, f.status(t, queued.TaskRunID))
	require.True(t, f.run(t, retrying.TaskRunID).RetryPending)

	// Simulated restart: leases are dropped, then a fresh manager takes over.
	released, err := f.reg.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	m2, timer2 := f.newManager(nil, Config{})
	m2.Restore(f.proj.State())
	f.m = m2
	resumed, err := m2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, resumed)

	after := f.run(t, executing.TaskRunID)
	assert.Equal(t, domain.TaskRunExecuting, after.Status)
	assert.NotEmpty(t, after.CurrentAgentID)
	assert.Equal(t, domain.TaskRunPending, f.status(t, queued.TaskRunID))
	_, armed := timer2.armed(retrying.TaskRunID)
	assert.True(t, armed)

	require.NoError(t, m2.CompleteTaskRun(ctx, executing.TaskRunID, "done"))
	assert.Equal(t, domain.TaskRunExecuting, f.status(t, queued.TaskRunID), "queue rebuilt from PENDING runs")

	timer2.fire(t, retrying.TaskRunID)
	assert.Equal(t, 1, f.run(t, retrying.TaskRunID).CurrentRetryAttempt)
	f.assertConsistent(t)
}

func TestUpdateTaskConfigLeavingExclusiveAdmitsQueued(t *testing.T) {
	f := newFixture(t, 3, nil, Config{})
	ctx := context.Background()
	f.createConfig(t, domain.TaskConfig{TaskType: "deploy", ConcurrencyMode: domain.ConcurrencyExclusive})
	r1 := f.createRun(t, "deploy", "1")
	r2 := f.createRun(t, "deploy", "2")
	r3 := f.createRun(t, "deploy", "3")
	f.start(t, r1.TaskRunID, r2.TaskRunID, r3.TaskRunID)
	require.Equal(t, domain.TaskRunPending, f.status(t, r2.TaskRunID))

	desc := "still exclusive"
	_, err := f.m.UpdateTaskConfig(ctx, "pipeline", "deploy", domain.TaskConfigPatch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunPending, f.status(t, r2.TaskRunID))

	mode := domain.ConcurrencyParallel
	_, err = f.m.UpdateTaskConfig(ctx, "pipeline", "deploy", domain.TaskConfigPatch{ConcurrencyMode: &mode})
	require.NoError(t, err)
	for _, id := range []string{r1.TaskRunID, r2.TaskRunID, r3.TaskRunID} {
		assert.Equal(t, domain.TaskRunExecuting, f.status(t, id), id)
	}
	f.assertConsistent(t)
}

func TestRecoverAdmitsQueuedRunAfterTruncatedLog(t *testing.T) {
	f := newFixture(t, 2, nil, Config{})
	ctx := context.Background()
	f.createConfig(t, domain.TaskConfig{TaskType: "deploy", ConcurrencyMode: domain.ConcurrencyExclusive})
	r1 := f.createRun(t, "deploy", "1")
	r2 := f.createRun(t, "deploy", "2")
	f.start(t, r1.TaskRunID, r2.TaskRunID)
	require.NoError(t, f.m.CompleteTaskRun(ctx, r1.TaskRunID, "ok"))

	// Keep the log up to r1's COMPLETED record, as if the process died
	// before r2 was admitted.
	events, err := f.log.ReadAll(ctx)
	require.NoError(t, err)
	cut := -1
	for i, ev := range events {
		if ev.Kind != domain.EventTaskRunUpdated {
			continue
		}
		var p domain.TaskRunPayload
		require.NoError(t, ev.Decode(&p))
		if p.Run.TaskRunID == r1.TaskRunID && p.Run.Status == domain.TaskRunCompleted {
			cut = i
			break
		}
	}
	require.GreaterOrEqual(t, cut, 0)

	g := f.restart(t, events[:cut+1])
	require.Equal(t, domain.TaskRunPending, g.status(t, r2.TaskRunID))
	_, err = g.m.Recover(ctx)
	require.NoError(t, err)

	after := g.run(t, r2.TaskRunID)
	assert.Equal(t, domain.TaskRunExecuting, after.Status)
	assert.Equal(t, r2.TaskRunID, g.leaseHolder(t, after.CurrentAgentID))
	g.assertConsistent(t)
}

func TestCreateTaskRunRollsBackOnEdgeWriteFailure(t *testing.T) {
	f := newFixture(t, 1, nil, Config{})
	ctx := context.Background()
	faulty := f.withFaultyLog()
	f.createConfig(t, domain.TaskConfig{TaskType: "step"})
	a := f.createRun(t, "step", "a")
	b := f.createRun(t, "step", "b")

	faulty.failOn(domain.EventTaskRunUpdated, 1, 1) // a's edge lands, b's fails
	_, err := f.m.CreateTaskRun(ctx, CreateRunRequest{
		TaskKind:            "pipeline",
		TaskType:            "step",
		BlockedByTaskRunIDs: []string{a.TaskRunID, b.TaskRunID},
	})
	require.ErrorIs(t, err, errLogUnavailable)

	assert.Len(t, f.m.GetAllTaskRuns(), 2)
	assert.Empty(t, f.run(t, a.TaskRunID).BlockingTaskRunIDs)
	assert.Empty(t, f.run(t, b.TaskRunID).BlockingTaskRunIDs)
	f.assertConsistent(t)
}
