package command

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivecore/internal/adapter/eventlog"
	"hivecore/internal/domain"
	"hivecore/internal/usecase/agentregistry"
	"hivecore/internal/usecase/taskmanager"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type noopTimer struct{}

func (noopTimer) After(string, time.Duration, func(context.Context) error) error { return nil }
func (noopTimer) Cancel(string) error                                            { return nil }

const systemID = "system"

type fixture struct {
	svc         *Service
	reg         *agentregistry.Registry
	mgr         *taskmanager.Manager
	supervisors []string
	operators   []string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	log := eventlog.NewMemoryLog(newTestLogger())
	reg := agentregistry.NewRegistry(log, agentregistry.Config{}, newTestLogger())
	mgr := taskmanager.NewManager(log, reg, noopTimer{}, nil, taskmanager.Config{}, newTestLogger())

	for _, c := range []domain.AgentConfig{
		{AgentKind: domain.AgentKindSupervisor, AgentType: "planner", MaxPoolSize: 2, AutoPopulatePool: true},
		{AgentKind: domain.AgentKindOperator, AgentType: "writer", MaxPoolSize: 3, AutoPopulatePool: true},
	} {
		_, err := reg.CreateAgentConfig(ctx, c)
		require.NoError(t, err)
	}

	cfg.SystemAgentID = systemID
	svc := NewService(reg, mgr, cfg, newTestLogger())
	t.Cleanup(func() { _ = svc.Close() })

	f := &fixture{svc: svc, reg: reg, mgr: mgr}
	for _, inst := range reg.ListAgentInstances(domain.AgentKindSupervisor, "planner") {
		f.supervisors = append(f.supervisors, inst.AgentID)
	}
	for _, inst := range reg.ListAgentInstances(domain.AgentKindOperator, "writer") {
		f.operators = append(f.operators, inst.AgentID)
	}
	require.Len(t, f.supervisors, 2)
	require.Len(t, f.operators, 3)
	return f
}

func taskConfig(taskType string) domain.TaskConfig {
	return domain.TaskConfig{
		TaskKind:  "pipeline",
		TaskType:  taskType,
		AgentKind: domain.AgentKindOperator,
		AgentType: "writer",
	}
}

func TestRBACAuthorizer(t *testing.T) {
	a := &RBACAuthorizer{}
	ctx := context.Background()

	tests := []struct {
		name    string
		role    domain.ActorRole
		perm    domain.Permission
		allowed bool
	}{
		{"system resizes pools", domain.ActorRoleSystem, domain.PermAgentPoolResize, true},
		{"system writes configs", domain.ActorRoleSystem, domain.PermTaskConfigWrite, true},
		{"supervisor writes agent configs", domain.ActorRoleSupervisor, domain.PermAgentConfigWrite, true},
		{"supervisor destroys task configs", domain.ActorRoleSupervisor, domain.PermTaskConfigDestroy, true},
		{"supervisor cannot resize pools", domain.ActorRoleSupervisor, domain.PermAgentPoolResize, false},
		{"operator writes runs", domain.ActorRoleOperator, domain.PermTaskRunWrite, true},
		{"operator leases agents", domain.ActorRoleOperator, domain.PermAgentLease, true},
		{"operator cannot write task configs", domain.ActorRoleOperator, domain.PermTaskConfigWrite, false},
		{"operator cannot destroy agent configs", domain.ActorRoleOperator, domain.PermAgentConfigDestroy, false},
		{"unknown role denied", domain.ActorRole("guest"), domain.PermTaskRunRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authorize(ctx, domain.Actor{AgentID: "x", Role: tt.role}, tt.perm)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrForbidden)
			}
		})
	}
}

func TestResolveActor(t *testing.T) {
	f := newFixture(t, Config{})
	r := &RegistryResolver{SystemAgentID: systemID, Instances: f.reg}
	ctx := context.Background()

	actor, err := r.ResolveActor(ctx, systemID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActorRoleSystem, actor.Role)

	actor, err = r.ResolveActor(ctx, f.supervisors[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ActorRoleSupervisor, actor.Role)

	actor, err = r.ResolveActor(ctx, f.operators[0])
	require.NoError(t, err)
	assert.Equal(t, domain.ActorRoleOperator, actor.Role)

	_, err = r.ResolveActor(ctx, "stranger")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = r.ResolveActor(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPermissionsEnforced(t *testing.T) {
	f := newFixture(t, Config{AllowConfigMutation: true})
	ctx := context.Background()

	_, err := f.svc.CreateTaskConfig(ctx, f.operators[0], taskConfig("summarize"))
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, domain.CodeForbidden, domain.ErrorCodeOf(err))
	assert.Empty(t, f.mgr.ListTaskConfigs(), "rejected commands do not reach the manager")

	cfg, err := f.svc.CreateTaskConfig(ctx, f.supervisors[0], taskConfig("summarize"))
	require.NoError(t, err)
	assert.Equal(t, f.supervisors[0], cfg.OwnerAgentID)

	err = f.svc.ResizeAgentPool(ctx, f.supervisors[0], domain.AgentKindOperator, "writer", 5)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	require.NoError(t, f.svc.ResizeAgentPool(ctx, systemID, domain.AgentKindOperator, "writer", 4))
	pool, err := f.svc.GetAgentPool(ctx, f.operators[0], domain.AgentKindOperator, "writer")
	require.NoError(t, err)
	assert.Equal(t, 4, pool.TargetSize)

	_, err = f.svc.GetAllTaskRuns(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestConfigMutationSwitch(t *testing.T) {
	f := newFixture(t, Config{AllowConfigMutation: false})
	ctx := context.Background()

	_, err := f.svc.CreateTaskConfig(ctx, systemID, taskConfig("summarize"))
	assert.ErrorIs(t, err, domain.ErrDisabled)
	assert.Equal(t, domain.CodeMutationDisabled, domain.ErrorCodeOf(err))

	desc := "new"
	_, err = f.svc.UpdateAgentConfig(ctx, systemID, domain.AgentKindOperator, "writer", domain.AgentConfigPatch{Description: &desc})
	assert.ErrorIs(t, err, domain.ErrDisabled)

	_, err = f.svc.CreateAgentConfig(ctx, systemID, domain.AgentConfig{AgentKind: domain.AgentKindOperator, AgentType: "reviewer", MaxPoolSize: 1})
	assert.ErrorIs(t, err, domain.ErrDisabled)

	// Runs and destroys are unaffected.
	_, err = f.mgr.CreateTaskConfig(ctx, taskConfig("summarize"))
	require.NoError(t, err)
	run, err := f.svc.CreateTaskRun(ctx, f.operators[0], taskmanager.CreateRunRequest{TaskKind: "pipeline", TaskType: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunCreated, run.Status)
	require.NoError(t, f.svc.RemoveTaskRun(ctx, f.operators[0], run.TaskRunID))
	require.NoError(t, f.svc.DestroyTaskConfig(ctx, systemID, "pipeline", "summarize"))
}

func TestTaskConfigOwnership(t *testing.T) {
	f := newFixture(t, Config{AllowConfigMutation: true})
	ctx := context.Background()
	owner, other := f.supervisors[0], f.supervisors[1]

	_, err := f.svc.CreateTaskConfig(ctx, owner, taskConfig("summarize"))
	require.NoError(t, err)

	desc := "changed"
	_, err = f.svc.UpdateTaskConfig(ctx, other, "pipeline", "summarize", domain.TaskConfigPatch{Description: &desc})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.ErrorIs(t, f.svc.DestroyTaskConfig(ctx, other, "pipeline", "summarize"), domain.ErrForbidden)

	next, err := f.svc.UpdateTaskConfig(ctx, owner, "pipeline", "summarize", domain.TaskConfigPatch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, owner, next.OwnerAgentID)

	require.NoError(t, f.svc.DestroyTaskConfig(ctx, systemID, "pipeline", "summarize"))
	_, err = f.svc.GetTaskConfig(ctx, owner, "pipeline", "summarize", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRateLimitPerActor(t *testing.T) {
	f := newFixture(t, Config{RateLimitPerMin: 1, RateLimitBurst: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.GetAllTaskRuns(ctx, f.operators[0])
		require.NoError(t, err)
	}
	_, err := f.svc.GetAllTaskRuns(ctx, f.operators[0])
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.True(t, domain.IsRetryableError(err))

	_, err = f.svc.GetAllTaskRuns(ctx, f.operators[1])
	assert.NoError(t, err, "buckets are per acting agent")
}

func TestActorLimiterSweep(t *testing.T) {
	l := newActorLimiter(60, 1)
	defer l.close()
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))

	l.sweep(time.Now().Add(staleAfter + time.Second))
	assert.True(t, l.allow("a"), "swept bucket starts full")
}

func TestReleaseAgentRejectsTaskLease(t *testing.T) {
	f := newFixture(t, Config{AllowConfigMutation: true})
	ctx := context.Background()
	supervisor := f.supervisors[0]

	_, err := f.svc.CreateTaskConfig(ctx, supervisor, taskConfig("summarize"))
	require.NoError(t, err)
	run, err := f.svc.CreateTaskRun(ctx, supervisor, taskmanager.CreateRunRequest{TaskKind: "pipeline", TaskType: "summarize"})
	require.NoError(t, err)
	_, err = f.svc.ScheduleStartTaskRuns(ctx, supervisor, []string{run.TaskRunID}, "")
	require.NoError(t, err)
	run, err = f.svc.GetTaskRun(ctx, supervisor, run.TaskRunID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskRunExecuting, run.Status)

	err = f.svc.ReleaseAgent(ctx, supervisor, run.CurrentAgentID)
	assert.ErrorIs(t, err, domain.ErrConflict)

	inst, err := f.svc.AcquireAgent(ctx, f.operators[0], domain.AgentKindOperator, "writer")
	require.NoError(t, err)
	assert.True(t, inst.InUse)
	require.NoError(t, f.svc.ReleaseAgent(ctx, f.operators[0], inst.AgentID))
}

func TestRunLifecycleThroughCommands(t *testing.T) {
	f := newFixture(t, Config{AllowConfigMutation: true})
	ctx := context.Background()
	sup, op := f.supervisors[0], f.operators[0]

	_, err := f.svc.CreateTaskConfig(ctx, sup, taskConfig("research"))
	require.NoError(t, err)
	_, err = f.svc.CreateTaskConfig(ctx, sup, taskConfig("report"))
	require.NoError(t, err)

	a, err := f.svc.CreateTaskRun(ctx, op, taskmanager.CreateRunRequest{TaskKind: "pipeline", TaskType: "research", TaskRunInput: "dig"})
	require.NoError(t, err)
	b, err := f.svc.CreateTaskRun(ctx, op, taskmanager.CreateRunRequest{TaskKind: "pipeline", TaskType: "report", TaskRunInput: "write"})
	require.NoError(t, err)
	require.NoError(t, f.svc.AddBlockingTaskRuns(ctx, op, a.TaskRunID, []string{b.TaskRunID}))

	results, err := f.svc.ScheduleStartTaskRuns(ctx, op, []string{a.TaskRunID, b.TaskRunID}, "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, taskmanager.OutcomeScheduled, results[0].Outcome)
	assert.Equal(t, taskmanager.OutcomeArmed, results[1].Outcome)

	occupied, err := f.svc.IsTaskRunOccupied(ctx, op, a.TaskRunID)
	require.NoError(t, err)
	assert.True(t, occupied)

	require.NoError(t, f.svc.AppendTrajectory(ctx, op, a.TaskRunID, domain.TrajectoryStep{Kind: "note", Content: "found it"}))
	require.NoError(t, f.svc.CompleteTaskRun(ctx, op, a.TaskRunID, "facts"))

	got, err := f.svc.GetTaskRun(ctx, op, b.TaskRunID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunExecuting, got.Status)
	require.NoError(t, f.svc.FailTaskRun(ctx, op, b.TaskRunID, "writer's block"))

	history, err := f.svc.GetTaskRunHistory(ctx, op, b.TaskRunID, taskmanager.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "writer's block", history[0].Error)

	stats, err := f.svc.GetPoolStats(ctx, op, "pipeline", "research")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stats.Completed)

	stopped, err := f.svc.StopTaskRun(ctx, op, a.TaskRunID)
	require.NoError(t, err)
	assert.Empty(t, stopped)
}

func TestInteractionThroughCommands(t *testing.T) {
	f := newFixture(t, Config{AllowConfigMutation: true})
	ctx := context.Background()
	sup := f.supervisors[0]

	_, err := f.svc.CreateTaskConfig(ctx, sup, taskConfig("ask"))
	require.NoError(t, err)
	ask, err := f.svc.CreateTaskRun(ctx, sup, taskmanager.CreateRunRequest{
		TaskKind: "pipeline", TaskType: "ask", RunKind: domain.RunKindInteraction,
	})
	require.NoError(t, err)
	follow, err := f.svc.CreateTaskRun(ctx, sup, taskmanager.CreateRunRequest{
		TaskKind: "pipeline", TaskType: "ask", BlockedByTaskRunIDs: []string{ask.TaskRunID},
	})
	require.NoError(t, err)

	_, err = f.svc.ScheduleStartTaskRuns(ctx, sup, []string{ask.TaskRunID}, "")
	require.NoError(t, err)
	results, err := f.svc.ScheduleStartInteractionBlockingTaskRuns(ctx, sup, ask.TaskRunID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, follow.TaskRunID, results[0].TaskRunID)

	require.NoError(t, f.svc.RespondToInteraction(ctx, sup, ask.TaskRunID, "yes"))
	got, err := f.svc.GetTaskRun(ctx, sup, follow.TaskRunID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunExecuting, got.Status)
}

func TestBatchStartHonorsCancellation(t *testing.T) {
	f := newFixture(t, Config{AllowConfigMutation: true})
	sup := f.supervisors[0]
	_, err := f.svc.CreateTaskConfig(context.Background(), sup, taskConfig("summarize"))
	require.NoError(t, err)
	run, err := f.svc.CreateTaskRun(context.Background(), sup, taskmanager.CreateRunRequest{TaskKind: "pipeline", TaskType: "summarize"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := f.svc.ScheduleStartTaskRuns(ctx, sup, []string{run.TaskRunID}, "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)

	got, err := f.svc.GetTaskRun(context.Background(), sup, run.TaskRunID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunCreated, got.Status)
}

func TestHistoryQueryValidation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	now := time.Now()
	earlier := now.Add(-time.Hour)

	_, err := f.svc.GetTaskRunHistory(ctx, systemID, "any", taskmanager.HistoryQuery{Limit: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.svc.GetTaskRunHistory(ctx, systemID, "any", taskmanager.HistoryQuery{StartDate: &now, EndDate: &earlier})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.svc.GetTaskRunHistory(ctx, systemID, "any", taskmanager.HistoryQuery{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
