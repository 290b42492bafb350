package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestTaskRunIsTerminal(t *testing.T) {
	tests := []struct {
		status       TaskRunStatus
		retryPending bool
		terminal     bool
		inFlight     bool
	}{
		{TaskRunCreated, false, false, false},
		{TaskRunPending, false, false, false},
		{TaskRunScheduled, false, false, true},
		{TaskRunAwaitingAgent, false, false, true},
		{TaskRunExecuting, false, false, true},
		{TaskRunCompleted, false, true, false},
		{TaskRunStopped, false, true, false},
		{TaskRunFailed, false, true, false},
		{TaskRunFailed, true, false, true},
	}
	for _, tt := range tests {
		r := &TaskRun{Status: tt.status, RetryPending: tt.retryPending}
		if got := r.IsTerminal(); got != tt.terminal {
			t.Errorf("%s retry=%v IsTerminal = %v, want %v", tt.status, tt.retryPending, got, tt.terminal)
		}
		if got := r.IsInFlight(); got != tt.inFlight {
			t.Errorf("%s retry=%v IsInFlight = %v, want %v", tt.status, tt.retryPending, got, tt.inFlight)
		}
	}
}

func TestTaskRunCloneIsDeep(t *testing.T) {
	r := &TaskRun{
		TaskRunID:           "a",
		BlockedByTaskRunIDs: []string{"b"},
		History:             []HistoryEntry{{Attempt: 0, Success: true}},
	}
	c := r.Clone()
	c.BlockedByTaskRunIDs[0] = "z"
	c.History[0].Success = false
	assert.Equal(t, "b", r.BlockedByTaskRunIDs[0])
	assert.True(t, r.History[0].Success)
}

func TestTaskConfigPatchApply(t *testing.T) {
	base := TaskConfig{
		TaskKind:        "generation",
		TaskType:        "poem",
		Version:         2,
		Description:     "old",
		ConcurrencyMode: ConcurrencyParallel,
		MaxRetries:      intPtr(1),
	}
	mode := ConcurrencyExclusive
	desc := "new"
	next := TaskConfigPatch{Description: &desc, ConcurrencyMode: &mode}.Apply(base)

	assert.Equal(t, 3, next.Version)
	assert.Equal(t, "new", next.Description)
	assert.Equal(t, ConcurrencyExclusive, next.ConcurrencyMode)
	require.NotNil(t, next.MaxRetries)
	assert.Equal(t, 1, *next.MaxRetries)

	*next.MaxRetries = 5
	assert.Equal(t, 1, *base.MaxRetries, "patched version must not alias base")
}

func TestBuildTaskPool(t *testing.T) {
	key := TaskKey{Kind: "generation", Type: "poem"}
	runs := []*TaskRun{
		{ConfigVersion: 1, Status: TaskRunCreated},
		{ConfigVersion: 1, Status: TaskRunExecuting},
		{ConfigVersion: 2, Status: TaskRunPending},
		{ConfigVersion: 2, Status: TaskRunAwaitingAgent},
		{ConfigVersion: 2, Status: TaskRunCompleted},
		{ConfigVersion: 2, Status: TaskRunFailed, RetryPending: true},
		{ConfigVersion: 2, Status: TaskRunFailed},
		{ConfigVersion: 2, Status: TaskRunStopped},
	}
	pool := BuildTaskPool(key, []int{1, 2, 3}, runs)

	assert.Equal(t, TaskPoolStats{
		PoolSize:      5,
		Created:       1,
		Terminated:    3,
		Completed:     1,
		Running:       1,
		Pending:       2,
		AwaitingAgent: 1,
		Stopped:       1,
		Failed:        1,
		Active:        4,
		Total:         8,
	}, pool.Stats)
	require.Len(t, pool.Versions, 3)
	assert.Equal(t, 2, pool.Versions[0].Stats.Total)
	assert.Equal(t, 6, pool.Versions[1].Stats.Total)
	assert.Equal(t, 0, pool.Versions[2].Stats.Total)
}

func TestBuildAgentPoolLazyShrink(t *testing.T) {
	key := AgentKey{Kind: AgentKindOperator, Type: "writer"}
	instances := []*AgentInstance{
		{ConfigVersion: 1, InUse: true},
		{ConfigVersion: 1, InUse: true},
		{ConfigVersion: 2, InUse: false},
		{ConfigVersion: 2, IsDestroyed: true},
	}
	pool := BuildAgentPool(key, 1, []int{1, 2}, instances)

	assert.Equal(t, 3, pool.Stats.Created)
	assert.Equal(t, 2, pool.Stats.Active)
	assert.Equal(t, 1, pool.Stats.Available)
	assert.Equal(t, 3, pool.Stats.PoolSize, "pool size covers busy surplus instances")
	assert.LessOrEqual(t, pool.Stats.Active, pool.Stats.PoolSize)
	assert.Equal(t, 1, pool.TargetSize)
	require.Len(t, pool.Versions, 2)
	assert.Equal(t, VersionStats{Version: 1, Created: 2, Active: 2}, pool.Versions[0])
	assert.Equal(t, VersionStats{Version: 2, Created: 1, Available: 1}, pool.Versions[1])
}

func TestAgentConfigPatchApply(t *testing.T) {
	base := AgentConfig{AgentKind: AgentKindOperator, AgentType: "writer", Version: 1, Tools: []string{"a"}, MaxPoolSize: 2}
	tools := []string{"a", "b"}
	next := AgentConfigPatch{Tools: &tools}.Apply(base)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, []string{"a", "b"}, next.Tools)
	assert.Equal(t, 2, next.MaxPoolSize)
	assert.Equal(t, []string{"a"}, base.Tools)
}

func TestEventKindsClosedSet(t *testing.T) {
	seen := map[EventKind]bool{}
	for _, k := range AllEventKinds() {
		assert.False(t, seen[k], "duplicate kind %s", k)
		seen[k] = true
		assert.True(t, k.IsLogKind())
	}
	assert.False(t, EventProjectionUpdated.IsLogKind())
}
