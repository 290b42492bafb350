package projection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivecore/internal/domain"
)

var writerKey = domain.AgentKey{Kind: domain.AgentKindOperator, Type: "writer"}

func writerConfig(version, poolSize int) domain.AgentConfig {
	return domain.AgentConfig{
		AgentKind:   domain.AgentKindOperator,
		AgentType:   "writer",
		Version:     version,
		Description: "writes things",
		Tools:       []string{"search"},
		MaxPoolSize: poolSize,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func writerInstance(id string, version int) domain.AgentInstance {
	return domain.AgentInstance{
		AgentID:       id,
		AgentKind:     domain.AgentKindOperator,
		AgentType:     "writer",
		ConfigVersion: version,
		Assignments:   map[string]domain.Assignment{},
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}
}

func acquired(agentID, assignmentID string) domain.AgentAcquiredPayload {
	return domain.AgentAcquiredPayload{
		AgentID:    agentID,
		Assignment: domain.Assignment{AssignmentID: assignmentID, TaskRunID: "run-" + assignmentID},
	}
}

func TestAgentProjectionPoolLifecycle(t *testing.T) {
	e := NewAgentEngine(WithLogger(newTestLogger()))
	s := &stream{t: t}

	var updates []Update
	e.Subscribe(func(u Update) { updates = append(updates, u) })

	apply := func(kind domain.EventKind, payload any) {
		t.Helper()
		require.NoError(t, e.ProcessStateUpdate(s.add(kind, payload)))
	}
	apply(domain.EventAgentConfigCreated, domain.AgentConfigPayload{Config: writerConfig(1, 2)})
	apply(domain.EventAgentInstanceCreated, domain.AgentInstancePayload{Instance: writerInstance("a1", 1)})
	apply(domain.EventAgentInstanceCreated, domain.AgentInstancePayload{Instance: writerInstance("a2", 1)})
	apply(domain.EventAgentAcquired, acquired("a1", "x1"))

	pool := e.State().Pools[writerKey]
	assert.Equal(t, domain.PoolStats{Available: 1, Created: 2, Active: 1, PoolSize: 2}, pool.Stats)

	apply(domain.EventAgentConfigUpdated, domain.AgentConfigPayload{Config: writerConfig(2, 2)})
	apply(domain.EventAgentInstanceCreated, domain.AgentInstancePayload{Instance: writerInstance("b1", 2)})
	apply(domain.EventAgentPoolResized, domain.AgentPoolResizedPayload{AgentKind: writerKey.Kind, AgentType: writerKey.Type, Size: 3})

	st := e.State()
	pool = st.Pools[writerKey]
	assert.Equal(t, 3, pool.Stats.PoolSize)
	require.Len(t, pool.Versions, 2)
	assert.Equal(t, 1, pool.Versions[0].Active)
	assert.Equal(t, 1, pool.Versions[1].Available)
	assert.Len(t, st.Configs[writerKey], 2)

	apply(domain.EventAgentReleased, domain.AgentReleasedPayload{AgentID: "a1", AssignmentID: "x1"})
	apply(domain.EventAgentInstanceRetired, domain.AgentRetiredPayload{AgentID: "a1"})

	st = e.State()
	assert.True(t, st.Instances["a1"].IsDestroyed)
	assert.Equal(t, 2, st.Pools[writerKey].Stats.Created)
	assert.Equal(t, 0, st.Pools[writerKey].Stats.Active)

	apply(domain.EventAgentConfigDestroyed, domain.AgentKeyPayload{AgentKind: writerKey.Kind, AgentType: writerKey.Type})
	st = e.State()
	assert.Empty(t, st.Configs)
	assert.Empty(t, st.Instances)
	_, ok := st.Pools[writerKey]
	assert.False(t, ok, "destroying the last version removes the pool")

	last := updates[len(updates)-1]
	assert.Equal(t, UpdateAgentPools, last.Type)
	assert.Equal(t, []string{writerKey.String()}, last.IDs)
}

func TestAgentProjectionReferentialViolations(t *testing.T) {
	tests := []struct {
		name    string
		kind    domain.EventKind
		payload any
	}{
		{"duplicate config", domain.EventAgentConfigCreated, domain.AgentConfigPayload{Config: writerConfig(1, 1)}},
		{"update of unknown config", domain.EventAgentConfigUpdated, domain.AgentConfigPayload{Config: domain.AgentConfig{AgentKind: domain.AgentKindSupervisor, AgentType: "ghost", Version: 2}}},
		{"version gap", domain.EventAgentConfigUpdated, domain.AgentConfigPayload{Config: writerConfig(3, 1)}},
		{"destroy of unknown config", domain.EventAgentConfigDestroyed, domain.AgentKeyPayload{AgentKind: domain.AgentKindSupervisor, AgentType: "ghost"}},
		{"instance on missing version", domain.EventAgentInstanceCreated, domain.AgentInstancePayload{Instance: writerInstance("z", 9)}},
		{"duplicate instance", domain.EventAgentInstanceCreated, domain.AgentInstancePayload{Instance: writerInstance("a1", 1)}},
		{"assign to unknown agent", domain.EventAgentAcquired, acquired("ghost", "x9")},
		{"assign to busy agent", domain.EventAgentAcquired, acquired("a1", "x2")},
		{"release idle agent", domain.EventAgentReleased, domain.AgentReleasedPayload{AgentID: "a2"}},
		{"release unknown assignment", domain.EventAgentReleased, domain.AgentReleasedPayload{AgentID: "a1", AssignmentID: "nope"}},
		{"retire busy agent", domain.EventAgentInstanceRetired, domain.AgentRetiredPayload{AgentID: "a1"}},
		{"destroy with busy instance", domain.EventAgentConfigDestroyed, domain.AgentKeyPayload{AgentKind: writerKey.Kind, AgentType: writerKey.Type}},
		{"resize unknown pool", domain.EventAgentPoolResized, domain.AgentPoolResizedPayload{AgentKind: domain.AgentKindSupervisor, AgentType: "ghost", Size: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewAgentEngine(WithLogger(newTestLogger()))
			s := &stream{t: t}
			require.NoError(t, e.ProcessStateUpdate(s.add(domain.EventAgentConfigCreated, domain.AgentConfigPayload{Config: writerConfig(1, 2)})))
			require.NoError(t, e.ProcessStateUpdate(s.add(domain.EventAgentInstanceCreated, domain.AgentInstancePayload{Instance: writerInstance("a1", 1)})))
			require.NoError(t, e.ProcessStateUpdate(s.add(domain.EventAgentInstanceCreated, domain.AgentInstancePayload{Instance: writerInstance("a2", 1)})))
			require.NoError(t, e.ProcessStateUpdate(s.add(domain.EventAgentAcquired, acquired("a1", "x1"))))

			err := e.ProcessStateUpdate(s.add(tt.kind, tt.payload))
			assert.ErrorIs(t, err, domain.ErrReplayCorruption)
			assert.ErrorIs(t, e.Err(), domain.ErrReplayCorruption)
		})
	}
}
