package projection

import (
	"fmt"
	"sort"

	"hivecore/internal/domain"
)

// AgentState is the materialized view of agent configs, instances and pools.
type AgentState struct {
	Configs   map[domain.AgentKey][]domain.AgentConfig
	Instances map[string]*domain.AgentInstance
	Targets   map[domain.AgentKey]int
	Pools     map[domain.AgentKey]domain.AgentPool
}

// AgentHandler reduces agent events into an AgentState.
type AgentHandler struct{}

// NewAgentEngine builds the agent projection.
func NewAgentEngine(opts ...Option) *Engine[*AgentState] {
	return NewEngine[*AgentState](AgentHandler{}, opts...)
}

func (AgentHandler) Name() string { return "agents" }

func (AgentHandler) Initial() *AgentState {
	return &AgentState{
		Configs:   make(map[domain.AgentKey][]domain.AgentConfig),
		Instances: make(map[string]*domain.AgentInstance),
		Targets:   make(map[domain.AgentKey]int),
		Pools:     make(map[domain.AgentKey]domain.AgentPool),
	}
}

func (AgentHandler) Kinds() map[domain.EventKind]bool {
	return map[domain.EventKind]bool{
		domain.EventAgentConfigCreated:   true,
		domain.EventAgentConfigUpdated:   true,
		domain.EventAgentConfigDestroyed: true,
		domain.EventAgentInstanceCreated: true,
		domain.EventAgentInstanceRetired: true,
		domain.EventAgentAcquired:        true,
		domain.EventAgentReleased:        true,
		domain.EventAgentPoolResized:     true,
		domain.EventTaskConfigCreated:    false,
		domain.EventTaskConfigUpdated:    false,
		domain.EventTaskConfigDestroyed:  false,
		domain.EventTaskRunCreated:       false,
		domain.EventTaskRunUpdated:       false,
		domain.EventTaskRunRemoved:       false,
	}
}

func (AgentHandler) Clone(s *AgentState) *AgentState {
	out := &AgentState{
		Configs:   make(map[domain.AgentKey][]domain.AgentConfig, len(s.Configs)),
		Instances: make(map[string]*domain.AgentInstance, len(s.Instances)),
		Targets:   make(map[domain.AgentKey]int, len(s.Targets)),
		Pools:     make(map[domain.AgentKey]domain.AgentPool, len(s.Pools)),
	}
	for k, versions := range s.Configs {
		cp := make([]domain.AgentConfig, len(versions))
		for i, c := range versions {
			cp[i] = c.Clone()
		}
		out.Configs[k] = cp
	}
	for id, inst := range s.Instances {
		out.Instances[id] = inst.Clone()
	}
	for k, v := range s.Targets {
		out.Targets[k] = v
	}
	for k, p := range s.Pools {
		p.Versions = append([]domain.VersionStats(nil), p.Versions...)
		out.Pools[k] = p
	}
	return out
}

func (h AgentHandler) Apply(s *AgentState, ev domain.Event) ([]Update, error) {
	switch ev.Kind {
	case domain.EventAgentConfigCreated:
		var p domain.AgentConfigPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		key := p.Config.Key()
		if _, exists := s.Configs[key]; exists {
			return nil, fmt.Errorf("agent config %s already exists", key)
		}
		if p.Config.Version != 1 {
			return nil, fmt.Errorf("agent config %s created at version %d", key, p.Config.Version)
		}
		s.Configs[key] = []domain.AgentConfig{p.Config}
		s.Targets[key] = p.Config.MaxPoolSize
		return h.withPool(s, key, Update{Type: UpdateAgentConfigs, IDs: []string{key.String()}}), nil

	case domain.EventAgentConfigUpdated:
		var p domain.AgentConfigPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		key := p.Config.Key()
		versions, ok := s.Configs[key]
		if !ok {
			return nil, fmt.Errorf("update of unknown agent config %s", key)
		}
		latest := versions[len(versions)-1]
		if p.Config.Version != latest.Version+1 {
			return nil, fmt.Errorf("agent config %s version %d does not follow %d", key, p.Config.Version, latest.Version)
		}
		s.Configs[key] = append(versions, p.Config)
		if p.Config.MaxPoolSize != latest.MaxPoolSize {
			s.Targets[key] = p.Config.MaxPoolSize
		}
		return h.withPool(s, key, Update{Type: UpdateAgentConfigs, IDs: []string{key.String()}}), nil

	case domain.EventAgentConfigDestroyed:
		var p domain.AgentKeyPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		key := domain.AgentKey{Kind: p.AgentKind, Type: p.AgentType}
		if _, ok := s.Configs[key]; !ok {
			return nil, fmt.Errorf("destroy of unknown agent config %s", key)
		}
		var removed []string
		for id, inst := range s.Instances {
			if inst.Key() != key {
				continue
			}
			if inst.InUse {
				return nil, fmt.Errorf("destroy of agent config %s with instance %s in use", key, id)
			}
			removed = append(removed, id)
		}
		sort.Strings(removed)
		for _, id := range removed {
			delete(s.Instances, id)
		}
		delete(s.Configs, key)
		delete(s.Targets, key)
		delete(s.Pools, key)
		return []Update{
			{Type: UpdateAgentConfigs, IDs: []string{key.String()}},
			{Type: UpdateAgentInstances, IDs: removed},
			{Type: UpdateAgentPools, IDs: []string{key.String()}},
		}, nil

	case domain.EventAgentInstanceCreated:
		var p domain.AgentInstancePayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		inst := p.Instance
		key := inst.Key()
		versions, ok := s.Configs[key]
		if !ok {
			return nil, fmt.Errorf("instance %s for unknown agent config %s", inst.AgentID, key)
		}
		if !hasAgentVersion(versions, inst.ConfigVersion) {
			return nil, fmt.Errorf("instance %s bound to missing version %d of %s", inst.AgentID, inst.ConfigVersion, key)
		}
		if _, exists := s.Instances[inst.AgentID]; exists {
			return nil, fmt.Errorf("agent instance %s already exists", inst.AgentID)
		}
		if inst.Assignments == nil {
			inst.Assignments = make(map[string]domain.Assignment)
		}
		s.Instances[inst.AgentID] = &inst
		return h.withPool(s, key, Update{Type: UpdateAgentInstances, IDs: []string{inst.AgentID}}), nil

	case domain.EventAgentInstanceRetired:
		var p domain.AgentRetiredPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		inst, err := liveInstance(s, p.AgentID)
		if err != nil {
			return nil, err
		}
		if inst.InUse {
			return nil, fmt.Errorf("retire of busy agent instance %s", p.AgentID)
		}
		inst.IsDestroyed = true
		return h.withPool(s, inst.Key(), Update{Type: UpdateAgentInstances, IDs: []string{p.AgentID}}), nil

	case domain.EventAgentAcquired:
		var p domain.AgentAcquiredPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		inst, err := liveInstance(s, p.AgentID)
		if err != nil {
			return nil, err
		}
		if inst.InUse {
			return nil, fmt.Errorf("acquire of busy agent instance %s", p.AgentID)
		}
		if _, dup := inst.Assignments[p.Assignment.AssignmentID]; dup {
			return nil, fmt.Errorf("duplicate assignment %s on agent instance %s", p.Assignment.AssignmentID, p.AgentID)
		}
		inst.InUse = true
		inst.Assignments[p.Assignment.AssignmentID] = p.Assignment
		return h.withPool(s, inst.Key(), Update{Type: UpdateAgentInstances, IDs: []string{p.AgentID}}), nil

	case domain.EventAgentReleased:
		var p domain.AgentReleasedPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		inst, err := liveInstance(s, p.AgentID)
		if err != nil {
			return nil, err
		}
		if !inst.InUse {
			return nil, fmt.Errorf("release of idle agent instance %s", p.AgentID)
		}
		if p.AssignmentID != "" {
			if _, ok := inst.Assignments[p.AssignmentID]; !ok {
				return nil, fmt.Errorf("release of unknown assignment %s on agent instance %s", p.AssignmentID, p.AgentID)
			}
		}
		inst.InUse = false
		inst.Assignments = make(map[string]domain.Assignment)
		return h.withPool(s, inst.Key(), Update{Type: UpdateAgentInstances, IDs: []string{p.AgentID}}), nil

	case domain.EventAgentPoolResized:
		var p domain.AgentPoolResizedPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		key := domain.AgentKey{Kind: p.AgentKind, Type: p.AgentType}
		if _, ok := s.Configs[key]; !ok {
			return nil, fmt.Errorf("resize of unknown agent pool %s", key)
		}
		if p.Size < 0 {
			return nil, fmt.Errorf("resize of agent pool %s to %d", key, p.Size)
		}
		s.Targets[key] = p.Size
		return h.withPool(s, key), nil
	}
	return nil, fmt.Errorf("agent handler cannot apply %s", ev.Kind)
}

// withPool recomputes the pool of key and appends its notification.
func (AgentHandler) withPool(s *AgentState, key domain.AgentKey, updates ...Update) []Update {
	versions := make([]int, 0, len(s.Configs[key]))
	for _, c := range s.Configs[key] {
		versions = append(versions, c.Version)
	}
	var instances []*domain.AgentInstance
	for _, inst := range s.Instances {
		if inst.Key() == key {
			instances = append(instances, inst)
		}
	}
	s.Pools[key] = domain.BuildAgentPool(key, s.Targets[key], versions, instances)
	return append(updates, Update{Type: UpdateAgentPools, IDs: []string{key.String()}})
}

func liveInstance(s *AgentState, id string) (*domain.AgentInstance, error) {
	inst, ok := s.Instances[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent instance %s", id)
	}
	if inst.IsDestroyed {
		return nil, fmt.Errorf("agent instance %s is retired", id)
	}
	return inst, nil
}

func hasAgentVersion(versions []domain.AgentConfig, v int) bool {
	for _, c := range versions {
		if c.Version == v {
			return true
		}
	}
	return false
}
