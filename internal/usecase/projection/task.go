package projection

import (
	"fmt"

	"hivecore/internal/domain"
)

// TaskState is the materialized view of task configs, runs and pools.
type TaskState struct {
	Configs map[domain.TaskKey][]domain.TaskConfig
	Runs    map[string]*domain.TaskRun
	Pools   map[domain.TaskKey]domain.TaskPool

	byKey map[domain.TaskKey]map[string]struct{}
}

// RunsOf returns the runs of key in no particular order.
func (s *TaskState) RunsOf(key domain.TaskKey) []*domain.TaskRun {
	out := make([]*domain.TaskRun, 0, len(s.byKey[key]))
	for id := range s.byKey[key] {
		out = append(out, s.Runs[id])
	}
	return out
}

// TaskHandler reduces task events into a TaskState.
type TaskHandler struct{}

// NewTaskEngine builds the task projection.
func NewTaskEngine(opts ...Option) *Engine[*TaskState] {
	return NewEngine[*TaskState](TaskHandler{}, opts...)
}

func (TaskHandler) Name() string { return "tasks" }

func (TaskHandler) Initial() *TaskState {
	return &TaskState{
		Configs: make(map[domain.TaskKey][]domain.TaskConfig),
		Runs:    make(map[string]*domain.TaskRun),
		Pools:   make(map[domain.TaskKey]domain.TaskPool),
		byKey:   make(map[domain.TaskKey]map[string]struct{}),
	}
}

func (TaskHandler) Kinds() map[domain.EventKind]bool {
	return map[domain.EventKind]bool{
		domain.EventTaskConfigCreated:    true,
		domain.EventTaskConfigUpdated:    true,
		domain.EventTaskConfigDestroyed:  true,
		domain.EventTaskRunCreated:       true,
		domain.EventTaskRunUpdated:       true,
		domain.EventTaskRunRemoved:       true,
		domain.EventAgentConfigCreated:   false,
		domain.EventAgentConfigUpdated:   false,
		domain.EventAgentConfigDestroyed: false,
		domain.EventAgentInstanceCreated: false,
		domain.EventAgentInstanceRetired: false,
		domain.EventAgentAcquired:        false,
		domain.EventAgentReleased:        false,
		domain.EventAgentPoolResized:     false,
	}
}

func (TaskHandler) Clone(s *TaskState) *TaskState {
	out := &TaskState{
		Configs: make(map[domain.TaskKey][]domain.TaskConfig, len(s.Configs)),
		Runs:    make(map[string]*domain.TaskRun, len(s.Runs)),
		Pools:   make(map[domain.TaskKey]domain.TaskPool, len(s.Pools)),
		byKey:   make(map[domain.TaskKey]map[string]struct{}, len(s.byKey)),
	}
	for k, versions := range s.Configs {
		cp := make([]domain.TaskConfig, len(versions))
		for i, c := range versions {
			cp[i] = c.Clone()
		}
		out.Configs[k] = cp
	}
	for id, r := range s.Runs {
		out.Runs[id] = r.Clone()
	}
	for k, p := range s.Pools {
		p.Versions = append([]domain.TaskVersionStats(nil), p.Versions...)
		out.Pools[k] = p
	}
	for k, ids := range s.byKey {
		cp := make(map[string]struct{}, len(ids))
		for id := range ids {
			cp[id] = struct{}{}
		}
		out.byKey[k] = cp
	}
	return out
}

func (h TaskHandler) Apply(s *TaskState, ev domain.Event) ([]Update, error) {
	switch ev.Kind {
	case domain.EventTaskConfigCreated:
		var p domain.TaskConfigPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		key := p.Config.Key()
		if _, exists := s.Configs[key]; exists {
			return nil, fmt.Errorf("task config %s already exists", key)
		}
		if p.Config.Version != 1 {
			return nil, fmt.Errorf("task config %s created at version %d", key, p.Config.Version)
		}
		s.Configs[key] = []domain.TaskConfig{p.Config}
		return h.withPool(s, key, Update{Type: UpdateTaskConfigs, IDs: []string{key.String()}}), nil

	case domain.EventTaskConfigUpdated:
		var p domain.TaskConfigPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		key := p.Config.Key()
		versions, ok := s.Configs[key]
		if !ok {
			return nil, fmt.Errorf("update of unknown task config %s", key)
		}
		latest := versions[len(versions)-1]
		if p.Config.Version != latest.Version+1 {
			return nil, fmt.Errorf("task config %s version %d does not follow %d", key, p.Config.Version, latest.Version)
		}
		s.Configs[key] = append(versions, p.Config)
		return h.withPool(s, key, Update{Type: UpdateTaskConfigs, IDs: []string{key.String()}}), nil

	case domain.EventTaskConfigDestroyed:
		var p domain.TaskKeyPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		key := domain.TaskKey{Kind: p.TaskKind, Type: p.TaskType}
		if _, ok := s.Configs[key]; !ok {
			return nil, fmt.Errorf("destroy of unknown task config %s", key)
		}
		if n := len(s.byKey[key]); n > 0 {
			return nil, fmt.Errorf("destroy of task config %s with %d runs remaining", key, n)
		}
		delete(s.Configs, key)
		delete(s.Pools, key)
		delete(s.byKey, key)
		return []Update{
			{Type: UpdateTaskConfigs, IDs: []string{key.String()}},
			{Type: UpdateTaskPools, IDs: []string{key.String()}},
		}, nil

	case domain.EventTaskRunCreated:
		var p domain.TaskRunPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		run := p.Run
		key := run.Key()
		versions, ok := s.Configs[key]
		if !ok {
			return nil, fmt.Errorf("run %s for unknown task config %s", run.TaskRunID, key)
		}
		if !hasTaskVersion(versions, run.ConfigVersion) {
			return nil, fmt.Errorf("run %s bound to missing version %d of %s", run.TaskRunID, run.ConfigVersion, key)
		}
		if _, exists := s.Runs[run.TaskRunID]; exists {
			return nil, fmt.Errorf("task run %s already exists", run.TaskRunID)
		}
		if run.Revision != 1 {
			return nil, fmt.Errorf("task run %s created at revision %d", run.TaskRunID, run.Revision)
		}
		s.Runs[run.TaskRunID] = &run
		if s.byKey[key] == nil {
			s.byKey[key] = make(map[string]struct{})
		}
		s.byKey[key][run.TaskRunID] = struct{}{}
		return h.withPool(s, key, Update{Type: UpdateTaskRuns, IDs: []string{run.TaskRunID}}), nil

	case domain.EventTaskRunUpdated:
		var p domain.TaskRunPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		run := p.Run
		prev, ok := s.Runs[run.TaskRunID]
		if !ok {
			return nil, fmt.Errorf("update of unknown task run %s", run.TaskRunID)
		}
		if run.Revision != prev.Revision+1 {
			return nil, fmt.Errorf("task run %s revision %d conflicts with %d", run.TaskRunID, run.Revision, prev.Revision)
		}
		if run.Key() != prev.Key() {
			return nil, fmt.Errorf("task run %s changed identity from %s to %s", run.TaskRunID, prev.Key(), run.Key())
		}
		s.Runs[run.TaskRunID] = &run
		return h.withPool(s, run.Key(), Update{Type: UpdateTaskRuns, IDs: []string{run.TaskRunID}}), nil

	case domain.EventTaskRunRemoved:
		var p domain.TaskRunRemovedPayload
		if err := ev.Decode(&p); err != nil {
			return nil, err
		}
		prev, ok := s.Runs[p.TaskRunID]
		if !ok {
			return nil, fmt.Errorf("remove of unknown task run %s", p.TaskRunID)
		}
		key := prev.Key()
		delete(s.Runs, p.TaskRunID)
		delete(s.byKey[key], p.TaskRunID)
		return h.withPool(s, key, Update{Type: UpdateTaskRuns, IDs: []string{p.TaskRunID}}), nil
	}
	return nil, fmt.Errorf("task handler cannot apply %s", ev.Kind)
}

// withPool recomputes the pool of key and appends its notification.
func (TaskHandler) withPool(s *TaskState, key domain.TaskKey, updates ...Update) []Update {
	versions := make([]int, 0, len(s.Configs[key]))
	for _, c := range s.Configs[key] {
		versions = append(versions, c.Version)
	}
	s.Pools[key] = domain.BuildTaskPool(key, versions, s.RunsOf(key))
	return append(updates, Update{Type: UpdateTaskPools, IDs: []string{key.String()}})
}

func hasTaskVersion(versions []domain.TaskConfig, v int) bool {
	for _, c := range versions {
		if c.Version == v {
			return true
		}
	}
	return false
}
