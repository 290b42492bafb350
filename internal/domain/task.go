package domain

import (
	"fmt"
	"sort"
	"time"
)

// ConcurrencyMode governs how many runs of one task type may be in flight.
type ConcurrencyMode string

const (
	ConcurrencyExclusive ConcurrencyMode = "EXCLUSIVE"
	ConcurrencyParallel  ConcurrencyMode = "PARALLEL"
)

// Valid reports whether m is a known concurrency mode.
func (m ConcurrencyMode) Valid() bool {
	return m == ConcurrencyExclusive || m == ConcurrencyParallel
}

// RunKind distinguishes user interaction runs from automatic ones.
type RunKind string

const (
	RunKindInteraction RunKind = "interaction"
	RunKindAutomatic   RunKind = "automatic"
)

// Valid reports whether k is a known run kind.
func (k RunKind) Valid() bool {
	return k == RunKindInteraction || k == RunKindAutomatic
}

// TaskRunStatus is the lifecycle state of a task run.
type TaskRunStatus string

const (
	TaskRunCreated       TaskRunStatus = "CREATED"
	TaskRunPending       TaskRunStatus = "PENDING"
	TaskRunScheduled     TaskRunStatus = "SCHEDULED"
	TaskRunAwaitingAgent TaskRunStatus = "AWAITING_AGENT"
	TaskRunExecuting     TaskRunStatus = "EXECUTING"
	TaskRunCompleted     TaskRunStatus = "COMPLETED"
	TaskRunFailed        TaskRunStatus = "FAILED"
	TaskRunStopped       TaskRunStatus = "STOPPED"
)

// InteractionStatus tracks whether an interaction run has its response.
type InteractionStatus string

const (
	InteractionPending   InteractionStatus = "PENDING"
	InteractionCompleted InteractionStatus = "COMPLETED"
)

// TaskKey is the identity of a task config: all versions share it.
type TaskKey struct {
	Kind string `json:"task_kind"`
	Type string `json:"task_type"`
}

func (k TaskKey) String() string { return fmt.Sprintf("%s/%s", k.Kind, k.Type) }

// TaskConfig is one immutable version of a task template.
type TaskConfig struct {
	TaskKind        string          `json:"task_kind"               yaml:"task_kind"`
	TaskType        string          `json:"task_type"               yaml:"task_type"`
	Version         int             `json:"version"                 yaml:"-"`
	TaskConfigInput string          `json:"task_config_input"       yaml:"task_config_input"`
	Description     string          `json:"description"             yaml:"description"`
	IntervalMs      int64           `json:"interval_ms"             yaml:"interval_ms"`
	RunImmediately  bool            `json:"run_immediately"         yaml:"run_immediately"`
	MaxRetries      *int            `json:"max_retries,omitempty"   yaml:"max_retries,omitempty"`
	RetryDelayMs    *int64          `json:"retry_delay_ms,omitempty" yaml:"retry_delay_ms,omitempty"`
	OwnerAgentID    string          `json:"owner_agent_id"          yaml:"owner_agent_id"`
	AgentKind       AgentKind       `json:"agent_kind"              yaml:"agent_kind"`
	AgentType       string          `json:"agent_type"              yaml:"agent_type"`
	ConcurrencyMode ConcurrencyMode `json:"concurrency_mode"        yaml:"concurrency_mode"`
	MaxRepeats      *int            `json:"max_repeats,omitempty"   yaml:"max_repeats,omitempty"`
	CreatedAt       time.Time       `json:"created_at"              yaml:"-"`
}

// Key returns the config identity.
func (c TaskConfig) Key() TaskKey { return TaskKey{Kind: c.TaskKind, Type: c.TaskType} }

// AgentKey returns the unversioned agent identity the task is bound to.
func (c TaskConfig) AgentKey() AgentKey { return AgentKey{Kind: c.AgentKind, Type: c.AgentType} }

// Clone returns a deep copy of c.
func (c TaskConfig) Clone() TaskConfig {
	out := c
	if c.MaxRetries != nil {
		v := *c.MaxRetries
		out.MaxRetries = &v
	}
	if c.RetryDelayMs != nil {
		v := *c.RetryDelayMs
		out.RetryDelayMs = &v
	}
	if c.MaxRepeats != nil {
		v := *c.MaxRepeats
		out.MaxRepeats = &v
	}
	return out
}

// TaskConfigPatch carries the fields of a partial update. Nil fields inherit
// the latest version's value.
type TaskConfigPatch struct {
	TaskConfigInput *string          `json:"task_config_input,omitempty"`
	Description     *string          `json:"description,omitempty"`
	IntervalMs      *int64           `json:"interval_ms,omitempty"`
	RunImmediately  *bool            `json:"run_immediately,omitempty"`
	MaxRetries      *int             `json:"max_retries,omitempty"`
	RetryDelayMs    *int64           `json:"retry_delay_ms,omitempty"`
	AgentKind       *AgentKind       `json:"agent_kind,omitempty"`
	AgentType       *string          `json:"agent_type,omitempty"`
	ConcurrencyMode *ConcurrencyMode `json:"concurrency_mode,omitempty"`
	MaxRepeats      *int             `json:"max_repeats,omitempty"`
}

// Apply returns a new version derived from base with the patch applied.
func (p TaskConfigPatch) Apply(base TaskConfig) TaskConfig {
	next := base.Clone()
	if p.TaskConfigInput != nil {
		next.TaskConfigInput = *p.TaskConfigInput
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.IntervalMs != nil {
		next.IntervalMs = *p.IntervalMs
	}
	if p.RunImmediately != nil {
		next.RunImmediately = *p.RunImmediately
	}
	if p.MaxRetries != nil {
		v := *p.MaxRetries
		next.MaxRetries = &v
	}
	if p.RetryDelayMs != nil {
		v := *p.RetryDelayMs
		next.RetryDelayMs = &v
	}
	if p.AgentKind != nil {
		next.AgentKind = *p.AgentKind
	}
	if p.AgentType != nil {
		next.AgentType = *p.AgentType
	}
	if p.ConcurrencyMode != nil {
		next.ConcurrencyMode = *p.ConcurrencyMode
	}
	if p.MaxRepeats != nil {
		v := *p.MaxRepeats
		next.MaxRepeats = &v
	}
	next.Version = base.Version + 1
	return next
}

// HistoryEntry records the outcome of one execution attempt.
type HistoryEntry struct {
	Attempt    int       `json:"attempt"`
	AgentID    string    `json:"agent_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// TrajectoryStep is one entry of the append-only execution trace.
type TrajectoryStep struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
}

// TaskRun is a schedulable instance of a task config.
type TaskRun struct {
	TaskRunID           string            `json:"task_run_id"`
	OriginTaskRunID     string            `json:"origin_task_run_id,omitempty"`
	TaskKind            string            `json:"task_kind"`
	TaskType            string            `json:"task_type"`
	ConfigVersion       int               `json:"config_version"`
	RunKind             RunKind           `json:"run_kind"`
	TaskRunInput        string            `json:"task_run_input"`
	Status              TaskRunStatus     `json:"status"`
	Revision            int               `json:"revision"`
	IsOccupied          bool              `json:"is_occupied"`
	OccupiedSince       *time.Time        `json:"occupied_since,omitempty"`
	StartTime           *time.Time        `json:"start_time,omitempty"`
	LastRunTime         *time.Time        `json:"last_run_time,omitempty"`
	NextRunTime         *time.Time        `json:"next_run_time,omitempty"`
	ErrorCount          int               `json:"error_count"`
	CurrentRetryAttempt int               `json:"current_retry_attempt"`
	RetryPending        bool              `json:"retry_pending"`
	CurrentAgentID      string            `json:"current_agent_id,omitempty"`
	ExecutionID         string            `json:"execution_id,omitempty"`
	CompletedRuns       int               `json:"completed_runs"`
	LastOutput          string            `json:"last_output,omitempty"`
	LastError           string            `json:"last_error,omitempty"`
	CurrentTrajectory   []TrajectoryStep  `json:"current_trajectory"`
	History             []HistoryEntry    `json:"history"`
	IsDependent         bool              `json:"is_dependent"`
	StartRequested      bool              `json:"start_requested"`
	BlockedByTaskRunIDs []string          `json:"blocked_by_task_run_ids"`
	BlockingTaskRunIDs  []string          `json:"blocking_task_run_ids"`
	Response            string            `json:"response,omitempty"`
	InteractionStatus   InteractionStatus `json:"interaction_status,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Key returns the identity of the config the run was instantiated from.
func (r *TaskRun) Key() TaskKey { return TaskKey{Kind: r.TaskKind, Type: r.TaskType} }

// IsTerminal reports whether the run has reached a final state. A failed run
// waiting on a retry is not terminal.
func (r *TaskRun) IsTerminal() bool {
	switch r.Status {
	case TaskRunCompleted, TaskRunStopped:
		return true
	case TaskRunFailed:
		return !r.RetryPending
	}
	return false
}

// IsInFlight reports whether the run holds its task type's execution slot.
func (r *TaskRun) IsInFlight() bool {
	switch r.Status {
	case TaskRunScheduled, TaskRunAwaitingAgent, TaskRunExecuting:
		return true
	case TaskRunFailed:
		return r.RetryPending
	}
	return false
}

// Clone returns a deep copy of r.
func (r *TaskRun) Clone() *TaskRun {
	out := *r
	out.OccupiedSince = cloneTime(r.OccupiedSince)
	out.StartTime = cloneTime(r.StartTime)
	out.LastRunTime = cloneTime(r.LastRunTime)
	out.NextRunTime = cloneTime(r.NextRunTime)
	out.CurrentTrajectory = append([]TrajectoryStep{}, r.CurrentTrajectory...)
	out.History = append([]HistoryEntry{}, r.History...)
	out.BlockedByTaskRunIDs = append([]string{}, r.BlockedByTaskRunIDs...)
	out.BlockingTaskRunIDs = append([]string{}, r.BlockingTaskRunIDs...)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TaskPoolStats are the bucketed run counters of a task pool.
type TaskPoolStats struct {
	PoolSize      int `json:"pool_size"`
	Created       int `json:"created"`
	Terminated    int `json:"terminated"`
	Completed     int `json:"completed"`
	Running       int `json:"running"`
	Pending       int `json:"pending"`
	AwaitingAgent int `json:"awaiting_agent"`
	Stopped       int `json:"stopped"`
	Failed        int `json:"failed"`
	Active        int `json:"active"`
	Total         int `json:"total"`
}

func (s *TaskPoolStats) add(r *TaskRun) {
	s.Total++
	switch r.Status {
	case TaskRunCreated:
		s.Created++
	case TaskRunPending, TaskRunScheduled:
		s.Pending++
	case TaskRunAwaitingAgent:
		s.AwaitingAgent++
	case TaskRunExecuting:
		s.Running++
	case TaskRunCompleted:
		s.Completed++
	case TaskRunStopped:
		s.Stopped++
	case TaskRunFailed:
		if r.RetryPending {
			s.Pending++
		} else {
			s.Failed++
		}
	}
	s.Terminated = s.Completed + s.Stopped + s.Failed
	s.Active = s.Pending + s.AwaitingAgent + s.Running
	s.PoolSize = s.Total - s.Terminated
}

// TaskVersionStats are the run counters for one config version.
type TaskVersionStats struct {
	Version int           `json:"version"`
	Stats   TaskPoolStats `json:"stats"`
}

// TaskPool is the derived view of all runs of a task identity.
type TaskPool struct {
	TaskKind string             `json:"task_kind"`
	TaskType string             `json:"task_type"`
	Stats    TaskPoolStats      `json:"pool_stats"`
	Versions []TaskVersionStats `json:"versions"`
}

// BuildTaskPool derives bucketed counters from the runs of an identity.
func BuildTaskPool(key TaskKey, versions []int, runs []*TaskRun) TaskPool {
	byVersion := make(map[int]*TaskVersionStats, len(versions))
	for _, v := range versions {
		byVersion[v] = &TaskVersionStats{Version: v}
	}
	pool := TaskPool{TaskKind: key.Kind, TaskType: key.Type}
	for _, r := range runs {
		vs, ok := byVersion[r.ConfigVersion]
		if !ok {
			vs = &TaskVersionStats{Version: r.ConfigVersion}
			byVersion[r.ConfigVersion] = vs
		}
		vs.Stats.add(r)
		pool.Stats.add(r)
	}
	pool.Versions = make([]TaskVersionStats, 0, len(byVersion))
	for _, vs := range byVersion {
		pool.Versions = append(pool.Versions, *vs)
	}
	sort.Slice(pool.Versions, func(i, j int) bool { return pool.Versions[i].Version < pool.Versions[j].Version })
	return pool
}
