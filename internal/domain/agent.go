package domain

import (
	"fmt"
	"sort"
	"time"
)

// AgentKind is the role family of an agent config.
type AgentKind string

const (
	AgentKindSupervisor AgentKind = "supervisor"
	AgentKindOperator   AgentKind = "operator"
)

// AllAgentKinds lists every valid agent kind for validation purposes.
var AllAgentKinds = []AgentKind{AgentKindSupervisor, AgentKindOperator}

// Valid reports whether k is a known agent kind.
func (k AgentKind) Valid() bool {
	for _, known := range AllAgentKinds {
		if k == known {
			return true
		}
	}
	return false
}

// AgentKey is the identity of an agent config: all versions share it.
type AgentKey struct {
	Kind AgentKind `json:"agent_kind"`
	Type string    `json:"agent_type"`
}

func (k AgentKey) String() string { return fmt.Sprintf("%s/%s", k.Kind, k.Type) }

// AgentConfig is one immutable version of an agent definition.
type AgentConfig struct {
	AgentKind        AgentKind `json:"agent_kind"          yaml:"agent_kind"`
	AgentType        string    `json:"agent_type"          yaml:"agent_type"`
	Version          int       `json:"version"             yaml:"-"`
	Description      string    `json:"description"         yaml:"description"`
	Instructions     string    `json:"instructions"        yaml:"instructions"`
	Tools            []string  `json:"tools,omitempty"     yaml:"tools,omitempty"`
	MaxPoolSize      int       `json:"max_pool_size"       yaml:"max_pool_size"`
	AutoPopulatePool bool      `json:"auto_populate_pool"  yaml:"auto_populate_pool"`
	CreatedAt        time.Time `json:"created_at"          yaml:"-"`
}

// Key returns the config identity.
func (c AgentConfig) Key() AgentKey { return AgentKey{Kind: c.AgentKind, Type: c.AgentType} }

// Clone returns a deep copy of c.
func (c AgentConfig) Clone() AgentConfig {
	out := c
	if c.Tools != nil {
		out.Tools = append([]string(nil), c.Tools...)
	}
	return out
}

// AgentConfigPatch carries the fields of an update. Nil fields inherit the
// latest version's value.
type AgentConfigPatch struct {
	Description      *string   `json:"description,omitempty"`
	Instructions     *string   `json:"instructions,omitempty"`
	Tools            *[]string `json:"tools,omitempty"`
	MaxPoolSize      *int      `json:"max_pool_size,omitempty"`
	AutoPopulatePool *bool     `json:"auto_populate_pool,omitempty"`
}

// Apply returns a new version derived from base with the patch applied.
func (p AgentConfigPatch) Apply(base AgentConfig) AgentConfig {
	next := base.Clone()
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.Instructions != nil {
		next.Instructions = *p.Instructions
	}
	if p.Tools != nil {
		next.Tools = append([]string(nil), (*p.Tools)...)
	}
	if p.MaxPoolSize != nil {
		next.MaxPoolSize = *p.MaxPoolSize
	}
	if p.AutoPopulatePool != nil {
		next.AutoPopulatePool = *p.AutoPopulatePool
	}
	next.Version = base.Version + 1
	return next
}

// Assignment binds an agent instance to the task run it is working.
type Assignment struct {
	AssignmentID string    `json:"assignment_id"`
	TaskRunID    string    `json:"task_run_id,omitempty"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// AgentInstance is a pooled worker bound to one config version.
type AgentInstance struct {
	AgentID       string                `json:"agent_id"`
	AgentKind     AgentKind             `json:"agent_kind"`
	AgentType     string                `json:"agent_type"`
	ConfigVersion int                   `json:"config_version"`
	InUse         bool                  `json:"in_use"`
	IsDestroyed   bool                  `json:"is_destroyed"`
	Assignments   map[string]Assignment `json:"assignments"`
	CreatedAt     time.Time             `json:"created_at"`
}

// Key returns the identity of the config the instance belongs to.
func (a *AgentInstance) Key() AgentKey { return AgentKey{Kind: a.AgentKind, Type: a.AgentType} }

// Clone returns a deep copy of a.
func (a *AgentInstance) Clone() *AgentInstance {
	out := *a
	out.Assignments = make(map[string]Assignment, len(a.Assignments))
	for k, v := range a.Assignments {
		out.Assignments[k] = v
	}
	return &out
}

// CurrentAssignment returns the single open assignment, if any.
func (a *AgentInstance) CurrentAssignment() (Assignment, bool) {
	for _, asg := range a.Assignments {
		return asg, true
	}
	return Assignment{}, false
}

// PoolStats are the aggregate instance counters of an agent pool.
type PoolStats struct {
	Available int `json:"available"`
	Created   int `json:"created"`
	Active    int `json:"active"`
	PoolSize  int `json:"pool_size"`
}

// VersionStats are the instance counters for one config version.
type VersionStats struct {
	Version   int `json:"version"`
	Available int `json:"available"`
	Created   int `json:"created"`
	Active    int `json:"active"`
}

// AgentPool is the derived view of all live instances of an agent identity.
type AgentPool struct {
	AgentKind  AgentKind      `json:"agent_kind"`
	AgentType  string         `json:"agent_type"`
	TargetSize int            `json:"target_size"`
	Stats      PoolStats      `json:"pool_stats"`
	Versions   []VersionStats `json:"versions"`
}

// BuildAgentPool derives pool counters from the live instances of an identity.
// PoolSize never drops below the live instance count, so a lazy shrink keeps
// busy surplus instances accounted for until they drain.
func BuildAgentPool(key AgentKey, targetSize int, versions []int, instances []*AgentInstance) AgentPool {
	byVersion := make(map[int]*VersionStats, len(versions))
	for _, v := range versions {
		byVersion[v] = &VersionStats{Version: v}
	}
	pool := AgentPool{AgentKind: key.Kind, AgentType: key.Type, TargetSize: targetSize}
	for _, inst := range instances {
		if inst.IsDestroyed {
			continue
		}
		vs, ok := byVersion[inst.ConfigVersion]
		if !ok {
			vs = &VersionStats{Version: inst.ConfigVersion}
			byVersion[inst.ConfigVersion] = vs
		}
		vs.Created++
		pool.Stats.Created++
		if inst.InUse {
			vs.Active++
			pool.Stats.Active++
		} else {
			vs.Available++
			pool.Stats.Available++
		}
	}
	pool.Stats.PoolSize = targetSize
	if pool.Stats.Created > pool.Stats.PoolSize {
		pool.Stats.PoolSize = pool.Stats.Created
	}
	pool.Versions = make([]VersionStats, 0, len(byVersion))
	for _, vs := range byVersion {
		pool.Versions = append(pool.Versions, *vs)
	}
	sort.Slice(pool.Versions, func(i, j int) bool { return pool.Versions[i].Version < pool.Versions[j].Version })
	return pool
}
