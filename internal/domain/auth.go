package domain

import "context"

// ActorRole is the authorization role resolved from an acting agent id.
type ActorRole string

const (
	ActorRoleSystem     ActorRole = "system"
	ActorRoleSupervisor ActorRole = "supervisor"
	ActorRoleOperator   ActorRole = "operator"
)

// AllActorRoles lists every valid actor role for validation purposes.
var AllActorRoles = []ActorRole{ActorRoleSystem, ActorRoleSupervisor, ActorRoleOperator}

// Permission represents a granular action that can be authorized.
type Permission string

const (
	PermAgentConfigWrite   Permission = "agent_config:write"
	PermAgentConfigDestroy Permission = "agent_config:destroy"
	PermAgentLease         Permission = "agent:lease"
	PermAgentPoolResize    Permission = "agent_pool:resize"
	PermTaskConfigWrite    Permission = "task_config:write"
	PermTaskConfigDestroy  Permission = "task_config:destroy"
	PermTaskRunWrite       Permission = "task_run:write"
	PermTaskRunRead        Permission = "task_run:read"
	PermPoolRead           Permission = "pool:read"
)

// RolePermissions maps each role to its granted permissions.
var RolePermissions = map[ActorRole][]Permission{
	ActorRoleSystem: {
		PermAgentConfigWrite, PermAgentConfigDestroy,
		PermAgentLease, PermAgentPoolResize,
		PermTaskConfigWrite, PermTaskConfigDestroy,
		PermTaskRunWrite, PermTaskRunRead,
		PermPoolRead,
	},
	ActorRoleSupervisor: {
		PermAgentConfigWrite, PermAgentConfigDestroy,
		PermAgentLease,
		PermTaskConfigWrite, PermTaskConfigDestroy,
		PermTaskRunWrite, PermTaskRunRead,
		PermPoolRead,
	},
	ActorRoleOperator: {
		PermAgentLease,
		PermTaskRunWrite, PermTaskRunRead,
		PermPoolRead,
	},
}

// Actor is a resolved acting agent.
type Actor struct {
	AgentID string
	Role    ActorRole
}

// Authorizer checks whether an actor holds a specific permission.
type Authorizer interface {
	Authorize(ctx context.Context, actor Actor, perm Permission) error
}

// ActorResolver maps an acting agent id to an actor.
type ActorResolver interface {
	ResolveActor(ctx context.Context, actingAgentID string) (Actor, error)
}
