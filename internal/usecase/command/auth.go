package command

import (
	"context"

	"hivecore/internal/domain"
)

// RBACAuthorizer implements domain.Authorizer using the static role-permission map.
type RBACAuthorizer struct{}

// Authorize checks if the actor's role grants the specified permission.
// Returns domain.ErrForbidden if it does not.
func (a *RBACAuthorizer) Authorize(_ context.Context, actor domain.Actor, perm domain.Permission) error {
	perms, ok := domain.RolePermissions[actor.Role]
	if !ok {
		return domain.ErrForbidden
	}
	for _, p := range perms {
		if p == perm {
			return nil
		}
	}
	return domain.ErrForbidden
}

// InstanceLookup is the registry query the resolver needs.
type InstanceLookup interface {
	GetAgentInstance(agentID string) (*domain.AgentInstance, error)
}

// RegistryResolver resolves acting agent ids against the agent registry. The
// configured system id maps to the system role; a live instance maps to the
// role of its agent kind.
type RegistryResolver struct {
	SystemAgentID string
	Instances     InstanceLookup
}

// ResolveActor implements domain.ActorResolver.
func (r *RegistryResolver) ResolveActor(_ context.Context, actingAgentID string) (domain.Actor, error) {
	const op = "RegistryResolver.ResolveActor"
	if actingAgentID == "" {
		return domain.Actor{}, domain.NewSubSystemError(domain.SubSystemCommand, op, domain.ErrInvalidInput, "acting agent id is required")
	}
	if r.SystemAgentID != "" && actingAgentID == r.SystemAgentID {
		return domain.Actor{AgentID: actingAgentID, Role: domain.ActorRoleSystem}, nil
	}
	inst, err := r.Instances.GetAgentInstance(actingAgentID)
	if err != nil || inst.IsDestroyed {
		return domain.Actor{}, domain.NewSubSystemError(domain.SubSystemCommand, op, domain.ErrForbidden, "unknown acting agent "+actingAgentID)
	}
	switch inst.AgentKind {
	case domain.AgentKindSupervisor:
		return domain.Actor{AgentID: actingAgentID, Role: domain.ActorRoleSupervisor}, nil
	case domain.AgentKindOperator:
		return domain.Actor{AgentID: actingAgentID, Role: domain.ActorRoleOperator}, nil
	}
	return domain.Actor{}, domain.NewSubSystemError(domain.SubSystemCommand, op, domain.ErrForbidden, "agent kind "+string(inst.AgentKind)+" has no role")
}
