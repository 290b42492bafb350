package command

import (
	"context"

	"hivecore/internal/domain"
	"hivecore/internal/infra/tracer"
)

// CreateAgentConfig creates version 1 of an agent identity.
func (s *Service) CreateAgentConfig(ctx context.Context, actingAgentID string, cfg domain.AgentConfig) (out domain.AgentConfig, err error) {
	const op = "create_agent_config"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermAgentConfigWrite, tracer.AgentIdentity(cfg.AgentKind, cfg.AgentType)...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return domain.AgentConfig{}, err
	}
	if err := s.checkMutable(op); err != nil {
		return domain.AgentConfig{}, err
	}
	return s.agents.CreateAgentConfig(ctx, cfg)
}

// UpdateAgentConfig appends a new version of an agent identity.
func (s *Service) UpdateAgentConfig(ctx context.Context, actingAgentID string, kind domain.AgentKind, agentType string, patch domain.AgentConfigPatch) (out domain.AgentConfig, err error) {
	const op = "update_agent_config"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermAgentConfigWrite, tracer.AgentIdentity(kind, agentType)...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return domain.AgentConfig{}, err
	}
	if err := s.checkMutable(op); err != nil {
		return domain.AgentConfig{}, err
	}
	return s.agents.UpdateAgentConfig(ctx, kind, agentType, patch)
}

// DestroyAgentConfig removes an agent identity and its idle pool.
func (s *Service) DestroyAgentConfig(ctx context.Context, actingAgentID string, kind domain.AgentKind, agentType string) (err error) {
	const op = "destroy_agent_config"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermAgentConfigDestroy, tracer.AgentIdentity(kind, agentType)...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return err
	}
	return s.agents.DestroyAgentConfig(ctx, kind, agentType)
}

// GetAgentConfig returns one version of an agent identity; 0 selects the latest.
func (s *Service) GetAgentConfig(ctx context.Context, actingAgentID string, kind domain.AgentKind, agentType string, version int) (out domain.AgentConfig, err error) {
	const op = "get_agent_config"
	_, span, err := s.begin(ctx, op, actingAgentID, domain.PermPoolRead, tracer.AgentIdentity(kind, agentType)...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return domain.AgentConfig{}, err
	}
	return s.agents.GetAgentConfig(kind, agentType, version)
}

// ListAgentConfigs returns the latest version of every agent identity.
func (s *Service) ListAgentConfigs(ctx context.Context, actingAgentID string) (out []domain.AgentConfig, err error) {
	const op = "list_agent_configs"
	_, span, err := s.begin(ctx, op, actingAgentID, domain.PermPoolRead)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return nil, err
	}
	return s.agents.ListAgentConfigs(), nil
}

// AcquireAgent leases an agent outside of task dispatch.
func (s *Service) AcquireAgent(ctx context.Context, actingAgentID string, kind domain.AgentKind, agentType string) (out *domain.AgentInstance, err error) {
	const op = "acquire_agent"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermAgentLease, tracer.AgentIdentity(kind, agentType)...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return nil, err
	}
	inst, err := s.agents.AcquireAgent(ctx, kind, agentType, "")
	if err != nil {
		return nil, err
	}
	span.SetAttributes(tracer.Agent(inst.AgentID))
	return inst, nil
}

// ReleaseAgent returns a lease taken with AcquireAgent. Leases held by task
// runs are released by their run and are rejected here.
func (s *Service) ReleaseAgent(ctx context.Context, actingAgentID, agentID string) (err error) {
	const op = "release_agent"
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermAgentLease, tracer.Agent(agentID))
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return err
	}
	inst, err := s.agents.GetAgentInstance(agentID)
	if err != nil {
		return err
	}
	if asg, ok := inst.CurrentAssignment(); ok && asg.TaskRunID != "" {
		return domain.NewSubSystemError(domain.SubSystemAgent, op, domain.ErrConflict,
			agentID+" is working task run "+asg.TaskRunID)
	}
	return s.agents.ReleaseAgent(ctx, agentID)
}

// ResizeAgentPool sets the target size of an agent pool.
func (s *Service) ResizeAgentPool(ctx context.Context, actingAgentID string, kind domain.AgentKind, agentType string, size int) (err error) {
	const op = "resize_agent_pool"
	attrs := append(tracer.AgentIdentity(kind, agentType), tracer.Count("size", size))
	ctx, span, err := s.begin(ctx, op, actingAgentID, domain.PermAgentPoolResize, attrs...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return err
	}
	return s.agents.ResizePool(ctx, kind, agentType, size)
}

// GetAgentPool returns the derived pool view of an agent identity.
func (s *Service) GetAgentPool(ctx context.Context, actingAgentID string, kind domain.AgentKind, agentType string) (out domain.AgentPool, err error) {
	const op = "get_agent_pool"
	_, span, err := s.begin(ctx, op, actingAgentID, domain.PermPoolRead, tracer.AgentIdentity(kind, agentType)...)
	defer func() { s.end(span, op, err) }()
	if err != nil {
		return domain.AgentPool{}, err
	}
	return s.agents.GetAgentPool(kind, agentType)
}
