// Package command is the authorized entry point to the orchestration core.
// Every operation names the acting agent, which is resolved to a role and
// checked against the role's permissions before the registry or manager is
// touched. Each call runs inside a "command.<op>" trace span.
package command

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"hivecore/internal/domain"
	"hivecore/internal/infra/tracer"
	"hivecore/internal/usecase/taskmanager"
)

// AgentRegistry is the registry surface exposed through commands.
type AgentRegistry interface {
	InstanceLookup
	CreateAgentConfig(ctx context.Context, cfg domain.AgentConfig) (domain.AgentConfig, error)
	UpdateAgentConfig(ctx context.Context, kind domain.AgentKind, agentType string, patch domain.AgentConfigPatch) (domain.AgentConfig, error)
	DestroyAgentConfig(ctx context.Context, kind domain.AgentKind, agentType string) error
	GetAgentConfig(kind domain.AgentKind, agentType string, version int) (domain.AgentConfig, error)
	ListAgentConfigs() []domain.AgentConfig
	AcquireAgent(ctx context.Context, kind domain.AgentKind, agentType, taskRunID string) (*domain.AgentInstance, error)
	ReleaseAgent(ctx context.Context, agentID string) error
	ResizePool(ctx context.Context, kind domain.AgentKind, agentType string, size int) error
	GetAgentPool(kind domain.AgentKind, agentType string) (domain.AgentPool, error)
}

// TaskManager is the task surface exposed through commands.
type TaskManager interface {
	CreateTaskConfig(ctx context.Context, cfg domain.TaskConfig) (domain.TaskConfig, error)
	UpdateTaskConfig(ctx context.Context, kind, taskType string, patch domain.TaskConfigPatch) (domain.TaskConfig, error)
	DestroyTaskConfig(ctx context.Context, kind, taskType string) error
	GetTaskConfig(kind, taskType string, version int) (domain.TaskConfig, error)
	ListTaskConfigs() []domain.TaskConfig
	GetPoolStats(kind, taskType string) (domain.TaskPool, error)

	CreateTaskRun(ctx context.Context, req taskmanager.CreateRunRequest) (*domain.TaskRun, error)
	ScheduleStartTaskRuns(ctx context.Context, ids []string, initiatingTaskRunID string) ([]taskmanager.StartResult, error)
	ScheduleStartInteractionBlockingTaskRuns(ctx context.Context, interactionTaskRunID string) ([]taskmanager.StartResult, error)
	StopTaskRun(ctx context.Context, id string) ([]string, error)
	RemoveTaskRun(ctx context.Context, id string) error
	GetTaskRun(id string) (*domain.TaskRun, error)
	GetAllTaskRuns() []*domain.TaskRun
	IsTaskRunOccupied(id string) (bool, error)
	AddBlockingTaskRuns(ctx context.Context, id string, dependentIDs []string) error
	GetTaskRunHistory(id string, q taskmanager.HistoryQuery) ([]domain.HistoryEntry, error)
	AppendTrajectory(ctx context.Context, id string, step domain.TrajectoryStep) error
	RespondToInteraction(ctx context.Context, id, response string) error
	CompleteTaskRun(ctx context.Context, id, output string) error
	FailTaskRun(ctx context.Context, id, reason string) error
}

// Config controls the command surface.
type Config struct {
	SystemAgentID       string
	AllowConfigMutation bool
	RateLimitPerMin     int // 0 disables throttling
	RateLimitBurst      int
}

// Service executes commands on behalf of acting agents.
type Service struct {
	agents   AgentRegistry
	tasks    TaskManager
	resolver domain.ActorResolver
	authz    domain.Authorizer
	limiter  *actorLimiter
	cfg      Config
	logger   *slog.Logger
}

// NewService wires a Service with the registry-backed resolver and the RBAC
// authorizer.
func NewService(agents AgentRegistry, tasks TaskManager, cfg Config, logger *slog.Logger) *Service {
	s := &Service{
		agents:   agents,
		tasks:    tasks,
		resolver: &RegistryResolver{SystemAgentID: cfg.SystemAgentID, Instances: agents},
		authz:    &RBACAuthorizer{},
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.RateLimitPerMin > 0 {
		s.limiter = newActorLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst)
	}
	return s
}

// Close stops background work owned by the service.
func (s *Service) Close() error {
	if s.limiter != nil {
		s.limiter.close()
	}
	return nil
}

// begin opens the span for op and admits the acting agent: resolution,
// permission check, then rate limit. The returned context carries the actor.
func (s *Service) begin(ctx context.Context, op, actingAgentID string, perm domain.Permission, attrs ...attribute.KeyValue) (context.Context, trace.Span, error) {
	ctx, span := tracer.StartCommand(ctx, op, actingAgentID, attrs...)

	actor, err := s.resolver.ResolveActor(ctx, actingAgentID)
	if err == nil {
		if authErr := s.authz.Authorize(ctx, actor, perm); authErr != nil {
			err = domain.NewSubSystemError(domain.SubSystemCommand, op, authErr, string(actor.Role)+" lacks "+string(perm))
		}
	}
	if err == nil && s.limiter != nil && !s.limiter.allow(actor.AgentID) {
		err = domain.NewSubSystemError(domain.SubSystemCommand, op, domain.ErrRateLimit, actor.AgentID)
	}
	if err != nil {
		s.logger.Warn("command rejected", "op", op, "acting_agent_id", actingAgentID, "error", err)
		return ctx, span, err
	}
	tracer.Admitted(span, actor.Role)
	return domain.ContextWithActor(ctx, actor), span, nil
}

// end closes the span with the command's outcome.
func (s *Service) end(span trace.Span, op string, err error) {
	if err != nil {
		s.logger.Debug("command failed", "op", op, "error", err, "code", domain.ErrorCodeOf(err))
	}
	tracer.EndCommand(span, err)
}

func (s *Service) checkMutable(op string) error {
	if s.cfg.AllowConfigMutation {
		return nil
	}
	return domain.NewSubSystemError(domain.SubSystemCommand, op, domain.ErrDisabled, "config mutation is switched off")
}

// checkOwner lets only the owner of a task config, or the system, change it.
// Configs without an owner are open to any actor with the permission.
func checkOwner(ctx context.Context, op string, cfg domain.TaskConfig) error {
	actor, _ := domain.ActorFromContext(ctx)
	if actor.Role == domain.ActorRoleSystem || cfg.OwnerAgentID == "" || cfg.OwnerAgentID == actor.AgentID {
		return nil
	}
	return domain.NewSubSystemError(domain.SubSystemCommand, op, domain.ErrForbidden,
		"task config "+cfg.Key().String()+" is owned by "+cfg.OwnerAgentID)
}
