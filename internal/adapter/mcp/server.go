// Package mcp exposes the command surface as Model Context Protocol tools so
// agents can drive the orchestration core over stdio. Every tool takes the
// caller's acting_agent_id; authorization happens in the command service.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"hivecore/internal/domain"
	"hivecore/internal/usecase/taskmanager"
)

const serverInstructions = "You are an agent working inside a hivecore orchestration engine. " +
	"Pass your own agent id as acting_agent_id on every call. " +
	"Create task runs with create_task_run, start them with start_task_runs, and report the " +
	"outcome of a run you are executing with complete_task_run or fail_task_run. " +
	"Runs blocked by other runs start automatically once all their blockers complete."

// Commands is the command surface served over MCP.
type Commands interface {
	CreateAgentConfig(ctx context.Context, actingAgentID string, cfg domain.AgentConfig) (domain.AgentConfig, error)
	UpdateAgentConfig(ctx context.Context, actingAgentID string, kind domain.AgentKind, agentType string, patch domain.AgentConfigPatch) (domain.AgentConfig, error)
	DestroyAgentConfig(ctx context.Context, actingAgentID string, kind domain.AgentKind, agentType string) error
	GetAgentConfig(ctx context.Context, actingAgentID string, kind domain.AgentKind, agentType string, version int) (domain.AgentConfig, error)
	ListAgentConfigs(ctx context.Context, actingAgentID string) ([]domain.AgentConfig, error)
	AcquireAgent(ctx context.Context, actingAgentID string, kind domain.AgentKind, agentType string) (*domain.AgentInstance, error)
	ReleaseAgent(ctx context.Context, actingAgentID, agentID string) error
	ResizeAgentPool(ctx context.Context, actingAgentID string, kind domain.AgentKind, agentType string, size int) error
	GetAgentPool(ctx context.Context, actingAgentID string, kind domain.AgentKind, agentType string) (domain.AgentPool, error)

	CreateTaskConfig(ctx context.Context, actingAgentID string, cfg domain.TaskConfig) (domain.TaskConfig, error)
	UpdateTaskConfig(ctx context.Context, actingAgentID, kind, taskType string, patch domain.TaskConfigPatch) (domain.TaskConfig, error)
	DestroyTaskConfig(ctx context.Context, actingAgentID, kind, taskType string) error
	GetTaskConfig(ctx context.Context, actingAgentID, kind, taskType string, version int) (domain.TaskConfig, error)
	ListTaskConfigs(ctx context.Context, actingAgentID string) ([]domain.TaskConfig, error)
	GetPoolStats(ctx context.Context, actingAgentID, kind, taskType string) (domain.TaskPool, error)

	CreateTaskRun(ctx context.Context, actingAgentID string, req taskmanager.CreateRunRequest) (*domain.TaskRun, error)
	ScheduleStartTaskRuns(ctx context.Context, actingAgentID string, ids []string, initiatingTaskRunID string) ([]taskmanager.StartResult, error)
	ScheduleStartInteractionBlockingTaskRuns(ctx context.Context, actingAgentID, interactionTaskRunID string) ([]taskmanager.StartResult, error)
	StopTaskRun(ctx context.Context, actingAgentID, id string) ([]string, error)
	RemoveTaskRun(ctx context.Context, actingAgentID, id string) error
	GetTaskRun(ctx context.Context, actingAgentID, id string) (*domain.TaskRun, error)
	GetAllTaskRuns(ctx context.Context, actingAgentID string) ([]*domain.TaskRun, error)
	IsTaskRunOccupied(ctx context.Context, actingAgentID, id string) (bool, error)
	AddBlockingTaskRuns(ctx context.Context, actingAgentID, id string, dependentIDs []string) error
	GetTaskRunHistory(ctx context.Context, actingAgentID, id string, q taskmanager.HistoryQuery) ([]domain.HistoryEntry, error)
	AppendTrajectory(ctx context.Context, actingAgentID, id string, step domain.TrajectoryStep) error
	RespondToInteraction(ctx context.Context, actingAgentID, id, response string) error
	CompleteTaskRun(ctx context.Context, actingAgentID, id, output string) error
	FailTaskRun(ctx context.Context, actingAgentID, id, reason string) error
}

// Server wraps the MCP server with the command surface.
type Server struct {
	mcpServer *mcpserver.MCPServer
	commands  Commands
	logger    *slog.Logger
	handlers  map[string]mcpserver.ToolHandlerFunc
}

// New creates an MCP server with every command registered as a tool.
func New(commands Commands, version string, logger *slog.Logger) *Server {
	s := &Server{commands: commands, logger: logger, handlers: make(map[string]mcpserver.ToolHandlerFunc)}
	s.mcpServer = mcpserver.NewMCPServer(
		"hivecore",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)
	s.registerAgentTools()
	s.registerTaskTools()
	s.registerRunTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Serve speaks MCP over the given streams until ctx is cancelled or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	return mcpserver.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

// commandFunc runs one command for the resolved acting agent and returns the
// value to render as the tool result.
type commandFunc func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error)

func actingAgent() mcplib.ToolOption {
	return mcplib.WithString("acting_agent_id",
		mcplib.Required(),
		mcplib.Description("Your own agent id, or the configured system id."),
	)
}

// handle adapts fn to a tool handler. Command errors become tool errors
// carrying the machine-readable error code; they are not protocol errors.
func (s *Server) handle(name string, fn commandFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		actor := req.GetString("acting_agent_id", "")
		s.logger.Debug("mcp tool call", "tool", name, "acting_agent_id", actor)

		v, err := fn(ctx, actor, req)
		if err != nil {
			return mcplib.NewToolResultError(fmt.Sprintf("[%s] %v", domain.ErrorCodeOf(err), err)), nil
		}
		if text, ok := v.(string); ok {
			return mcplib.NewToolResultText(text), nil
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return mcplib.NewToolResultError("failed to marshal result: " + err.Error()), nil
		}
		return mcplib.NewToolResultText(string(data)), nil
	}
}

func (s *Server) add(tool mcplib.Tool, fn commandFunc) {
	h := s.handle(tool.Name, fn)
	s.handlers[tool.Name] = h
	s.mcpServer.AddTool(tool, h)
}

// ToolNames lists the registered tools in sorted order.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// splitIDs parses a comma-separated id list, dropping blanks.
func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func requireString(req mcplib.CallToolRequest, key string) (string, error) {
	v := req.GetString(key, "")
	if v == "" {
		return "", domain.NewSubSystemError(domain.SubSystemCommand, "mcp", domain.ErrInvalidInput, "missing required parameter: "+key)
	}
	return v, nil
}

// decodeJSON decodes a JSON-valued tool argument into v.
func decodeJSON(req mcplib.CallToolRequest, key string, v any) error {
	raw, err := requireString(req, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return domain.NewSubSystemError(domain.SubSystemCommand, "mcp", domain.ErrInvalidInput, key+": "+err.Error())
	}
	return nil
}
