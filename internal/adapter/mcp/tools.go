package mcp

import (
	"context"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"hivecore/internal/domain"
	"hivecore/internal/usecase/taskmanager"
)

func agentIdentity() []mcplib.ToolOption {
	return []mcplib.ToolOption{
		mcplib.WithString("agent_kind", mcplib.Required(), mcplib.Description("supervisor or operator")),
		mcplib.WithString("agent_type", mcplib.Required(), mcplib.Description("Agent type within the kind.")),
	}
}

func taskIdentity() []mcplib.ToolOption {
	return []mcplib.ToolOption{
		mcplib.WithString("task_kind", mcplib.Required(), mcplib.Description("Task kind.")),
		mcplib.WithString("task_type", mcplib.Required(), mcplib.Description("Task type within the kind.")),
	}
}

func taskRunID() mcplib.ToolOption {
	return mcplib.WithString("task_run_id", mcplib.Required(), mcplib.Description("Id of the task run."))
}

func newTool(name, description string, opts ...mcplib.ToolOption) mcplib.Tool {
	all := append([]mcplib.ToolOption{mcplib.WithDescription(description), actingAgent()}, opts...)
	return mcplib.NewTool(name, all...)
}

func agentKey(req mcplib.CallToolRequest) (domain.AgentKind, string) {
	return domain.AgentKind(req.GetString("agent_kind", "")), req.GetString("agent_type", "")
}

func taskKey(req mcplib.CallToolRequest) (string, string) {
	return req.GetString("task_kind", ""), req.GetString("task_type", "")
}

func (s *Server) registerAgentTools() {
	s.add(newTool("create_agent_config",
		"Create version 1 of an agent identity. config_json is an agent config object "+
			"with agent_kind, agent_type, description, instructions, tools, max_pool_size and auto_populate_pool.",
		mcplib.WithString("config_json", mcplib.Required(), mcplib.Description("Agent config as a JSON object.")),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		var cfg domain.AgentConfig
		if err := decodeJSON(req, "config_json", &cfg); err != nil {
			return nil, err
		}
		return s.commands.CreateAgentConfig(ctx, actor, cfg)
	})

	s.add(newTool("update_agent_config", "Append a new version of an agent identity. Omitted fields inherit the latest version.",
		append(agentIdentity(),
			mcplib.WithString("patch_json", mcplib.Required(), mcplib.Description("JSON object with the fields to change.")),
		)...,
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		var patch domain.AgentConfigPatch
		if err := decodeJSON(req, "patch_json", &patch); err != nil {
			return nil, err
		}
		kind, agentType := agentKey(req)
		return s.commands.UpdateAgentConfig(ctx, actor, kind, agentType, patch)
	})

	s.add(newTool("get_agent_config", "Show one version of an agent identity.",
		append(agentIdentity(),
			mcplib.WithNumber("version", mcplib.Description("Version to show; 0 or omitted shows the latest.")),
			mcplib.WithReadOnlyHintAnnotation(true),
		)...,
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		kind, agentType := agentKey(req)
		return s.commands.GetAgentConfig(ctx, actor, kind, agentType, req.GetInt("version", 0))
	})

	s.add(newTool("destroy_agent_config", "Destroy an agent identity and its idle instances.", agentIdentity()...),
		func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
			kind, agentType := agentKey(req)
			return "Agent config destroyed.", s.commands.DestroyAgentConfig(ctx, actor, kind, agentType)
		})

	s.add(newTool("list_agent_configs", "List the latest version of every agent identity.",
		mcplib.WithReadOnlyHintAnnotation(true),
	), func(ctx context.Context, actor string, _ mcplib.CallToolRequest) (any, error) {
		return s.commands.ListAgentConfigs(ctx, actor)
	})

	s.add(newTool("get_agent_pool", "Show the pool counters of an agent identity.",
		append(agentIdentity(), mcplib.WithReadOnlyHintAnnotation(true))...,
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		kind, agentType := agentKey(req)
		return s.commands.GetAgentPool(ctx, actor, kind, agentType)
	})

	s.add(newTool("acquire_agent", "Lease an idle agent instance outside task dispatch.", agentIdentity()...),
		func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
			kind, agentType := agentKey(req)
			return s.commands.AcquireAgent(ctx, actor, kind, agentType)
		})

	s.add(newTool("release_agent", "Return an agent leased with acquire_agent.",
		mcplib.WithString("agent_id", mcplib.Required(), mcplib.Description("Id of the leased agent instance.")),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		id, err := requireString(req, "agent_id")
		if err != nil {
			return nil, err
		}
		return "Agent released.", s.commands.ReleaseAgent(ctx, actor, id)
	})

	s.add(newTool("resize_agent_pool", "Set the target size of an agent pool.",
		append(agentIdentity(),
			mcplib.WithNumber("size", mcplib.Required(), mcplib.Description("New target pool size.")),
		)...,
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		kind, agentType := agentKey(req)
		return "Pool resized.", s.commands.ResizeAgentPool(ctx, actor, kind, agentType, req.GetInt("size", -1))
	})
}

func (s *Server) registerTaskTools() {
	s.add(newTool("create_task_config",
		"Create version 1 of a task identity. config_json is a task config object with task_kind, "+
			"task_type, agent_kind, agent_type, concurrency_mode, task_config_input, interval_ms, "+
			"max_repeats, max_retries and retry_delay_ms.",
		mcplib.WithString("config_json", mcplib.Required(), mcplib.Description("Task config as a JSON object.")),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		var cfg domain.TaskConfig
		if err := decodeJSON(req, "config_json", &cfg); err != nil {
			return nil, err
		}
		return s.commands.CreateTaskConfig(ctx, actor, cfg)
	})

	s.add(newTool("update_task_config", "Append a new version of a task identity. Existing runs keep their version.",
		append(taskIdentity(),
			mcplib.WithString("patch_json", mcplib.Required(), mcplib.Description("JSON object with the fields to change.")),
		)...,
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		var patch domain.TaskConfigPatch
		if err := decodeJSON(req, "patch_json", &patch); err != nil {
			return nil, err
		}
		kind, taskType := taskKey(req)
		return s.commands.UpdateTaskConfig(ctx, actor, kind, taskType, patch)
	})

	s.add(newTool("get_task_config", "Show one version of a task identity.",
		append(taskIdentity(),
			mcplib.WithNumber("version", mcplib.Description("Version to show; 0 or omitted shows the latest.")),
			mcplib.WithReadOnlyHintAnnotation(true),
		)...,
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		kind, taskType := taskKey(req)
		return s.commands.GetTaskConfig(ctx, actor, kind, taskType, req.GetInt("version", 0))
	})

	s.add(newTool("destroy_task_config", "Destroy a task identity that has no live runs.", taskIdentity()...),
		func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
			kind, taskType := taskKey(req)
			return "Task config destroyed.", s.commands.DestroyTaskConfig(ctx, actor, kind, taskType)
		})

	s.add(newTool("list_task_configs", "List the latest version of every task identity.",
		mcplib.WithReadOnlyHintAnnotation(true),
	), func(ctx context.Context, actor string, _ mcplib.CallToolRequest) (any, error) {
		return s.commands.ListTaskConfigs(ctx, actor)
	})

	s.add(newTool("get_pool_stats", "Show the run counters of a task identity.",
		append(taskIdentity(), mcplib.WithReadOnlyHintAnnotation(true))...,
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		kind, taskType := taskKey(req)
		return s.commands.GetPoolStats(ctx, actor, kind, taskType)
	})
}

func (s *Server) registerRunTools() {
	s.add(newTool("create_task_run", "Create a task run in CREATED. Runs listed in blocked_by must complete before it starts.",
		append(taskIdentity(),
			mcplib.WithString("input", mcplib.Description("Run input.")),
			mcplib.WithString("run_kind", mcplib.Description("automatic (default) or interaction.")),
			mcplib.WithString("blocked_by", mcplib.Description("Comma-separated ids of blocking task runs.")),
			mcplib.WithString("origin_task_run_id", mcplib.Description("Run that spawned this one.")),
			mcplib.WithNumber("config_version", mcplib.Description("Config version to pin; 0 or omitted pins the latest.")),
		)...,
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		kind, taskType := taskKey(req)
		return s.commands.CreateTaskRun(ctx, actor, taskmanager.CreateRunRequest{
			TaskKind:            kind,
			TaskType:            taskType,
			ConfigVersion:       req.GetInt("config_version", 0),
			RunKind:             domain.RunKind(req.GetString("run_kind", "")),
			TaskRunInput:        req.GetString("input", ""),
			OriginTaskRunID:     req.GetString("origin_task_run_id", ""),
			BlockedByTaskRunIDs: splitIDs(req.GetString("blocked_by", "")),
		})
	})

	s.add(newTool("start_task_runs", "Start a batch of task runs. Each run reports its own outcome.",
		mcplib.WithString("task_run_ids", mcplib.Required(), mcplib.Description("Comma-separated task run ids.")),
		mcplib.WithString("initiating_task_run_id", mcplib.Description("Run on whose behalf the batch is started.")),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		ids := splitIDs(req.GetString("task_run_ids", ""))
		results, err := s.commands.ScheduleStartTaskRuns(ctx, actor, ids, req.GetString("initiating_task_run_id", ""))
		if err != nil {
			return nil, err
		}
		return startViews(results), nil
	})

	s.add(newTool("start_interaction_blocking_task_runs", "Start every run blocked by an interaction run.",
		taskRunID(),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		id, err := requireString(req, "task_run_id")
		if err != nil {
			return nil, err
		}
		results, err := s.commands.ScheduleStartInteractionBlockingTaskRuns(ctx, actor, id)
		if err != nil {
			return nil, err
		}
		return startViews(results), nil
	})

	s.add(newTool("stop_task_run", "Stop a run and every live run that depends on it. Returns the stopped ids.",
		taskRunID(),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		id, err := requireString(req, "task_run_id")
		if err != nil {
			return nil, err
		}
		return s.commands.StopTaskRun(ctx, actor, id)
	})

	s.add(newTool("remove_task_run", "Stop a run, detach it from the dependency graph and delete it.",
		taskRunID(),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		id, err := requireString(req, "task_run_id")
		if err != nil {
			return nil, err
		}
		return "Task run removed.", s.commands.RemoveTaskRun(ctx, actor, id)
	})

	s.add(newTool("get_task_run", "Show one task run.",
		taskRunID(), mcplib.WithReadOnlyHintAnnotation(true),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		id, err := requireString(req, "task_run_id")
		if err != nil {
			return nil, err
		}
		return s.commands.GetTaskRun(ctx, actor, id)
	})

	s.add(newTool("list_task_runs", "List every task run.",
		mcplib.WithReadOnlyHintAnnotation(true),
	), func(ctx context.Context, actor string, _ mcplib.CallToolRequest) (any, error) {
		return s.commands.GetAllTaskRuns(ctx, actor)
	})

	s.add(newTool("is_task_run_occupied", "Report whether a run currently holds an agent.",
		taskRunID(), mcplib.WithReadOnlyHintAnnotation(true),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		id, err := requireString(req, "task_run_id")
		if err != nil {
			return nil, err
		}
		occupied, err := s.commands.IsTaskRunOccupied(ctx, actor, id)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"occupied": occupied}, nil
	})

	s.add(newTool("add_blocking_task_runs", "Make task_run_id a blocker of each dependent run.",
		taskRunID(),
		mcplib.WithString("dependent_ids", mcplib.Required(), mcplib.Description("Comma-separated ids of runs to block.")),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		id, err := requireString(req, "task_run_id")
		if err != nil {
			return nil, err
		}
		return "Blocking edges added.", s.commands.AddBlockingTaskRuns(ctx, actor, id, splitIDs(req.GetString("dependent_ids", "")))
	})

	s.add(newTool("get_task_run_history", "List the recorded attempts of a run, newest first.",
		taskRunID(),
		mcplib.WithNumber("limit", mcplib.Description("Maximum entries to return; 0 returns all.")),
		mcplib.WithBoolean("success_only", mcplib.Description("Only successful attempts.")),
		mcplib.WithString("start_date", mcplib.Description("RFC 3339 lower bound on attempt start.")),
		mcplib.WithString("end_date", mcplib.Description("RFC 3339 upper bound on attempt start.")),
		mcplib.WithReadOnlyHintAnnotation(true),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		id, err := requireString(req, "task_run_id")
		if err != nil {
			return nil, err
		}
		q := taskmanager.HistoryQuery{
			Limit:       req.GetInt("limit", 0),
			SuccessOnly: req.GetBool("success_only", false),
		}
		if q.StartDate, err = optionalTime(req, "start_date"); err != nil {
			return nil, err
		}
		if q.EndDate, err = optionalTime(req, "end_date"); err != nil {
			return nil, err
		}
		return s.commands.GetTaskRunHistory(ctx, actor, id, q)
	})

	s.add(newTool("append_trajectory", "Append a step to the execution trace of a run.",
		taskRunID(),
		mcplib.WithString("kind", mcplib.Required(), mcplib.Description("Step kind, e.g. thought, tool_call, observation.")),
		mcplib.WithString("content", mcplib.Description("Step content.")),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		id, err := requireString(req, "task_run_id")
		if err != nil {
			return nil, err
		}
		kind, err := requireString(req, "kind")
		if err != nil {
			return nil, err
		}
		step := domain.TrajectoryStep{Kind: kind, Content: req.GetString("content", "")}
		return "Trajectory step recorded.", s.commands.AppendTrajectory(ctx, actor, id, step)
	})

	s.add(newTool("respond_to_interaction", "Record the response to an executing interaction run and complete it.",
		taskRunID(),
		mcplib.WithString("response", mcplib.Required(), mcplib.Description("The response.")),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		id, err := requireString(req, "task_run_id")
		if err != nil {
			return nil, err
		}
		return "Interaction answered.", s.commands.RespondToInteraction(ctx, actor, id, req.GetString("response", ""))
	})

	s.add(newTool("complete_task_run", "Report successful completion of an executing run.",
		taskRunID(),
		mcplib.WithString("output", mcplib.Description("Run output, passed on to dependent runs.")),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		id, err := requireString(req, "task_run_id")
		if err != nil {
			return nil, err
		}
		return "Task run completed.", s.commands.CompleteTaskRun(ctx, actor, id, req.GetString("output", ""))
	})

	s.add(newTool("fail_task_run", "Report a failed attempt of an executing run. The retry policy decides what happens next.",
		taskRunID(),
		mcplib.WithString("reason", mcplib.Description("Failure reason.")),
	), func(ctx context.Context, actor string, req mcplib.CallToolRequest) (any, error) {
		id, err := requireString(req, "task_run_id")
		if err != nil {
			return nil, err
		}
		return "Failure recorded.", s.commands.FailTaskRun(ctx, actor, id, req.GetString("reason", ""))
	})
}

type startView struct {
	TaskRunID string `json:"task_run_id"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

func startViews(results []taskmanager.StartResult) []startView {
	views := make([]startView, 0, len(results))
	for _, r := range results {
		v := startView{TaskRunID: r.TaskRunID, Outcome: string(r.Outcome)}
		if r.Err != nil {
			v.Error = r.Err.Error()
			v.Code = string(domain.ErrorCodeOf(r.Err))
		}
		views = append(views, v)
	}
	return views
}

func optionalTime(req mcplib.CallToolRequest, key string) (*time.Time, error) {
	raw := req.GetString(key, "")
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, domain.NewSubSystemError(domain.SubSystemCommand, "mcp", domain.ErrInvalidInput, key+": "+err.Error())
	}
	return &t, nil
}
