package domain

import "context"

// ExecutionRequest describes one attempt of a task run on a leased agent.
type ExecutionRequest struct {
	TaskRunID     string  `json:"task_run_id"`
	TaskKind      string  `json:"task_kind"`
	TaskType      string  `json:"task_type"`
	ConfigVersion int     `json:"config_version"`
	RunKind       RunKind `json:"run_kind"`
	AgentID       string  `json:"agent_id"`
	Input         string  `json:"input"`
	Attempt       int     `json:"attempt"`
}

// Executor performs the work of a task run. The core never interprets the
// work itself; it only records the output or the failure.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req ExecutionRequest) (string, error)

// Execute calls f(ctx, req).
func (f ExecutorFunc) Execute(ctx context.Context, req ExecutionRequest) (string, error) {
	return f(ctx, req)
}
