// Package executor provides domain.Executor implementations: an echo
// executor for development runs and a circuit breaker wrapper.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"hivecore/internal/domain"
	"hivecore/internal/usecase/envelope"
)

// Echo completes every run with its own input. Dependent runs echo the
// combined outputs of their blockers, so a dependency chain can be traced
// end to end without a real worker.
type Echo struct {
	logger *slog.Logger
}

// NewEcho creates an Echo executor.
func NewEcho(logger *slog.Logger) *Echo {
	return &Echo{logger: logger}
}

// Execute implements domain.Executor.
func (e *Echo) Execute(ctx context.Context, req domain.ExecutionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out := req.Input
	if env := envelope.Parse(req.Input); env.Outputs != "" {
		parts := make([]string, 0, 3)
		for _, p := range []string{env.Context, env.Input, env.Outputs} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		out = strings.Join(parts, "\n\n")
	}
	e.logger.Debug("echo executed", "task_run_id", req.TaskRunID, "agent_id", req.AgentID, "attempt", req.Attempt)
	return out, nil
}

// FromConfig builds the executor selected by kind. "none" returns nil: runs
// stay EXECUTING until an agent completes them through the command surface.
func FromConfig(kind string, breaker *BreakerConfig, logger *slog.Logger) (domain.Executor, error) {
	var exec domain.Executor
	switch kind {
	case "", "none":
		return nil, nil
	case "echo":
		exec = NewEcho(logger)
	default:
		return nil, fmt.Errorf("unknown executor kind %q", kind)
	}
	if breaker != nil {
		exec = NewCircuitBreaker(exec, *breaker, logger)
	}
	return exec, nil
}

var _ domain.Executor = (*Echo)(nil)
