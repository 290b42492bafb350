package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"hivecore/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateEventLog(cfg, ve)
	validateAgents(cfg, ve)
	validateTasks(cfg, ve)
	validateCommands(cfg, ve)
	validateExecutor(cfg, ve)
	validateScheduler(cfg, ve)
	validateBootstrap(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio %v must be between 0 and 1", cfg.Tracer.SampleRatio)
	}
}

func validateEventLog(cfg *Config, ve *ValidationError) {
	switch cfg.EventLog.Driver {
	case "memory":
	case "sqlite":
		if cfg.EventLog.Path == "" {
			ve.Add("event_log.path is required when driver is sqlite")
		}
	default:
		ve.Add("event_log.driver %q is invalid (want: sqlite, memory)", cfg.EventLog.Driver)
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	if cfg.Agents.DefaultMaxPoolSize < 0 {
		ve.Add("agents.default_max_pool_size must be >= 0")
	}
}

func validateTasks(cfg *Config, ve *ValidationError) {
	if cfg.Tasks.MaxHistoryEntries <= 0 {
		ve.Add("tasks.max_history_entries must be > 0")
	}
	if cfg.Tasks.DefaultMaxRetries < 0 {
		ve.Add("tasks.default_max_retries must be >= 0")
	}
	if cfg.Tasks.DefaultRetryDelay < 0 {
		ve.Add("tasks.default_retry_delay must be >= 0")
	}
	if cfg.Tasks.DispatchTimeout < 0 {
		ve.Add("tasks.dispatch_timeout must be >= 0")
	}
}

func validateCommands(cfg *Config, ve *ValidationError) {
	if strings.TrimSpace(cfg.Commands.SystemAgentID) == "" {
		ve.Add("commands.system_agent_id must not be empty")
	}
	if cfg.Commands.RateLimitPerMin < 0 {
		ve.Add("commands.rate_limit_per_min must be >= 0")
	}
	if cfg.Commands.RateLimitBurst < 0 {
		ve.Add("commands.rate_limit_burst must be >= 0")
	}
}

func validateExecutor(cfg *Config, ve *ValidationError) {
	switch cfg.Executor.Kind {
	case "", "none", "echo":
	default:
		ve.Add("executor.kind %q is invalid (want: none, echo)", cfg.Executor.Kind)
	}
	b := cfg.Executor.Breaker
	if !b.Enabled {
		return
	}
	if b.MaxFailures <= 0 {
		ve.Add("executor.breaker.max_failures must be > 0 when the breaker is enabled")
	}
	if b.Timeout <= 0 {
		ve.Add("executor.breaker.timeout must be > 0 when the breaker is enabled")
	}
	if b.Interval < 0 {
		ve.Add("executor.breaker.interval must be >= 0")
	}
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func validateScheduler(cfg *Config, ve *ValidationError) {
	s := cfg.Scheduler.ProjectionCheck
	if s == "" {
		return
	}
	if _, err := scheduleParser.Parse(s); err == nil {
		return
	}
	if d, err := time.ParseDuration(s); err != nil || d <= 0 {
		ve.Add("scheduler.projection_check %q is not a valid cron expression or positive duration", s)
	}
}

func validateBootstrap(cfg *Config, ve *ValidationError) {
	agents := make(map[domain.AgentKey]bool)
	for i, a := range cfg.Bootstrap.Agents {
		if !a.AgentKind.Valid() {
			ve.Add("bootstrap.agents[%d].agent_kind %q is invalid (want: supervisor, operator)", i, a.AgentKind)
		}
		if a.AgentType == "" {
			ve.Add("bootstrap.agents[%d].agent_type must not be empty", i)
		}
		if a.MaxPoolSize < 0 {
			ve.Add("bootstrap.agents[%d].max_pool_size must be >= 0", i)
		}
		if agents[a.Key()] {
			ve.Add("bootstrap.agents[%d]: duplicate agent %s", i, a.Key())
		}
		agents[a.Key()] = true
	}

	tasks := make(map[domain.TaskKey]bool)
	for i, t := range cfg.Bootstrap.Tasks {
		if t.TaskKind == "" || t.TaskType == "" {
			ve.Add("bootstrap.tasks[%d]: task_kind and task_type are required", i)
		}
		if t.ConcurrencyMode != "" && !t.ConcurrencyMode.Valid() {
			ve.Add("bootstrap.tasks[%d].concurrency_mode %q is invalid (want: EXCLUSIVE, PARALLEL)", i, t.ConcurrencyMode)
		}
		if t.IntervalMs < 0 {
			ve.Add("bootstrap.tasks[%d].interval_ms must be >= 0", i)
		}
		if tasks[t.Key()] {
			ve.Add("bootstrap.tasks[%d]: duplicate task %s", i, t.Key())
		}
		tasks[t.Key()] = true
	}
}
