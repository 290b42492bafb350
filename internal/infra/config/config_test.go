package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"hivecore/internal/domain"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Tasks.MaxHistoryEntries != 50 {
		t.Errorf("MaxHistoryEntries = %d, want 50", cfg.Tasks.MaxHistoryEntries)
	}
	if cfg.Tasks.DefaultRetryDelay != time.Second {
		t.Errorf("DefaultRetryDelay = %v, want 1s", cfg.Tasks.DefaultRetryDelay)
	}
	if cfg.Commands.SystemAgentID != "system" {
		t.Errorf("SystemAgentID = %q, want %q", cfg.Commands.SystemAgentID, "system")
	}
	if cfg.EventLog.Driver != "sqlite" {
		t.Errorf("EventLog.Driver = %q, want %q", cfg.EventLog.Driver, "sqlite")
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tasks.MaxHistoryEntries != 50 {
		t.Errorf("expected defaults, got MaxHistoryEntries=%d", cfg.Tasks.MaxHistoryEntries)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
event_log:
  driver: memory
agents:
  allow_config_mutation: false
  default_max_pool_size: 3
tasks:
  max_history_entries: 10
  default_retry_delay: 250ms
  dispatch_timeout: 2m
commands:
  system_agent_id: root
  rate_limit_per_min: 120
executor:
  kind: echo
  breaker:
    enabled: true
    max_failures: 2
    timeout: 10s
bootstrap:
  agents:
    - agent_kind: operator
      agent_type: writer
      max_pool_size: 2
      auto_populate_pool: true
  tasks:
    - task_kind: pipeline
      task_type: summarize
      agent_kind: operator
      agent_type: writer
      concurrency_mode: EXCLUSIVE
      max_retries: 3
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EventLog.Driver != "memory" {
		t.Errorf("Driver = %q, want memory", cfg.EventLog.Driver)
	}
	if cfg.Agents.AllowConfigMutation {
		t.Error("AllowConfigMutation should be false")
	}
	if cfg.Agents.DefaultMaxPoolSize != 3 {
		t.Errorf("DefaultMaxPoolSize = %d, want 3", cfg.Agents.DefaultMaxPoolSize)
	}
	if cfg.Tasks.DefaultRetryDelay != 250*time.Millisecond {
		t.Errorf("DefaultRetryDelay = %v, want 250ms", cfg.Tasks.DefaultRetryDelay)
	}
	if cfg.Tasks.DispatchTimeout != 2*time.Minute {
		t.Errorf("DispatchTimeout = %v, want 2m", cfg.Tasks.DispatchTimeout)
	}
	if cfg.Commands.SystemAgentID != "root" || cfg.Commands.RateLimitPerMin != 120 {
		t.Errorf("Commands mismatch: %+v", cfg.Commands)
	}
	if cfg.Executor.Kind != "echo" || !cfg.Executor.Breaker.Enabled || cfg.Executor.Breaker.MaxFailures != 2 {
		t.Errorf("Executor mismatch: %+v", cfg.Executor)
	}
	if cfg.Executor.Breaker.Interval != time.Minute {
		t.Errorf("breaker interval default lost: %v", cfg.Executor.Breaker.Interval)
	}
	if len(cfg.Bootstrap.Agents) != 1 || cfg.Bootstrap.Agents[0].AgentKind != domain.AgentKindOperator {
		t.Fatalf("Bootstrap.Agents mismatch: %+v", cfg.Bootstrap.Agents)
	}
	if !cfg.Bootstrap.Agents[0].AutoPopulatePool || cfg.Bootstrap.Agents[0].MaxPoolSize != 2 {
		t.Errorf("agent seed fields lost: %+v", cfg.Bootstrap.Agents[0])
	}
	if len(cfg.Bootstrap.Tasks) != 1 {
		t.Fatalf("Bootstrap.Tasks mismatch: %+v", cfg.Bootstrap.Tasks)
	}
	seed := cfg.Bootstrap.Tasks[0]
	if seed.ConcurrencyMode != domain.ConcurrencyExclusive || seed.MaxRetries == nil || *seed.MaxRetries != 3 {
		t.Errorf("task seed fields lost: %+v", seed)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("tasks: [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logger:\n  level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0666); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected permission error")
	}
	assertContains(t, err.Error(), "insecure permissions")
}

func TestLoadRunsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("tasks:\n  max_history_entries: 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("error type = %T, want *ValidationError", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HIVECORE_LOGGER_LEVEL", "debug")
	t.Setenv("HIVECORE_EVENT_LOG_DRIVER", "memory")
	t.Setenv("HIVECORE_EVENT_LOG_PATH", "/var/lib/hivecore/events.db")
	t.Setenv("HIVECORE_AGENTS_ALLOW_CONFIG_MUTATION", "false")
	t.Setenv("HIVECORE_AGENTS_DEFAULT_MAX_POOL_SIZE", "4")
	t.Setenv("HIVECORE_TASKS_MAX_HISTORY_ENTRIES", "7")
	t.Setenv("HIVECORE_TASKS_DEFAULT_RETRY_DELAY", "3s")
	t.Setenv("HIVECORE_COMMANDS_SYSTEM_AGENT_ID", "ops")
	t.Setenv("HIVECORE_COMMANDS_RATE_LIMIT_PER_MIN", "30")
	t.Setenv("HIVECORE_EXECUTOR_KIND", " Echo ")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.EventLog.Driver != "memory" || cfg.EventLog.Path != "/var/lib/hivecore/events.db" {
		t.Errorf("EventLog = %+v", cfg.EventLog)
	}
	if cfg.Agents.AllowConfigMutation {
		t.Error("AllowConfigMutation should be false")
	}
	if cfg.Agents.DefaultMaxPoolSize != 4 {
		t.Errorf("DefaultMaxPoolSize = %d, want 4", cfg.Agents.DefaultMaxPoolSize)
	}
	if cfg.Tasks.MaxHistoryEntries != 7 {
		t.Errorf("MaxHistoryEntries = %d, want 7", cfg.Tasks.MaxHistoryEntries)
	}
	if cfg.Tasks.DefaultRetryDelay != 3*time.Second {
		t.Errorf("DefaultRetryDelay = %v, want 3s", cfg.Tasks.DefaultRetryDelay)
	}
	if cfg.Commands.SystemAgentID != "ops" || cfg.Commands.RateLimitPerMin != 30 {
		t.Errorf("Commands = %+v", cfg.Commands)
	}
	if cfg.Executor.Kind != "echo" {
		t.Errorf("Executor.Kind = %q, want echo", cfg.Executor.Kind)
	}
}

func TestEnvOverridesIgnoreBadNumbers(t *testing.T) {
	t.Setenv("HIVECORE_TASKS_MAX_HISTORY_ENTRIES", "lots")
	t.Setenv("HIVECORE_TASKS_DISPATCH_TIMEOUT", "soon")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Tasks.MaxHistoryEntries != 50 {
		t.Errorf("MaxHistoryEntries = %d, want default 50", cfg.Tasks.MaxHistoryEntries)
	}
	if cfg.Tasks.DispatchTimeout != 0 {
		t.Errorf("DispatchTimeout = %v, want 0", cfg.Tasks.DispatchTimeout)
	}
}

func TestApplyEnvOverridesTracer(t *testing.T) {
	t.Setenv("HIVECORE_TRACER_ENABLED", "true")
	t.Setenv("HIVECORE_TRACER_EXPORTER", "stdout")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	if !cfg.Tracer.Enabled || cfg.Tracer.Exporter != "stdout" {
		t.Errorf("Tracer = %+v", cfg.Tracer)
	}
}

func TestMergeSeedsLaterWins(t *testing.T) {
	a := BootstrapConfig{
		Agents: []domain.AgentConfig{
			{AgentKind: domain.AgentKindOperator, AgentType: "writer", MaxPoolSize: 1},
			{AgentKind: domain.AgentKindOperator, AgentType: "reader", MaxPoolSize: 1},
		},
	}
	b := BootstrapConfig{
		Agents: []domain.AgentConfig{
			{AgentKind: domain.AgentKindOperator, AgentType: "writer", MaxPoolSize: 5},
		},
		Tasks: []domain.TaskConfig{{TaskKind: "pipeline", TaskType: "summarize"}},
	}
	out := mergeSeeds(a, b)
	if len(out.Agents) != 2 {
		t.Fatalf("agents = %+v", out.Agents)
	}
	if out.Agents[0].AgentType != "writer" || out.Agents[0].MaxPoolSize != 5 {
		t.Errorf("writer seed = %+v, want the later one in the first slot", out.Agents[0])
	}
	if len(out.Tasks) != 1 {
		t.Errorf("tasks = %+v", out.Tasks)
	}
}
