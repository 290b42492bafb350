package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hivecore/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	EventLog  EventLogConfig  `yaml:"event_log"`
	Agents    AgentsConfig    `yaml:"agents"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Commands  CommandsConfig  `yaml:"commands"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`

	// SampleRatio in (0,1) samples that share of root traces; 0 keeps all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// EventLogConfig selects the event log backend.
type EventLogConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// AgentsConfig holds Agent Registry settings.
type AgentsConfig struct {
	AllowConfigMutation bool `yaml:"allow_config_mutation"`
	DefaultMaxPoolSize  int  `yaml:"default_max_pool_size"`
	AutoPopulatePool    bool `yaml:"auto_populate_pool"`
}

// TasksConfig holds Task Manager settings.
type TasksConfig struct {
	MaxHistoryEntries int           `yaml:"max_history_entries"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	DefaultRetryDelay time.Duration `yaml:"default_retry_delay"`
	DispatchTimeout   time.Duration `yaml:"dispatch_timeout"`
}

// CommandsConfig holds Command Surface settings.
type CommandsConfig struct {
	SystemAgentID   string `yaml:"system_agent_id"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	RateLimitBurst  int    `yaml:"rate_limit_burst"`
}

// ExecutorConfig selects the executor that runs dispatched task runs.
type ExecutorConfig struct {
	Kind    string        `yaml:"kind"` // "none" or "echo"
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-task-type circuit breaker.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// SchedulerConfig holds the periodic maintenance settings.
type SchedulerConfig struct {
	ProjectionCheck string `yaml:"projection_check"` // cron expression, empty disables
}

// BootstrapConfig lists configs seeded at serve start for identities the
// replayed log does not know yet.
type BootstrapConfig struct {
	Agents []domain.AgentConfig `yaml:"agents"`
	Tasks  []domain.TaskConfig  `yaml:"tasks"`
}

// defaultDataDir returns the persistent data directory under $HOME/.hivecore/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".hivecore", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		EventLog: EventLogConfig{
			Driver: "sqlite",
			Path:   filepath.Join(defaultDataDir(), "events.db"),
		},
		Agents: AgentsConfig{
			AllowConfigMutation: true,
			DefaultMaxPoolSize:  1,
		},
		Tasks: TasksConfig{
			MaxHistoryEntries: 50,
			DefaultMaxRetries: 0,
			DefaultRetryDelay: time.Second,
		},
		Commands: CommandsConfig{
			SystemAgentID: "system",
		},
		Executor: ExecutorConfig{
			Kind: "none",
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    time.Minute,
			},
		},
		Scheduler: SchedulerConfig{
			ProjectionCheck: "@every 5m",
		},
	}
}

// Load reads a YAML config file over Defaults, merges includes, applies env
// var overrides and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		seeds, err := newIncludeLoader(absPath).load(cfg, filepath.Dir(absPath))
		if err != nil {
			return nil, err
		}

		// Second pass: the main file takes precedence over includes. Seeds
		// from every file are kept, the main file's last.
		cfg.Bootstrap = BootstrapConfig{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Bootstrap = mergeSeeds(seeds, cfg.Bootstrap)
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps HIVECORE_* env vars to config fields.
// Unparseable numeric or duration values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HIVECORE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("HIVECORE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("HIVECORE_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("HIVECORE_TRACER_ENABLED"); v != "" {
		cfg.Tracer.Enabled = v == "true"
	}
	if v := os.Getenv("HIVECORE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("HIVECORE_TRACER_SAMPLE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracer.SampleRatio = f
		}
	}
	if v := os.Getenv("HIVECORE_EVENT_LOG_DRIVER"); v != "" {
		cfg.EventLog.Driver = v
	}
	if v := os.Getenv("HIVECORE_EVENT_LOG_PATH"); v != "" {
		cfg.EventLog.Path = v
	}
	if v := os.Getenv("HIVECORE_AGENTS_ALLOW_CONFIG_MUTATION"); v != "" {
		cfg.Agents.AllowConfigMutation = v == "true"
	}
	if v := os.Getenv("HIVECORE_AGENTS_DEFAULT_MAX_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agents.DefaultMaxPoolSize = n
		}
	}
	if v := os.Getenv("HIVECORE_AGENTS_AUTO_POPULATE_POOL"); v != "" {
		cfg.Agents.AutoPopulatePool = v == "true"
	}
	if v := os.Getenv("HIVECORE_TASKS_MAX_HISTORY_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tasks.MaxHistoryEntries = n
		}
	}
	if v := os.Getenv("HIVECORE_TASKS_DEFAULT_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tasks.DefaultMaxRetries = n
		}
	}
	if v := os.Getenv("HIVECORE_TASKS_DEFAULT_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tasks.DefaultRetryDelay = d
		}
	}
	if v := os.Getenv("HIVECORE_TASKS_DISPATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Tasks.DispatchTimeout = d
		}
	}
	if v := os.Getenv("HIVECORE_COMMANDS_SYSTEM_AGENT_ID"); v != "" {
		cfg.Commands.SystemAgentID = v
	}
	if v := os.Getenv("HIVECORE_COMMANDS_RATE_LIMIT_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Commands.RateLimitPerMin = n
		}
	}
	if v := os.Getenv("HIVECORE_COMMANDS_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Commands.RateLimitBurst = n
		}
	}
	if v := os.Getenv("HIVECORE_EXECUTOR_KIND"); v != "" {
		cfg.Executor.Kind = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("HIVECORE_EXECUTOR_BREAKER_ENABLED"); v != "" {
		cfg.Executor.Breaker.Enabled = v == "true"
	}
	if v := os.Getenv("HIVECORE_SCHEDULER_PROJECTION_CHECK"); v != "" {
		cfg.Scheduler.ProjectionCheck = v
	}
}

// mergeSeeds appends seeds from b after a. A later seed for the same
// identity replaces the earlier one in place.
func mergeSeeds(a, b BootstrapConfig) BootstrapConfig {
	out := BootstrapConfig{}
	agentIdx := map[domain.AgentKey]int{}
	for _, c := range append(append([]domain.AgentConfig(nil), a.Agents...), b.Agents...) {
		if i, ok := agentIdx[c.Key()]; ok {
			out.Agents[i] = c
			continue
		}
		agentIdx[c.Key()] = len(out.Agents)
		out.Agents = append(out.Agents, c)
	}
	taskIdx := map[domain.TaskKey]int{}
	for _, c := range append(append([]domain.TaskConfig(nil), a.Tasks...), b.Tasks...) {
		if i, ok := taskIdx[c.Key()]; ok {
			out.Tasks[i] = c
			continue
		}
		taskIdx[c.Key()] = len(out.Tasks)
		out.Tasks = append(out.Tasks, c)
	}
	return out
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
