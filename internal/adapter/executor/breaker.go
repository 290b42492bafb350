package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"hivecore/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration
}

// CircuitBreaker wraps an Executor with one breaker per task identity. When
// a task type keeps failing its circuit opens and further attempts fail fast
// without reaching the executor; the task manager then counts them as failed
// attempts and applies the run's retry policy.
type CircuitBreaker struct {
	inner    domain.Executor
	cfg      BreakerConfig
	logger   *slog.Logger
	mu       sync.Mutex
	breakers map[domain.TaskKey]*gobreaker.CircuitBreaker[string]
}

// NewCircuitBreaker wraps inner. Zero-valued settings fall back to defaults.
func NewCircuitBreaker(inner domain.Executor, cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultCBMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultCBTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultCBInterval
	}
	return &CircuitBreaker{
		inner:    inner,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[domain.TaskKey]*gobreaker.CircuitBreaker[string]),
	}
}

func (c *CircuitBreaker) breaker(key domain.TaskKey) *gobreaker.CircuitBreaker[string] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}
	maxFailures := c.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "task:" + key.String(),
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    c.cfg.Interval,
		Timeout:     c.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A stopped run cancels its context; that is not a failure of the task type.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	c.breakers[key] = cb
	return cb
}

// Execute implements domain.Executor.
func (c *CircuitBreaker) Execute(ctx context.Context, req domain.ExecutionRequest) (string, error) {
	key := domain.TaskKey{Kind: req.TaskKind, Type: req.TaskType}
	out, err := c.breaker(key).Execute(func() (string, error) {
		return c.inner.Execute(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: task type %s circuit open: %w", domain.ErrExecution, key, err)
		}
		return "", err
	}
	return out, nil
}

// State returns the breaker state of a task identity. Identities that never
// executed report closed.
func (c *CircuitBreaker) State(key domain.TaskKey) gobreaker.State {
	c.mu.Lock()
	cb, ok := c.breakers[key]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

var _ domain.Executor = (*CircuitBreaker)(nil)
