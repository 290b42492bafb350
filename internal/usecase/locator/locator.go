// Package locator holds the process-wide orchestration components behind an
// explicit Init/Dispose lifecycle. Accessing it before Init or after Dispose
// is an error, not a nil dereference.
package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"hivecore/internal/domain"
	"hivecore/internal/infra/config"
	"hivecore/internal/usecase/agentregistry"
	"hivecore/internal/usecase/command"
	"hivecore/internal/usecase/projection"
	"hivecore/internal/usecase/scheduling"
	"hivecore/internal/usecase/taskmanager"
)

// App is the wired set of components of one process.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Log       domain.EventLog
	Bus       domain.EventBus
	Agents    *projection.Engine[*projection.AgentState]
	Tasks     *projection.Engine[*projection.TaskState]
	Registry  *agentregistry.Registry
	Manager   *taskmanager.Manager
	Commands  *command.Service
	Scheduler *scheduling.Scheduler

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// OnClose registers fn to run on Dispose. Closers run in reverse
// registration order, so components close before their dependencies.
func (a *App) OnClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close runs every registered closer and joins their errors.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			if a.Logger != nil {
				a.Logger.Error("close failed", "component", c.name, "error", err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

var (
	mu      sync.RWMutex
	current *App
)

// Init installs app as the process-wide instance.
func Init(app *App) error {
	if app == nil {
		return domain.NewDomainError("locator.Init", domain.ErrInvalidInput, "nil app")
	}
	mu.Lock()
	defer mu.Unlock()
	if current != nil {
		return domain.NewDomainError("locator.Init", domain.ErrConflict, "already initialized")
	}
	current = app
	return nil
}

// Get returns the installed App.
func Get() (*App, error) {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return nil, domain.NewDomainError("locator.Get", domain.ErrNotInitialized, "")
	}
	return current, nil
}

// MustGet is Get for call sites that run strictly between Init and Dispose.
func MustGet() *App {
	app, err := Get()
	if err != nil {
		panic(err)
	}
	return app
}

// Dispose uninstalls the App and closes it. Disposing an uninitialized
// locator is a no-op.
func Dispose(ctx context.Context) error {
	mu.Lock()
	app := current
	current = nil
	mu.Unlock()
	if app == nil {
		return nil
	}
	return app.Close(ctx)
}
