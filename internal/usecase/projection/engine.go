// Package projection rebuilds materialized views from the ordered event log.
//
// An Engine owns one view and one Handler. The handler is a reducer over the
// closed event-kind set: every kind is either applied or explicitly ignored,
// and a handler that leaves a kind undeclared is rejected when the engine is
// built. A reducer error halts the engine; it never skips an event.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"hivecore/internal/domain"
)

// UpdateType names the slice of a view affected by an applied event.
type UpdateType string

const (
	UpdateAgentConfigs   UpdateType = "agent_configs"
	UpdateAgentInstances UpdateType = "agent_instances"
	UpdateAgentPools     UpdateType = "agent_pools"
	UpdateTaskConfigs    UpdateType = "task_configs"
	UpdateTaskRuns       UpdateType = "task_runs"
	UpdateTaskPools      UpdateType = "task_pools"
)

// Update is the change notification emitted after a successful mutation.
type Update struct {
	Projection string     `json:"projection"`
	Seq        int64      `json:"seq"`
	Type       UpdateType `json:"type"`
	IDs        []string   `json:"ids"`
}

// Listener observes change notifications. Listeners run synchronously inside
// event delivery and must not append to the event log.
type Listener func(Update)

// Handler is the per-domain reducer driven by an Engine.
type Handler[S any] interface {
	// Name identifies the view in logs and notifications.
	Name() string
	// Initial returns the zero view.
	Initial() S
	// Kinds declares, for every kind of the closed set, whether the handler
	// applies (true) or ignores (false) it.
	Kinds() map[domain.EventKind]bool
	// Apply mutates state for one event and reports the affected slices.
	Apply(state S, ev domain.Event) ([]Update, error)
	// Clone returns a deep copy of state.
	Clone(state S) S
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger *slog.Logger
	bus    domain.EventBus
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBus publishes every change notification on bus as EventProjectionUpdated.
func WithBus(bus domain.EventBus) Option {
	return func(o *options) { o.bus = bus }
}

// Engine is a generic event-sourced projection.
type Engine[S any] struct {
	mu        sync.RWMutex
	handler   Handler[S]
	kinds     map[domain.EventKind]bool
	state     S
	lastSeq   int64
	err       error
	listeners map[uint64]Listener
	nextID    uint64
	logger    *slog.Logger
	bus       domain.EventBus
}

// NewEngine builds an engine for h. It panics if h does not declare every
// kind of the closed event set, so a new kind surfaces every unhandled view
// at startup.
func NewEngine[S any](h Handler[S], opts ...Option) *Engine[S] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	kinds := h.Kinds()
	if err := checkCoverage(kinds); err != nil {
		panic(fmt.Sprintf("projection %s: %v", h.Name(), err))
	}
	return &Engine[S]{
		handler:   h,
		kinds:     kinds,
		state:     h.Initial(),
		listeners: make(map[uint64]Listener),
		logger:    o.logger.With("projection", h.Name()),
		bus:       o.bus,
	}
}

func checkCoverage(kinds map[domain.EventKind]bool) error {
	var missing, unknown []string
	for _, k := range domain.AllEventKinds() {
		if _, ok := kinds[k]; !ok {
			missing = append(missing, string(k))
		}
	}
	for k := range kinds {
		if !k.IsLogKind() {
			unknown = append(unknown, string(k))
		}
	}
	sort.Strings(unknown)
	switch {
	case len(missing) > 0:
		return fmt.Errorf("unhandled event kinds: %s", strings.Join(missing, ", "))
	case len(unknown) > 0:
		return fmt.Errorf("kinds outside the event set: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Name returns the handler name.
func (e *Engine[S]) Name() string { return e.handler.Name() }

// Reset reinitializes the view to its zero value and clears a halt.
func (e *Engine[S]) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = e.handler.Initial()
	e.lastSeq = 0
	e.err = nil
}

// ProcessStateUpdate applies one event. Events must arrive in strict sequence
// order with no gaps. Any failure halts the engine with ErrReplayCorruption.
func (e *Engine[S]) ProcessStateUpdate(ev domain.Event) error {
	updates, err := e.apply(ev)
	if err != nil {
		return err
	}
	e.notify(updates)
	return nil
}

func (e *Engine[S]) apply(ev domain.Event) ([]Update, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}
	if ev.Seq != e.lastSeq+1 {
		return nil, e.halt(ev, fmt.Errorf("out of order: expected seq %d", e.lastSeq+1))
	}
	applies, known := e.kinds[ev.Kind]
	if !known {
		return nil, e.halt(ev, fmt.Errorf("unhandled event kind"))
	}
	if !applies {
		e.lastSeq = ev.Seq
		return nil, nil
	}

	updates, err := e.handler.Apply(e.state, ev)
	if err != nil {
		return nil, e.halt(ev, err)
	}
	e.lastSeq = ev.Seq
	for i := range updates {
		updates[i].Projection = e.handler.Name()
		updates[i].Seq = ev.Seq
	}
	return updates, nil
}

func (e *Engine[S]) halt(ev domain.Event, cause error) error {
	e.err = domain.NewSubSystemError(domain.SubSystemProjection, "Engine.ProcessStateUpdate", domain.ErrReplayCorruption,
		fmt.Sprintf("%s: %s seq %d: %v", e.handler.Name(), ev.Kind, ev.Seq, cause))
	e.logger.Error("projection halted", "kind", string(ev.Kind), "seq", ev.Seq, "error", cause)
	return e.err
}

func (e *Engine[S]) notify(updates []Update) {
	if len(updates) == 0 {
		return
	}
	e.mu.RLock()
	listeners := make([]Listener, 0, len(e.listeners))
	ids := make([]uint64, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		listeners = append(listeners, e.listeners[id])
	}
	e.mu.RUnlock()

	for _, u := range updates {
		for _, l := range listeners {
			l(u)
		}
		if e.bus != nil {
			payload, err := json.Marshal(u)
			if err != nil {
				e.logger.Warn("marshal projection update", "error", err)
				continue
			}
			e.bus.Publish(context.Background(), domain.Event{Seq: u.Seq, Kind: domain.EventProjectionUpdated, Payload: payload})
		}
	}
}

// Replay resets the view and applies events in order, stopping at the first
// failure.
func (e *Engine[S]) Replay(events []domain.Event) error {
	e.Reset()
	for _, ev := range events {
		if err := e.ProcessStateUpdate(ev); err != nil {
			return err
		}
	}
	return nil
}

// Attach subscribes the engine to log so appended events are applied as they
// are written. The returned function detaches it.
func (e *Engine[S]) Attach(log domain.EventLog) func() {
	return log.Subscribe(func(ev domain.Event) {
		// The halt is sticky and already logged; Err exposes it to callers.
		_ = e.ProcessStateUpdate(ev)
	})
}

// Subscribe registers a change listener. Returns an unsubscribe function.
func (e *Engine[S]) Subscribe(l Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = l
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// State returns a deep copy of the materialized view.
func (e *Engine[S]) State() S {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handler.Clone(e.state)
}

// Read calls fn with the live view under the read lock. fn must not retain
// or mutate the view.
func (e *Engine[S]) Read(fn func(S)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(e.state)
}

// LastSeq returns the sequence number of the last applied event.
func (e *Engine[S]) LastSeq() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSeq
}

// Err returns the halt error, or nil while the engine is healthy.
func (e *Engine[S]) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}
