package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventKind identifies the kind of event recorded in the event log.
type EventKind string

const (
	EventAgentConfigCreated   EventKind = "agent_config.created"
	EventAgentConfigUpdated   EventKind = "agent_config.updated"
	EventAgentConfigDestroyed EventKind = "agent_config.destroyed"
	EventAgentInstanceCreated EventKind = "agent_instance.created"
	EventAgentInstanceRetired EventKind = "agent_instance.retired"
	EventAgentAcquired        EventKind = "agent.acquired"
	EventAgentReleased        EventKind = "agent.released"
	EventAgentPoolResized     EventKind = "agent_pool.resized"

	EventTaskConfigCreated   EventKind = "task_config.created"
	EventTaskConfigUpdated   EventKind = "task_config.updated"
	EventTaskConfigDestroyed EventKind = "task_config.destroyed"
	EventTaskRunCreated      EventKind = "task_run.created"
	EventTaskRunUpdated      EventKind = "task_run.updated"
	EventTaskRunRemoved      EventKind = "task_run.removed"
)

// EventProjectionUpdated is published on the notification bus after a
// projection applies an event. It is never written to the event log.
const EventProjectionUpdated EventKind = "projection.updated"

// AllEventKinds returns the closed set of kinds that may appear in the event log.
func AllEventKinds() []EventKind {
	return []EventKind{
		EventAgentConfigCreated,
		EventAgentConfigUpdated,
		EventAgentConfigDestroyed,
		EventAgentInstanceCreated,
		EventAgentInstanceRetired,
		EventAgentAcquired,
		EventAgentReleased,
		EventAgentPoolResized,
		EventTaskConfigCreated,
		EventTaskConfigUpdated,
		EventTaskConfigDestroyed,
		EventTaskRunCreated,
		EventTaskRunUpdated,
		EventTaskRunRemoved,
	}
}

// IsLogKind reports whether k belongs to the closed event-log kind set.
func (k EventKind) IsLogKind() bool {
	for _, known := range AllEventKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Event is the envelope stored in the event log and published on the bus.
type Event struct {
	Seq       int64           `json:"seq"`
	Kind      EventKind       `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventLog is the append-only, ordered source of truth.
type EventLog interface {
	// Append assigns the next sequence number, persists the event and
	// synchronously delivers it to every subscriber before returning.
	Append(ctx context.Context, kind EventKind, payload any) (Event, error)
	// ReadAll returns every stored event in sequence order.
	ReadAll(ctx context.Context) ([]Event, error)
	// Subscribe registers a synchronous applier. Returns an unsubscribe function.
	Subscribe(fn func(Event)) func()
	// Close releases underlying resources.
	Close() error
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for asynchronous observers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event kind.
	// Returns an unsubscribe function.
	Subscribe(kind EventKind, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// Payloads recorded in the event log.

// AgentConfigPayload carries a full agent config version.
type AgentConfigPayload struct {
	Config AgentConfig `json:"config"`
}

// AgentKeyPayload identifies an agent config identity.
type AgentKeyPayload struct {
	AgentKind AgentKind `json:"agent_kind"`
	AgentType string    `json:"agent_type"`
}

// AgentInstancePayload carries a newly provisioned instance.
type AgentInstancePayload struct {
	Instance AgentInstance `json:"instance"`
}

// AgentRetiredPayload identifies a retired instance.
type AgentRetiredPayload struct {
	AgentID string `json:"agent_id"`
}

// AgentAcquiredPayload records an instance lease.
type AgentAcquiredPayload struct {
	AgentID    string     `json:"agent_id"`
	Assignment Assignment `json:"assignment"`
}

// AgentReleasedPayload records the end of an instance lease.
type AgentReleasedPayload struct {
	AgentID      string `json:"agent_id"`
	AssignmentID string `json:"assignment_id,omitempty"`
}

// AgentPoolResizedPayload records a new target pool size.
type AgentPoolResizedPayload struct {
	AgentKind AgentKind `json:"agent_kind"`
	AgentType string    `json:"agent_type"`
	Size      int       `json:"size"`
}

// TaskConfigPayload carries a full task config version.
type TaskConfigPayload struct {
	Config TaskConfig `json:"config"`
}

// TaskKeyPayload identifies a task config identity.
type TaskKeyPayload struct {
	TaskKind string `json:"task_kind"`
	TaskType string `json:"task_type"`
}

// TaskRunPayload carries a full task run snapshot.
type TaskRunPayload struct {
	Run TaskRun `json:"run"`
}

// TaskRunRemovedPayload identifies a deleted task run.
type TaskRunRemovedPayload struct {
	TaskRunID string `json:"task_run_id"`
}
