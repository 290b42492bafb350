package domain

import "context"

type ctxKey string

const (
	actorCtxKey      ctxKey = "actor"
	initiatingCtxKey ctxKey = "initiating_task_run_id"
)

// ContextWithActor returns a new context carrying the resolved actor.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey, actor)
}

// ActorFromContext extracts the actor from the context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorCtxKey).(Actor)
	return actor, ok
}

// ContextWithInitiatingRun returns a new context carrying the id of the task
// run that triggered a batch start.
func ContextWithInitiatingRun(ctx context.Context, taskRunID string) context.Context {
	return context.WithValue(ctx, initiatingCtxKey, taskRunID)
}

// InitiatingRunFromContext extracts the initiating task run id.
// Returns empty string if not set.
func InitiatingRunFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(initiatingCtxKey).(string); ok {
		return v
	}
	return ""
}
