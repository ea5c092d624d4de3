// Package shared holds cross-cutting helpers used by the HTTP and job layers.
package shared

import "context"

// SystemActor identifies work not triggered by an administrator.
const SystemActor = "system"

type actorContextKey struct{}

// ContextWithActor stores the acting administrator id in context.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the acting administrator, defaulting to SystemActor.
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorContextKey{}).(string); ok && actor != "" {
		return actor
	}
	return SystemActor
}
