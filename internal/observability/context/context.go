package obscontext

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	accountIDKey ctxKey = "account_id"
	actorTypeKey ctxKey = "actor_type"
	actorIDKey   ctxKey = "actor_id"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, strings.TrimSpace(accountID))
}

func AccountIDFromContext(ctx context.Context) string {
	return stringValue(ctx, accountIDKey)
}

// WithActor records who is calling: an API client, the webhook, or the scheduler.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, actorTypeKey, strings.TrimSpace(actorType))
	return context.WithValue(ctx, actorIDKey, strings.TrimSpace(actorID))
}

func ActorFromContext(ctx context.Context) (string, string) {
	return stringValue(ctx, actorTypeKey), stringValue(ctx, actorIDKey)
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
