package tracing

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const (
	traceIDKey    ctxKey = "trace_id"
	runIDKey      ctxKey = "run_id"
	sessionKeyKey ctxKey = "session_key"
	subagentIDKey ctxKey = "subagent_id"
)

// NewID returns a fresh random identifier for traces and runs.
func NewID() string {
	return uuid.NewString()
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyKey, key)
}

func WithSubagentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, subagentIDKey, id)
}

func TraceID(ctx context.Context) string    { return stringValue(ctx, traceIDKey) }
func RunID(ctx context.Context) string      { return stringValue(ctx, runIDKey) }
func SessionKey(ctx context.Context) string { return stringValue(ctx, sessionKeyKey) }
func SubagentID(ctx context.Context) string { return stringValue(ctx, subagentIDKey) }

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// NewRunContext stamps ctx with a run id and, when missing, a trace id.
func NewRunContext(ctx context.Context, sessionKey string) context.Context {
	if TraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewID())
	}
	ctx = WithRunID(ctx, NewID())
	return WithSessionKey(ctx, sessionKey)
}
