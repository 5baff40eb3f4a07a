package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// DetachForSubagent returns a background context that carries the parent's
// trace id but none of its deadline or cancellation, with a new run id and the
// child session key.
func DetachForSubagent(parent context.Context, subagentID, childSessionKey string) context.Context {
	traceID := TraceID(parent)
	if traceID == "" {
		traceID = NewID()
	}
	ctx := WithTraceID(context.Background(), traceID)
	ctx = WithRunID(ctx, NewID())
	ctx = WithSubagentID(ctx, subagentID)
	return WithSessionKey(ctx, childSessionKey)
}

// LoggerFromContext decorates base with whatever tracing ids ctx carries.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := base.With()
	if v := TraceID(ctx); v != "" {
		lc = lc.Str("trace_id", v)
	}
	if v := RunID(ctx); v != "" {
		lc = lc.Str("run_id", v)
	}
	if v := SessionKey(ctx); v != "" {
		lc = lc.Str("session_key", v)
	}
	if v := SubagentID(ctx); v != "" {
		lc = lc.Str("subagent_id", v)
	}
	return lc.Logger()
}
