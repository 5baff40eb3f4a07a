package observability

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Type      string
	Actor     string // session key that caused the action
	Action    string
	Status    string
	Metadata  map[string]any
	Timestamp time.Time
}

// AuditLog writes side-effecting actions (tool runs, subagent lifecycle) as
// JSON lines. A nil *AuditLog discards everything.
type AuditLog struct {
	mu     sync.Mutex
	logger zerolog.Logger
}

func NewAuditLog(w io.Writer) *AuditLog {
	return &AuditLog{logger: zerolog.New(w)}
}

func (a *AuditLog) Record(ctx context.Context, ev AuditEvent) {
	if a == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	traceID := ""
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent(ev.Action, trace.WithAttributes(
			attribute.String("audit.type", ev.Type),
			attribute.String("audit.status", ev.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.logger.Log().
		Time("timestamp", ev.Timestamp).
		Str("type", ev.Type).
		Str("actor", ev.Actor).
		Str("action", ev.Action).
		Str("status", ev.Status)
	if traceID != "" {
		e = e.Str("trace_id", traceID)
	}
	if len(ev.Metadata) > 0 {
		e = e.Interface("metadata", ev.Metadata)
	}
	e.Send()
}
