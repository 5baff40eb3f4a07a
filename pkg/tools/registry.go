package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
)

// ErrDuplicateTool is returned when a name is registered twice.
var ErrDuplicateTool = errors.New("tools: duplicate tool")

const (
	DefaultTimeout = 30 * time.Second
	MaxOutputBytes = 10 * 1024
)

type entry struct {
	tool       Tool
	definition Definition
	schema     *gojsonschema.Schema
}

// Registry maps tool names to implementations. Registration order is kept.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	timeout time.Duration
	logger  zerolog.Logger
	audit   *observability.AuditLog
}

// Option configures a Registry.
type Option func(*Registry)

func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithAuditLog(a *observability.AuditLog) Option {
	return func(r *Registry) { r.audit = a }
}

func NewRegistry(logger zerolog.Logger, opts ...Option) *Registry {
	observability.EnsureRegistered()
	r := &Registry{
		entries: make(map[string]*entry),
		timeout: DefaultTimeout,
		logger:  logger.With().Str("component", "tools").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds t. A second tool with the same name fails with ErrDuplicateTool.
func (r *Registry) Register(t Tool) error {
	if err := validateTool(t); err != nil {
		return err
	}

	def := Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  BuildSchema(t.Parameters()),
	}
	schema, err := compileSchema(def.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.entries[def.Name] = &entry{tool: t, definition: def, schema: schema}
	r.order = append(r.order, def.Name)

	r.logger.Debug().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Definitions returns every tool the policy allows, in registration order.
func (r *Registry) Definitions(policy *Policy) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		if policy.Allows(name) {
			defs = append(defs, r.entries[name].definition)
		}
	}
	return defs
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Execute runs the named tool with args. The tool keeps running if ctx is
// cancelled; only the registry timeout cuts it short.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, execCtx *ExecutionContext) ToolResult {
	ctx, span := tracing.StartSpan(ctx, "switchboard.tools", "tools.execute", attribute.String("tool", name))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("tool", name).Logger()
	start := time.Now()

	result := r.execute(ctx, name, args, execCtx, logger)

	duration := time.Since(start)
	observability.RecordToolExecution(name, duration, !result.IsError)
	span.SetAttributes(attribute.Bool("is_error", result.IsError))

	actor := ""
	if execCtx != nil {
		actor = execCtx.SessionKey
	}
	status := "success"
	if result.IsError {
		status = "failure"
	}
	r.audit.Record(ctx, observability.AuditEvent{
		Type:     "tool",
		Actor:    actor,
		Action:   "execute:" + name,
		Status:   status,
		Metadata: map[string]any{"duration_ms": duration.Milliseconds()},
	})
	return result
}

func (r *Registry) execute(ctx context.Context, name string, args map[string]any, execCtx *ExecutionContext, logger zerolog.Logger) ToolResult {
	if execCtx != nil && !execCtx.Policy.Allows(name) {
		logger.Warn().Msg("Tool execution blocked by policy")
		return errorResult("tool %q is not available here", name)
	}

	r.mu.RLock()
	e := r.entries[name]
	timeout := r.timeout
	r.mu.RUnlock()

	if e == nil {
		logger.Warn().Msg("Unknown tool requested")
		return errorResult("unknown tool %q", name)
	}

	if err := validateArgs(e.schema, args); err != nil {
		logger.Warn().Err(err).Msg("Tool argument validation failed")
		return errorResult("invalid arguments for %s: %v", name, err)
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	runCtx = WithExecutionContext(runCtx, execCtx)

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		out, err := e.tool.Execute(runCtx, args)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			logger.Error().Err(o.err).Msg("Tool execution failed")
			return errorResult("%v", o.err)
		}
		content, truncated := truncate(o.out)
		if truncated {
			logger.Warn().Int("original", len(o.out)).Msg("Tool output truncated")
		}
		return ToolResult{Content: content}
	case <-runCtx.Done():
		logger.Error().Dur("timeout", timeout).Msg("Tool execution timeout")
		return errorResult("tool %s timed out after %v", name, timeout)
	}
}

// ExecuteCall is Execute for a model-issued call; the result carries the call id.
func (r *Registry) ExecuteCall(ctx context.Context, id, name string, args map[string]any, execCtx *ExecutionContext) ToolResult {
	res := r.Execute(ctx, name, args, execCtx)
	res.ToolCallID = id
	return res
}

func truncate(s string) (string, bool) {
	if len(s) <= MaxOutputBytes {
		return s, false
	}
	cut := MaxOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated]", true
}
