package tools

import (
	"context"
	"fmt"
	"slices"
)

// Parameter describes one named argument of a tool.
type Parameter struct {
	Name        string
	Type        string // string, number, integer, boolean, object, array
	Description string
	Required    bool
	Enum        []string
	Default     any
}

// Tool is a named capability the model may invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() []Parameter
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Definition is the provider-facing description of a tool.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema object
}

// ToolResult is what a tool call produced, as data.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

func errorResult(format string, args ...any) ToolResult {
	return ToolResult{Content: "Error: " + fmt.Sprintf(format, args...), IsError: true}
}

// Policy filters which tools are visible and callable. An empty Allow list
// allows everything not denied. "*" matches any name.
type Policy struct {
	Allow []string
	Deny  []string
}

func (p *Policy) Allows(name string) bool {
	if p == nil {
		return true
	}
	if slices.Contains(p.Deny, name) || slices.Contains(p.Deny, "*") {
		return false
	}
	if len(p.Allow) == 0 {
		return true
	}
	return slices.Contains(p.Allow, name) || slices.Contains(p.Allow, "*")
}

// ExecutionContext tells a tool on whose behalf it runs.
type ExecutionContext struct {
	SessionKey string
	Channel    string
	ChatID     string
	SubagentID string
	Policy     *Policy
}

type execContextKey struct{}

// WithExecutionContext attaches execCtx for tool handlers.
func WithExecutionContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecutionContextFrom returns the execution context attached by the registry, or nil.
func ExecutionContextFrom(ctx context.Context) *ExecutionContext {
	execCtx, _ := ctx.Value(execContextKey{}).(*ExecutionContext)
	return execCtx
}
