package tools

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/switchboard/internal/observability"
)

type funcTool struct {
	name   string
	params []Parameter
	fn     func(ctx context.Context, args map[string]any) (string, error)
}

func (f funcTool) Name() string            { return f.name }
func (f funcTool) Description() string     { return "test tool " + f.name }
func (f funcTool) Parameters() []Parameter { return f.params }
func (f funcTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return f.fn(ctx, args)
}

func echoTool(name string) funcTool {
	return funcTool{
		name:   name,
		params: []Parameter{{Name: "text", Type: "string", Description: "text to echo", Required: true}},
		fn: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	}
}

func newTestRegistry(opts ...Option) *Registry {
	return NewRegistry(zerolog.Nop(), opts...)
}

func TestRegister(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(echoTool("b")))
	require.NoError(t, r.Register(echoTool("a")))

	err := r.Register(echoTool("a"))
	assert.ErrorIs(t, err, ErrDuplicateTool)

	defs := r.Definitions(nil)
	require.Len(t, defs, 2)
	assert.Equal(t, "b", defs[0].Name, "definitions keep registration order")
	assert.Equal(t, "a", defs[1].Name)
	assert.Equal(t, "object", defs[0].Parameters["type"])
	assert.Equal(t, []string{"text"}, defs[0].Parameters["required"])
	assert.Equal(t, false, defs[0].Parameters["additionalProperties"])
}

func TestRegisterInvalid(t *testing.T) {
	tests := []struct {
		name string
		tool Tool
	}{
		{"nil", nil},
		{"empty name", funcTool{}},
		{"bad type", funcTool{name: "x", params: []Parameter{{Name: "p", Type: "date"}}}},
		{"empty param name", funcTool{name: "x", params: []Parameter{{Type: "string"}}}},
		{"duplicate param", funcTool{name: "x", params: []Parameter{{Name: "p", Type: "string"}, {Name: "p", Type: "string"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, newTestRegistry().Register(tt.tool))
		})
	}
}

func TestExecute(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(echoTool("echo")))
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		res := r.ExecuteCall(ctx, "call_1", "echo", map[string]any{"text": "hi"}, nil)
		assert.Equal(t, ToolResult{ToolCallID: "call_1", Content: "hi"}, res)
	})

	t.Run("unknown tool is data", func(t *testing.T) {
		res := r.ExecuteCall(ctx, "call_2", "nope", nil, nil)
		assert.True(t, res.IsError)
		assert.Equal(t, "call_2", res.ToolCallID)
		assert.Contains(t, res.Content, `"nope"`)
	})

	t.Run("validation failures are data", func(t *testing.T) {
		cases := []map[string]any{
			nil,
			{"text": 5},
			{"text": "ok", "extra": true},
		}
		for _, args := range cases {
			res := r.Execute(ctx, "echo", args, nil)
			assert.True(t, res.IsError, "args %v", args)
			assert.Contains(t, res.Content, "invalid arguments")
		}
	})

	t.Run("handler error", func(t *testing.T) {
		require.NoError(t, r.Register(funcTool{name: "fail", fn: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("disk full")
		}}))
		res := r.Execute(ctx, "fail", nil, nil)
		assert.True(t, res.IsError)
		assert.Equal(t, "Error: disk full", res.Content)
	})

	t.Run("panic", func(t *testing.T) {
		require.NoError(t, r.Register(funcTool{name: "panic", fn: func(context.Context, map[string]any) (string, error) {
			panic("oops")
		}}))
		res := r.Execute(ctx, "panic", nil, nil)
		assert.True(t, res.IsError)
		assert.Contains(t, res.Content, "panicked")
	})

	t.Run("output truncated", func(t *testing.T) {
		res := r.Execute(ctx, "echo", map[string]any{"text": strings.Repeat("x", MaxOutputBytes+10)}, nil)
		assert.False(t, res.IsError)
		assert.True(t, strings.HasSuffix(res.Content, "[output truncated]"))
	})
}

func TestExecuteTimeout(t *testing.T) {
	r := newTestRegistry(WithTimeout(20 * time.Millisecond))
	require.NoError(t, r.Register(funcTool{name: "slow", fn: func(ctx context.Context, _ map[string]any) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}))

	res := r.Execute(context.Background(), "slow", nil, nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "timed out")
}

func TestExecuteIgnoresCallerCancellation(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(funcTool{name: "wait", fn: func(ctx context.Context, _ map[string]any) (string, error) {
		select {
		case <-time.After(30 * time.Millisecond):
			return "finished", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Execute(ctx, "wait", nil, nil)
	assert.False(t, res.IsError, "an in-flight tool call finishes even when the invocation is cancelled")
	assert.Equal(t, "finished", res.Content)
}

func TestPolicy(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.Register(echoTool("echo")))
	require.NoError(t, r.Register(echoTool("spawn")))

	deny := &Policy{Deny: []string{"spawn"}}
	defs := r.Definitions(deny)
	require.Len(t, defs, 1)
	assert.Equal(t, "echo", defs[0].Name)

	res := r.Execute(context.Background(), "spawn", map[string]any{"text": "x"}, &ExecutionContext{Policy: deny})
	assert.True(t, res.IsError)

	assert.True(t, (*Policy)(nil).Allows("anything"))
	assert.True(t, (&Policy{Allow: []string{"*"}}).Allows("x"))
	assert.False(t, (&Policy{Allow: []string{"a"}}).Allows("b"))
	assert.False(t, (&Policy{Allow: []string{"*"}, Deny: []string{"b"}}).Allows("b"))
}

func TestExecutionContextReachesTool(t *testing.T) {
	r := newTestRegistry()
	var seen *ExecutionContext
	require.NoError(t, r.Register(funcTool{name: "who", fn: func(ctx context.Context, _ map[string]any) (string, error) {
		seen = ExecutionContextFrom(ctx)
		return "", nil
	}}))

	execCtx := &ExecutionContext{SessionKey: "cli:1:2", Channel: "cli", ChatID: "1"}
	r.Execute(context.Background(), "who", nil, execCtx)
	assert.Same(t, execCtx, seen)
}

func TestAuditTrail(t *testing.T) {
	var buf bytes.Buffer
	r := newTestRegistry(WithAuditLog(observability.NewAuditLog(&buf)))
	require.NoError(t, r.Register(echoTool("echo")))

	r.Execute(context.Background(), "echo", map[string]any{"text": "x"}, &ExecutionContext{SessionKey: "s"})
	assert.Contains(t, buf.String(), `"action":"execute:echo"`)
	assert.Contains(t, buf.String(), `"actor":"s"`)
	assert.Contains(t, buf.String(), `"status":"success"`)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; an odd prefix puts the limit inside one.
	s := "x" + strings.Repeat("é", MaxOutputBytes)
	got, truncated := truncate(s)
	require.True(t, truncated)

	body := strings.TrimSuffix(got, "\n... [output truncated]")
	assert.True(t, utf8.ValidString(body))
	assert.Len(t, body, MaxOutputBytes-1)

	short, truncated := truncate("héllo")
	assert.False(t, truncated)
	assert.Equal(t, "héllo", short)
}
