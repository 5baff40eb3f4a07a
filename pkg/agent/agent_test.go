package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/providers"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/subagent"
	"github.com/harun/switchboard/pkg/tools"
	"github.com/harun/switchboard/pkg/tools/builtin"
)

type step struct {
	content string
	calls   []session.ToolCall
	err     error
	block   bool
}

type fakeProvider struct {
	mu       sync.Mutex
	steps    []step
	fallback func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
	requests []providers.ChatRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var s step
	scripted := len(p.steps) > 0
	if scripted {
		s = p.steps[0]
		p.steps = p.steps[1:]
	}
	fallback := p.fallback
	p.mu.Unlock()

	if !scripted {
		if fallback != nil {
			return fallback(ctx, req)
		}
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return &providers.ChatResponse{Content: s.content, ToolCalls: s.calls}, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) request(i int) providers.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func lastMessage(req providers.ChatRequest) providers.Message {
	return req.Messages[len(req.Messages)-1]
}

type harness struct {
	agent    *Agent
	sessions *session.Manager
	bus      *bus.MessageBus
	registry *tools.Registry
	provider *fakeProvider
}

func newHarness(t *testing.T, provider *fakeProvider, mutate ...func(*Config)) *harness {
	t.Helper()
	return newHarnessWithCapacity(t, provider, 16, mutate...)
}

func newHarnessWithCapacity(t *testing.T, provider *fakeProvider, capacity int, mutate ...func(*Config)) *harness {
	t.Helper()
	store, err := session.NewJSONLStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	sessions := session.NewManager(store, zerolog.Nop())
	registry := tools.NewRegistry(zerolog.Nop(), tools.WithTimeout(2*time.Second))
	require.NoError(t, builtin.Register(registry, nil))
	b := bus.NewMessageBus(capacity, zerolog.Nop())

	cfg := DefaultConfig()
	cfg.ProviderTimeout = 2 * time.Second
	for _, fn := range mutate {
		fn(&cfg)
	}
	a, err := New(Options{
		Bus:      b,
		Sessions: sessions,
		Tools:    registry,
		Provider: provider,
		Config:   cfg,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = a.Close()
		b.Close()
		_ = sessions.Close()
	})
	return &harness{agent: a, sessions: sessions, bus: b, registry: registry, provider: provider}
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "test", ChatID: "chat1", SenderID: "alice", Content: content}
}

func (h *harness) history(t *testing.T, key string) []session.HistoryEntry {
	t.Helper()
	entries, err := h.sessions.History(context.Background(), key)
	require.NoError(t, err)
	return entries
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	store, err := session.NewJSONLStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	_, err = New(Options{
		Bus:      bus.NewMessageBus(1, zerolog.Nop()),
		Sessions: session.NewManager(store, zerolog.Nop()),
		Tools:    tools.NewRegistry(zerolog.Nop()),
		Provider: &fakeProvider{},
		Config:   Config{MaxToolIterations: 0},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max tool iterations")
}

func TestCalculatorScenario(t *testing.T) {
	provider := &fakeProvider{steps: []step{
		{calls: []session.ToolCall{{ID: "call_1", Name: "calculator", Arguments: map[string]any{"expression": "2+2"}}}},
		{content: "Result: 4"},
	}}
	h := newHarness(t, provider)

	msg := inbound("2+2")
	out, err := h.agent.ProcessMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "Result: 4", out.Content)
	assert.Equal(t, "test", out.Channel)
	assert.Equal(t, "chat1", out.ChatID)
	assert.False(t, out.Flag(bus.MetaTruncated))
	assert.False(t, out.Flag(bus.MetaError))

	entries := h.history(t, msg.SessionKey())
	require.Len(t, entries, 4)
	assert.Equal(t, []session.Role{session.RoleUser, session.RoleAssistant, session.RoleTool, session.RoleAssistant}, session.Roles(entries))
	assert.Equal(t, "2+2", entries[0].Content)
	require.Len(t, entries[1].ToolCalls, 1)
	assert.Equal(t, "calculator", entries[1].ToolCalls[0].Name)
	assert.Equal(t, "call_1", entries[2].ToolCallID)
	assert.Equal(t, "4", entries[2].Content)
	assert.Equal(t, "Result: 4", entries[3].Content)

	require.Equal(t, 2, provider.calls())
	second := provider.request(1)
	toolMsg := lastMessage(second)
	assert.Equal(t, providers.RoleTool, toolMsg.Role)
	assert.Equal(t, "4", toolMsg.Content)
	assert.False(t, toolMsg.IsError)
	assert.NotEmpty(t, second.Tools)
	assert.Contains(t, second.SystemPrompt, "Chat ID: chat1")
}

func TestMaxToolIterationsTruncates(t *testing.T) {
	provider := &fakeProvider{fallback: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{
			Content:   "still working",
			ToolCalls: []session.ToolCall{{ID: "c", Name: "calculator", Arguments: map[string]any{"expression": "1+1"}}},
		}, nil
	}}
	h := newHarness(t, provider, func(c *Config) { c.MaxToolIterations = 1 })

	msg := inbound("loop forever")
	out, err := h.agent.ProcessMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, out.Flag(bus.MetaTruncated))
	assert.Contains(t, out.Content, "still working")
	assert.Equal(t, 1, provider.calls())

	entries := h.history(t, msg.SessionKey())
	assert.Equal(t, []session.Role{session.RoleUser, session.RoleAssistant, session.RoleTool, session.RoleAssistant}, session.Roles(entries))
	assert.Equal(t, out.Content, entries[3].Content)
}

func TestProviderTimeoutLeavesSessionUntouched(t *testing.T) {
	provider := &fakeProvider{steps: []step{{block: true}, {content: "back again"}}}
	h := newHarness(t, provider, func(c *Config) { c.ProviderTimeout = 50 * time.Millisecond })

	msg := inbound("hello")
	out, err := h.agent.ProcessMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, out.Flag(bus.MetaError))
	assert.Equal(t, failureNotice, out.Content)
	assert.Empty(t, h.history(t, msg.SessionKey()))
	assert.False(t, h.sessions.Held(msg.SessionKey()))

	done := make(chan bus.OutboundMessage, 1)
	go func() {
		out, _ := h.agent.ProcessMessage(context.Background(), inbound("again"))
		done <- out
	}()
	select {
	case out := <-done:
		assert.Equal(t, "back again", out.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("second message blocked on the session lease")
	}
	assert.Len(t, h.history(t, msg.SessionKey()), 2)
}

func TestProcessDirectReturnsProviderError(t *testing.T) {
	provider := &fakeProvider{steps: []step{{err: errors.New("401 unauthorized")}}}
	h := newHarness(t, provider)

	content, err := h.agent.ProcessDirect(context.Background(), "hi", "")
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "fake", pe.Provider)
	assert.Equal(t, failureNotice, content)

	content, err = h.agent.ProcessDirect(context.Background(), "hi", "cli:custom")
	require.NoError(t, err)
	assert.Equal(t, "done", content)
	assert.Len(t, h.history(t, "cli:custom"), 2)
}

func TestToolFailuresBecomeToolEntries(t *testing.T) {
	tests := []struct {
		name string
		call session.ToolCall
		want string
	}{
		{
			name: "schema violation",
			call: session.ToolCall{ID: "c1", Name: "calculator", Arguments: map[string]any{"expr": "1+1"}},
			want: "invalid arguments",
		},
		{
			name: "unknown tool",
			call: session.ToolCall{ID: "c1", Name: "shell", Arguments: map[string]any{"cmd": "ls"}},
			want: "unknown tool",
		},
		{
			name: "handler error",
			call: session.ToolCall{ID: "c1", Name: "calculator", Arguments: map[string]any{"expression": "1/0"}},
			want: "Error:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeProvider{steps: []step{
				{calls: []session.ToolCall{tt.call}},
				{content: "sorry about that"},
			}}
			h := newHarness(t, provider)

			msg := inbound("do it")
			out, err := h.agent.ProcessMessage(context.Background(), msg)
			require.NoError(t, err)
			assert.Equal(t, "sorry about that", out.Content)

			entries := h.history(t, msg.SessionKey())
			require.Len(t, entries, 4)
			assert.Equal(t, session.RoleTool, entries[2].Role)
			assert.True(t, strings.HasPrefix(entries[2].Content, "Error:"))
			assert.Contains(t, entries[2].Content, tt.want)

			toolMsg := lastMessage(provider.request(1))
			assert.True(t, toolMsg.IsError)
		})
	}
}

func TestConcurrentInvocationsOnOneSessionDoNotInterleave(t *testing.T) {
	provider := &fakeProvider{fallback: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		time.Sleep(5 * time.Millisecond)
		return &providers.ChatResponse{Content: "re: " + lastMessage(req).Content}, nil
	}}
	h := newHarness(t, provider)

	const n = 8
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.agent.ProcessMessage(context.Background(), inbound(fmt.Sprintf("message %d", i)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entries := h.history(t, inbound("").SessionKey())
	require.Len(t, entries, 2*n)
	seen := map[string]bool{}
	for i := 0; i < len(entries); i += 2 {
		user, reply := entries[i], entries[i+1]
		require.Equal(t, session.RoleUser, user.Role)
		require.Equal(t, session.RoleAssistant, reply.Role)
		assert.Equal(t, "re: "+user.Content, reply.Content)
		seen[user.Content] = true
	}
	assert.Len(t, seen, n)
}

type gateTool struct {
	started chan struct{}
	release chan struct{}
}

func (g gateTool) Name() string                  { return "wait" }
func (g gateTool) Description() string           { return "waits for the test to release it" }
func (g gateTool) Parameters() []tools.Parameter { return nil }
func (g gateTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	close(g.started)
	<-g.release
	return "released", nil
}

func TestAbortTakesEffectAtIterationBoundary(t *testing.T) {
	provider := &fakeProvider{steps: []step{
		{calls: []session.ToolCall{{ID: "w", Name: "wait"}}},
		{content: "should never be asked"},
	}}
	h := newHarness(t, provider)
	gate := gateTool{started: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, h.registry.Register(gate))

	msg := inbound("block please")
	done := make(chan bus.OutboundMessage, 1)
	go func() {
		out, _ := h.agent.ProcessMessage(context.Background(), msg)
		done <- out
	}()

	<-gate.started
	assert.True(t, h.agent.IsRunning(msg.SessionKey()))
	assert.True(t, h.agent.Abort(msg.SessionKey()))
	close(gate.release)

	out := <-done
	assert.True(t, out.Flag(bus.MetaError))
	assert.Equal(t, abortedNotice, out.Content)
	assert.Equal(t, 1, provider.calls())
	assert.Empty(t, h.history(t, msg.SessionKey()))
	assert.False(t, h.agent.IsRunning(msg.SessionKey()))
	assert.False(t, h.agent.Abort(msg.SessionKey()))
}

func TestMemoryWindowLimitsHistory(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, provider, func(c *Config) { c.MemoryWindow = 3 })

	for i := range 3 {
		_, err := h.agent.ProcessMessage(context.Background(), inbound(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	// the last 3 entries are [assistant, user m1, assistant]; the window starts at m1
	req := provider.request(2)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "m1", req.Messages[0].Content)
	assert.Equal(t, "m2", req.Messages[2].Content)

	assert.Len(t, h.history(t, inbound("").SessionKey()), 6)
}

func TestMediaIsListedInUserTurn(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, provider)

	msg := inbound("what is this?")
	msg.Media = []string{"/tmp/photo.jpg"}
	_, err := h.agent.ProcessMessage(context.Background(), msg)
	require.NoError(t, err)

	assert.Contains(t, lastMessage(provider.request(0)).Content, "/tmp/photo.jpg")
	assert.Contains(t, h.history(t, msg.SessionKey())[0].Content, "/tmp/photo.jpg")
}

func TestSlashCommandsSkipProvider(t *testing.T) {
	provider := &fakeProvider{}
	h := newHarness(t, provider)

	out, err := h.agent.ProcessMessage(context.Background(), inbound("/help"))
	require.NoError(t, err)
	assert.Contains(t, out.Content, "/stop")

	out, err = h.agent.ProcessMessage(context.Background(), inbound("/stop"))
	require.NoError(t, err)
	assert.Equal(t, "Nothing is running.", out.Content)

	assert.Equal(t, 0, provider.calls())
	assert.Empty(t, h.history(t, inbound("").SessionKey()))
}

func TestRunDispatchesThroughBus(t *testing.T) {
	provider := &fakeProvider{fallback: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		return &providers.ChatResponse{Content: "re: " + lastMessage(req).Content}, nil
	}}
	h := newHarness(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- h.agent.Run(ctx) }()

	first := inbound("one")
	first.Metadata = map[string]any{bus.MetaMessageID: "m-1"}
	require.NoError(t, h.bus.PublishInbound(ctx, first))
	require.NoError(t, h.bus.PublishInbound(ctx, first))
	other := bus.InboundMessage{Channel: "test", ChatID: "chat2", SenderID: "bob", Content: "two"}
	require.NoError(t, h.bus.PublishInbound(ctx, other))
	require.NoError(t, h.bus.PublishInbound(ctx, inbound("/help")))

	got := map[string]string{}
	for range 3 {
		waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
		out, err := h.bus.ConsumeOutbound(waitCtx)
		waitCancel()
		require.NoError(t, err)
		got[out.ChatID+"|"+out.Content] = out.Channel
	}
	assert.Contains(t, got, "chat1|re: one")
	assert.Contains(t, got, "chat2|re: two")
	assert.Contains(t, got, "chat1|"+helpText)
	assert.Equal(t, 2, provider.calls(), "redelivered message is skipped")

	h.bus.Close()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the bus closed")
	}
}

func TestRunAppliesBackpressureToPublishers(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{fallback: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &providers.ChatResponse{Content: "re: " + lastMessage(req).Content}, nil
	}}
	h := newHarnessWithCapacity(t, provider, 2, func(c *Config) { c.ProviderTimeout = 10 * time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.agent.Run(ctx) }()

	// One running, two waiting in the lane, one held by Run, two in the bus.
	for i := range 6 {
		pubCtx, pubCancel := context.WithTimeout(ctx, 2*time.Second)
		require.NoError(t, h.bus.PublishInbound(pubCtx, inbound(fmt.Sprintf("m%d", i))))
		pubCancel()
	}
	require.Eventually(t, func() bool {
		s := h.agent.queue.Stats()
		return s.Running == 1 && s.Queued == 2 && h.bus.InboundSize() == 2
	}, 2*time.Second, 5*time.Millisecond)

	pubCtx, pubCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer pubCancel()
	err := h.bus.PublishInbound(pubCtx, inbound("overflow"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	var replies []string
	for range 6 {
		waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
		out, err := h.bus.ConsumeOutbound(waitCtx)
		waitCancel()
		require.NoError(t, err)
		replies = append(replies, out.Content)
	}
	assert.Equal(t, []string{"re: m0", "re: m1", "re: m2", "re: m3", "re: m4", "re: m5"}, replies)
}

func TestSpawnScenario(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{fallback: func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
		if strings.Contains(req.SystemPrompt, "## Subagent") {
			for _, d := range req.Tools {
				if d.Name == "spawn" {
					return nil, errors.New("subagent must not see spawn")
				}
			}
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &providers.ChatResponse{Content: "3 errors in the last hour"}, nil
		}
		last := lastMessage(req)
		switch {
		case last.Role == providers.RoleTool:
			return &providers.ChatResponse{Content: "Started: " + last.Content}, nil
		case last.Content == "summarize logs":
			return &providers.ChatResponse{ToolCalls: []session.ToolCall{
				{ID: "s1", Name: "spawn", Arguments: map[string]any{"goal": "summarize logs", "label": "logs"}},
			}}, nil
		default:
			return &providers.ChatResponse{Content: "echo: " + last.Content}, nil
		}
	}}
	h := newHarness(t, provider)

	manager, err := subagent.NewManager(h.agent, h.bus, subagent.Config{Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Close(ctx)
	})
	require.NoError(t, h.registry.Register(builtin.SpawnTool{Spawner: manager}))
	h.agent.SetSubagents(manager)

	parent := inbound("summarize logs")
	out, err := h.agent.ProcessMessage(context.Background(), parent)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Content, "Started: Subagent"))

	for _, text := range []string{"unrelated one", "unrelated two"} {
		out, err := h.agent.ProcessMessage(context.Background(), inbound(text))
		require.NoError(t, err)
		assert.Equal(t, "echo: "+text, out.Content)
	}

	tasks := manager.List(parent.SessionKey())
	require.Len(t, tasks, 1)
	assert.False(t, tasks[0].Status.IsTerminal())

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := h.bus.ConsumeOutbound(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", result.Channel)
	assert.Equal(t, "chat1", result.ChatID)
	assert.Equal(t, tasks[0].ID, result.Metadata[bus.MetaSubagentID])
	assert.Contains(t, result.Content, "3 errors in the last hour")

	parentHistory := h.history(t, parent.SessionKey())
	assert.Len(t, parentHistory, 4+2+2)
	for _, e := range parentHistory {
		assert.NotContains(t, e.Content, "3 errors in the last hour")
	}
	child := h.history(t, tasks[0].ChildSessionKey)
	require.Len(t, child, 2)
	assert.Equal(t, "summarize logs", child[0].Content)
	assert.Equal(t, "3 errors in the last hour", child[1].Content)
}
