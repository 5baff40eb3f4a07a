package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/switchboard/pkg/providers"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/tools"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSystemPromptIncludesWorkspaceFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "SOUL.md"), "Be kind.")
	writeFile(t, filepath.Join(dir, "AGENTS.md"), "Follow the runbook.")
	writeFile(t, filepath.Join(dir, "USER.md"), "   ")
	writeFile(t, filepath.Join(dir, MemoryFile), "User prefers metric units.")

	cb := NewContextBuilder(dir, "", zerolog.Nop())
	prompt := cb.SystemPrompt("telegram", "42")

	assert.True(t, strings.HasPrefix(prompt, defaultIdentity))
	assert.Contains(t, prompt, "## AGENTS.md\n\nFollow the runbook.")
	assert.Contains(t, prompt, "## SOUL.md\n\nBe kind.")
	assert.Contains(t, prompt, "## Memory\n\nUser prefers metric units.")
	assert.NotContains(t, prompt, "## USER.md")
	assert.Less(t, strings.Index(prompt, "AGENTS.md"), strings.Index(prompt, "SOUL.md"))
	assert.Contains(t, prompt, "Channel: telegram\nChat ID: 42")
}

func TestSystemPromptCustomIdentity(t *testing.T) {
	cb := NewContextBuilder("", "You are a pirate.", zerolog.Nop())
	prompt := cb.SystemPrompt("", "")

	assert.True(t, strings.HasPrefix(prompt, "You are a pirate."))
	assert.NotContains(t, prompt, "## Current Session")
	assert.Contains(t, prompt, "## Runtime")
}

func TestSubagentPrompt(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "SOUL.md"), "Be kind.")
	cb := NewContextBuilder(dir, "", zerolog.Nop())

	prompt := cb.SubagentPrompt("count the errors")
	assert.Contains(t, prompt, "## Subagent")
	assert.Contains(t, prompt, "Task: count the errors")
	assert.NotContains(t, prompt, "Be kind.")
}

func TestBootstrapIsCachedUntilInvalidated(t *testing.T) {
	dir := t.TempDir()
	soul := filepath.Join(dir, "SOUL.md")
	writeFile(t, soul, "first")
	cb := NewContextBuilder(dir, "", zerolog.Nop())

	assert.Contains(t, cb.SystemPrompt("", ""), "first")
	writeFile(t, soul, "second")
	assert.Contains(t, cb.SystemPrompt("", ""), "first")

	cb.Invalidate()
	assert.Contains(t, cb.SystemPrompt("", ""), "second")
}

func TestInvalidateDuringReadIsNotLost(t *testing.T) {
	dir := t.TempDir()
	soul := filepath.Join(dir, "SOUL.md")
	writeFile(t, soul, "first")
	cb := NewContextBuilder(dir, "", zerolog.Nop())

	cb.readHook = func() {
		cb.readHook = nil
		writeFile(t, soul, "second")
		cb.Invalidate()
	}
	assert.Contains(t, cb.SystemPrompt("", ""), "first")
	assert.Contains(t, cb.SystemPrompt("", ""), "second")
}

func TestWatchInvalidatesOnChange(t *testing.T) {
	dir := t.TempDir()
	soul := filepath.Join(dir, "SOUL.md")
	writeFile(t, soul, "first")
	cb := NewContextBuilder(dir, "", zerolog.Nop())
	require.NoError(t, cb.Watch(20*time.Millisecond))
	t.Cleanup(func() { _ = cb.Close() })

	require.Contains(t, cb.SystemPrompt("", ""), "first")
	writeFile(t, soul, "second")

	assert.Eventually(t, func() bool {
		return strings.Contains(cb.SystemPrompt("", ""), "second")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatchWithoutWorkspace(t *testing.T) {
	cb := NewContextBuilder(filepath.Join(t.TempDir(), "missing"), "", zerolog.Nop())
	require.NoError(t, cb.Watch(0))
	assert.NoError(t, cb.Close())
}

func TestMessagesMarksToolErrors(t *testing.T) {
	cb := NewContextBuilder("", "", zerolog.Nop())
	history := []session.HistoryEntry{
		session.UserEntry("hi"),
		session.AssistantEntry("", []session.ToolCall{{ID: "a", Name: "calculator"}, {ID: "b", Name: "calculator"}}),
		session.ToolEntry("a", "4"),
		session.ToolEntry("b", "Error: division by zero"),
		session.AssistantEntry("done", nil),
	}

	msgs := cb.Messages(history, "next", []string{"/tmp/a.png"})
	require.Len(t, msgs, 6)
	assert.Equal(t, providers.RoleAssistant, msgs[1].Role)
	assert.Len(t, msgs[1].ToolCalls, 2)
	assert.False(t, msgs[2].IsError)
	assert.True(t, msgs[3].IsError)
	assert.Equal(t, "b", msgs[3].ToolCallID)
	assert.Equal(t, "next\n\n[Attached media]\n- /tmp/a.png", msgs[5].Content)
}

func TestWindow(t *testing.T) {
	history := []session.HistoryEntry{
		session.UserEntry("q1"),
		session.AssistantEntry("", []session.ToolCall{{ID: "a", Name: "calculator"}}),
		session.ToolEntry("a", "4"),
		session.AssistantEntry("a1", nil),
		session.UserEntry("q2"),
		session.AssistantEntry("a2", nil),
	}

	tests := []struct {
		name string
		n    int
		want []string
	}{
		{name: "unbounded", n: 0, want: []string{"q1", "", "4", "a1", "q2", "a2"}},
		{name: "larger than history", n: 10, want: []string{"q1", "", "4", "a1", "q2", "a2"}},
		{name: "drops orphaned tool result", n: 4, want: []string{"q2", "a2"}},
		{name: "exact turn", n: 2, want: []string{"q2", "a2"}},
		{name: "grows back to the owning user turn", n: 1, want: []string{"q2", "a2"}},
		{name: "skips to the next user turn", n: 3, want: []string{"q2", "a2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range window(history, tt.n) {
				got = append(got, e.Content)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWindowKeepsTurnLongerThanLimit(t *testing.T) {
	history := []session.HistoryEntry{session.UserEntry("q1"), session.AssistantEntry("a1", nil), session.UserEntry("long task")}
	for i := range 30 {
		id := fmt.Sprintf("call-%d", i)
		history = append(history,
			session.AssistantEntry("", []session.ToolCall{{ID: id, Name: "calculator"}}),
			session.ToolEntry(id, "4"),
		)
	}
	history = append(history, session.AssistantEntry("finished", nil))
	require.Len(t, history, 64)

	got := window(history, 50)
	require.Len(t, got, 62)
	assert.Equal(t, "long task", got[0].Content)
	assert.Equal(t, "finished", got[len(got)-1].Content)

	assert.Nil(t, window([]session.HistoryEntry{session.AssistantEntry("orphan", nil)}, 5))
}

func TestSubagentPolicy(t *testing.T) {
	p := subagentPolicy(nil)
	assert.False(t, p.Allows("spawn"))
	assert.True(t, p.Allows("calculator"))

	p = subagentPolicy(&tools.Policy{Allow: []string{"*"}, Deny: []string{"shell"}})
	assert.False(t, p.Allows("spawn"))
	assert.False(t, p.Allows("shell"))
	assert.True(t, p.Allows("calculator"))
}
