package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/switchboard/pkg/providers"
	"github.com/harun/switchboard/pkg/session"
)

// BootstrapFiles are read from the workspace, in this order, into the system
// prompt when present.
var BootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md"}

// MemoryFile is the long-term memory note, relative to the workspace.
const MemoryFile = "memory/MEMORY.md"

const defaultIdentity = `You are switchboard, a helpful assistant reachable from several chat channels.
You can call tools to compute results and spawn background subagents for long, self-contained tasks.
Be accurate and concise.`

const sectionSeparator = "\n\n---\n\n"

// ContextBuilder assembles the system prompt and the working message list.
// Workspace files are read once and cached until the watcher reports a change.
type ContextBuilder struct {
	workspace string
	identity  string
	logger    zerolog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	bootstrap string
	loaded    bool
	gen       uint64 // bumped by Invalidate
	watcher   *fileWatcher

	readHook func() // test seam, runs after the files are read
}

func NewContextBuilder(workspace, identity string, logger zerolog.Logger) *ContextBuilder {
	if strings.TrimSpace(identity) == "" {
		identity = defaultIdentity
	}
	return &ContextBuilder{
		workspace: workspace,
		identity:  identity,
		logger:    logger.With().Str("component", "context").Logger(),
		now:       time.Now,
	}
}

// Watch starts invalidating the bootstrap cache whenever a markdown file in
// the workspace or its memory directory changes. Directories that do not
// exist are skipped.
func (c *ContextBuilder) Watch(debounce time.Duration) error {
	if c.workspace == "" {
		return nil
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	fw, err := newFileWatcher(c.logger, debounce, c.Invalidate)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	watched := 0
	for _, dir := range []string{c.workspace, filepath.Join(c.workspace, filepath.Dir(MemoryFile))} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := fw.watch(dir); err != nil {
			_ = fw.stop()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		watched++
	}
	if watched == 0 {
		_ = fw.stop()
		return nil
	}

	c.mu.Lock()
	c.watcher = fw
	c.mu.Unlock()
	c.logger.Debug().Str("workspace", c.workspace).Int("dirs", watched).Msg("Watching bootstrap files")
	return nil
}

// Invalidate drops the cached bootstrap files.
func (c *ContextBuilder) Invalidate() {
	c.mu.Lock()
	c.loaded = false
	c.bootstrap = ""
	c.gen++
	c.mu.Unlock()
}

func (c *ContextBuilder) Close() error {
	c.mu.Lock()
	fw := c.watcher
	c.watcher = nil
	c.mu.Unlock()
	if fw == nil {
		return nil
	}
	return fw.stop()
}

// SystemPrompt returns identity, runtime facts, workspace files and the
// current channel/chat.
func (c *ContextBuilder) SystemPrompt(channel, chatID string) string {
	parts := []string{c.identity, c.runtimeSection()}
	if bs := c.bootstrapSection(); bs != "" {
		parts = append(parts, bs)
	}
	if channel != "" || chatID != "" {
		parts = append(parts, fmt.Sprintf("## Current Session\nChannel: %s\nChat ID: %s", channel, chatID))
	}
	return strings.Join(parts, sectionSeparator)
}

// SubagentPrompt is the system prompt for a background subagent.
func (c *ContextBuilder) SubagentPrompt(goal string) string {
	parts := []string{
		c.identity,
		c.runtimeSection(),
		"## Subagent\nYou are a background subagent working on exactly one task. " +
			"Work until the task is done, then reply with a concise report of the result. " +
			"You cannot talk to the user directly and cannot spawn other subagents.\n\nTask: " + goal,
	}
	return strings.Join(parts, sectionSeparator)
}

func (c *ContextBuilder) runtimeSection() string {
	now := c.now()
	tz, _ := now.Zone()
	return fmt.Sprintf("## Runtime\nTime: %s (%s)\nPlatform: %s/%s, %s",
		now.Format("2006-01-02 15:04 (Monday)"), tz, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func (c *ContextBuilder) bootstrapSection() string {
	c.mu.RLock()
	if c.loaded {
		bs := c.bootstrap
		c.mu.RUnlock()
		return bs
	}
	gen := c.gen
	c.mu.RUnlock()

	bs := c.readBootstrap()
	if c.readHook != nil {
		c.readHook()
	}

	// A read that raced with Invalidate may be stale; use it once, never cache it.
	c.mu.Lock()
	if c.gen == gen {
		c.bootstrap = bs
		c.loaded = true
	}
	c.mu.Unlock()
	return bs
}

func (c *ContextBuilder) readBootstrap() string {
	if c.workspace == "" {
		return ""
	}
	var parts []string
	for _, name := range slices.Concat(BootstrapFiles, []string{MemoryFile}) {
		data, err := os.ReadFile(filepath.Join(c.workspace, name))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				c.logger.Warn().Err(err).Str("file", name).Msg("Failed to read bootstrap file")
			}
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		title := name
		if name == MemoryFile {
			title = "Memory"
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", title, content))
	}
	return strings.Join(parts, "\n\n")
}

// Messages builds the working list: history in order followed by the new
// user turn. Media references are listed after the text.
func (c *ContextBuilder) Messages(history []session.HistoryEntry, content string, media []string) []providers.Message {
	msgs := make([]providers.Message, 0, len(history)+1)
	for _, e := range history {
		msgs = append(msgs, toProviderMessage(e))
	}
	return append(msgs, providers.Message{Role: providers.RoleUser, Content: userContent(content, media)})
}

func userContent(content string, media []string) string {
	if len(media) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\n[Attached media]")
	for _, m := range media {
		b.WriteString("\n- ")
		b.WriteString(m)
	}
	return b.String()
}

func toProviderMessage(e session.HistoryEntry) providers.Message {
	return providers.Message{
		Role:       string(e.Role),
		Content:    e.Content,
		ToolCalls:  e.ToolCalls,
		ToolCallID: e.ToolCallID,
		IsError:    e.Role == session.RoleTool && strings.HasPrefix(e.Content, "Error: "),
	}
}

// window keeps the last n entries, starting at a user turn so no tool result
// is orphaned from the call that produced it. When the last n entries hold no
// user turn, the window grows back to the user turn that began them.
func window(history []session.HistoryEntry, n int) []session.HistoryEntry {
	start := 0
	if n > 0 && len(history) > n {
		start = len(history) - n
	}
	for i := start; i < len(history); i++ {
		if history[i].Role == session.RoleUser {
			return history[i:]
		}
	}
	for i := start - 1; i >= 0; i-- {
		if history[i].Role == session.RoleUser {
			return history[i:]
		}
	}
	return nil
}
