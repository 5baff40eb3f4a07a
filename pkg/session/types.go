package session

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

// Role is the author of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// HistoryEntry is one immutable turn of a conversation.
type HistoryEntry struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

func UserEntry(content string) HistoryEntry {
	return HistoryEntry{Role: RoleUser, Content: content}
}

func AssistantEntry(content string, calls []ToolCall) HistoryEntry {
	return HistoryEntry{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

func ToolEntry(toolCallID, content string) HistoryEntry {
	return HistoryEntry{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// Validate enforces the role-specific field rules.
func (e HistoryEntry) Validate() error {
	switch e.Role {
	case RoleUser:
		if e.ToolCallID != "" || len(e.ToolCalls) > 0 {
			return errors.New("user entry cannot carry tool fields")
		}
	case RoleAssistant:
		if e.ToolCallID != "" {
			return errors.New("assistant entry cannot carry tool_call_id")
		}
		for _, c := range e.ToolCalls {
			if c.ID == "" || c.Name == "" {
				return errors.New("assistant tool call requires id and name")
			}
		}
	case RoleTool:
		if e.ToolCallID == "" {
			return errors.New("tool entry requires tool_call_id")
		}
		if len(e.ToolCalls) > 0 {
			return errors.New("tool entry cannot carry tool_calls")
		}
	default:
		return fmt.Errorf("unknown role %q", e.Role)
	}
	return nil
}

func (e HistoryEntry) clone() HistoryEntry {
	if e.ToolCalls != nil {
		calls := make([]ToolCall, len(e.ToolCalls))
		for i, c := range e.ToolCalls {
			c.Arguments = maps.Clone(c.Arguments)
			calls[i] = c
		}
		e.ToolCalls = calls
	}
	return e
}

func cloneEntries(entries []HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = e.clone()
	}
	return out
}

// Session is a snapshot of one conversation.
type Session struct {
	Key       string
	Entries   []HistoryEntry
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Session) snapshot() Session {
	cp := *s
	cp.Entries = cloneEntries(s.Entries)
	return cp
}

// Len returns the number of entries in the snapshot.
func (s Session) Len() int {
	return len(s.Entries)
}

// ValidateKey rejects keys that are empty or could escape a storage directory.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return errors.New("session key cannot be empty")
	case strings.Contains(key, ".."):
		return errors.New("session key cannot contain '..'")
	case strings.ContainsAny(key, "/\\"):
		return errors.New("session key cannot contain path separators")
	case strings.ContainsRune(key, 0):
		return errors.New("session key cannot contain null bytes")
	}
	return nil
}

// Roles lists entry roles in order; handy in logs and tests.
func Roles(entries []HistoryEntry) []Role {
	roles := make([]Role, 0, len(entries))
	for _, e := range entries {
		roles = append(roles, e.Role)
	}
	return roles
}
