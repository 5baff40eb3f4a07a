package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/tools"
)

// Message roles understood by every provider binding.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Provider is a chat-completion backend that can request tool calls.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Message is one turn of the working conversation sent to a provider.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []session.ToolCall
	ToolCallID string
	IsError    bool
}

// ChatRequest carries the full working context for one provider call.
type ChatRequest struct {
	Messages     []Message
	Tools        []tools.Definition
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

// ChatResponse is the provider's answer. No ToolCalls means final content.
type ChatResponse struct {
	Content      string
	ToolCalls    []session.ToolCall
	FinishReason string
	Usage        Usage
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Profile is one set of provider credentials. Lower Priority is tried first.
type Profile struct {
	ID       string
	Provider string // anthropic, openai
	APIKey   string
	BaseURL  string
	Priority int
}

// New builds the binding named by profile.Provider.
func New(profile Profile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// IsRetryableError reports whether err looks transient: rate limits, 5xx
// responses, connection resets and timeouts.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset",
		"429", "rate limit",
		"500", "502", "503", "504", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
