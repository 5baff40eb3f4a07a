package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/providers"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/tools"
)

const emptyResponse = "I've completed processing but have no response to give."

// invocation is one pass of the loop over one session.
type invocation struct {
	sessionKey string
	channel    string
	chatID     string
	content    string
	system     string
	policy     *tools.Policy
	maxIter    int
}

// outcome is what an invocation produced. When err is set nothing was
// committed.
type outcome struct {
	content    string
	truncated  bool
	aborted    bool
	iterations int
	entries    int
	err        error
}

func (o outcome) label() string {
	var pe *ProviderError
	switch {
	case o.aborted:
		return "aborted"
	case errors.As(o.err, &pe):
		return "provider_error"
	case o.err != nil:
		return "store_error"
	case o.truncated:
		return "truncated"
	default:
		return "ok"
	}
}

// invoke runs BUILD_CONTEXT, ITERATE and COMMIT for inv while holding the
// session lease. Cancellation of ctx is observed only between iterations.
func (a *Agent) invoke(ctx context.Context, inv invocation) outcome {
	ctx, span := tracing.StartSpan(ctx, "switchboard.agent", "agent.invoke",
		attribute.String("session_key", inv.sessionKey),
		attribute.Int("max_iterations", inv.maxIter),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lease, err := a.sessions.Acquire(runCtx, inv.sessionKey)
	if err != nil {
		tracing.Fail(span, err)
		return outcome{aborted: ctx.Err() != nil, err: fmt.Errorf("acquire session: %w", err)}
	}
	defer lease.Release()
	defer a.track(inv.sessionKey, cancel)()

	history, err := a.sessions.History(runCtx, inv.sessionKey)
	if err != nil {
		tracing.Fail(span, err)
		return outcome{err: fmt.Errorf("load history: %w", err)}
	}

	msgs := a.context.Messages(window(history, a.cfg.MemoryWindow), inv.content, nil)
	defs := a.tools.Definitions(inv.policy)
	execCtx := &tools.ExecutionContext{
		SessionKey: inv.sessionKey,
		Channel:    inv.channel,
		ChatID:     inv.chatID,
		SubagentID: tracing.SubagentID(ctx),
		Policy:     inv.policy,
	}

	pending := []session.HistoryEntry{session.UserEntry(inv.content)}
	var final, partial string
	finished := false
	iterations := 0

	for iterations < inv.maxIter {
		if runCtx.Err() != nil {
			logger.Info().Int("iteration", iterations).Msg("Run aborted before iteration")
			return outcome{aborted: true, iterations: iterations, err: runCtx.Err()}
		}
		iterations++

		resp, err := a.callProvider(runCtx, msgs, defs, inv.system)
		if err != nil {
			if runCtx.Err() != nil {
				return outcome{aborted: true, iterations: iterations, err: runCtx.Err()}
			}
			tracing.Fail(span, err)
			logger.Error().Err(err).Int("iteration", iterations).Msg("Provider call failed")
			return outcome{iterations: iterations, err: &ProviderError{Provider: a.provider.Name(), Err: err}}
		}

		if len(resp.ToolCalls) == 0 {
			final = resp.Content
			finished = true
			break
		}

		calls := normalizeCalls(resp.ToolCalls, iterations)
		if resp.Content != "" {
			partial = resp.Content
		}
		pending = append(pending, session.AssistantEntry(resp.Content, calls))
		msgs = append(msgs, providers.Message{Role: providers.RoleAssistant, Content: resp.Content, ToolCalls: calls})

		for _, call := range calls {
			result := a.tools.ExecuteCall(runCtx, call.ID, call.Name, call.Arguments, execCtx)
			logger.Debug().
				Str("tool", call.Name).
				Str("tool_call_id", call.ID).
				Bool("is_error", result.IsError).
				Msg("Tool call finished")
			pending = append(pending, session.ToolEntry(call.ID, result.Content))
			msgs = append(msgs, providers.Message{
				Role:       providers.RoleTool,
				Content:    result.Content,
				ToolCallID: call.ID,
				IsError:    result.IsError,
			})
		}
	}

	out := outcome{iterations: iterations}
	switch {
	case !finished:
		out.truncated = true
		final = truncatedContent(partial, inv.maxIter)
		logger.Warn().Int("max_iterations", inv.maxIter).Msg("Tool iteration bound reached")
	case final == "":
		final = emptyResponse
	}
	out.content = final
	pending = append(pending, session.AssistantEntry(final, nil))

	// The commit survives an Abort that lands after the last iteration.
	if err := a.sessions.AppendBatch(context.WithoutCancel(runCtx), inv.sessionKey, pending...); err != nil {
		tracing.Fail(span, err)
		logger.Error().Err(err).Int("entries", len(pending)).Msg("Failed to commit session")
		return outcome{iterations: iterations, err: fmt.Errorf("commit session: %w", err)}
	}
	out.entries = len(pending)
	span.SetAttributes(
		attribute.Int("iterations", iterations),
		attribute.Bool("truncated", out.truncated),
	)
	return out
}

func (a *Agent) callProvider(ctx context.Context, msgs []providers.Message, defs []tools.Definition, system string) (*providers.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	resp, err := a.provider.Chat(ctx, providers.ChatRequest{
		Messages:     msgs,
		Tools:        defs,
		Model:        a.cfg.Model,
		MaxTokens:    a.cfg.MaxTokens,
		Temperature:  a.cfg.Temperature,
		SystemPrompt: system,
	})
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if err != nil {
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, a.logger)
	logger.Debug().
		Dur("duration", time.Since(start)).
		Int("tool_calls", len(resp.ToolCalls)).
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Str("finish_reason", resp.FinishReason).
		Msg("Provider responded")
	return resp, nil
}

// normalizeCalls fills in missing call ids and names so every tool entry can
// point back at the call that produced it.
func normalizeCalls(calls []session.ToolCall, iteration int) []session.ToolCall {
	out := make([]session.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d_%d", iteration, i+1)
		}
		if c.Name == "" {
			c.Name = "unnamed"
		}
		if c.Arguments == nil {
			c.Arguments = map[string]any{}
		}
		out[i] = c
	}
	return out
}

func truncatedContent(partial string, maxIter int) string {
	notice := fmt.Sprintf("[Stopped after %d tool iterations without a final answer.]", maxIter)
	if partial == "" {
		return notice
	}
	return partial + "\n\n" + notice
}
