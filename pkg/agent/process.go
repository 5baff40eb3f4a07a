package agent

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/internal/tracing"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/harun/switchboard/pkg/commandqueue"
	"github.com/harun/switchboard/pkg/subagent"
	"github.com/harun/switchboard/pkg/tools"
)

const (
	failureNotice   = "Sorry, I couldn't reach the language model just now. Please try again in a moment."
	abortedNotice   = "Stopped. Nothing from this request was saved."
	storeFailNotice = "Sorry, something went wrong while saving this conversation."
)

// ProcessMessage answers one inbound message. Provider failures and aborts are
// reported in the returned message with metadata["error"]=true; the error
// return is reserved for lease and store failures, and even then the returned
// message carries a notice for the user.
func (a *Agent) ProcessMessage(ctx context.Context, msg bus.InboundMessage) (bus.OutboundMessage, error) {
	if reply, ok := a.command(msg); ok {
		return reply, nil
	}
	out, res := a.process(ctx, msg.SessionKey(), msg)
	if res.err != nil && !res.aborted && !isProviderError(res.err) {
		return out, res.err
	}
	return out, nil
}

// ProcessDirect runs content through the loop outside the bus, for CLI
// one-shots. It returns the reply text, and the provider error when the model
// could not be reached.
func (a *Agent) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	msg := bus.InboundMessage{
		Channel:   "cli",
		ChatID:    "direct",
		SenderID:  "user",
		Content:   content,
		Timestamp: time.Now(),
	}
	if sessionKey == "" {
		sessionKey = msg.SessionKey()
	}
	if reply, ok := a.command(msg); ok {
		return reply.Content, nil
	}
	out, res := a.process(ctx, sessionKey, msg)
	return out.Content, res.err
}

func (a *Agent) process(ctx context.Context, sessionKey string, msg bus.InboundMessage) (bus.OutboundMessage, outcome) {
	if tracing.RunID(ctx) == "" {
		ctx = tracing.NewRunContext(ctx, sessionKey)
	}
	ctx, span := tracing.StartSpan(ctx, "switchboard.agent", "agent.process",
		attribute.String("channel", msg.Channel),
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)
	logger.Info().Str("channel", msg.Channel).Str("sender_id", msg.SenderID).Msg("Processing message")

	start := time.Now()
	res := a.invoke(ctx, invocation{
		sessionKey: sessionKey,
		channel:    msg.Channel,
		chatID:     msg.ChatID,
		content:    userContent(msg.Content, msg.Media),
		system:     a.context.SystemPrompt(msg.Channel, msg.ChatID),
		policy:     a.cfg.ToolPolicy,
		maxIter:    a.cfg.MaxToolIterations,
	})
	duration := time.Since(start)
	observability.RecordAgentRun(res.label(), duration, res.iterations)

	out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID}
	switch {
	case res.aborted:
		out.Content = abortedNotice
		out.Metadata = map[string]any{bus.MetaError: true}
	case isProviderError(res.err):
		tracing.Fail(span, res.err)
		out.Content = failureNotice
		out.Metadata = map[string]any{bus.MetaError: true}
	case res.err != nil:
		tracing.Fail(span, res.err)
		out.Content = storeFailNotice
		out.Metadata = map[string]any{bus.MetaError: true}
	default:
		out.Content = res.content
		if res.truncated {
			out.Metadata = map[string]any{bus.MetaTruncated: true}
		}
	}

	logger.Info().
		Str("outcome", res.label()).
		Int("iterations", res.iterations).
		Dur("duration", duration).
		Msg("Message processed")
	return out, res
}

// RunSubagent runs one background goal in its own session with spawn
// removed from the toolset.
func (a *Agent) RunSubagent(ctx context.Context, req subagent.RunRequest) (subagent.RunResult, error) {
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = a.cfg.MaxToolIterations
	}

	start := time.Now()
	res := a.invoke(ctx, invocation{
		sessionKey: req.SessionKey,
		channel:    req.Origin.Channel,
		chatID:     req.Origin.ChatID,
		content:    req.Goal,
		system:     a.context.SubagentPrompt(req.Goal),
		policy:     subagentPolicy(a.cfg.ToolPolicy),
		maxIter:    maxIter,
	})
	observability.RecordAgentRun(res.label(), time.Since(start), res.iterations)

	if res.err != nil {
		return subagent.RunResult{}, res.err
	}
	return subagent.RunResult{Content: res.content, Truncated: res.truncated}, nil
}

// Run consumes the inbound queue until the bus closes or ctx ends. Messages
// for the same session are handled one at a time in arrival order; different
// sessions proceed concurrently. When the lanes are full Run stops consuming,
// so publishers block on the bus.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().Int("max_tool_iterations", a.cfg.MaxToolIterations).Msg("Agent loop started")
	defer a.logger.Info().Msg("Agent loop stopped")

	for {
		msg, err := a.bus.ConsumeInbound(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrBusClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		if id, _ := msg.Metadata[bus.MetaMessageID].(string); a.dedup.Seen(id) {
			a.logger.Debug().Str("message_id", id).Msg("Skipping redelivered message")
			continue
		}

		if reply, ok := a.command(msg); ok {
			a.publish(ctx, reply)
			continue
		}

		_, err = a.queue.Submit(ctx, laneFor(msg.SessionKey()), func(taskCtx context.Context) error {
			out, err := a.ProcessMessage(taskCtx, msg)
			a.publish(taskCtx, out)
			return err
		})
		if err != nil {
			if errors.Is(err, commandqueue.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (a *Agent) publish(ctx context.Context, out bus.OutboundMessage) {
	if out.Channel == "" {
		return
	}
	if err := a.bus.PublishOutbound(context.WithoutCancel(ctx), out); err != nil {
		a.logger.Error().Err(err).Str("channel", out.Channel).Str("chat_id", out.ChatID).Msg("Failed to publish response")
	}
}

// subagentPolicy narrows base so a subagent can never spawn another.
func subagentPolicy(base *tools.Policy) *tools.Policy {
	p := &tools.Policy{Deny: []string{"spawn"}}
	if base != nil {
		p.Allow = slices.Clone(base.Allow)
		p.Deny = append(p.Deny, base.Deny...)
	}
	return p
}

func laneFor(sessionKey string) string {
	return "session:" + sessionKey
}

func isProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
