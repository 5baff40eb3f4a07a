package agent

import (
	"fmt"
	"strings"

	"github.com/harun/switchboard/pkg/bus"
)

const helpText = `switchboard commands:
/help - show this message
/stop - stop the current request and any background subagents for this chat`

// command answers slash commands without touching the provider or the
// session. It reports false for ordinary messages.
func (a *Agent) command(msg bus.InboundMessage) (bus.OutboundMessage, bool) {
	text := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(text, "/") {
		return bus.OutboundMessage{}, false
	}
	name, _, _ := strings.Cut(strings.ToLower(text), " ")

	reply := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID}
	switch name {
	case "/help":
		reply.Content = helpText
	case "/stop":
		key := msg.SessionKey()
		stopped := a.Abort(key)

		a.mu.Lock()
		subagents := a.subagents
		a.mu.Unlock()
		cancelled := 0
		if subagents != nil {
			cancelled = subagents.CancelAll(key)
		}

		switch {
		case !stopped && cancelled == 0:
			reply.Content = "Nothing is running."
		case cancelled == 0:
			reply.Content = "Stopping the current request."
		default:
			reply.Content = fmt.Sprintf("Stopping. Cancelled %d background subagent(s).", cancelled)
		}
	default:
		return bus.OutboundMessage{}, false
	}
	return reply, true
}
