package bus

import (
	"maps"
	"slices"
	"time"
)

// Metadata keys set by the runtime on outbound messages.
const (
	MetaTruncated  = "truncated"
	MetaError      = "error"
	MetaSubagentID = "subagent_id"
)

// MetaMessageID on an inbound message is the producer's delivery id. Repeats
// within a short window are dropped.
const MetaMessageID = "message_id"

// InboundMessage is received from a chat channel.
type InboundMessage struct {
	Channel   string         `json:"channel"`
	ChatID    string         `json:"chat_id"`
	SenderID  string         `json:"sender_id"`
	Content   string         `json:"content"`
	Media     []string       `json:"media,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SessionKey identifies the conversation this message belongs to.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID + ":" + m.SenderID
}

// OutboundMessage is sent to a chat channel.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Flag reports whether a boolean metadata key is set.
func (m OutboundMessage) Flag(key string) bool {
	v, _ := m.Metadata[key].(bool)
	return v
}

func (m InboundMessage) detach() InboundMessage {
	m.Media = slices.Clone(m.Media)
	m.Metadata = maps.Clone(m.Metadata)
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	return m
}

func (m OutboundMessage) detach() OutboundMessage {
	m.Metadata = maps.Clone(m.Metadata)
	return m
}
