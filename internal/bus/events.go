package bus

import (
	"time"
)

type InboundMessage struct {
	Channel    string
	SenderID   string
	SenderName string
	ChatID     string
	Content    string
	Timestamp  time.Time
	IsBot      bool
	Metadata   map[string]any
}

// SessionKey identifies the conversation stream the message belongs to.
// The relay keys all of its per-channel state by this value.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// Author returns the display name used in history, falling back to the sender id.
func (m *InboundMessage) Author() string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.SenderID
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}

// SplitSessionKey reverses InboundMessage.SessionKey.
func SplitSessionKey(key string) (channel, chatID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
