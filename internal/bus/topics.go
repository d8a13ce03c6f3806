package bus

const (
	// TopicInbound carries InboundMessage values from channel adapters.
	TopicInbound = "inbound"
	// TopicOutboundPrefix is followed by the channel name; payload is OutboundMessage.
	TopicOutboundPrefix = "outbound."

	// TopicTaskStateChanged carries TaskStateChangedEvent.
	TopicTaskStateChanged = "task.state_changed"
)

// MetaReplyTo is the OutboundMessage metadata key holding the id of the
// message being answered.
const MetaReplyTo = "reply_to"

// InboundMessage is a user message received on a chat channel.
type InboundMessage struct {
	Channel   string `json:"channel"`
	SenderID  string `json:"sender_id"`
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
	MessageID string `json:"message_id,omitempty"`
}

// OutboundMessage is a message to deliver to a chat.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ReplyTo returns the correlation token, or "".
func (m OutboundMessage) ReplyTo() string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[MetaReplyTo]
}

// TaskStateChangedEvent is published after a task record changes status.
type TaskStateChangedEvent struct {
	TaskID    string
	Channel   string
	ChatID    string
	OldStatus string
	NewStatus string
}

// OutboundTopic returns the topic an adapter for channel subscribes to.
func OutboundTopic(channel string) string {
	return TopicOutboundPrefix + channel
}
