package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Data Model
// ============================================================================

// Identity is a user as known to the platform. It is referenced, never mutated.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Attachment references a file carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Reaction is one user's emoji response to one message.
type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single chat message. Content is nil for attachment-only messages.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Sender         Identity    `json:"sender"`
	Recipient      *Identity   `json:"recipient,omitempty"`
	Content        *string     `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      *time.Time  `json:"updated_at,omitempty"`
	IsDeleted      bool        `json:"is_deleted"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
	Reactions      []Reaction  `json:"reactions,omitempty"`
}

// Edited reports whether the message carries an update timestamp distinct
// from its creation time.
func (m *Message) Edited() bool {
	return m.UpdatedAt != nil && !m.UpdatedAt.Equal(m.CreatedAt)
}

// Text returns the message content, or "" when there is none.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() Message {
	c := *m
	if m.Recipient != nil {
		r := *m.Recipient
		c.Recipient = &r
	}
	if m.Content != nil {
		s := *m.Content
		c.Content = &s
	}
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.UpdatedAt != nil {
		t := *m.UpdatedAt
		c.UpdatedAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		c.ReadAt = &t
	}
	if m.Reactions != nil {
		c.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	return c
}

// Conversation is a thread between a fixed set of participants.
type Conversation struct {
	ID               string     `json:"id"`
	Participants     []Identity `json:"participants,omitempty"`
	OtherUser        *Identity  `json:"other_user,omitempty"`
	Messages         []Message  `json:"messages,omitempty"`
	LastMessage      *Message   `json:"last_message,omitempty"`
	UnreadCount      int        `json:"unread_count"`
	IsLoadingHistory bool       `json:"is_loading_history"`
	HasMoreHistory   bool       `json:"has_more_history"`
	HistoryFetched   bool       `json:"history_fetched"`
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() Conversation {
	out := *c
	if c.Participants != nil {
		out.Participants = append([]Identity(nil), c.Participants...)
	}
	if c.OtherUser != nil {
		u := *c.OtherUser
		out.OtherUser = &u
	}
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i := range c.Messages {
			out.Messages[i] = c.Messages[i].Clone()
		}
	}
	if c.LastMessage != nil {
		m := c.LastMessage.Clone()
		out.LastMessage = &m
	}
	return out
}

// ============================================================================
// Channel Events
// ============================================================================

// Channel event names.
const (
	EventConnect          = "connect"
	EventConnectError     = "connect_error"
	EventDisconnect       = "disconnect"
	EventInboundMessage   = "inbound-message"
	EventMessageUpdated   = "message-updated"
	EventMessageDeleted   = "message-deleted"
	EventReactionUpdated  = "reaction-updated"
	EventReadReceipt      = "read-receipt"
	EventPresenceOnline   = "presence-online"
	EventPresenceOffline  = "presence-offline"
	EventPresenceSnapshot = "presence-snapshot"

	// EventMarkRead is emitted by this client, never received.
	EventMarkRead = "mark-as-read"
)

// ReactionAction is the kind of change carried by a reaction event.
type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionRemoved ReactionAction = "removed"
)

// ReactionEvent is the payload of reaction-updated.
type ReactionEvent struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	Reaction       *Reaction      `json:"reaction"`
	ActorUserID    string         `json:"user_id_who_reacted"`
	Emoji          string         `json:"emoji"`
	Action         ReactionAction `json:"action"`
}

// ReadReceipt is the payload of read-receipt.
type ReadReceipt struct {
	ReaderID              string    `json:"reader_id"`
	ConversationPartnerID string    `json:"conversation_partner_id"`
	ConversationID        string    `json:"conversation_id"`
	ReadAt                time.Time `json:"read_at"`
}

// PresenceEvent is the payload of presence-online and presence-offline.
type PresenceEvent struct {
	UserID string `json:"user_id"`
}

// ConnectErrorPayload is the payload of connect_error.
type ConnectErrorPayload struct {
	Message string `json:"message"`
}

// DisconnectPayload is the payload of disconnect.
type DisconnectPayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// MarkReadSignal is emitted when the active conversation has been seen.
type MarkReadSignal struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
}

// HistoryQuery selects one page of message history.
type HistoryQuery struct {
	Limit  int
	Before time.Time
}
