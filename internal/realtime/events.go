package realtime

import (
	"encoding/json"
	"fmt"
)

// Inbound events.
const (
	EventLogin             = "login"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
)

// Outbound events.
const (
	EventUserStatus   = "user_status"
	EventMessagesRead = "messages_read"
	EventNewMessage   = "new_message"
	EventError        = "error"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Frame is the envelope of every live protocol message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type LoginPayload struct {
	Email string `json:"email"`
}

type JoinPayload struct {
	ConversationID string `json:"conversation_id"`
	Email          string `json:"email"`
}

type LeavePayload struct {
	ConversationID string `json:"conversation_id"`
}

type SendMessagePayload struct {
	Email          string            `json:"email"`
	ConversationID string            `json:"conversation_id"`
	Text           string            `json:"text"`
	Attachments    []json.RawMessage `json:"attachments,omitempty"`
}

type UserStatusPayload struct {
	Email  string `json:"email"`
	Status string `json:"status"`
}

type MessagesReadPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserEmail      string `json:"user_email"`
}

// ErrorPayload is only sent when error events are enabled. Event names the
// inbound event that failed.
type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode builds the wire form of an outbound event.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// Handle is a live connection as seen by the registries. Send must not block.
type Handle interface {
	ID() string
	Send(payload []byte) error
}
