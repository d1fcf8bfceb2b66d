package models

// ConversationSummary is one entry of a user's conversation list.
type ConversationSummary struct {
	Conversation
	OtherParticipants []User       `json:"other_participants"`
	UnreadCount       int          `json:"unread_count"`
	LastMessage       *MessageView `json:"last_message"`
}

type ConversationDetails struct {
	Conversation
	ParticipantDetails []User `json:"participant_details"`
}

// MessageView is a stored message joined with its sender's display identity.
type MessageView struct {
	Message
	SenderDetails *User `json:"sender_details,omitempty"`
}

type MessagePage struct {
	Messages []*MessageView `json:"messages"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PerPage  int            `json:"per_page"`
	Pages    int            `json:"pages"`
}
