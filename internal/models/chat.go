package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipants returns every participant except userID.
func (c *Conversation) OtherParticipants(userID string) []string {
	others := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			others = append(others, p)
		}
	}
	return others
}

// NormalizeParticipants returns the distinct, non-empty ids in sorted order.
func NormalizeParticipants(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ParticipantKey is the order-insensitive identity of a participant set.
// Two conversations with the same key have the same members.
func ParticipantKey(ids []string) string {
	return strings.Join(NormalizeParticipants(ids), ",")
}

type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender"`
	Text           string            `json:"text"`
	Attachments    []json.RawMessage `json:"attachments"`
	CreatedAt      time.Time         `json:"created_at"`
	ReadBy         []string          `json:"read_by"`

	// Seq orders messages that share a CreatedAt, in insertion order.
	Seq int64 `json:"-"`
}

func (m *Message) IsReadBy(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// IsUnreadFor reports whether the message counts towards userID's unread total.
func (m *Message) IsUnreadFor(userID string) bool {
	return m.SenderID != userID && !m.IsReadBy(userID)
}

// Clone returns a deep copy so stored messages are never aliased by callers.
func (m *Message) Clone() *Message {
	cp := *m
	cp.ReadBy = append([]string(nil), m.ReadBy...)
	if m.Attachments != nil {
		cp.Attachments = make([]json.RawMessage, len(m.Attachments))
		for i, a := range m.Attachments {
			cp.Attachments[i] = append(json.RawMessage(nil), a...)
		}
	}
	return &cp
}
