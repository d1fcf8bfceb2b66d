package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"imperious/messaging-service/internal/models"
)

// memoryChatRepository keeps conversations and messages in process memory.
// It backs the "memory" storage driver and the test suites.
type memoryChatRepository struct {
	mu sync.RWMutex

	conversations map[string]*models.Conversation
	byKey         map[string]string            // participant key -> conversation id
	messages      map[string][]*models.Message // conversation id -> messages in insertion order
	seq           int64
}

func NewMemoryChatRepository() ChatRepository {
	return &memoryChatRepository{
		conversations: make(map[string]*models.Conversation),
		byKey:         make(map[string]string),
		messages:      make(map[string][]*models.Message),
	}
}

func (r *memoryChatRepository) InitializeTables() error { return nil }

func (r *memoryChatRepository) Ping(ctx context.Context) error { return ctx.Err() }

func (r *memoryChatRepository) CreateConversation(_ context.Context, conv *models.Conversation) (bool, error) {
	participants := models.NormalizeParticipants(conv.Participants)
	key := models.ParticipantKey(participants)

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[key]; ok {
		*conv = *cloneConversation(r.conversations[id])
		return false, nil
	}

	stored := &models.Conversation{
		ID:           conv.ID,
		Participants: participants,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}
	r.conversations[stored.ID] = stored
	r.byKey[key] = stored.ID
	*conv = *cloneConversation(stored)
	return true, nil
}

func (r *memoryChatRepository) GetConversationByID(_ context.Context, id string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (r *memoryChatRepository) GetConversationByParticipants(_ context.Context, participants []string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[models.ParticipantKey(participants)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(r.conversations[id]), nil
}

func (r *memoryChatRepository) GetUserConversations(_ context.Context, userID string) ([]*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Conversation
	for _, conv := range r.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, cloneConversation(conv))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (r *memoryChatRepository) TouchConversation(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if at.After(conv.UpdatedAt) {
		conv.UpdatedAt = at
	}
	return nil
}

func (r *memoryChatRepository) CreateMessage(_ context.Context, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}

	r.seq++
	msg.Seq = r.seq
	r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], msg.Clone())
	return nil
}

// newestFirst returns the conversation's messages ordered by created_at
// descending, ties broken by reverse insertion order. Caller holds r.mu.
func (r *memoryChatRepository) newestFirst(conversationID string) []*models.Message {
	stored := r.messages[conversationID]
	ordered := make([]*models.Message, len(stored))
	copy(ordered, stored)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].Seq > ordered[j].Seq
		}
		return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
	})
	return ordered
}

func (r *memoryChatRepository) GetConversationMessages(_ context.Context, conversationID string, limit, offset int) ([]*models.Message, error) {
	if limit < 0 || offset < 0 {
		return nil, ErrInvalidWindow
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := r.newestFirst(conversationID)
	if offset >= len(ordered) {
		return nil, nil
	}
	end := len(ordered)
	if limit < end-offset {
		end = offset + limit
	}

	window := ordered[offset:end]
	out := make([]*models.Message, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		out = append(out, window[i].Clone())
	}
	return out, nil
}

func (r *memoryChatRepository) CountConversationMessages(_ context.Context, conversationID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages[conversationID]), nil
}

func (r *memoryChatRepository) GetLastMessage(_ context.Context, conversationID string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := r.newestFirst(conversationID)
	if len(ordered) == 0 {
		return nil, ErrNotFound
	}
	return ordered[0].Clone(), nil
}

func (r *memoryChatRepository) MarkMessagesAsRead(_ context.Context, conversationID, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, msg := range r.messages[conversationID] {
		if msg.IsUnreadFor(userID) {
			msg.ReadBy = append(msg.ReadBy, userID)
			count++
		}
	}
	return count, nil
}

func (r *memoryChatRepository) CountUnreadMessages(_ context.Context, conversationID, userID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, msg := range r.messages[conversationID] {
		if msg.IsUnreadFor(userID) {
			count++
		}
	}
	return count, nil
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	return &cp
}
