package realtime

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"imperious/messaging-service/internal/metrics"
	"imperious/messaging-service/internal/models"
)

// ConversationAuthorizer confirms that a user participates in a conversation.
type ConversationAuthorizer interface {
	Authorize(ctx context.Context, conversationID, userID string) (*models.Conversation, error)
}

type ReadMarker interface {
	MarkAsRead(ctx context.Context, conversationID, userID string) (int, error)
}

// Rooms maps conversations to the connections subscribed to their events.
type Rooms struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]Handle   // conversation id -> handle id -> handle
	memberships map[string]map[string]struct{} // handle id -> conversation ids

	authorizer ConversationAuthorizer
	reads      ReadMarker
	metrics    *metrics.Metrics
	logger     *logrus.Logger
}

func NewRooms(authorizer ConversationAuthorizer, reads ReadMarker, m *metrics.Metrics, logger *logrus.Logger) *Rooms {
	return &Rooms{
		rooms:       make(map[string]map[string]Handle),
		memberships: make(map[string]map[string]struct{}),
		authorizer:  authorizer,
		reads:       reads,
		metrics:     m,
		logger:      logger,
	}
}

// Join subscribes h to the conversation after checking, against the store,
// that user participates in it. The user's unread messages are then marked
// read and the room is told about it. Nothing is emitted when the check fails.
func (r *Rooms) Join(ctx context.Context, conversationID string, h Handle, user *models.User) error {
	if _, err := r.authorizer.Authorize(ctx, conversationID, user.ID); err != nil {
		return err
	}

	r.mu.Lock()
	r.joinLocked(conversationID, h)
	r.mu.Unlock()

	if _, err := r.reads.MarkAsRead(ctx, conversationID, user.ID); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"user_id":         user.ID,
		}).Warn("Failed to mark messages as read on join")
		return nil
	}

	r.NotifyRead(conversationID, user)
	return nil
}

// NotifyRead broadcasts that user has read the conversation.
func (r *Rooms) NotifyRead(conversationID string, user *models.User) int {
	delivered, err := r.BroadcastEvent(conversationID, EventMessagesRead, MessagesReadPayload{
		ConversationID: conversationID,
		UserID:         user.ID,
		UserEmail:      user.Email,
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to broadcast messages_read")
	}
	return delivered
}

func (r *Rooms) Leave(conversationID string, h Handle) {
	r.mu.Lock()
	r.leaveLocked(conversationID, h.ID())
	r.mu.Unlock()
}

// Broadcast delivers payload to every connection in the room and returns how
// many accepted it. A failing connection does not stop delivery to the rest.
func (r *Rooms) Broadcast(conversationID string, payload []byte) int {
	r.mu.RLock()
	room := r.rooms[conversationID]
	members := make([]Handle, 0, len(room))
	for _, h := range room {
		members = append(members, h)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, h := range members {
		if err := h.Send(payload); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"conversation_id": conversationID,
				"connection_id":   h.ID(),
			}).Debug("Dropped room delivery")
			continue
		}
		delivered++
	}

	r.metrics.Delivered(delivered)
	return delivered
}

func (r *Rooms) BroadcastEvent(conversationID, event string, data any) (int, error) {
	payload, err := Encode(event, data)
	if err != nil {
		return 0, err
	}
	return r.Broadcast(conversationID, payload), nil
}

// DropConnection removes h from every room and returns the rooms it left.
func (r *Rooms) DropConnection(h Handle) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for conversationID := range r.memberships[h.ID()] {
		left = append(left, conversationID)
	}
	for _, conversationID := range left {
		r.leaveLocked(conversationID, h.ID())
	}
	delete(r.memberships, h.ID())

	sort.Strings(left)
	return left
}

func (r *Rooms) Members(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[conversationID])
}

// IsMember reports whether h is subscribed to the conversation.
func (r *Rooms) IsMember(conversationID string, h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[conversationID][h.ID()]
	return ok
}

// Count returns the number of non-empty rooms.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (r *Rooms) joinLocked(conversationID string, h Handle) {
	room := r.rooms[conversationID]
	if room == nil {
		room = make(map[string]Handle)
		r.rooms[conversationID] = room
	}
	room[h.ID()] = h

	memberships := r.memberships[h.ID()]
	if memberships == nil {
		memberships = make(map[string]struct{})
		r.memberships[h.ID()] = memberships
	}
	memberships[conversationID] = struct{}{}
}

func (r *Rooms) leaveLocked(conversationID, handleID string) {
	if room := r.rooms[conversationID]; room != nil {
		delete(room, handleID)
		if len(room) == 0 {
			delete(r.rooms, conversationID)
		}
	}
	if memberships := r.memberships[handleID]; memberships != nil {
		delete(memberships, conversationID)
		if len(memberships) == 0 {
			delete(r.memberships, handleID)
		}
	}
}
