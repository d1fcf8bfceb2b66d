package repository

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imperious/messaging-service/internal/models"
)

func TestMemoryCreateConversationIsOrderInsensitive(t *testing.T) {
	repo := NewMemoryChatRepository()
	ctx := context.Background()
	now := time.Now().UTC()

	first := &models.Conversation{ID: "c1", Participants: []string{"b", "a"}, CreatedAt: now, UpdatedAt: now}
	created, err := repo.CreateConversation(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []string{"a", "b"}, first.Participants)

	dup := &models.Conversation{ID: "c2", Participants: []string{"a", "b", "a"}, CreatedAt: now, UpdatedAt: now}
	created, err = repo.CreateConversation(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "c1", dup.ID)

	found, err := repo.GetConversationByParticipants(ctx, []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, "c1", found.ID)

	_, err = repo.GetConversationByID(ctx, "c2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryMessagesTieBreakByInsertion(t *testing.T) {
	repo := NewMemoryChatRepository()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	_, err := repo.CreateConversation(ctx, &models.Conversation{ID: "c", Participants: []string{"a", "b"}, CreatedAt: at, UpdatedAt: at})
	require.NoError(t, err)

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, repo.CreateMessage(ctx, &models.Message{
			ID: id, ConversationID: "c", SenderID: "a", Text: id, CreatedAt: at, ReadBy: []string{"a"},
		}))
	}

	msgs, err := repo.GetConversationMessages(ctx, "c", 2, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)

	last, err := repo.GetLastMessage(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "m3", last.ID)

	err = repo.CreateMessage(ctx, &models.Message{ID: "x", ConversationID: "missing", SenderID: "a", CreatedAt: at})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryReturnsCopies(t *testing.T) {
	repo := NewMemoryChatRepository()
	ctx := context.Background()
	at := time.Now().UTC()

	_, err := repo.CreateConversation(ctx, &models.Conversation{ID: "c", Participants: []string{"a", "b"}, CreatedAt: at, UpdatedAt: at})
	require.NoError(t, err)
	require.NoError(t, repo.CreateMessage(ctx, &models.Message{ID: "m", ConversationID: "c", SenderID: "a", CreatedAt: at, ReadBy: []string{"a"}}))

	msgs, err := repo.GetConversationMessages(ctx, "c", 10, 0)
	require.NoError(t, err)
	msgs[0].ReadBy = append(msgs[0].ReadBy, "intruder")

	unread, err := repo.CountUnreadMessages(ctx, "c", "intruder")
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	n, err := repo.MarkMessagesAsRead(ctx, "c", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = repo.MarkMessagesAsRead(ctx, "c", "a")
	require.NoError(t, err)
	assert.Zero(t, n, "senders never mark their own messages")

	require.NoError(t, repo.TouchConversation(ctx, "c", at.Add(-time.Hour)))
	conv, err := repo.GetConversationByID(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, at, conv.UpdatedAt, "updated_at never moves backwards")
}

func TestMemoryMessagesRejectsNegativeWindow(t *testing.T) {
	repo := NewMemoryChatRepository()
	ctx := context.Background()
	at := time.Now().UTC()

	_, err := repo.CreateConversation(ctx, &models.Conversation{ID: "c", Participants: []string{"a", "b"}, CreatedAt: at, UpdatedAt: at})
	require.NoError(t, err)
	require.NoError(t, repo.CreateMessage(ctx, &models.Message{ID: "m1", ConversationID: "c", SenderID: "a", Text: "hi", CreatedAt: at, ReadBy: []string{"a"}}))

	_, err = repo.GetConversationMessages(ctx, "c", 20, -20)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	msgs, err := repo.GetConversationMessages(ctx, "c", math.MaxInt, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
