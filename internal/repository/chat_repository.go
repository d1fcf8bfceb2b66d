package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"imperious/messaging-service/internal/models"
)

// ErrNotFound is returned when the requested conversation or message does not exist.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidWindow is returned for a negative page limit or offset.
var ErrInvalidWindow = errors.New("repository: invalid page window")

// pq error codes.
const (
	fkViolation               = "23503"
	invalidTextRepresentation = "22P02" // malformed uuid
)

func hasCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

type ChatRepository interface {
	// CreateConversation inserts conv unless a conversation with the same
	// participant set exists. conv is overwritten with the stored row either way.
	CreateConversation(ctx context.Context, conv *models.Conversation) (created bool, err error)
	GetConversationByID(ctx context.Context, id string) (*models.Conversation, error)
	GetConversationByParticipants(ctx context.Context, participants []string) (*models.Conversation, error)
	GetUserConversations(ctx context.Context, userID string) ([]*models.Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	CreateMessage(ctx context.Context, msg *models.Message) error
	// GetConversationMessages returns the window of messages that is offset
	// messages away from the newest one, in chronological order.
	GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]*models.Message, error)
	CountConversationMessages(ctx context.Context, conversationID string) (int, error)
	GetLastMessage(ctx context.Context, conversationID string) (*models.Message, error)
	MarkMessagesAsRead(ctx context.Context, conversationID, userID string) (int, error)
	CountUnreadMessages(ctx context.Context, conversationID, userID string) (int, error)
	Ping(ctx context.Context) error
	InitializeTables() error
}

type chatRepository struct {
	db *sql.DB
}

func NewChatRepository(db *sql.DB) ChatRepository {
	return &chatRepository{
		db: db,
	}
}

func (r *chatRepository) InitializeTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		dept TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		participants TEXT[] NOT NULL,
		participant_key TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL,
		id UUID PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id),
		sender_id TEXT NOT NULL,
		text TEXT NOT NULL,
		attachments JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		read_by TEXT[] NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_conversations_participants ON conversations USING GIN (participants);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at DESC, seq DESC);
	`

	_, err := r.db.Exec(query)
	return err
}

func (r *chatRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *chatRepository) CreateConversation(ctx context.Context, conv *models.Conversation) (bool, error) {
	// The no-op update makes RETURNING yield the existing row on conflict;
	// xmax is zero only for freshly inserted tuples.
	query := `
	INSERT INTO conversations (id, participants, participant_key, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (participant_key) DO UPDATE SET participant_key = EXCLUDED.participant_key
	RETURNING id, participants, created_at, updated_at, (xmax = 0) AS inserted
	`

	participants := models.NormalizeParticipants(conv.Participants)
	var stored models.Conversation
	var inserted bool
	err := r.db.QueryRowContext(ctx, query,
		conv.ID, pq.Array(participants), models.ParticipantKey(participants), conv.CreatedAt, conv.UpdatedAt,
	).Scan(&stored.ID, pq.Array(&stored.Participants), &stored.CreatedAt, &stored.UpdatedAt, &inserted)
	if err != nil {
		return false, err
	}

	*conv = stored
	return inserted, nil
}

func (r *chatRepository) GetConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
	SELECT id, participants, created_at, updated_at
	FROM conversations
	WHERE id = $1::uuid
	`

	return r.scanConversation(r.db.QueryRowContext(ctx, query, id))
}

func (r *chatRepository) GetConversationByParticipants(ctx context.Context, participants []string) (*models.Conversation, error) {
	query := `
	SELECT id, participants, created_at, updated_at
	FROM conversations
	WHERE participant_key = $1
	LIMIT 1
	`

	return r.scanConversation(r.db.QueryRowContext(ctx, query, models.ParticipantKey(participants)))
}

func (r *chatRepository) scanConversation(row *sql.Row) (*models.Conversation, error) {
	var conv models.Conversation
	err := row.Scan(&conv.ID, pq.Array(&conv.Participants), &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || hasCode(err, invalidTextRepresentation) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &conv, nil
}

func (r *chatRepository) GetUserConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	query := `
	SELECT id, participants, created_at, updated_at
	FROM conversations
	WHERE participants @> ARRAY[$1]::text[]
	ORDER BY updated_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		var conv models.Conversation
		err := rows.Scan(&conv.ID, pq.Array(&conv.Participants), &conv.CreatedAt, &conv.UpdatedAt)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, &conv)
	}

	return conversations, rows.Err()
}

func (r *chatRepository) TouchConversation(ctx context.Context, id string, at time.Time) error {
	query := `
	UPDATE conversations
	SET updated_at = GREATEST(updated_at, $2)
	WHERE id = $1::uuid
	`

	result, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		if hasCode(err, invalidTextRepresentation) {
			return ErrNotFound
		}
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	query := `
	INSERT INTO messages (id, conversation_id, sender_id, text, attachments, created_at, read_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING seq, created_at
	`

	attachments, err := encodeAttachments(msg.Attachments)
	if err != nil {
		return err
	}

	err = r.db.QueryRowContext(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text, attachments, msg.CreatedAt, pq.Array(msg.ReadBy),
	).Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		if hasCode(err, fkViolation) || hasCode(err, invalidTextRepresentation) {
			return ErrNotFound
		}
		return err
	}

	return nil
}

const messageColumns = `seq, id, conversation_id, sender_id, text, attachments, created_at, read_by`

func (r *chatRepository) GetConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]*models.Message, error) {
	query := `
	SELECT ` + messageColumns + `
	FROM messages
	WHERE conversation_id = $1::uuid
	ORDER BY created_at DESC, seq DESC
	LIMIT $2 OFFSET $3
	`

	if limit < 0 || offset < 0 {
		return nil, ErrInvalidWindow
	}

	rows, err := r.db.QueryContext(ctx, query, conversationID, limit, offset)
	if err != nil {
		if hasCode(err, invalidTextRepresentation) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *chatRepository) CountConversationMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1::uuid`, conversationID,
	).Scan(&count)
	if hasCode(err, invalidTextRepresentation) {
		return 0, nil
	}
	return count, err
}

func (r *chatRepository) GetLastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	query := `
	SELECT ` + messageColumns + `
	FROM messages
	WHERE conversation_id = $1::uuid
	ORDER BY created_at DESC, seq DESC
	LIMIT 1
	`

	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, conversationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || hasCode(err, invalidTextRepresentation) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return msg, nil
}

func (r *chatRepository) MarkMessagesAsRead(ctx context.Context, conversationID, userID string) (int, error) {
	query := `
	UPDATE messages
	SET read_by = array_append(read_by, $2)
	WHERE conversation_id = $1::uuid AND sender_id <> $2 AND NOT (read_by @> ARRAY[$2]::text[])
	`

	result, err := r.db.ExecContext(ctx, query, conversationID, userID)
	if err != nil {
		if hasCode(err, invalidTextRepresentation) {
			return 0, nil
		}
		return 0, err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *chatRepository) CountUnreadMessages(ctx context.Context, conversationID, userID string) (int, error) {
	query := `
	SELECT COUNT(*)
	FROM messages
	WHERE conversation_id = $1::uuid AND sender_id <> $2 AND NOT (read_by @> ARRAY[$2]::text[])
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&count)
	if hasCode(err, invalidTextRepresentation) {
		return 0, nil
	}
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var attachments []byte
	err := row.Scan(
		&msg.Seq, &msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text,
		&attachments, &msg.CreatedAt, pq.Array(&msg.ReadBy),
	)
	if err != nil {
		return nil, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of message %s: %w", msg.ID, err)
		}
	}
	return &msg, nil
}

func encodeAttachments(attachments []json.RawMessage) ([]byte, error) {
	if attachments == nil {
		attachments = []json.RawMessage{}
	}
	b, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	return b, nil
}
