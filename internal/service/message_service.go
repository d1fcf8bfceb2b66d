package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"imperious/messaging-service/internal/identity"
	"imperious/messaging-service/internal/models"
	"imperious/messaging-service/internal/repository"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type MessageService interface {
	SendMessage(ctx context.Context, conversationID, senderID, text string, attachments []json.RawMessage) (*models.Message, error)
	GetMessages(ctx context.Context, conversationID string, page, perPage int) (*models.MessagePage, error)
	// MarkAsRead adds userID to read_by of every message it has not read and
	// did not send. It returns how many messages changed.
	MarkAsRead(ctx context.Context, conversationID, userID string) (int, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
}

type PageOptions struct {
	DefaultPageSize int
	MaxPageSize     int
}

type messageService struct {
	repository    repository.ChatRepository
	conversations ConversationService
	directory     identity.Directory
	pages         PageOptions
	logger        *logrus.Logger
}

func NewMessageService(repo repository.ChatRepository, conversations ConversationService, directory identity.Directory, pages PageOptions, logger *logrus.Logger) MessageService {
	if pages.DefaultPageSize <= 0 {
		pages.DefaultPageSize = DefaultPageSize
	}
	if pages.MaxPageSize <= 0 {
		pages.MaxPageSize = MaxPageSize
	}
	if pages.DefaultPageSize > pages.MaxPageSize {
		pages.DefaultPageSize = pages.MaxPageSize
	}

	return &messageService{
		repository:    repo,
		conversations: conversations,
		directory:     directory,
		pages:         pages,
		logger:        logger,
	}
}

func (s *messageService) SendMessage(ctx context.Context, conversationID, senderID, text string, attachments []json.RawMessage) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrValidation)
	}

	if _, err := s.conversations.Authorize(ctx, conversationID, senderID); err != nil {
		return nil, err
	}

	if attachments == nil {
		attachments = []json.RawMessage{}
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Attachments:    attachments,
		CreatedAt:      time.Now().UTC(),
		ReadBy:         []string{senderID},
	}

	err := s.repository.CreateMessage(ctx, msg)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		s.logger.WithError(err).Error("Failed to send message")
		return nil, err
	}

	if err := s.conversations.TouchUpdatedAt(ctx, conversationID, msg.CreatedAt); err != nil {
		// The message is durable; a stale updated_at only affects list order.
		s.logger.WithError(err).WithField("conversation_id", conversationID).Warn("Failed to bump conversation updated_at")
	}

	s.logger.WithFields(logrus.Fields{
		"message_id":      msg.ID,
		"conversation_id": conversationID,
		"sender_id":       senderID,
	}).Info("Message sent")

	return msg, nil
}

func (s *messageService) GetMessages(ctx context.Context, conversationID string, page, perPage int) (*models.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = s.pages.DefaultPageSize
	}
	if perPage > s.pages.MaxPageSize {
		perPage = s.pages.MaxPageSize
	}

	total, err := s.repository.CountConversationMessages(ctx, conversationID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to count conversation messages")
		return nil, err
	}

	var messages []*models.Message
	// Pages whose offset does not fit in an int are past the end.
	if page-1 <= math.MaxInt/perPage {
		messages, err = s.repository.GetConversationMessages(ctx, conversationID, perPage, (page-1)*perPage)
		if err != nil {
			s.logger.WithError(err).Error("Failed to get conversation messages")
			return nil, err
		}
	}

	senders := make(map[string]*models.User)
	views := make([]*models.MessageView, 0, len(messages))
	for _, msg := range messages {
		sender, ok := senders[msg.SenderID]
		if !ok {
			sender, err = s.directory.FindByID(ctx, msg.SenderID)
			if err != nil {
				s.logger.WithError(err).WithField("user_id", msg.SenderID).Warn("Failed to resolve message sender")
				sender = nil
			}
			senders[msg.SenderID] = sender
		}
		views = append(views, &models.MessageView{Message: *msg, SenderDetails: sender})
	}

	return &models.MessagePage{
		Messages: views,
		Total:    total,
		Page:     page,
		PerPage:  perPage,
		Pages:    (total + perPage - 1) / perPage,
	}, nil
}

func (s *messageService) MarkAsRead(ctx context.Context, conversationID, userID string) (int, error) {
	if _, err := s.conversations.Authorize(ctx, conversationID, userID); err != nil {
		return 0, err
	}

	count, err := s.repository.MarkMessagesAsRead(ctx, conversationID, userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to mark messages as read")
		return 0, err
	}

	if count > 0 {
		s.logger.WithFields(logrus.Fields{
			"conversation_id": conversationID,
			"user_id":         userID,
			"marked":          count,
		}).Debug("Messages marked as read")
	}

	return count, nil
}

func (s *messageService) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	count, err := s.repository.CountUnreadMessages(ctx, conversationID, userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to count unread messages")
		return 0, err
	}
	return count, nil
}
