package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"imperious/messaging-service/internal/identity"
	"imperious/messaging-service/internal/models"
	"imperious/messaging-service/internal/repository"
)

type ConversationService interface {
	// CreateConversation resolves identifiers (emails or user ids) and returns
	// the conversation for that participant set, creating it if needed.
	CreateConversation(ctx context.Context, identifiers []string) (*models.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	GetConversationDetails(ctx context.Context, conversationID string) (*models.ConversationDetails, error)
	GetUserConversations(ctx context.Context, userID string) ([]*models.ConversationSummary, error)
	// Authorize returns the conversation if userID participates in it.
	Authorize(ctx context.Context, conversationID, userID string) (*models.Conversation, error)
	TouchUpdatedAt(ctx context.Context, conversationID string, at time.Time) error
}

type conversationService struct {
	repository repository.ChatRepository
	directory  identity.Directory
	logger     *logrus.Logger
}

func NewConversationService(repo repository.ChatRepository, directory identity.Directory, logger *logrus.Logger) ConversationService {
	return &conversationService{
		repository: repo,
		directory:  directory,
		logger:     logger,
	}
}

func (s *conversationService) CreateConversation(ctx context.Context, identifiers []string) (*models.Conversation, error) {
	var ids []string
	for _, identifier := range identifiers {
		user, err := identity.Resolve(ctx, s.directory, identifier)
		if err != nil {
			if errors.Is(err, identity.ErrUserNotFound) {
				s.logger.WithField("participant", identifier).Debug("Skipping unknown participant")
				continue
			}
			return nil, err
		}
		ids = append(ids, user.ID)
	}

	ids = models.NormalizeParticipants(ids)
	if len(ids) < 2 {
		return nil, ErrInvalidParticipants
	}

	existing, err := s.repository.GetConversationByParticipants(ctx, ids)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		s.logger.WithError(err).Error("Failed to look up conversation by participants")
		return nil, err
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:           uuid.New().String(),
		Participants: ids,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	created, err := s.repository.CreateConversation(ctx, conv)
	if err != nil {
		s.logger.WithError(err).Error("Failed to create conversation")
		return nil, err
	}

	if created {
		s.logger.WithFields(logrus.Fields{
			"conversation_id": conv.ID,
			"participants":    conv.Participants,
		}).Info("Conversation created")
	}

	return conv, nil
}

func (s *conversationService) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := s.repository.GetConversationByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		s.logger.WithError(err).Error("Failed to get conversation")
		return nil, err
	}

	return conv, nil
}

func (s *conversationService) Authorize(ctx context.Context, conversationID, userID string) (*models.Conversation, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

func (s *conversationService) GetConversationDetails(ctx context.Context, conversationID string) (*models.ConversationDetails, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	return &models.ConversationDetails{
		Conversation:       *conv,
		ParticipantDetails: s.resolveUsers(ctx, conv.Participants),
	}, nil
}

func (s *conversationService) GetUserConversations(ctx context.Context, userID string) ([]*models.ConversationSummary, error) {
	conversations, err := s.repository.GetUserConversations(ctx, userID)
	if err != nil {
		s.logger.WithError(err).Error("Failed to get user conversations")
		return nil, err
	}

	summaries := make([]*models.ConversationSummary, 0, len(conversations))
	for _, conv := range conversations {
		unread, err := s.repository.CountUnreadMessages(ctx, conv.ID, userID)
		if err != nil {
			s.logger.WithError(err).WithField("conversation_id", conv.ID).Error("Failed to count unread messages")
			return nil, err
		}

		summary := &models.ConversationSummary{
			Conversation:      *conv,
			OtherParticipants: s.resolveUsers(ctx, conv.OtherParticipants(userID)),
			UnreadCount:       unread,
		}

		last, err := s.repository.GetLastMessage(ctx, conv.ID)
		switch {
		case err == nil:
			summary.LastMessage = &models.MessageView{Message: *last}
		case !errors.Is(err, repository.ErrNotFound):
			s.logger.WithError(err).WithField("conversation_id", conv.ID).Error("Failed to get last message")
			return nil, err
		}

		summaries = append(summaries, summary)
	}

	return summaries, nil
}

func (s *conversationService) TouchUpdatedAt(ctx context.Context, conversationID string, at time.Time) error {
	if err := s.repository.TouchConversation(ctx, conversationID, at); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("touch conversation %s: %w", conversationID, err)
	}
	return nil
}

// resolveUsers is a read-time join against the directory. Users that can no
// longer be resolved are left out.
func (s *conversationService) resolveUsers(ctx context.Context, ids []string) []models.User {
	users := make([]models.User, 0, len(ids))
	for _, id := range ids {
		user, err := s.directory.FindByID(ctx, id)
		if err != nil {
			s.logger.WithError(err).WithField("user_id", id).Warn("Failed to resolve participant")
			continue
		}
		users = append(users, *user)
	}
	return users
}
