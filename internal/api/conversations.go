package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"imperious/messaging-service/internal/identity"
	"imperious/messaging-service/internal/service"
)

type handler struct {
	conversations service.ConversationService
	messages      service.MessageService
	reads         ReadNotifier
	logger        *logrus.Logger
}

type createConversationRequest struct {
	Participants []string `json:"participants" binding:"required"`
}

func (h *handler) listConversations(c *gin.Context) {
	user := currentUser(c)

	conversations, err := h.conversations.GetUserConversations(c.Request.Context(), user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, conversations)
}

func (h *handler) createConversation(c *gin.Context) {
	user := currentUser(c)

	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participants list is required"})
		return
	}

	participants := req.Participants
	if !containsUser(participants, user.ID, user.Email) {
		participants = append(participants, user.Email)
	}

	conv, err := h.conversations.CreateConversation(c.Request.Context(), participants)
	if err != nil {
		h.writeError(c, err)
		return
	}

	details, err := h.conversations.GetConversationDetails(c.Request.Context(), conv.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, details)
}

func (h *handler) getConversation(c *gin.Context) {
	user := currentUser(c)
	id := c.Param("id")

	if _, err := h.conversations.Authorize(c.Request.Context(), id, user.ID); err != nil {
		h.writeError(c, err)
		return
	}

	details, err := h.conversations.GetConversationDetails(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, details)
}

func (h *handler) getMessages(c *gin.Context) {
	user := currentUser(c)
	id := c.Param("id")

	page, err := intQuery(c, "page", 1)
	if err != nil {
		h.writeError(c, err)
		return
	}
	perPage, err := intQuery(c, "per_page", 0)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if _, err := h.conversations.Authorize(c.Request.Context(), id, user.ID); err != nil {
		h.writeError(c, err)
		return
	}

	result, err := h.messages.GetMessages(c.Request.Context(), id, page, perPage)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *handler) markRead(c *gin.Context) {
	user := currentUser(c)
	id := c.Param("id")

	marked, err := h.messages.MarkAsRead(c.Request.Context(), id, user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if h.reads != nil {
		h.reads.NotifyRead(id, user)
	}

	unread, err := h.messages.UnreadCount(c.Request.Context(), id, user.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"marked": marked, "unread_count": unread})
}

// writeError maps service errors to status codes. Unexpected errors are
// logged and reported without detail.
func (h *handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrInvalidParticipants):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, identity.ErrInvalidToken):
		status, message = http.StatusUnauthorized, "invalid token"
	case errors.Is(err, service.ErrNotParticipant), errors.Is(err, service.ErrUnauthorized):
		status, message = http.StatusForbidden, "unauthorized"
	case errors.Is(err, service.ErrConversationNotFound):
		status, message = http.StatusNotFound, "conversation not found"
	case errors.Is(err, identity.ErrUserNotFound):
		status, message = http.StatusNotFound, "user not found"
	default:
		h.logger.WithError(err).WithField("path", c.Request.URL.Path).Error("Request failed")
	}

	c.JSON(status, gin.H{"error": message})
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", service.ErrValidation, name)
	}
	return v, nil
}

func containsUser(participants []string, id, email string) bool {
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == id || strings.EqualFold(p, email) {
			return true
		}
	}
	return false
}
