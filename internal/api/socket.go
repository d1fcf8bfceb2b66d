package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"imperious/messaging-service/internal/identity"
	"imperious/messaging-service/internal/models"
	"imperious/messaging-service/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers connect from the web client's origin; the bearer token, not
	// the origin, is what identifies the caller.
	CheckOrigin: func(*http.Request) bool { return true },
}

type socketHandler struct {
	gateway  *realtime.Gateway
	verifier *identity.TokenVerifier
	logger   *logrus.Logger
}

func (h *socketHandler) handle(c *gin.Context) {
	var bound *models.User

	if raw := identity.BearerToken(c.Request); raw != "" {
		user, err := h.verifier.Verify(c.Request.Context(), raw)
		if err != nil {
			h.logger.WithError(err).Debug("Rejected websocket token")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		bound = user
	} else if h.gateway.RequiresAuth() {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}

	h.gateway.Serve(c.Request.Context(), ws, bound)
}
