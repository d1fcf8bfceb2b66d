// Package api exposes the REST endpoints, the websocket upgrade and the
// operational endpoints over gin.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"imperious/messaging-service/internal/identity"
	"imperious/messaging-service/internal/metrics"
	"imperious/messaging-service/internal/models"
	"imperious/messaging-service/internal/realtime"
	"imperious/messaging-service/internal/service"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadNotifier tells live room members that a user has read a conversation.
type ReadNotifier interface {
	NotifyRead(conversationID string, user *models.User) int
}

type Deps struct {
	Conversations service.ConversationService
	Messages      service.MessageService
	Verifier      *identity.TokenVerifier
	Gateway       *realtime.Gateway
	Reads         ReadNotifier
	Pingers       map[string]Pinger
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
	Logger        *logrus.Logger
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(d.Logger, d.Metrics))

	h := &handler{
		conversations: d.Conversations,
		messages:      d.Messages,
		reads:         d.Reads,
		logger:        d.Logger,
	}

	api := r.Group("/api", authRequired(d.Verifier, d.Logger))
	api.GET("/conversations", h.listConversations)
	api.POST("/conversations", h.createConversation)
	api.GET("/conversations/:id", h.getConversation)
	api.GET("/conversations/:id/messages", h.getMessages)
	api.POST("/conversations/:id/read", h.markRead)

	ws := &socketHandler{gateway: d.Gateway, verifier: d.Verifier, logger: d.Logger}
	r.GET("/ws", ws.handle)

	r.GET("/healthz", healthz(d.Pingers, d.Logger))
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	return r
}

func healthz(pingers map[string]Pinger, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		checks := gin.H{}
		healthy := true
		for name, p := range pingers {
			if err := p.Ping(ctx); err != nil {
				logger.WithError(err).WithField("dependency", name).Warn("Health check failed")
				checks[name] = "unavailable"
				healthy = false
				continue
			}
			checks[name] = "ok"
		}

		if !healthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "checks": checks})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
	}
}
