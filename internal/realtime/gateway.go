// Package realtime implements the live event protocol: connection handling,
// presence, conversation rooms and the per-connection state machine.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/twmb/murmur3"
	"golang.org/x/time/rate"

	"imperious/messaging-service/internal/identity"
	"imperious/messaging-service/internal/metrics"
	"imperious/messaging-service/internal/models"
	"imperious/messaging-service/internal/service"
)

const lockStripes = 64

var (
	errNotAnnounced     = fmt.Errorf("%w: login required", service.ErrUnauthorized)
	errIdentityMismatch = fmt.Errorf("%w: email does not match the authenticated user", service.ErrUnauthorized)
	errRateLimited      = errors.New("rate limited")
)

type MessageAppender interface {
	SendMessage(ctx context.Context, conversationID, senderID, text string, attachments []json.RawMessage) (*models.Message, error)
}

type Options struct {
	ReadTimeout    time.Duration
	MaxMessageSize int64
	RequestTimeout time.Duration
	// ErrorEvents sends an error event back to the originating connection
	// when an inbound event fails. Off by default: failures are only logged.
	ErrorEvents bool
	RequireAuth bool
	// RateLimit is the sustained number of inbound frames per second allowed
	// per connection. Zero disables limiting.
	RateLimit  float64
	RateBurst  int
	Connection ConnectionConfig
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.RateLimit > 0 && o.RateBurst <= 0 {
		o.RateBurst = int(o.RateLimit)
		if o.RateBurst < 1 {
			o.RateBurst = 1
		}
	}
	return o
}

// Gateway ties presence, rooms and the message store to the live protocol.
type Gateway struct {
	presence  *Presence
	rooms     *Rooms
	messages  MessageAppender
	directory identity.Directory
	opts      Options
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	// Append and broadcast for one conversation run under the same stripe so
	// live delivery order matches append order.
	locks [lockStripes]sync.Mutex
}

func NewGateway(presence *Presence, rooms *Rooms, messages MessageAppender, directory identity.Directory, m *metrics.Metrics, opts Options, logger *logrus.Logger) *Gateway {
	return &Gateway{
		presence:  presence,
		rooms:     rooms,
		messages:  messages,
		directory: directory,
		opts:      opts.withDefaults(),
		metrics:   m,
		logger:    logger,
	}
}

func (g *Gateway) RequiresAuth() bool { return g.opts.RequireAuth }

func (g *Gateway) Presence() *Presence { return g.presence }

func (g *Gateway) Rooms() *Rooms { return g.rooms }

// Connect registers a new connection. bound is the identity proven at
// handshake time and may be nil.
func (g *Gateway) Connect(h Handle, bound *models.User) *Session {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if g.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(g.opts.RateLimit), g.opts.RateBurst)
	}

	g.presence.Attach(h)
	g.metrics.ConnectionOpened()

	fields := logrus.Fields{"connection_id": h.ID()}
	if bound != nil {
		fields["user_id"] = bound.ID
	}
	g.logger.WithFields(fields).Debug("Connection opened")

	return newSession(h, bound, limiter)
}

// Disconnect runs the terminal transition: presence is cleared first, then
// every room membership. It is safe to call more than once.
func (g *Gateway) Disconnect(s *Session) {
	if !s.disconnect() {
		return
	}

	h := s.Handle()
	offline := g.presence.Clear(h)
	left := g.rooms.DropConnection(h)
	g.presence.Detach(h)

	g.metrics.ConnectionClosed()
	g.metrics.SetOnlineUsers(len(g.presence.Online()))

	g.logger.WithFields(logrus.Fields{
		"connection_id": h.ID(),
		"offline":       offline,
		"rooms":         left,
	}).Debug("Connection closed")
}

// Dispatch handles one inbound frame. Failures never reach the caller; they
// are logged and, when enabled, reported back as an error event.
func (g *Gateway) Dispatch(ctx context.Context, s *Session, raw []byte) {
	if s.State() == StateDisconnected {
		return
	}

	if !s.allow() {
		g.fail(s, "", errRateLimited)
		return
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.fail(s, "", fmt.Errorf("%w: malformed frame", service.ErrValidation))
		return
	}

	var err error
	switch frame.Event {
	case EventLogin:
		err = g.handleLogin(ctx, s, frame.Data)
	case EventJoinConversation:
		err = g.handleJoin(ctx, s, frame.Data)
	case EventLeaveConversation:
		err = g.handleLeave(s, frame.Data)
	case EventSendMessage:
		err = g.handleSendMessage(ctx, s, frame.Data)
	default:
		err = fmt.Errorf("%w: unknown event %q", service.ErrValidation, frame.Event)
	}

	if err != nil {
		g.fail(s, frame.Event, err)
		return
	}
	g.metrics.Event(frame.Event, "ok")
}

func (g *Gateway) handleLogin(ctx context.Context, s *Session, data json.RawMessage) error {
	var p LoginPayload
	if err := decode(data, &p); err != nil {
		return err
	}

	user, err := g.resolve(ctx, s, p.Email, nil)
	if err != nil {
		return err
	}

	if !s.announce(user) {
		return nil
	}
	g.presence.SetOnline(user.ID, user.Email, s.Handle())
	g.metrics.SetOnlineUsers(len(g.presence.Online()))
	return nil
}

func (g *Gateway) handleJoin(ctx context.Context, s *Session, data json.RawMessage) error {
	if s.State() != StateAnnounced {
		return errNotAnnounced
	}

	var p JoinPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", service.ErrValidation)
	}

	user, err := g.resolve(ctx, s, p.Email, s.User())
	if err != nil {
		return err
	}

	if err := g.rooms.Join(ctx, p.ConversationID, s.Handle(), user); err != nil {
		return err
	}
	s.addRoom(p.ConversationID)
	return nil
}

func (g *Gateway) handleLeave(s *Session, data json.RawMessage) error {
	var p LeavePayload
	if err := decode(data, &p); err != nil {
		return err
	}

	g.rooms.Leave(p.ConversationID, s.Handle())
	s.removeRoom(p.ConversationID)
	return nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, s *Session, data json.RawMessage) error {
	var p SendMessagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", service.ErrValidation)
	}
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: text is required", service.ErrValidation)
	}

	sender, err := g.resolve(ctx, s, p.Email, s.User())
	if err != nil {
		return err
	}

	lock := g.conversationLock(p.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	msg, err := g.messages.SendMessage(ctx, p.ConversationID, sender.ID, p.Text, p.Attachments)
	if err != nil {
		return err
	}
	g.metrics.MessageStored()

	view := models.MessageView{Message: *msg, SenderDetails: sender}
	if _, err := g.rooms.BroadcastEvent(p.ConversationID, EventNewMessage, view); err != nil {
		return err
	}
	return nil
}

// resolve maps an email from a payload to a user. An empty email falls back
// to the handshake identity, then to fallback. When the handshake carried a
// token, any other identity is refused.
func (g *Gateway) resolve(ctx context.Context, s *Session, email string, fallback *models.User) (*models.User, error) {
	bound := s.Bound()

	email = strings.TrimSpace(email)
	if email == "" {
		switch {
		case bound != nil:
			return bound, nil
		case fallback != nil:
			return fallback, nil
		default:
			return nil, fmt.Errorf("%w: email is required", service.ErrValidation)
		}
	}

	user, err := g.directory.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if bound != nil && bound.ID != user.ID {
		return nil, errIdentityMismatch
	}
	return user, nil
}

func (g *Gateway) conversationLock(conversationID string) *sync.Mutex {
	return &g.locks[murmur3.Sum32([]byte(conversationID))%lockStripes]
}

func (g *Gateway) fail(s *Session, event string, err error) {
	code := errorCode(err)
	g.metrics.Event(eventLabel(event), code)

	entry := g.logger.WithError(err).WithFields(logrus.Fields{
		"connection_id": s.Handle().ID(),
		"event":         event,
		"code":          code,
	})
	if code == "internal" {
		entry.Error("Live event failed")
	} else {
		entry.Warn("Live event dropped")
	}

	if !g.opts.ErrorEvents {
		return
	}

	message := err.Error()
	if code == "internal" {
		message = "internal error"
	}
	payload, encErr := Encode(EventError, ErrorPayload{Event: event, Code: code, Message: message})
	if encErr != nil {
		return
	}
	_ = s.Handle().Send(payload)
}

// Serve runs the read side of a websocket until it fails, then tears the
// session down. bound may be nil.
func (g *Gateway) Serve(ctx context.Context, ws *websocket.Conn, bound *models.User) {
	conn := NewConnection(ws, g.opts.Connection)
	conn.onSlowConsumer = g.metrics.SlowConsumer
	conn.Start()

	s := g.Connect(conn, bound)
	defer func() {
		g.Disconnect(s)
		conn.Close(websocket.CloseNormalClosure, "session closed")
	}()

	ws.SetReadLimit(g.opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				g.logger.WithError(err).WithField("connection_id", conn.ID()).Debug("Connection read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))

		reqCtx, cancel := context.WithTimeout(ctx, g.opts.RequestTimeout)
		g.Dispatch(reqCtx, s, data)
		cancel()
	}
}

// CloseAll closes every attached connection. Hijacked websockets are not
// tracked by the HTTP server, so shutdown has to reach them here.
func (g *Gateway) CloseAll() {
	for _, h := range g.presence.Attached() {
		if c, ok := h.(interface{ Close(int, string) }); ok {
			c.Close(websocket.CloseGoingAway, "server shutting down")
		}
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", service.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed payload", service.ErrValidation)
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errRateLimited):
		return "rate_limited"
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrInvalidParticipants):
		return "invalid"
	case errors.Is(err, service.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, service.ErrNotParticipant):
		return "forbidden"
	case errors.Is(err, service.ErrConversationNotFound):
		return "not_found"
	case errors.Is(err, identity.ErrUserNotFound):
		return "unknown_user"
	default:
		return "internal"
	}
}

func eventLabel(event string) string {
	switch event {
	case EventLogin, EventJoinConversation, EventLeaveConversation, EventSendMessage:
		return event
	default:
		return "other"
	}
}
