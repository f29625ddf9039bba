package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatsync/infrastructure/ws"
	"chatsync/internal/entity"
	"chatsync/internal/reconciler"
	"chatsync/internal/usecase"
	"chatsync/pkg/apperr"
	"chatsync/pkg/jwt"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type TokenValidator interface {
	ValidateAccessToken(token string) (*jwt.Claims, error)
}

type Config struct {
	Client         ws.ClientConfig
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// DraftTTL bounds how long an unconfirmed draft stays pending.
	DraftTTL time.Duration
	// SendRetryMaxElapsed bounds retries of a send that failed transiently.
	SendRetryMaxElapsed time.Duration
}

type WebsocketHandler struct {
	hub      ws.IHub
	chatUc   usecase.ChatUsecase
	presence usecase.PresenceTracker
	source   reconciler.SnapshotSource
	notifier reconciler.Notifier
	tokens   TokenValidator
	cfg      Config
	zlog     *zap.Logger
	logger   *zap.SugaredLogger
}

func NewWebsocketHandler(
	hub ws.IHub,
	chatUc usecase.ChatUsecase,
	presence usecase.PresenceTracker,
	source reconciler.SnapshotSource,
	notifier reconciler.Notifier,
	tokens TokenValidator,
	cfg Config,
	logger *zap.Logger,
) *WebsocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Client.PingInterval <= 0 {
		cfg.Client = ws.DefaultClientConfig()
	}
	if cfg.SendRetryMaxElapsed <= 0 {
		cfg.SendRetryMaxElapsed = 5 * time.Second
	}
	return &WebsocketHandler{
		hub:      hub,
		chatUc:   chatUc,
		presence: presence,
		source:   source,
		notifier: notifier,
		tokens:   tokens,
		cfg:      cfg,
		zlog:     logger,
		logger:   logger.Named("websocket").Sugar(),
	}
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// GET /ws?token=
func (h *WebsocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := h.tokens.ValidateAccessToken(bearerToken(r))
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("upgrade failed", "user_id", claims.UserId, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	client := ws.NewClient(claims.UserId, conn, h.cfg.Client, h.zlog)
	c := &connection{
		h:        h,
		client:   client,
		sessions: make(map[string]*reconciler.Session),
	}
	client.SetInterceptor(c.route)
	client.OnHeartbeat = func() {
		if err := h.presence.Heartbeat(ctx, client.UserId, client.Id); err != nil {
			h.logger.Warnw("heartbeat failed", "user_id", client.UserId, "error", err)
		}
	}

	h.hub.RegisterClient(client)
	defer c.close()

	if err := h.presence.Connected(ctx, client.UserId, client.Id); err != nil {
		h.logger.Warnw("presence connect failed", "user_id", client.UserId, "error", err)
	}

	go client.WritePump()
	client.ReadPump(func(data []byte) {
		c.handle(ctx, data)
	})
}

// HandleUnregisterClient is installed as the hub's unregister callback.
func (h *WebsocketHandler) HandleUnregisterClient(client *ws.UserClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.presence.Disconnected(ctx, client.UserId, client.Id)
}

// connection is the per-socket state: one reconciler session per joined
// conversation.
type connection struct {
	h      *WebsocketHandler
	client *ws.UserClient

	mu       sync.Mutex
	sessions map[string]*reconciler.Session
}

func (c *connection) session(conversationId string) *reconciler.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[conversationId]
}

// route runs on the hub's delivery path. Events for joined conversations go
// through the session first.
func (c *connection) route(event entity.Event) bool {
	s := c.session(event.ConversationId)
	if s == nil {
		return false
	}
	return s.ApplyRealtime(event)
}

func (c *connection) close() {
	c.mu.Lock()
	sessions := make([]*reconciler.Session, 0, len(c.sessions))
	for id, s := range c.sessions {
		sessions = append(sessions, s)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	c.h.hub.UnregisterClient(c.client)
}

func (c *connection) handle(ctx context.Context, data []byte) {
	var in IncomingEvent
	if err := json.Unmarshal(data, &in); err != nil {
		c.client.Send(errorEvent("", apperr.InvalidContent("malformed event")))
		return
	}

	switch in.Type {
	case entity.EventMessageSend:
		c.send(ctx, in)
	case entity.EventMessageRead:
		c.read(ctx, in)
	case entity.EventTypingStart, entity.EventTypingStop:
		c.typing(ctx, in)
	case entity.EventConversationJoin:
		c.join(ctx, in.ConversationId)
	case entity.EventConversationLeave:
		c.leave(in.ConversationId)
	default:
		c.client.Send(errorEvent(in.ConversationId, apperr.InvalidContent("unknown event type "+string(in.Type))))
	}
}

func (c *connection) send(ctx context.Context, in IncomingEvent) {
	s := c.session(in.ConversationId)
	if s != nil && in.ClientId != "" {
		s.AddDraft(in.draft(c.client.UserId))
	}

	req := usecase.SendRequest{
		ConversationId:     in.ConversationId,
		ReceiverId:         in.ReceiverId,
		Content:            in.Content,
		ClientId:           in.ClientId,
		ClientTimestamp:    in.Timestamp,
		OriginConnectionId: c.client.Id,
	}

	var message entity.Message
	operation := func() error {
		m, err := c.h.chatUc.Send(ctx, c.client.UserId, req)
		if err != nil {
			if apperr.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		message = m
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.h.cfg.SendRetryMaxElapsed
	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	if err == nil {
		// joined connections see the confirmation through their session
		if s == nil {
			c.client.Send(confirmedEvent(message))
		}
		return
	}

	c.h.logger.Infow("send failed",
		"user_id", c.client.UserId,
		"conversation_id", in.ConversationId,
		"code", apperr.CodeOf(err),
		"error", err)

	if s != nil && in.ClientId != "" {
		s.DropDraft(in.ClientId)
	}
	c.client.Send(failedEvent(in, err))
	if apperr.IsTransient(err) {
		c.client.Send(disconnectedEvent(in.ConversationId, err))
	}
}

func (c *connection) read(ctx context.Context, in IncomingEvent) {
	if _, err := c.h.chatUc.MarkRead(ctx, in.ConversationId, c.client.UserId, in.MessageIds); err != nil {
		c.client.Send(errorEvent(in.ConversationId, err))
	}
}

func (c *connection) typing(ctx context.Context, in IncomingEvent) {
	if c.session(in.ConversationId) == nil {
		if _, err := c.h.chatUc.Authorize(ctx, in.ConversationId, c.client.UserId); err != nil {
			c.client.Send(errorEvent(in.ConversationId, err))
			return
		}
	}
	if in.Type == entity.EventTypingStart {
		c.h.presence.SetTyping(in.ConversationId, c.client.UserId)
	} else {
		c.h.presence.StopTyping(in.ConversationId, c.client.UserId)
	}
}

func (c *connection) join(ctx context.Context, conversationId string) {
	if _, err := c.h.chatUc.Authorize(ctx, conversationId, c.client.UserId); err != nil {
		c.client.Send(errorEvent(conversationId, err))
		return
	}

	c.mu.Lock()
	if _, ok := c.sessions[conversationId]; ok {
		c.mu.Unlock()
		return
	}
	s := reconciler.NewSession(reconciler.Config{
		ConversationId: conversationId,
		ConnectionId:   c.client.Id,
		UserId:         c.client.UserId,
		Bus:            c.h.hub,
		Source:         c.h.source,
		Notifier:       c.h.notifier,
		Sink:           func(event entity.Event) { c.client.Send(event) },
		BackoffInitial: c.h.cfg.BackoffInitial,
		BackoffMax:     c.h.cfg.BackoffMax,
		DraftTTL:       c.h.cfg.DraftTTL,
		Logger:         c.h.zlog,
	})
	c.sessions[conversationId] = s
	c.mu.Unlock()

	// Start joins the hub room, which must not happen under c.mu.
	if err := s.Start(ctx); err != nil {
		c.mu.Lock()
		if c.sessions[conversationId] == s {
			delete(c.sessions, conversationId)
		}
		c.mu.Unlock()
		s.Close()
		c.client.Send(errorEvent(conversationId, err))
	}
}

func (c *connection) leave(conversationId string) {
	c.mu.Lock()
	s := c.sessions[conversationId]
	delete(c.sessions, conversationId)
	c.mu.Unlock()

	if s != nil {
		s.Close()
	}
}
