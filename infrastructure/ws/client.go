package ws

import (
	"encoding/json"
	"sync"
	"time"

	"chatsync/internal/entity"
	"chatsync/pkg/apperr"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ClientConfig struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	RatePerSecond  float64
	Burst          int
	SendBuffer     int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:   25 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 65536,
		RatePerSecond:  20,
		Burst:          40,
		SendBuffer:     256,
	}
}

// UserClient is one websocket connection. A user may hold several.
type UserClient struct {
	Id     string
	UserId string

	conn    *websocket.Conn
	send    chan entity.Event
	cfg     ClientConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	mu        sync.Mutex
	closed    bool
	intercept func(event entity.Event) bool

	// OnHeartbeat runs on every pong.
	OnHeartbeat func()
}

func NewClient(userId string, conn *websocket.Conn, cfg ClientConfig, logger *zap.Logger) *UserClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	id := uuid.NewString()
	return &UserClient{
		Id:      id,
		UserId:  userId,
		conn:    conn,
		send:    make(chan entity.Event, cfg.SendBuffer),
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger.With(zap.String("user_id", userId), zap.String("connection_id", id)),
	}
}

// SetInterceptor installs fn ahead of the outbound queue. Events for which fn
// returns true are considered handled and are not queued.
func (c *UserClient) SetInterceptor(fn func(event entity.Event) bool) {
	c.mu.Lock()
	c.intercept = fn
	c.mu.Unlock()
}

// Deliver hands a bus event to the connection without blocking.
func (c *UserClient) Deliver(event entity.Event) bool {
	c.mu.Lock()
	intercept := c.intercept
	c.mu.Unlock()

	if intercept != nil && intercept(event) {
		return true
	}
	return c.Send(event)
}

// Send queues an event for the write pump. It reports false when the
// connection is closed or its buffer is full.
func (c *UserClient) Send(event entity.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *UserClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump reads frames until the connection fails, passing each one to
// handle. Frames over the rate limit are answered with an error event.
func (c *UserClient) ReadPump(handle func(data []byte)) {
	defer c.conn.Close()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.OnHeartbeat != nil {
			c.OnHeartbeat()
		}
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("read error", zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.Send(entity.Event{
				Type:  entity.EventError,
				Code:  string(apperr.CodeRateLimited),
				Error: apperr.ErrRateLimited.Error(),
			})
			continue
		}

		handle(data)
	}
}

func (c *UserClient) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			payload, err := json.Marshal(event)
			if err != nil {
				c.logger.Warn("marshal event", zap.Error(err))
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var (
	_ IHub = (*Hub)(nil)
	_ IHub = (*RedisHub)(nil)
)
