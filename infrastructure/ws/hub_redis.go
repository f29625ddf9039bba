package ws

import (
	"context"
	"encoding/json"
	"strings"

	"chatsync/infrastructure/metrics"
	"chatsync/internal/entity"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisHub keeps rooms for local connections and relays every event through
// Redis so rooms on other server instances receive it too.
type RedisHub struct {
	*Hub

	redisClient *redis.Client
	serverID    string
	prefix      string

	outbound chan RedisMessage
}

type RedisMessage struct {
	FromServerID        string       `json:"fromServerId"`
	Room                string       `json:"room,omitempty"`
	ToUserID            string       `json:"toUserId,omitempty"`
	ExcludeConnectionID string       `json:"excludeConnectionId,omitempty"`
	Event               entity.Event `json:"event"`
}

func NewRedisHub(client *redis.Client, prefix, serverID string, logger *zap.Logger) *RedisHub {
	hub := NewHub(logger)
	hub.logger = hub.logger.With(zap.String("server_id", serverID))
	return &RedisHub{
		Hub:         hub,
		redisClient: client,
		serverID:    serverID,
		prefix:      prefix,
		outbound:    make(chan RedisMessage, 1024),
	}
}

func (h *RedisHub) roomChannel(conversationId string) string {
	return h.prefix + ":room:" + conversationId
}

func (h *RedisHub) userChannel(userId string) string {
	return h.prefix + ":user:" + userId
}

func (h *RedisHub) broadcastChannel() string {
	return h.prefix + ":broadcast"
}

func (h *RedisHub) Run(ctx context.Context) {
	pubsub := h.redisClient.PSubscribe(ctx, h.prefix+":room:*", h.prefix+":user:*", h.broadcastChannel())
	defer pubsub.Close()

	go h.subscribeRedis(ctx, pubsub)
	go h.publishLoop(ctx)

	h.Hub.Run(ctx)
}

// subscribeRedis relays events published by other instances to local clients.
func (h *RedisHub) subscribeRedis(ctx context.Context, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	h.logger.Info("redis subscriber started")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var redisMsg RedisMessage
			if err := json.Unmarshal([]byte(msg.Payload), &redisMsg); err != nil {
				h.logger.Warn("error unmarshaling redis message", zap.Error(err))
				continue
			}

			// Don't process messages we sent ourselves
			if redisMsg.FromServerID == h.serverID {
				continue
			}

			switch {
			case strings.HasPrefix(msg.Channel, h.prefix+":room:"):
				h.publishLocal(redisMsg.Room, redisMsg.Event, redisMsg.ExcludeConnectionID)
			case strings.HasPrefix(msg.Channel, h.prefix+":user:"):
				h.sendLocal(redisMsg.ToUserID, redisMsg.Event)
			default:
				h.broadcastLocal(redisMsg.Event)
			}
		}
	}
}

func (h *RedisHub) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.outbound:
			channel := h.broadcastChannel()
			switch {
			case msg.Room != "":
				channel = h.roomChannel(msg.Room)
			case msg.ToUserID != "":
				channel = h.userChannel(msg.ToUserID)
			}

			payload, err := json.Marshal(msg)
			if err != nil {
				h.logger.Warn("error marshaling redis message", zap.Error(err))
				continue
			}
			if err := h.redisClient.Publish(ctx, channel, payload).Err(); err != nil {
				metrics.BusDropped.WithLabelValues("redis_publish").Inc()
				h.logger.Warn("error publishing to redis", zap.String("channel", channel), zap.Error(err))
			}
		}
	}
}

func (h *RedisHub) enqueue(msg RedisMessage) {
	msg.FromServerID = h.serverID
	select {
	case h.outbound <- msg:
	default:
		metrics.BusDropped.WithLabelValues("redis_backlog").Inc()
	}
}

func (h *RedisHub) Publish(conversationId string, event entity.Event, excludeConnectionId string) {
	h.publishLocal(conversationId, event, excludeConnectionId)
	h.enqueue(RedisMessage{Room: conversationId, ExcludeConnectionID: excludeConnectionId, Event: event})
}

// SendToUser delivers locally and, since the user may also be connected to
// another instance, through Redis as well.
func (h *RedisHub) SendToUser(userId string, event entity.Event) {
	h.sendLocal(userId, event)
	h.enqueue(RedisMessage{ToUserID: userId, Event: event})
}

func (h *RedisHub) Broadcast(event entity.Event) {
	h.Hub.Broadcast(event)
	h.enqueue(RedisMessage{Event: event})
}
