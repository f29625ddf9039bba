package pubsub

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChangeMessage announces that a conversation's messages changed on some
// server instance.
type ChangeMessage struct {
	FromServerId   string `json:"fromServerId"`
	ConversationId string `json:"conversationId"`
}

// RedisChangeNotifier fans log changes out to the other instances so their
// subscribers re-read the conversation.
type RedisChangeNotifier struct {
	client   *redis.Client
	channel  string
	serverId string
	logger   *zap.Logger
}

func NewRedisChangeNotifier(client *redis.Client, prefix, serverId string, logger *zap.Logger) *RedisChangeNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisChangeNotifier{
		client:   client,
		channel:  prefix + ":log:changed",
		serverId: serverId,
		logger:   logger.Named("change-notifier"),
	}
}

func (n *RedisChangeNotifier) NotifyChanged(ctx context.Context, conversationId string) error {
	b, err := json.Marshal(ChangeMessage{FromServerId: n.serverId, ConversationId: conversationId})
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, b).Err()
}

// Listen calls onChange for every change made by another instance until ctx
// is cancelled.
func (n *RedisChangeNotifier) Listen(ctx context.Context, onChange func(conversationId string)) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	n.logger.Info("listening for log changes", zap.String("channel", n.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var change ChangeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				n.logger.Warn("bad change message", zap.Error(err))
				continue
			}
			if change.FromServerId == n.serverId {
				continue
			}
			onChange(change.ConversationId)
		}
	}
}
