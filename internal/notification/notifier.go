package notification

import (
	"context"
	"time"

	"chatsync/internal/entity"

	"go.uber.org/zap"
)

// Notifier delivers an inbound-message alert outside the websocket, e.g. to
// a push gateway consuming a Kafka topic.
type Notifier interface {
	NotifyInbound(ctx context.Context, userId string, message entity.Message) error
}

// Publisher is satisfied by infrastructure/kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

// InboundMessage is the record written for every inbound notification.
type InboundMessage struct {
	UserId         string    `json:"userId"`
	ConversationId string    `json:"conversationId"`
	MessageId      string    `json:"messageId"`
	SenderId       string    `json:"senderId"`
	Preview        string    `json:"preview"`
	Timestamp      time.Time `json:"timestamp"`
	Sound          bool      `json:"sound"`
}

const previewLength = 120

func newInboundMessage(userId string, m entity.Message) InboundMessage {
	preview := []rune(m.Content)
	if len(preview) > previewLength {
		preview = preview[:previewLength]
	}
	return InboundMessage{
		UserId:         userId,
		ConversationId: m.ConversationId,
		MessageId:      m.Id,
		SenderId:       m.SenderId,
		Preview:        string(preview),
		Timestamp:      m.Timestamp,
		Sound:          true,
	}
}

type kafkaNotifier struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewKafkaNotifier keys records by the recipient so one user's alerts keep
// their order.
func NewKafkaNotifier(publisher Publisher, logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &kafkaNotifier{publisher: publisher, logger: logger.Named("notification")}
}

func (n *kafkaNotifier) NotifyInbound(ctx context.Context, userId string, message entity.Message) error {
	record := newInboundMessage(userId, message)
	if err := n.publisher.Publish(ctx, userId, record); err != nil {
		return err
	}
	n.logger.Debug("inbound notification published",
		zap.String("user_id", userId),
		zap.String("message_id", message.Id))
	return nil
}

type logNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier is used when no broker is configured.
func NewLogNotifier(logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logNotifier{logger: logger.Named("notification")}
}

func (n *logNotifier) NotifyInbound(ctx context.Context, userId string, message entity.Message) error {
	n.logger.Info("inbound message",
		zap.String("user_id", userId),
		zap.String("conversation_id", message.ConversationId),
		zap.String("message_id", message.Id),
		zap.String("sender_id", message.SenderId))
	return nil
}
