package usecase

import (
	"context"
	"time"

	"chatsync/internal/entity"
	"chatsync/pkg/apperr"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type SendRequest struct {
	// ConversationId is optional; when empty the conversation with
	// ReceiverId is resolved or created.
	ConversationId string
	ReceiverId     string
	Content        string
	ClientId       string
	// ClientTimestamp is the sender's clock in unix millis, echoed back only.
	ClientTimestamp int64
	// OriginConnectionId is skipped by the optimistic echo.
	OriginConnectionId string
}

// ChatUsecase ties the directory, log, counters and bus together for one
// user action.
type ChatUsecase interface {
	Send(ctx context.Context, senderId string, req SendRequest) (entity.Message, error)
	MarkRead(ctx context.Context, conversationId, userId string, messageIds []string) (int64, error)
	StartConversation(ctx context.Context, userId, participantId string) (entity.Conversation, error)
	Conversations(ctx context.Context, userId string) ([]entity.Conversation, error)
	Messages(ctx context.Context, conversationId, userId string) ([]entity.Message, error)
	Delete(ctx context.Context, conversationId, userId string) error
	Authorize(ctx context.Context, conversationId, userId string) (entity.Conversation, error)
}

type ChatOptions struct {
	// RetryMaxElapsed bounds the retries of the counter update after a
	// message is already durable.
	RetryMaxElapsed time.Duration
	Logger          *zap.Logger
}

type chatUsecase struct {
	directory ConversationDirectory
	log       MessageLog
	ledger    CounterLedger
	users     UserUsecase
	bus       Publisher
	retryMax  time.Duration
	logger    *zap.Logger
}

func NewChatUsecase(directory ConversationDirectory, log MessageLog, ledger CounterLedger, users UserUsecase, bus Publisher, opts ChatOptions) ChatUsecase {
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &chatUsecase{
		directory: directory,
		log:       log,
		ledger:    ledger,
		users:     users,
		bus:       bus,
		retryMax:  opts.RetryMaxElapsed,
		logger:    opts.Logger.Named("chat"),
	}
}

func (c *chatUsecase) Send(ctx context.Context, senderId string, req SendRequest) (entity.Message, error) {
	receiverId := req.ReceiverId
	conversationId := req.ConversationId

	if conversationId != "" {
		conversation, err := c.directory.Authorize(ctx, conversationId, senderId)
		if err != nil {
			return entity.Message{}, err
		}
		other := conversation.OtherParticipant(senderId)
		if receiverId != "" && receiverId != other {
			return entity.Message{}, apperr.ErrPermissionDenied
		}
		receiverId = other
	}

	draft := entity.MessageDraft{
		SenderId:   senderId,
		ReceiverId: receiverId,
		Content:    req.Content,
		ClientId:   req.ClientId,
	}
	// validate before resolving so a bad draft never creates a conversation
	content, err := ValidateDraft(draft)
	if err != nil {
		return entity.Message{}, err
	}

	if conversationId == "" {
		id, err := c.directory.ResolveOrCreate(ctx, senderId, receiverId,
			c.users.ParticipantInfo(ctx, senderId),
			c.users.ParticipantInfo(ctx, receiverId))
		if err != nil {
			return entity.Message{}, err
		}
		conversationId = id
	}

	c.bus.Publish(conversationId, entity.Event{
		Type:           entity.EventMessageSend,
		ConversationId: conversationId,
		UserId:         senderId,
		ReceiverId:     receiverId,
		Content:        content,
		ClientId:       draft.ClientId,
		Timestamp:      req.ClientTimestamp,
		Pending:        true,
	}, req.OriginConnectionId)

	res, err := c.log.Append(ctx, conversationId, draft)
	if err != nil {
		if draft.ClientId != "" {
			// withdraw the echo so other views drop the pending draft
			c.bus.Publish(conversationId, entity.Event{
				Type:           entity.EventMessageFailed,
				ConversationId: conversationId,
				UserId:         senderId,
				ClientId:       draft.ClientId,
				Code:           string(apperr.CodeOf(err)),
			}, req.OriginConnectionId)
		}
		return entity.Message{}, err
	}

	message := entity.Message{
		Id:             res.Id,
		ConversationId: conversationId,
		SenderId:       senderId,
		ReceiverId:     receiverId,
		Content:        content,
		Timestamp:      res.Timestamp,
		ReadBy:         []string{senderId},
		ClientId:       draft.ClientId,
	}

	// a retried send already counted the first time
	if !res.Existing {
		c.applyCounters(ctx, message)
	}

	c.bus.Publish(conversationId, entity.Event{
		Type:           entity.EventMessageNew,
		ConversationId: conversationId,
		UserId:         senderId,
		ClientId:       draft.ClientId,
		Message:        &message,
	}, "")

	return message, nil
}

// applyCounters retries transient failures. The message is already durable
// at this point, so a final failure only leaves the counters behind.
func (c *chatUsecase) applyCounters(ctx context.Context, message entity.Message) {
	operation := func() error {
		err := c.ledger.OnSend(ctx, message.ConversationId, message.SenderId, message.ReceiverId, message.Content, message.Timestamp)
		if err != nil && !apperr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.retryMax
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		c.logger.Error("counter update failed",
			zap.String("conversation_id", message.ConversationId),
			zap.String("message_id", message.Id),
			zap.Error(err))
	}
}

func (c *chatUsecase) MarkRead(ctx context.Context, conversationId, userId string, messageIds []string) (int64, error) {
	if _, err := c.directory.Authorize(ctx, conversationId, userId); err != nil {
		return 0, err
	}

	modified, err := c.ledger.OnRead(ctx, conversationId, userId, messageIds)
	if err != nil {
		return 0, err
	}

	if modified > 0 {
		c.bus.Publish(conversationId, entity.Event{
			Type:           entity.EventMessageRead,
			ConversationId: conversationId,
			UserId:         userId,
			MessageIds:     messageIds,
			// no ids means every inbound message up to now
			All: len(messageIds) == 0,
		}, "")
	}
	return modified, nil
}

func (c *chatUsecase) StartConversation(ctx context.Context, userId, participantId string) (entity.Conversation, error) {
	id, err := c.directory.ResolveOrCreate(ctx, userId, participantId,
		c.users.ParticipantInfo(ctx, userId),
		c.users.ParticipantInfo(ctx, participantId))
	if err != nil {
		return entity.Conversation{}, err
	}
	return c.directory.Get(ctx, id)
}

func (c *chatUsecase) Conversations(ctx context.Context, userId string) ([]entity.Conversation, error) {
	return c.directory.ListForUser(ctx, userId)
}

func (c *chatUsecase) Messages(ctx context.Context, conversationId, userId string) ([]entity.Message, error) {
	if _, err := c.directory.Authorize(ctx, conversationId, userId); err != nil {
		return nil, err
	}
	return c.log.Messages(ctx, conversationId)
}

func (c *chatUsecase) Delete(ctx context.Context, conversationId, userId string) error {
	return c.directory.SoftDelete(ctx, conversationId, userId)
}

func (c *chatUsecase) Authorize(ctx context.Context, conversationId, userId string) (entity.Conversation, error) {
	return c.directory.Authorize(ctx, conversationId, userId)
}
