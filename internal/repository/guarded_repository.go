package repository

import (
	"context"
	"time"

	"chatsync/infrastructure/breaker"
	"chatsync/internal/entity"

	"go.uber.org/zap"
)

// Lookups that find nothing and rejected duplicates are answers, not outages.
func breakerSettings(name string, maxFailures uint32, timeout time.Duration) breaker.Settings {
	return breaker.Settings{
		Name:        name,
		MaxFailures: maxFailures,
		Timeout:     timeout,
		Ignore: []error{
			ErrConversationNotFound,
			ErrMessageNotFound,
			ErrDuplicateMessage,
			context.Canceled,
		},
	}
}

type guardedConversationRepository struct {
	next  ConversationRepository
	guard *breaker.Guard
}

// NewGuardedConversationRepository fails fast with StorageUnavailable once
// the store has failed maxFailures times in a row.
func NewGuardedConversationRepository(next ConversationRepository, maxFailures uint32, timeout time.Duration, logger *zap.Logger) ConversationRepository {
	return &guardedConversationRepository{
		next:  next,
		guard: breaker.NewGuard(breakerSettings("conversations", maxFailures, timeout), logger),
	}
}

func (r *guardedConversationRepository) Get(ctx context.Context, conversationId string) (entity.Conversation, error) {
	return breaker.Execute(r.guard, func() (entity.Conversation, error) {
		return r.next.Get(ctx, conversationId)
	})
}

func (r *guardedConversationRepository) CreateIfAbsent(ctx context.Context, conversation entity.Conversation) (bool, error) {
	return breaker.Execute(r.guard, func() (bool, error) {
		return r.next.CreateIfAbsent(ctx, conversation)
	})
}

func (r *guardedConversationRepository) FindByParticipants(ctx context.Context, userId1, userId2 string) (entity.Conversation, error) {
	return breaker.Execute(r.guard, func() (entity.Conversation, error) {
		return r.next.FindByParticipants(ctx, userId1, userId2)
	})
}

func (r *guardedConversationRepository) Index(ctx context.Context, filter entity.ConversationIndexFilter) ([]entity.Conversation, error) {
	return breaker.Execute(r.guard, func() ([]entity.Conversation, error) {
		return r.next.Index(ctx, filter)
	})
}

func (r *guardedConversationRepository) ApplySend(ctx context.Context, conversationId, senderId, receiverId, preview string, at time.Time) error {
	return r.guard.Do(func() error {
		return r.next.ApplySend(ctx, conversationId, senderId, receiverId, preview, at)
	})
}

func (r *guardedConversationRepository) ResetUnread(ctx context.Context, conversationId, userId string, readAt *time.Time) error {
	return r.guard.Do(func() error {
		return r.next.ResetUnread(ctx, conversationId, userId, readAt)
	})
}

func (r *guardedConversationRepository) SoftDelete(ctx context.Context, conversationId, userId string, at time.Time) error {
	return r.guard.Do(func() error {
		return r.next.SoftDelete(ctx, conversationId, userId, at)
	})
}

type guardedMessageRepository struct {
	next  MessageRepository
	guard *breaker.Guard
}

func NewGuardedMessageRepository(next MessageRepository, maxFailures uint32, timeout time.Duration, logger *zap.Logger) MessageRepository {
	return &guardedMessageRepository{
		next:  next,
		guard: breaker.NewGuard(breakerSettings("messages", maxFailures, timeout), logger),
	}
}

func (r *guardedMessageRepository) Create(ctx context.Context, message entity.Message) error {
	return r.guard.Do(func() error {
		return r.next.Create(ctx, message)
	})
}

func (r *guardedMessageRepository) GetByClientId(ctx context.Context, conversationId, clientId string) (entity.Message, error) {
	return breaker.Execute(r.guard, func() (entity.Message, error) {
		return r.next.GetByClientId(ctx, conversationId, clientId)
	})
}

func (r *guardedMessageRepository) GetByConversationId(ctx context.Context, conversationId string) ([]entity.Message, error) {
	return breaker.Execute(r.guard, func() ([]entity.Message, error) {
		return r.next.GetByConversationId(ctx, conversationId)
	})
}

func (r *guardedMessageRepository) GetLatest(ctx context.Context, conversationId string) (entity.Message, error) {
	return breaker.Execute(r.guard, func() (entity.Message, error) {
		return r.next.GetLatest(ctx, conversationId)
	})
}

func (r *guardedMessageRepository) AddReader(ctx context.Context, conversationId, userId string, messageIds []string) (int64, error) {
	return breaker.Execute(r.guard, func() (int64, error) {
		return r.next.AddReader(ctx, conversationId, userId, messageIds)
	})
}

var (
	_ ConversationRepository = (*guardedConversationRepository)(nil)
	_ MessageRepository      = (*guardedMessageRepository)(nil)
)
