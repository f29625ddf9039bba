package usecase

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"chatsync/internal/repository"
	"chatsync/pkg/apperr"
)

const previewLength = 120

// CounterLedger keeps unread counters and last-message metadata. Every
// mutation is a single atomic update on the conversation record.
type CounterLedger interface {
	OnSend(ctx context.Context, conversationId, senderId, receiverId, preview string, at time.Time) error
	// OnRead marks messages read (every unread inbound one when messageIds is
	// empty) and resets the reader's counter. It reports how many changed.
	OnRead(ctx context.Context, conversationId, userId string, messageIds []string) (int64, error)
}

type counterLedger struct {
	repo repository.ConversationRepository
	log  MessageLog
	now  func() time.Time
}

func NewCounterLedger(repo repository.ConversationRepository, log MessageLog, now func() time.Time) CounterLedger {
	if now == nil {
		now = time.Now
	}
	return &counterLedger{
		repo: repo,
		log:  log,
		now:  now,
	}
}

func (c *counterLedger) OnSend(ctx context.Context, conversationId, senderId, receiverId, preview string, at time.Time) error {
	err := c.repo.ApplySend(ctx, conversationId, senderId, receiverId, truncatePreview(preview), at)
	if err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			return apperr.ErrConversationNotFound
		}
		return storageErr(err)
	}
	return nil
}

func (c *counterLedger) OnRead(ctx context.Context, conversationId, userId string, messageIds []string) (int64, error) {
	modified, err := c.log.AddReader(ctx, conversationId, userId, messageIds)
	if err != nil {
		return 0, err
	}

	var readAt *time.Time
	if modified > 0 {
		at := c.now()
		readAt = &at
	}

	if err := c.repo.ResetUnread(ctx, conversationId, userId, readAt); err != nil {
		if errors.Is(err, repository.ErrConversationNotFound) {
			return 0, apperr.ErrConversationNotFound
		}
		return 0, storageErr(err)
	}
	return modified, nil
}

func truncatePreview(s string) string {
	if utf8.RuneCountInString(s) <= previewLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:previewLength])
}
