package usecase

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatsync/infrastructure/metrics"
	"chatsync/internal/entity"
	"chatsync/internal/repository"
	"chatsync/pkg/apperr"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChangeNotifier tells other server instances that a conversation changed.
type ChangeNotifier interface {
	NotifyChanged(ctx context.Context, conversationId string) error
}

// MessageLog is the durable, ordered message store of every conversation.
type MessageLog interface {
	Append(ctx context.Context, conversationId string, draft entity.MessageDraft) (entity.AppendResult, error)
	// Subscribe streams full ordered snapshots: one right away and one after
	// every change. The stream ends after a snapshot carrying Err.
	Subscribe(ctx context.Context, conversationId string) (*Subscription, error)
	Messages(ctx context.Context, conversationId string) ([]entity.Message, error)
	// AddReader marks messages read by userId and reports how many changed.
	AddReader(ctx context.Context, conversationId, userId string, messageIds []string) (int64, error)
	// Invalidate re-emits snapshots to local subscribers of the conversation.
	Invalidate(conversationId string)
}

type MessageLogOptions struct {
	Notifier ChangeNotifier
	Now      func() time.Time
	Logger   *zap.Logger
}

const appendStripes = 64

type messageLog struct {
	repo     repository.MessageRepository
	notifier ChangeNotifier
	now      func() time.Time
	logger   *zap.Logger

	// appends to one conversation are serialized so timestamps never go back
	stripes [appendStripes]sync.Mutex
	lastMu  sync.Mutex
	lastTs  map[string]time.Time

	subMu       sync.Mutex
	subscribers map[string]map[string]chan struct{}
}

func NewMessageLog(repo repository.MessageRepository, opts MessageLogOptions) MessageLog {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &messageLog{
		repo:        repo,
		notifier:    opts.Notifier,
		now:         opts.Now,
		logger:      opts.Logger.Named("message-log"),
		lastTs:      make(map[string]time.Time),
		subscribers: make(map[string]map[string]chan struct{}),
	}
}

// ValidateDraft checks a draft the way Append does, without touching storage.
// It returns the trimmed content.
func ValidateDraft(draft entity.MessageDraft) (string, error) {
	content := strings.TrimSpace(draft.Content)
	if content == "" {
		return "", apperr.ErrContentEmpty
	}
	if utf8.RuneCountInString(content) > entity.MaxContentLength {
		return "", apperr.ErrContentTooLong
	}
	if draft.SenderId == "" || draft.ReceiverId == "" {
		return "", apperr.ErrMissingParty
	}
	return content, nil
}

func (l *messageLog) stripe(conversationId string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationId))
	return &l.stripes[h.Sum32()%appendStripes]
}

func (l *messageLog) Append(ctx context.Context, conversationId string, draft entity.MessageDraft) (entity.AppendResult, error) {
	content, err := ValidateDraft(draft)
	if err != nil {
		return entity.AppendResult{}, err
	}
	if conversationId == "" {
		return entity.AppendResult{}, apperr.InvalidContent("conversation id is required")
	}

	if draft.ClientId != "" {
		existing, err := l.repo.GetByClientId(ctx, conversationId, draft.ClientId)
		if err == nil {
			return entity.AppendResult{Id: existing.Id, Timestamp: existing.Timestamp, Existing: true}, nil
		}
		if !errors.Is(err, repository.ErrMessageNotFound) {
			return entity.AppendResult{}, storageErr(err)
		}
	}

	lock := l.stripe(conversationId)
	lock.Lock()
	ts, err := l.nextTimestamp(ctx, conversationId)
	if err != nil {
		lock.Unlock()
		return entity.AppendResult{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		lock.Unlock()
		return entity.AppendResult{}, apperr.Wrap(apperr.CodeInternal, "generate message id", err)
	}

	message := entity.Message{
		Id:             id.String(),
		ConversationId: conversationId,
		SenderId:       draft.SenderId,
		ReceiverId:     draft.ReceiverId,
		Content:        content,
		Timestamp:      ts,
		ReadBy:         []string{draft.SenderId},
		ClientId:       draft.ClientId,
	}
	err = l.repo.Create(ctx, message)
	if err == nil {
		l.lastMu.Lock()
		l.lastTs[conversationId] = ts
		l.lastMu.Unlock()
	}
	lock.Unlock()

	if err != nil {
		if errors.Is(err, repository.ErrDuplicateMessage) && draft.ClientId != "" {
			existing, getErr := l.repo.GetByClientId(ctx, conversationId, draft.ClientId)
			if getErr != nil {
				return entity.AppendResult{}, storageErr(getErr)
			}
			return entity.AppendResult{Id: existing.Id, Timestamp: existing.Timestamp, Existing: true}, nil
		}
		return entity.AppendResult{}, storageErr(err)
	}

	metrics.MessagesAppended.Inc()
	l.changed(ctx, conversationId)
	return entity.AppendResult{Id: message.Id, Timestamp: message.Timestamp}, nil
}

// nextTimestamp returns max(now, last) at millisecond precision. The caller
// holds the conversation's stripe lock.
func (l *messageLog) nextTimestamp(ctx context.Context, conversationId string) (time.Time, error) {
	l.lastMu.Lock()
	last, ok := l.lastTs[conversationId]
	l.lastMu.Unlock()

	if !ok {
		latest, err := l.repo.GetLatest(ctx, conversationId)
		switch {
		case err == nil:
			last = latest.Timestamp
		case errors.Is(err, repository.ErrMessageNotFound):
		default:
			return time.Time{}, storageErr(err)
		}
	}

	ts := l.now().UTC().Truncate(time.Millisecond)
	if ts.Before(last) {
		ts = last
	}
	return ts, nil
}

func (l *messageLog) Messages(ctx context.Context, conversationId string) ([]entity.Message, error) {
	messages, err := l.repo.GetByConversationId(ctx, conversationId)
	if err != nil {
		return nil, storageErr(err)
	}
	return messages, nil
}

func (l *messageLog) AddReader(ctx context.Context, conversationId, userId string, messageIds []string) (int64, error) {
	modified, err := l.repo.AddReader(ctx, conversationId, userId, messageIds)
	if err != nil {
		return 0, storageErr(err)
	}
	if modified > 0 {
		l.changed(ctx, conversationId)
	}
	return modified, nil
}

func (l *messageLog) changed(ctx context.Context, conversationId string) {
	l.Invalidate(conversationId)
	if l.notifier == nil {
		return
	}
	if err := l.notifier.NotifyChanged(ctx, conversationId); err != nil {
		l.logger.Warn("change notification failed", zap.String("conversation_id", conversationId), zap.Error(err))
	}
}
