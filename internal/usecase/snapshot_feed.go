package usecase

import (
	"context"
	"sync"

	"chatsync/internal/entity"
	"chatsync/pkg/apperr"

	"github.com/google/uuid"
)

// Subscription is a live snapshot stream. Close stops it and returns once
// the producer is gone.
type Subscription struct {
	C <-chan entity.Snapshot

	close func()
	once  sync.Once
}

func NewSubscription(c <-chan entity.Snapshot, closeFn func()) *Subscription {
	return &Subscription{C: c, close: closeFn}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.close != nil {
			s.close()
		}
	})
}

func (l *messageLog) Subscribe(ctx context.Context, conversationId string) (*Subscription, error) {
	if conversationId == "" {
		return nil, apperr.NotFound("conversation id is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan entity.Snapshot, 1)
	kick := make(chan struct{}, 1)
	kick <- struct{}{}

	subscriberId := uuid.NewString()
	l.addSubscriber(conversationId, subscriberId, kick)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		defer l.removeSubscriber(conversationId, subscriberId)

		for {
			select {
			case <-ctx.Done():
				return
			case <-kick:
			}

			// Kicks that arrive while loading coalesce into one more reload.
			messages, err := l.repo.GetByConversationId(ctx, conversationId)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case out <- entity.Snapshot{ConversationId: conversationId, Err: storageErr(err)}:
				case <-ctx.Done():
				}
				return
			}

			select {
			case out <- entity.Snapshot{ConversationId: conversationId, Messages: messages}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return NewSubscription(out, func() {
		cancel()
		<-done
	}), nil
}

func (l *messageLog) Invalidate(conversationId string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	for _, kick := range l.subscribers[conversationId] {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

func (l *messageLog) addSubscriber(conversationId, subscriberId string, kick chan struct{}) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	if l.subscribers[conversationId] == nil {
		l.subscribers[conversationId] = make(map[string]chan struct{})
	}
	l.subscribers[conversationId][subscriberId] = kick
}

func (l *messageLog) removeSubscriber(conversationId, subscriberId string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	subs := l.subscribers[conversationId]
	delete(subs, subscriberId)
	if len(subs) == 0 {
		delete(l.subscribers, conversationId)
	}
}

// subscriberCount is used by tests.
func (l *messageLog) subscriberCount(conversationId string) int {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	return len(l.subscribers[conversationId])
}
