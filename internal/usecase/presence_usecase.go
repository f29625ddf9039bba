package usecase

import (
	"context"
	"sync"
	"time"

	"chatsync/internal/entity"

	"go.uber.org/zap"
)

// Publisher is the slice of the realtime bus presence needs.
type Publisher interface {
	Publish(conversationId string, event entity.Event, excludeConnectionId string)
	Broadcast(event entity.Event)
}

// PresenceStore tracks live connections per user. Entries expire after the
// given ttl unless touched.
type PresenceStore interface {
	// AddConnection reports whether the user had no live connection before.
	AddConnection(ctx context.Context, userId, connectionId string, ttl time.Duration) (bool, error)
	Touch(ctx context.Context, userId, connectionId string, ttl time.Duration) error
	// RemoveConnection returns the number of live connections left.
	RemoveConnection(ctx context.Context, userId, connectionId string) (int, error)
	IsOnline(ctx context.Context, userId string) (bool, error)
}

type PresenceTracker interface {
	SetTyping(conversationId, userId string)
	StopTyping(conversationId, userId string)
	IsTyping(conversationId, userId string) bool

	Connected(ctx context.Context, userId, connectionId string) error
	Heartbeat(ctx context.Context, userId, connectionId string) error
	Disconnected(ctx context.Context, userId, connectionId string) error
	Status(ctx context.Context, userId string) (entity.PresenceStatus, error)

	Close()
}

type PresenceOptions struct {
	TypingWindow   time.Duration
	HeartbeatGrace time.Duration
	Logger         *zap.Logger
}

type typingKey struct {
	conversationId string
	userId         string
}

type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

type presenceTracker struct {
	bus    Publisher
	store  PresenceStore
	window time.Duration
	grace  time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	typing map[typingKey]*typingTimer
}

func NewPresenceTracker(bus Publisher, store PresenceStore, opts PresenceOptions) PresenceTracker {
	if opts.TypingWindow <= 0 {
		opts.TypingWindow = 2 * time.Second
	}
	if opts.HeartbeatGrace <= 0 {
		opts.HeartbeatGrace = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &presenceTracker{
		bus:    bus,
		store:  store,
		window: opts.TypingWindow,
		grace:  opts.HeartbeatGrace,
		logger: opts.Logger.Named("presence"),
		typing: make(map[typingKey]*typingTimer),
	}
}

func (p *presenceTracker) SetTyping(conversationId, userId string) {
	key := typingKey{conversationId: conversationId, userId: userId}

	p.mu.Lock()
	t, ok := p.typing[key]
	if !ok {
		t = &typingTimer{}
		p.typing[key] = t
	} else {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(p.window, func() { p.expire(key, gen) })
	p.mu.Unlock()

	if !ok {
		p.publishTyping(entity.EventTypingStart, key)
	}
}

// expire fires when the window passes without a refresh. A stale gen means
// the timer was reset or stopped after it had already fired.
func (p *presenceTracker) expire(key typingKey, gen uint64) {
	p.mu.Lock()
	t, ok := p.typing[key]
	if !ok || t.gen != gen {
		p.mu.Unlock()
		return
	}
	delete(p.typing, key)
	p.mu.Unlock()

	p.publishTyping(entity.EventTypingStop, key)
}

func (p *presenceTracker) StopTyping(conversationId, userId string) {
	key := typingKey{conversationId: conversationId, userId: userId}

	p.mu.Lock()
	t, ok := p.typing[key]
	if ok {
		t.timer.Stop()
		delete(p.typing, key)
	}
	p.mu.Unlock()

	if ok {
		p.publishTyping(entity.EventTypingStop, key)
	}
}

func (p *presenceTracker) IsTyping(conversationId, userId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.typing[typingKey{conversationId: conversationId, userId: userId}]
	return ok
}

func (p *presenceTracker) publishTyping(eventType entity.EventType, key typingKey) {
	p.bus.Publish(key.conversationId, entity.Event{
		Type:           eventType,
		ConversationId: key.conversationId,
		UserId:         key.userId,
	}, "")
}

func (p *presenceTracker) Connected(ctx context.Context, userId, connectionId string) error {
	first, err := p.store.AddConnection(ctx, userId, connectionId, p.grace)
	if err != nil {
		return storageErr(err)
	}
	if first {
		p.publishStatus(userId, entity.PresenceOnline)
	}
	return nil
}

func (p *presenceTracker) Heartbeat(ctx context.Context, userId, connectionId string) error {
	if err := p.store.Touch(ctx, userId, connectionId, p.grace); err != nil {
		return storageErr(err)
	}
	return nil
}

func (p *presenceTracker) Disconnected(ctx context.Context, userId, connectionId string) error {
	remaining, err := p.store.RemoveConnection(ctx, userId, connectionId)
	if err != nil {
		return storageErr(err)
	}
	if remaining > 0 {
		return nil
	}

	p.stopAllTyping(userId)
	p.publishStatus(userId, entity.PresenceOffline)
	return nil
}

func (p *presenceTracker) stopAllTyping(userId string) {
	var stopped []typingKey

	p.mu.Lock()
	for key, t := range p.typing {
		if key.userId != userId {
			continue
		}
		t.timer.Stop()
		delete(p.typing, key)
		stopped = append(stopped, key)
	}
	p.mu.Unlock()

	for _, key := range stopped {
		p.publishTyping(entity.EventTypingStop, key)
	}
}

func (p *presenceTracker) Status(ctx context.Context, userId string) (entity.PresenceStatus, error) {
	online, err := p.store.IsOnline(ctx, userId)
	if err != nil {
		return entity.PresenceOffline, storageErr(err)
	}
	if online {
		return entity.PresenceOnline, nil
	}
	return entity.PresenceOffline, nil
}

func (p *presenceTracker) publishStatus(userId string, status entity.PresenceStatus) {
	p.logger.Debug("presence changed", zap.String("user_id", userId), zap.String("status", string(status)))
	p.bus.Broadcast(entity.Event{
		Type:   entity.EventPresenceUpdate,
		UserId: userId,
		Status: status,
	})
}

func (p *presenceTracker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, t := range p.typing {
		t.timer.Stop()
		delete(p.typing, key)
	}
}
