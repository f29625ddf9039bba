package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatsync/infrastructure/metrics"
	"chatsync/internal/entity"
	"chatsync/internal/usecase"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StateSubscribing  State = "subscribing"
	StateLive         State = "live"
	StateError        State = "error"
)

var (
	ErrSessionClosed = errors.New("session closed")
	errStreamEnded   = errors.New("snapshot stream ended")
)

// RoomBus is the room membership half of the realtime bus.
type RoomBus interface {
	Join(conversationId, connectionId string) error
	Leave(conversationId, connectionId string)
}

type SnapshotSource interface {
	Subscribe(ctx context.Context, conversationId string) (*usecase.Subscription, error)
}

// Notifier is the external notification surface for new inbound messages.
type Notifier interface {
	NotifyInbound(ctx context.Context, userId string, message entity.Message) error
}

type Config struct {
	ConversationId string
	ConnectionId   string
	UserId         string

	Bus      RoomBus
	Source   SnapshotSource
	Notifier Notifier
	// Sink receives everything the session wants shown to its connection.
	// It must not block.
	Sink func(event entity.Event)

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// DraftTTL bounds how long an unconfirmed draft stays pending.
	DraftTTL time.Duration
	Now      func() time.Time
	Logger   *zap.Logger
}

// Session keeps one connection's view of one conversation in sync. Start
// acquires the room and the snapshot stream; Close releases both before it
// returns.
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	view     *view
	starting bool
	started  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}

	draftTimer *time.Timer
}

func NewSession(cfg Config) *Session {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 200 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.DraftTTL <= 0 {
		cfg.DraftTTL = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sink == nil {
		cfg.Sink = func(entity.Event) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Session{
		cfg: cfg,
		logger: cfg.Logger.Named("reconciler").With(
			zap.String("conversation_id", cfg.ConversationId),
			zap.String("connection_id", cfg.ConnectionId)),
		state: StateUnsubscribed,
		view:  newView(cfg.UserId),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ConversationId() string {
	return s.cfg.ConversationId
}

// Messages returns the current reconciled list.
func (s *Session) Messages() []entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.list()
}

// Drafts returns optimistic messages not yet confirmed.
func (s *Session) Drafts() []entity.MessageDraft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.pending()
}

func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.starting || s.started {
		s.mu.Unlock()
		return nil
	}
	s.starting = true
	s.setStateLocked(StateSubscribing, nil)
	s.mu.Unlock()

	// The bus may call back into the session while holding its own lock,
	// so Join and Leave run without s.mu.
	if err := s.cfg.Bus.Join(s.cfg.ConversationId, s.cfg.ConnectionId); err != nil {
		s.mu.Lock()
		s.starting = false
		s.setStateLocked(StateUnsubscribed, err)
		s.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		s.cfg.Bus.Leave(s.cfg.ConversationId, s.cfg.ConnectionId)
		return ErrSessionClosed
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	done := s.done
	s.mu.Unlock()

	metrics.Sessions.Inc()
	go s.run(runCtx, done)
	return nil
}

// Close is safe to call more than once and from any state.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.draftTimer != nil {
		s.draftTimer.Stop()
	}
	started := s.started
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if started {
		s.cfg.Bus.Leave(s.cfg.ConversationId, s.cfg.ConnectionId)
		cancel()
		<-done
		metrics.Sessions.Dec()
	}

	s.mu.Lock()
	s.setStateLocked(StateUnsubscribed, nil)
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffInitial
	b.MaxInterval = s.cfg.BackoffMax
	b.MaxElapsedTime = 0

	for {
		live, err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if live {
			b.Reset()
		}

		s.mu.Lock()
		s.setStateLocked(StateError, err)
		s.mu.Unlock()

		wait := b.NextBackOff()
		s.logger.Warn("snapshot stream failed, resubscribing", zap.Duration("wait", wait), zap.Error(err))
		metrics.SyncRetries.Inc()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume reads one subscription until it fails or ctx ends. live reports
// whether at least one snapshot arrived.
func (s *Session) consume(ctx context.Context) (live bool, err error) {
	sub, err := s.cfg.Source.Subscribe(ctx, s.cfg.ConversationId)
	if err != nil {
		return false, err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return live, nil
		case snap, ok := <-sub.C:
			if !ok {
				return live, errStreamEnded
			}
			if snap.Err != nil {
				return live, snap.Err
			}
			s.applySnapshot(ctx, snap.Messages)
			live = true
		}
	}
}

func (s *Session) applySnapshot(ctx context.Context, messages []entity.Message) {
	s.mu.Lock()
	inbound := s.view.applySnapshot(messages)
	s.view.expireDrafts(s.cfg.Now().Add(-s.cfg.DraftTTL))
	if s.state != StateLive {
		s.setStateLocked(StateLive, nil)
	}
	s.emitViewLocked()
	s.mu.Unlock()

	for _, m := range inbound {
		s.notify(ctx, m)
	}
}

// ApplyRealtime offers a bus event to the session. It reports whether the
// session consumed it; unconsumed events go to the connection unchanged.
func (s *Session) ApplyRealtime(event entity.Event) bool {
	if event.ConversationId != s.cfg.ConversationId {
		return false
	}

	switch event.Type {
	case entity.EventMessageNew:
		if event.Message == nil {
			return false
		}
		s.mu.Lock()
		changed, inbound := s.view.applyRealtime(*event.Message)
		if changed {
			s.emitViewLocked()
		}
		s.mu.Unlock()
		if inbound {
			s.notify(context.Background(), *event.Message)
		}
		return true

	case entity.EventMessageSend:
		s.AddDraft(entity.MessageDraft{
			SenderId:   event.UserId,
			ReceiverId: event.ReceiverId,
			Content:    event.Content,
			ClientId:   event.ClientId,
		})
		return true

	case entity.EventMessageFailed:
		s.DropDraft(event.ClientId)
		return true
	}
	return false
}

// AddDraft shows an optimistic message as pending until a snapshot or a
// confirmed bus message with the same clientId arrives.
func (s *Session) AddDraft(draft entity.MessageDraft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view.addDraft(draft, s.cfg.Now()) {
		s.emitViewLocked()
		s.scheduleDraftExpiryLocked()
	}
}

// scheduleDraftExpiryLocked arms one timer for the oldest pending draft.
func (s *Session) scheduleDraftExpiryLocked() {
	if s.closed || s.draftTimer != nil {
		return
	}
	at, ok := s.view.nextDraftExpiry(s.cfg.DraftTTL)
	if !ok {
		return
	}
	s.draftTimer = time.AfterFunc(at.Sub(s.cfg.Now()), s.expireDrafts)
}

func (s *Session) expireDrafts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draftTimer = nil
	if s.closed {
		return
	}
	if s.view.expireDrafts(s.cfg.Now().Add(-s.cfg.DraftTTL)) {
		s.logger.Debug("unconfirmed drafts expired")
		s.emitViewLocked()
	}
	s.scheduleDraftExpiryLocked()
}

// DropDraft removes a pending message whose send failed.
func (s *Session) DropDraft(clientId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view.dropDraft(clientId) {
		s.emitViewLocked()
	}
}

func (s *Session) notify(ctx context.Context, m entity.Message) {
	metrics.Notifications.Inc()
	msg := m
	s.cfg.Sink(entity.Event{
		Type:           entity.EventNotification,
		ConversationId: s.cfg.ConversationId,
		UserId:         m.SenderId,
		Message:        &msg,
		Sound:          true,
	})

	if s.cfg.Notifier == nil {
		return
	}
	go func() {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.cfg.Notifier.NotifyInbound(notifyCtx, s.cfg.UserId, m); err != nil {
			s.logger.Warn("inbound notification failed", zap.String("message_id", m.Id), zap.Error(err))
		}
	}()
}

// setStateLocked expects s.mu held.
func (s *Session) setStateLocked(state State, cause error) {
	if s.state == state {
		return
	}
	s.state = state
	event := entity.Event{
		Type:           entity.EventSyncState,
		ConversationId: s.cfg.ConversationId,
		State:          string(state),
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	s.cfg.Sink(event)
}

func (s *Session) emitViewLocked() {
	s.cfg.Sink(entity.Event{
		Type:           entity.EventConversationSnapshot,
		ConversationId: s.cfg.ConversationId,
		Messages:       s.view.list(),
		Drafts:         s.view.pending(),
	})
}
