package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/infrastructure/ws"
	"chatsync/internal/entity"
	"chatsync/internal/repository"
	"chatsync/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	mu      sync.Mutex
	joined  map[string]bool
	leaves  int
	joinErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{joined: make(map[string]bool)}
}

func (b *fakeBus) Join(conversationId, connectionId string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.joinErr != nil {
		return b.joinErr
	}
	b.joined[conversationId+"/"+connectionId] = true
	return nil
}

func (b *fakeBus) Leave(conversationId, connectionId string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.joined, conversationId+"/"+connectionId)
	b.leaves++
}

func (b *fakeBus) members() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.joined)
}

type fakeStream struct {
	ch     chan entity.Snapshot
	closed chan struct{}
}

type fakeSource struct {
	streams chan *fakeStream
}

func newFakeSource() *fakeSource {
	return &fakeSource{streams: make(chan *fakeStream, 16)}
}

func (f *fakeSource) Subscribe(ctx context.Context, conversationId string) (*usecase.Subscription, error) {
	st := &fakeStream{ch: make(chan entity.Snapshot, 16), closed: make(chan struct{})}
	f.streams <- st
	var once sync.Once
	return usecase.NewSubscription(st.ch, func() { once.Do(func() { close(st.closed) }) }), nil
}

func (f *fakeSource) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case st := <-f.streams:
		return st
	case <-time.After(time.Second):
		t.Fatal("no subscription")
		return nil
	}
}

type sink struct {
	mu     sync.Mutex
	events []entity.Event
}

func (s *sink) push(ev entity.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sink) ofType(t entity.EventType) []entity.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type countingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *countingNotifier) NotifyInbound(ctx context.Context, userId string, m entity.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, m.Id)
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ids)
}

var base = time.UnixMilli(1_700_000_000_000).UTC()

func msg(id, from string, offset int) entity.Message {
	to := "u1"
	if from == "u1" {
		to = "u2"
	}
	return entity.Message{
		Id:             id,
		ConversationId: "u1_u2",
		SenderId:       from,
		ReceiverId:     to,
		Content:        "content " + id,
		Timestamp:      base.Add(time.Duration(offset) * time.Millisecond),
		ReadBy:         []string{from},
	}
}

type harness struct {
	bus      *fakeBus
	source   *fakeSource
	sink     *sink
	notifier *countingNotifier
	session  *Session
}

func newHarness() *harness {
	h := &harness{
		bus:      newFakeBus(),
		source:   newFakeSource(),
		sink:     &sink{},
		notifier: &countingNotifier{},
	}
	h.session = NewSession(Config{
		ConversationId: "u1_u2",
		ConnectionId:   "conn-1",
		UserId:         "u1",
		Bus:            h.bus,
		Source:         h.source,
		Notifier:       h.notifier,
		Sink:           h.sink.push,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	})
	return h
}

func (h *harness) waitState(t *testing.T, state State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.State() == state }, time.Second, 2*time.Millisecond)
}

func (h *harness) notifications() int {
	return len(h.sink.ofType(entity.EventNotification))
}

func TestSession_LifecycleAndFirstSnapshotIsSilent(t *testing.T) {
	h := newHarness()
	defer h.session.Close()

	require.NoError(t, h.session.Start(context.Background()))
	assert.Equal(t, 1, h.bus.members())

	st := h.source.next(t)
	st.ch <- entity.Snapshot{Messages: []entity.Message{msg("a", "u2", 0)}}
	h.waitState(t, StateLive)

	assert.Equal(t, 0, h.notifications())
	assert.Len(t, h.session.Messages(), 1)
}

func TestSession_InboundNotifiesExactlyOnce(t *testing.T) {
	h := newHarness()
	defer h.session.Close()
	require.NoError(t, h.session.Start(context.Background()))
	st := h.source.next(t)

	st.ch <- entity.Snapshot{Messages: []entity.Message{msg("a", "u2", 0)}}
	h.waitState(t, StateLive)

	st.ch <- entity.Snapshot{Messages: []entity.Message{msg("a", "u2", 0), msg("b", "u2", 1), msg("c", "u1", 2)}}
	require.Eventually(t, func() bool { return len(h.session.Messages()) == 3 }, time.Second, 2*time.Millisecond)
	st.ch <- entity.Snapshot{Messages: []entity.Message{msg("a", "u2", 0), msg("b", "u2", 1), msg("c", "u1", 2)}}

	require.Eventually(t, func() bool {
		return len(h.sink.ofType(entity.EventConversationSnapshot)) >= 3
	}, time.Second, 2*time.Millisecond)

	notes := h.sink.ofType(entity.EventNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, "b", notes[0].Message.Id)
	assert.True(t, notes[0].Sound)
	assert.Eventually(t, func() bool { return h.notifier.count() == 1 }, time.Second, 2*time.Millisecond)
}

func TestSession_ReconnectDoesNotRenotify(t *testing.T) {
	h := newHarness()
	defer h.session.Close()
	require.NoError(t, h.session.Start(context.Background()))

	first := h.source.next(t)
	first.ch <- entity.Snapshot{Messages: []entity.Message{msg("a", "u2", 0)}}
	h.waitState(t, StateLive)
	first.ch <- entity.Snapshot{Messages: []entity.Message{msg("a", "u2", 0), msg("b", "u2", 1)}}
	require.Eventually(t, func() bool { return h.notifications() == 1 }, time.Second, 2*time.Millisecond)

	first.ch <- entity.Snapshot{Err: errors.New("stream reset")}
	h.waitState(t, StateError)
	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatal("failed subscription not closed")
	}

	second := h.source.next(t)
	second.ch <- entity.Snapshot{Messages: []entity.Message{msg("a", "u2", 0), msg("b", "u2", 1)}}
	h.waitState(t, StateLive)
	assert.Equal(t, 1, h.notifications())

	second.ch <- entity.Snapshot{Messages: []entity.Message{msg("a", "u2", 0), msg("b", "u2", 1), msg("c", "u2", 2)}}
	require.Eventually(t, func() bool { return h.notifications() == 2 }, time.Second, 2*time.Millisecond)

	ids := map[string]int{}
	for _, m := range h.session.Messages() {
		ids[m.Id]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, ids)
}

func TestSession_CloseReleasesEverything(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.session.Start(context.Background()))
	st := h.source.next(t)
	st.ch <- entity.Snapshot{}
	h.waitState(t, StateLive)

	h.session.Close()

	assert.Equal(t, 0, h.bus.members())
	select {
	case <-st.closed:
	default:
		t.Fatal("subscription still open after Close")
	}
	assert.Equal(t, StateUnsubscribed, h.session.State())

	h.session.Close()
	assert.Equal(t, 1, h.bus.leaves)
	assert.ErrorIs(t, h.session.Start(context.Background()), ErrSessionClosed)
}

func TestSession_CloseBeforeStart(t *testing.T) {
	h := newHarness()
	h.session.Close()

	assert.Equal(t, 0, h.bus.leaves)
	assert.Equal(t, StateUnsubscribed, h.session.State())
}

func TestSession_JoinFailure(t *testing.T) {
	h := newHarness()
	h.bus.joinErr = errors.New("not registered")

	err := h.session.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateUnsubscribed, h.session.State())
	assert.Empty(t, h.source.streams)
}

func TestSession_RealtimeMergeNotifiesOnce(t *testing.T) {
	h := newHarness()
	defer h.session.Close()
	require.NoError(t, h.session.Start(context.Background()))
	st := h.source.next(t)

	// before the first snapshot bus messages are ignored
	early := msg("z", "u2", 0)
	assert.True(t, h.session.ApplyRealtime(entity.Event{Type: entity.EventMessageNew, ConversationId: "u1_u2", Message: &early}))
	assert.Equal(t, 0, h.notifications())

	st.ch <- entity.Snapshot{Messages: []entity.Message{msg("a", "u2", 0)}}
	h.waitState(t, StateLive)

	live := msg("b", "u2", 5)
	assert.True(t, h.session.ApplyRealtime(entity.Event{Type: entity.EventMessageNew, ConversationId: "u1_u2", Message: &live}))
	assert.True(t, h.session.ApplyRealtime(entity.Event{Type: entity.EventMessageNew, ConversationId: "u1_u2", Message: &live}))
	assert.Equal(t, 1, h.notifications())
	assert.Len(t, h.session.Messages(), 2)

	st.ch <- entity.Snapshot{Messages: []entity.Message{msg("a", "u2", 0), msg("b", "u2", 5)}}
	require.Eventually(t, func() bool {
		return len(h.sink.ofType(entity.EventConversationSnapshot)) >= 3
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1, h.notifications())
	assert.Len(t, h.session.Messages(), 2)

	// other conversations and other event types pass through
	assert.False(t, h.session.ApplyRealtime(entity.Event{Type: entity.EventMessageNew, ConversationId: "other", Message: &live}))
	assert.False(t, h.session.ApplyRealtime(entity.Event{Type: entity.EventTypingStart, ConversationId: "u1_u2"}))
}

func TestSession_DraftsPendingUntilConfirmed(t *testing.T) {
	h := newHarness()
	defer h.session.Close()
	require.NoError(t, h.session.Start(context.Background()))
	st := h.source.next(t)
	st.ch <- entity.Snapshot{}
	h.waitState(t, StateLive)

	h.session.AddDraft(entity.MessageDraft{SenderId: "u1", ReceiverId: "u2", Content: "hi", ClientId: "k1"})
	h.session.AddDraft(entity.MessageDraft{SenderId: "u1", ReceiverId: "u2", Content: "no key"})
	require.Len(t, h.session.Drafts(), 1)

	confirmed := msg("m1", "u1", 1)
	confirmed.ClientId = "k1"
	st.ch <- entity.Snapshot{Messages: []entity.Message{confirmed}}
	require.Eventually(t, func() bool { return len(h.session.Drafts()) == 0 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, h.notifications())

	h.session.AddDraft(entity.MessageDraft{SenderId: "u1", ReceiverId: "u2", Content: "hi", ClientId: "k1"})
	assert.Empty(t, h.session.Drafts())

	h.session.AddDraft(entity.MessageDraft{SenderId: "u1", ReceiverId: "u2", Content: "later", ClientId: "k2"})
	h.session.DropDraft("k2")
	assert.Empty(t, h.session.Drafts())
}

func TestSession_WithMessageLogKeepsAppendOrder(t *testing.T) {
	log := usecase.NewMessageLog(repository.NewMemoryMessageRepository(), usecase.MessageLogOptions{})
	bus := newFakeBus()
	out := &sink{}
	s := NewSession(Config{
		ConversationId: "u1_u2",
		ConnectionId:   "conn-1",
		UserId:         "u1",
		Bus:            bus,
		Source:         log,
		Sink:           out.push,
	})
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.State() == StateLive }, time.Second, 2*time.Millisecond)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		res, err := log.Append(ctx, "u1_u2", entity.MessageDraft{SenderId: "u2", ReceiverId: "u1", Content: "hi"})
		require.NoError(t, err)
		ids = append(ids, res.Id)
	}

	require.Eventually(t, func() bool { return len(s.Messages()) == 5 }, time.Second, 2*time.Millisecond)
	for i, m := range s.Messages() {
		assert.Equal(t, ids[i], m.Id)
	}
	require.Eventually(t, func() bool { return len(out.ofType(entity.EventNotification)) == 5 }, time.Second, 2*time.Millisecond)
}

func TestSession_FailedEventDropsForeignDraft(t *testing.T) {
	h := newHarness()
	defer h.session.Close()
	require.NoError(t, h.session.Start(context.Background()))
	st := h.source.next(t)
	st.ch <- entity.Snapshot{}
	h.waitState(t, StateLive)

	assert.True(t, h.session.ApplyRealtime(entity.Event{
		Type: entity.EventMessageSend, ConversationId: "u1_u2",
		UserId: "u2", ReceiverId: "u1", Content: "maybe", ClientId: "c1",
	}))
	require.Len(t, h.session.Drafts(), 1)

	assert.True(t, h.session.ApplyRealtime(entity.Event{
		Type: entity.EventMessageFailed, ConversationId: "u1_u2", UserId: "u2", ClientId: "c1",
	}))
	assert.Empty(t, h.session.Drafts())
	assert.Equal(t, 0, h.notifications())
}

func TestSession_UnconfirmedDraftsExpire(t *testing.T) {
	bus := newFakeBus()
	source := newFakeSource()
	out := &sink{}
	s := NewSession(Config{
		ConversationId: "u1_u2",
		ConnectionId:   "conn-1",
		UserId:         "u1",
		Bus:            bus,
		Source:         source,
		Sink:           out.push,
		DraftTTL:       30 * time.Millisecond,
	})
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))
	st := source.next(t)
	st.ch <- entity.Snapshot{}
	require.Eventually(t, func() bool { return s.State() == StateLive }, time.Second, 2*time.Millisecond)

	s.ApplyRealtime(entity.Event{
		Type: entity.EventMessageSend, ConversationId: "u1_u2",
		UserId: "u2", ReceiverId: "u1", Content: "lost", ClientId: "c1",
	})
	require.Len(t, s.Drafts(), 1)

	require.Eventually(t, func() bool { return len(s.Drafts()) == 0 }, time.Second, 5*time.Millisecond)

	snaps := out.ofType(entity.EventConversationSnapshot)
	require.NotEmpty(t, snaps)
	assert.Empty(t, snaps[len(snaps)-1].Drafts)
}

func TestSession_FailedSendClearsDraftOnOtherConnections(t *testing.T) {
	ctx := context.Background()
	hub := ws.NewHub(nil)
	msgs := repository.NewMemoryMessageRepository()
	convs := repository.NewMemoryConversationRepository()
	log := usecase.NewMessageLog(msgs, usecase.MessageLogOptions{})
	chat := usecase.NewChatUsecase(
		usecase.NewConversationDirectory(convs, usecase.DirectoryOptions{}),
		log,
		usecase.NewCounterLedger(convs, log, nil),
		usecase.NewUserUseCase(repository.NewMemoryUserRepository(), nil, 0),
		hub,
		usecase.ChatOptions{RetryMaxElapsed: 50 * time.Millisecond},
	)

	first, err := chat.Send(ctx, "u1", usecase.SendRequest{ReceiverId: "u2", Content: "hello"})
	require.NoError(t, err)

	client := ws.NewClient("u2", nil, ws.DefaultClientConfig(), nil)
	hub.RegisterClient(client)
	s := NewSession(Config{
		ConversationId: first.ConversationId,
		ConnectionId:   client.Id,
		UserId:         "u2",
		Bus:            hub,
		Source:         log,
	})
	client.SetInterceptor(s.ApplyRealtime)
	defer s.Close()
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return s.State() == StateLive }, time.Second, 2*time.Millisecond)

	msgs.FailWith = errors.New("primary stepped down")
	_, err = chat.Send(ctx, "u1", usecase.SendRequest{ConversationId: first.ConversationId, Content: "never stored", ClientId: "c1"})
	require.Error(t, err)
	assert.Empty(t, s.Drafts())

	msgs.FailWith = nil
	_, err = chat.Send(ctx, "u1", usecase.SendRequest{ConversationId: first.ConversationId, Content: "later", ClientId: "c2"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Messages()) == 2 }, time.Second, 2*time.Millisecond)
	assert.Empty(t, s.Drafts())
}
