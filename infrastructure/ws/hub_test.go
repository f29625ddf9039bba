package ws

import (
	"context"
	"testing"
	"time"

	"chatsync/internal/entity"
	"chatsync/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(userId string, buffer int) *UserClient {
	cfg := DefaultClientConfig()
	cfg.SendBuffer = buffer
	return NewClient(userId, nil, cfg, nil)
}

func drain(c *UserClient) []entity.Event {
	var out []entity.Event
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestHub_JoinRequiresRegistration(t *testing.T) {
	h := NewHub(nil)
	c := newTestClient("u1", 8)

	err := h.Join("c1", c.Id)
	assert.ErrorIs(t, err, apperr.ErrTransportUnavailable)

	h.RegisterClient(c)
	require.NoError(t, h.Join("c1", c.Id))
	assert.Equal(t, 1, h.RoomSize("c1"))
}

func TestHub_PublishExcludesSender(t *testing.T) {
	h := NewHub(nil)
	a := newTestClient("u1", 8)
	b := newTestClient("u2", 8)
	h.RegisterClient(a)
	h.RegisterClient(b)
	require.NoError(t, h.Join("c1", a.Id))
	require.NoError(t, h.Join("c1", b.Id))

	h.Publish("c1", entity.Event{Type: entity.EventTypingStart, UserId: "u1"}, a.Id)

	assert.Empty(t, drain(a))
	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, entity.EventTypingStart, got[0].Type)
}

func TestHub_LeaveIsImmediate(t *testing.T) {
	h := NewHub(nil)
	a := newTestClient("u1", 8)
	h.RegisterClient(a)
	require.NoError(t, h.Join("c1", a.Id))

	h.Leave("c1", a.Id)
	h.Publish("c1", entity.Event{Type: entity.EventMessageNew}, "")

	assert.Empty(t, drain(a))
	assert.Equal(t, 0, h.RoomSize("c1"))
}

func TestHub_PublishDoesNotBlockOnFullBuffer(t *testing.T) {
	h := NewHub(nil)
	slow := newTestClient("u1", 1)
	h.RegisterClient(slow)
	require.NoError(t, h.Join("c1", slow.Id))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish("c1", entity.Event{Type: entity.EventMessageNew}, "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, drain(slow), 1)
}

func TestHub_UnregisterLeavesRoomsAndRunsCallback(t *testing.T) {
	h := NewHub(nil)
	a := newTestClient("u1", 8)
	var gone *UserClient
	h.SetOnClientUnregister(func(c *UserClient) error {
		gone = c
		return nil
	})

	h.RegisterClient(a)
	require.NoError(t, h.Join("c1", a.Id))
	h.UnregisterClient(a)

	assert.Equal(t, 0, h.ClientCount())
	assert.Equal(t, 0, h.RoomSize("c1"))
	assert.Same(t, a, gone)
	assert.False(t, a.Send(entity.Event{Type: entity.EventMessageNew}))

	// second unregister is a no-op
	gone = nil
	h.UnregisterClient(a)
	assert.Nil(t, gone)
}

func TestHub_SendToUserReachesEveryConnection(t *testing.T) {
	h := NewHub(nil)
	a := newTestClient("u1", 8)
	b := newTestClient("u1", 8)
	h.RegisterClient(a)
	h.RegisterClient(b)

	h.SendToUser("u1", entity.Event{Type: entity.EventPresenceUpdate})

	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
}

func TestHub_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(nil)
	go h.Run(ctx)

	a := newTestClient("u1", 8)
	h.RegisterClient(a)
	h.Broadcast(entity.Event{Type: entity.EventPresenceUpdate, UserId: "u2"})

	select {
	case ev := <-a.send:
		assert.Equal(t, "u2", ev.UserId)
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered")
	}
}

func TestUserClient_InterceptorConsumes(t *testing.T) {
	c := newTestClient("u1", 8)
	var seen []entity.EventType
	c.SetInterceptor(func(ev entity.Event) bool {
		seen = append(seen, ev.Type)
		return ev.Type == entity.EventMessageNew
	})

	assert.True(t, c.Deliver(entity.Event{Type: entity.EventMessageNew}))
	assert.True(t, c.Deliver(entity.Event{Type: entity.EventTypingStart}))

	got := drain(c)
	require.Len(t, got, 1)
	assert.Equal(t, entity.EventTypingStart, got[0].Type)
	assert.Equal(t, []entity.EventType{entity.EventMessageNew, entity.EventTypingStart}, seen)
}
