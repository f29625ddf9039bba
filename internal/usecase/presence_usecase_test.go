package usecase

import (
	"context"
	"testing"
	"time"

	"chatsync/infrastructure/cache"
	"chatsync/internal/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPresence(t *testing.T, window time.Duration) (PresenceTracker, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	mc := cache.NewMemCache(0)
	t.Cleanup(mc.Close)
	p := NewPresenceTracker(bus, cache.NewMemoryPresenceStore(mc), PresenceOptions{
		TypingWindow:   window,
		HeartbeatGrace: time.Minute,
	})
	t.Cleanup(p.Close)
	return p, bus
}

func TestPresenceTracker_TypingExpiresAutomatically(t *testing.T) {
	p, bus := newPresence(t, 50*time.Millisecond)

	p.SetTyping("c1", "u1")
	assert.True(t, p.IsTyping("c1", "u1"))
	require.Len(t, bus.ofType(entity.EventTypingStart), 1)

	assert.Eventually(t, func() bool {
		return len(bus.ofType(entity.EventTypingStop)) == 1
	}, time.Second, 5*time.Millisecond)

	stop := bus.ofType(entity.EventTypingStop)[0]
	assert.Equal(t, "c1", stop.room)
	assert.Equal(t, "u1", stop.event.UserId)
	assert.False(t, p.IsTyping("c1", "u1"))
}

func TestPresenceTracker_RefreshResetsWindow(t *testing.T) {
	p, bus := newPresence(t, 80*time.Millisecond)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		p.SetTyping("c1", "u1")
		time.Sleep(20 * time.Millisecond)
	}

	assert.Empty(t, bus.ofType(entity.EventTypingStop))
	assert.Len(t, bus.ofType(entity.EventTypingStart), 1)

	assert.Eventually(t, func() bool {
		return len(bus.ofType(entity.EventTypingStop)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPresenceTracker_ExplicitStopOnce(t *testing.T) {
	p, bus := newPresence(t, time.Minute)

	p.SetTyping("c1", "u1")
	p.StopTyping("c1", "u1")
	p.StopTyping("c1", "u1")

	assert.Equal(t, []entity.EventType{entity.EventTypingStart, entity.EventTypingStop}, bus.types())
}

func TestPresenceTracker_OnlineUntilLastConnectionLeaves(t *testing.T) {
	p, bus := newPresence(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, p.Connected(ctx, "u1", "conn-a"))
	require.NoError(t, p.Connected(ctx, "u1", "conn-b"))
	require.Len(t, bus.ofType(entity.EventPresenceUpdate), 1)

	status, err := p.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.PresenceOnline, status)

	p.SetTyping("c1", "u1")
	require.NoError(t, p.Disconnected(ctx, "u1", "conn-a"))
	assert.True(t, p.IsTyping("c1", "u1"))

	require.NoError(t, p.Disconnected(ctx, "u1", "conn-b"))
	assert.False(t, p.IsTyping("c1", "u1"))

	updates := bus.ofType(entity.EventPresenceUpdate)
	require.Len(t, updates, 2)
	assert.Equal(t, entity.PresenceOnline, updates[0].event.Status)
	assert.Equal(t, entity.PresenceOffline, updates[1].event.Status)
	assert.True(t, updates[1].broadcast)
	assert.Len(t, bus.ofType(entity.EventTypingStop), 1)

	status, err = p.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entity.PresenceOffline, status)
}
