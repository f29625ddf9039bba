package usecase

import (
	"context"
	"sync"
	"time"

	"chatsync/internal/entity"
)

type busEvent struct {
	room      string
	event     entity.Event
	exclude   string
	broadcast bool
}

type recordingBus struct {
	mu     sync.Mutex
	events []busEvent
}

func (b *recordingBus) Publish(conversationId string, event entity.Event, excludeConnectionId string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{room: conversationId, event: event, exclude: excludeConnectionId})
}

func (b *recordingBus) Broadcast(event entity.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, busEvent{event: event, broadcast: true})
}

func (b *recordingBus) ofType(t entity.EventType) []busEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busEvent
	for _, e := range b.events {
		if e.event.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (b *recordingBus) types() []entity.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]entity.EventType, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.event.Type)
	}
	return out
}

type recordingNotifier struct {
	mu      sync.Mutex
	changed []string
}

func (n *recordingNotifier) NotifyChanged(ctx context.Context, conversationId string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, conversationId)
	return nil
}

// fixedClock returns the same instant until advanced.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.UnixMilli(1_700_000_000_000).UTC()}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func nextSnapshot(sub *Subscription, timeout time.Duration) (entity.Snapshot, bool) {
	select {
	case snap, ok := <-sub.C:
		return snap, ok
	case <-time.After(timeout):
		return entity.Snapshot{}, false
	}
}
