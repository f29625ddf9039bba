package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemCache_Expiry(t *testing.T) {
	c := NewMemCache(0)
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("a", 1, time.Second)
	c.Set("b", 2, 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestMemCache_KeysWithPrefix(t *testing.T) {
	c := NewMemCache(0)
	defer c.Close()

	c.Set("presence:u1:c1", struct{}{}, 0)
	c.Set("presence:u1:c2", struct{}{}, 0)
	c.Set("presence:u2:c3", struct{}{}, 0)

	assert.ElementsMatch(t, []string{"presence:u1:c1", "presence:u1:c2"}, c.KeysWithPrefix("presence:u1:"))
}

func TestMemoryPresenceStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(0)
	defer c.Close()
	s := NewMemoryPresenceStore(c)

	first, err := s.AddConnection(ctx, "u1", "c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = s.AddConnection(ctx, "u1", "c2", time.Minute)
	require.NoError(t, err)
	assert.False(t, first)

	remaining, err := s.RemoveConnection(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	online, err := s.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, online)

	remaining, err = s.RemoveConnection(ctx, "u1", "c2")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	online, err = s.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestMemoryPresenceStore_MissedHeartbeatReadsOffline(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(0)
	defer c.Close()
	now := time.Now()
	c.now = func() time.Time { return now }
	s := NewMemoryPresenceStore(c)

	_, err := s.AddConnection(ctx, "u1", "c1", time.Second)
	require.NoError(t, err)

	now = now.Add(500 * time.Millisecond)
	require.NoError(t, s.Touch(ctx, "u1", "c1", time.Second))

	now = now.Add(900 * time.Millisecond)
	online, _ := s.IsOnline(ctx, "u1")
	assert.True(t, online)

	now = now.Add(2 * time.Second)
	online, _ = s.IsOnline(ctx, "u1")
	assert.False(t, online)
}

func TestMemoryPresenceStore_ConcurrentConnectsReportOneFirst(t *testing.T) {
	ctx := context.Background()
	c := NewMemCache(0)
	defer c.Close()
	s := NewMemoryPresenceStore(c)

	const n = 32
	var firsts atomic.Int32
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			first, err := s.AddConnection(ctx, "u1", fmt.Sprintf("c%d", i), time.Minute)
			assert.NoError(t, err)
			if first {
				firsts.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	assert.EqualValues(t, 1, firsts.Load())

	var lasts atomic.Int32
	start = make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			remaining, err := s.RemoveConnection(ctx, "u1", fmt.Sprintf("c%d", i))
			assert.NoError(t, err)
			if remaining == 0 {
				lasts.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	assert.EqualValues(t, 1, lasts.Load())
}
