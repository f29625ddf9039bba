package cache

import (
	"strings"
	"sync"
	"time"
)

// MemCache is a small in-memory TTL cache backed by sync.Map.
// A background cleanup goroutine runs when NewMemCache is given a positive
// cleanupInterval.
type MemCache struct {
	items sync.Map
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

type item struct {
	value      any
	expiration int64 // unix nano; 0 means no expiration
}

func NewMemCache(cleanupInterval time.Duration) *MemCache {
	m := &MemCache{
		now:  time.Now,
		stop: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(cleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.cleanup()
				case <-m.stop:
					return
				}
			}
		}()
	}
	return m
}

func (m *MemCache) Set(key string, value any, ttl time.Duration) {
	var exp int64
	if ttl > 0 {
		exp = m.now().Add(ttl).UnixNano()
	}
	m.items.Store(key, &item{value: value, expiration: exp})
}

func (m *MemCache) Get(key string) (any, bool) {
	v, ok := m.items.Load(key)
	if !ok {
		return nil, false
	}
	it := v.(*item)
	if it.expired(m.now().UnixNano()) {
		m.items.CompareAndDelete(key, v)
		return nil, false
	}
	return it.value, true
}

func (m *MemCache) Delete(key string) {
	m.items.Delete(key)
}

// KeysWithPrefix returns the live keys starting with prefix.
func (m *MemCache) KeysWithPrefix(prefix string) []string {
	keys := make([]string, 0)
	now := m.now().UnixNano()
	m.items.Range(func(k, v any) bool {
		ks, ok := k.(string)
		if !ok || !strings.HasPrefix(ks, prefix) {
			return true
		}
		if !v.(*item).expired(now) {
			keys = append(keys, ks)
		}
		return true
	})
	return keys
}

func (m *MemCache) Close() {
	m.once.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
}

func (it *item) expired(now int64) bool {
	return it.expiration != 0 && now > it.expiration
}

func (m *MemCache) cleanup() {
	now := m.now().UnixNano()
	m.items.Range(func(k, v any) bool {
		if v.(*item).expired(now) {
			m.items.CompareAndDelete(k, v)
		}
		return true
	})
}
