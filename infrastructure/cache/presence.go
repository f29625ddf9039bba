package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryPresenceStore tracks live connections per user in a MemCache. Each
// connection is its own key so it expires on its own when heartbeats stop.
type MemoryPresenceStore struct {
	cache *MemCache
	// locks serializes the count-then-write of one user's connections.
	locks sync.Map // userId -> *sync.Mutex
}

func NewMemoryPresenceStore(cache *MemCache) *MemoryPresenceStore {
	return &MemoryPresenceStore{cache: cache}
}

func presencePrefix(userId string) string {
	return "presence:" + userId + ":"
}

func (s *MemoryPresenceStore) lock(userId string) func() {
	mu, _ := s.locks.LoadOrStore(userId, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (s *MemoryPresenceStore) AddConnection(ctx context.Context, userId, connectionId string, ttl time.Duration) (bool, error) {
	defer s.lock(userId)()
	first := len(s.cache.KeysWithPrefix(presencePrefix(userId))) == 0
	s.cache.Set(presencePrefix(userId)+connectionId, struct{}{}, ttl)
	return first, nil
}

func (s *MemoryPresenceStore) Touch(ctx context.Context, userId, connectionId string, ttl time.Duration) error {
	defer s.lock(userId)()
	s.cache.Set(presencePrefix(userId)+connectionId, struct{}{}, ttl)
	return nil
}

func (s *MemoryPresenceStore) RemoveConnection(ctx context.Context, userId, connectionId string) (int, error) {
	defer s.lock(userId)()
	s.cache.Delete(presencePrefix(userId) + connectionId)
	return len(s.cache.KeysWithPrefix(presencePrefix(userId))), nil
}

func (s *MemoryPresenceStore) IsOnline(ctx context.Context, userId string) (bool, error) {
	return len(s.cache.KeysWithPrefix(presencePrefix(userId))) > 0, nil
}

// RedisPresenceStore keeps a sorted set per user: members are connection
// ids, scores are their expiry in unix millis. The key itself also expires
// so abandoned users clean up.
//
//	<prefix>:presence:<userId> -> zset{connectionId: expiresAtMs}
type RedisPresenceStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisPresenceStore(client *redis.Client, prefix string) *RedisPresenceStore {
	return &RedisPresenceStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisPresenceStore) key(userId string) string {
	return fmt.Sprintf("%s:presence:%s", s.prefix, userId)
}

func (s *RedisPresenceStore) AddConnection(ctx context.Context, userId, connectionId string, ttl time.Duration) (bool, error) {
	key := s.key(userId)
	now := s.now()

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprint(now.UnixMilli()))
	before := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Add(ttl).UnixMilli()), Member: connectionId})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return before.Val() == 0, nil
}

func (s *RedisPresenceStore) Touch(ctx context.Context, userId, connectionId string, ttl time.Duration) error {
	key := s.key(userId)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(s.now().Add(ttl).UnixMilli()), Member: connectionId})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisPresenceStore) RemoveConnection(ctx context.Context, userId, connectionId string) (int, error) {
	key := s.key(userId)
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, key, connectionId)
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprint(s.now().UnixMilli()))
	remaining := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(remaining.Val()), nil
}

func (s *RedisPresenceStore) IsOnline(ctx context.Context, userId string) (bool, error) {
	from := fmt.Sprintf("(%d", s.now().UnixMilli())
	n, err := s.client.ZCount(ctx, s.key(userId), from, "+inf").Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
