// Package checkpoint tracks per-projection cursors over event streams, and
// runs catch-up projections from their last committed position.
package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store persists the last processed sequence per (projection, stream).
type Store interface {
	Get(ctx context.Context, projection, streamID string) (int64, error)
	Save(ctx context.Context, projection, streamID string, sequence int64) error
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]int64)}
}

func cursorKey(projection, streamID string) string {
	return projection + "|" + streamID
}

func (s *MemoryStore) Get(ctx context.Context, projection, streamID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[cursorKey(projection, streamID)], nil
}

func (s *MemoryStore) Save(ctx context.Context, projection, streamID string, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[cursorKey(projection, streamID)] = sequence
	return nil
}

const redisKeyPrefix = "catga:checkpoint:"

// RedisStore is the Redis-backed Store.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore returns a RedisStore over client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, projection, streamID string) (int64, error) {
	var val, err = s.client.Get(ctx, redisKeyPrefix+cursorKey(projection, streamID)).Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("checkpoint get: %w", err)
	}
	return strconv.ParseInt(val, 10, 64)
}

func (s *RedisStore) Save(ctx context.Context, projection, streamID string, sequence int64) error {
	var err = s.client.Set(ctx, redisKeyPrefix+cursorKey(projection, streamID), sequence, 0).Err()
	if err != nil {
		return fmt.Errorf("checkpoint save: %w", err)
	}
	return nil
}
