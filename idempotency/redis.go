package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "catga:inbox:"

// Values are prefixed with a state byte: 'p' while processing, 'd' once
// done (followed by the cached result bytes).
const (
	statePending = 'p'
	stateDone    = 'd'
)

// completeScript promotes a pending record to done, but never overwrites an
// existing done record: the first written value sticks.
var completeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v and string.sub(v, 1, 1) == 'd' then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RedisStore is the Redis-backed Store. Atomicity of TryBeginProcess rides
// on SET NX; Complete uses a compare-state Lua script.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStore returns a RedisStore with the given record TTL (0 means
// DefaultTTL).
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(id uint64) string {
	return redisKeyPrefix + strconv.FormatUint(id, 10)
}

func (s *RedisStore) TryBeginProcess(ctx context.Context, id uint64) (BeginState, error) {
	var set, err = s.client.SetNX(ctx, redisKey(id), string(rune(statePending)), s.ttl).Result()
	if err != nil {
		return New, fmt.Errorf("inbox SETNX: %w", err)
	}
	if set {
		return New, nil
	}
	val, err := s.client.Get(ctx, redisKey(id)).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; treat as a duplicate of an
		// evicted record rather than re-running the handler.
		return Duplicate, nil
	} else if err != nil {
		return New, fmt.Errorf("inbox GET: %w", err)
	}
	if len(val) > 0 && val[0] == statePending {
		return InProgress, nil
	}
	return Duplicate, nil
}

func (s *RedisStore) Complete(ctx context.Context, id uint64, cached []byte) error {
	var val = append([]byte{stateDone}, cached...)
	var err = completeScript.Run(ctx, s.client, []string{redisKey(id)}, val, s.ttl.Milliseconds()).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("inbox complete: %w", err)
	}
	return nil
}

func (s *RedisStore) HasProcessed(ctx context.Context, id uint64) (bool, error) {
	var _, ok, err = s.GetCached(ctx, id)
	return ok, err
}

func (s *RedisStore) GetCached(ctx context.Context, id uint64) ([]byte, bool, error) {
	var val, err = s.client.Get(ctx, redisKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("inbox GET: %w", err)
	}
	if len(val) == 0 || val[0] != stateDone {
		return nil, false, nil
	}
	return val[1:], true, nil
}
