package dlock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "catga:lock:"

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// renewScript extends the TTL only when the key still carries our token.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is the Redis-backed Locker: SET NX PX for acquisition and a
// compare-and-delete script for release.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker returns a RedisLocker over client.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl, waitTimeout time.Duration) (*Handle, error) {
	return waitLoop(ctx, waitTimeout, func() (*Handle, error) {
		var token = newToken()
		var set, err = l.client.SetNX(ctx, redisKeyPrefix+key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock SETNX %q: %w", key, err)
		}
		if !set {
			return nil, nil // held
		}
		return &Handle{Key: key, Token: token, AcquiredAt: time.Now(), TTL: ttl}, nil
	})
}

func (l *RedisLocker) Renew(ctx context.Context, h *Handle) error {
	var n, err = renewScript.Run(ctx, l.client,
		[]string{redisKeyPrefix + h.Key}, h.Token, h.TTL.Milliseconds()).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("lock renew %q: %w", h.Key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (l *RedisLocker) Release(ctx context.Context, h *Handle) error {
	var err = releaseScript.Run(ctx, l.client, []string{redisKeyPrefix + h.Key}, h.Token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("lock release %q: %w", h.Key, err)
	}
	return nil
}
