package outbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisRecPrefix = "catga:outbox:rec:"
	redisPendingZ  = "catga:outbox:pending"
	redisLeasedZ   = "catga:outbox:leased"
)

// leaseScript atomically (1) reverts expired leases to Pending, and (2)
// moves up to batch ids from the pending zset (FIFO by createdAt score)
// into the leased zset with the new expiry.
var leaseScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  local created = redis.call('HGET', ARGV[4]..id, 'createdAt')
  redis.call('ZREM', KEYS[2], id)
  if created then
    redis.call('ZADD', KEYS[1], tonumber(created), id)
    redis.call('HSET', ARGV[4]..id, 'status', 'Pending')
  end
end
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[3])-1)
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), id)
  redis.call('HSET', ARGV[4]..id, 'status', 'Publishing', 'lastAttemptAt', ARGV[1])
end
return ids
`)

// RedisStore is the Redis-backed Store: one hash per record plus pending
// and leased zsets ordered by creation time and lease expiry.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore returns a RedisStore over client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func recKey(id uint64) string { return redisRecPrefix + strconv.FormatUint(id, 10) }

func (s *RedisStore) Append(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	var key = recKey(rec.ID)
	var pipe = s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":            rec.ID,
		"messageId":     rec.MessageID,
		"correlationId": rec.CorrelationID,
		"messageType":   rec.MessageType,
		"payload":       rec.Payload,
		"status":        string(Pending),
		"attempts":      rec.Attempts,
		"createdAt":     rec.CreatedAt.UnixMilli(),
	})
	pipe.ZAdd(ctx, redisPendingZ, redis.Z{Score: float64(rec.CreatedAt.UnixMilli()), Member: strconv.FormatUint(rec.ID, 10)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbox append: %w", err)
	}
	return nil
}

func (s *RedisStore) LeasePending(ctx context.Context, batchSize int, leaseDuration time.Duration) ([]Record, error) {
	var now = time.Now()
	var ids, err = leaseScript.Run(ctx, s.client,
		[]string{redisPendingZ, redisLeasedZ},
		now.UnixMilli(),
		now.Add(leaseDuration).UnixMilli(),
		batchSize,
		redisRecPrefix,
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("outbox lease: %w", err)
	}

	var out = make([]Record, 0, len(ids))
	for _, idStr := range ids {
		var id, _ = strconv.ParseUint(idStr, 10, 64)
		var rec, ok, gerr = s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *RedisStore) MarkPublished(ctx context.Context, id uint64) error {
	var pipe = s.client.TxPipeline()
	pipe.ZRem(ctx, redisLeasedZ, strconv.FormatUint(id, 10))
	pipe.HSet(ctx, recKey(id), "status", string(Published))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbox mark published: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkFailed(ctx context.Context, id uint64, lastError string) error {
	var member = strconv.FormatUint(id, 10)
	var pipe = s.client.TxPipeline()
	pipe.ZRem(ctx, redisLeasedZ, member)
	pipe.ZRem(ctx, redisPendingZ, member)
	pipe.HSet(ctx, recKey(id), "status", string(Failed), "lastError", lastError)
	pipe.HIncrBy(ctx, recKey(id), "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbox mark failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Requeue(ctx context.Context, id uint64, lastError string) error {
	var created, err = s.client.HGet(ctx, recKey(id), "createdAt").Int64()
	if err != nil {
		return fmt.Errorf("outbox requeue: %w", err)
	}
	var member = strconv.FormatUint(id, 10)
	var pipe = s.client.TxPipeline()
	pipe.ZRem(ctx, redisLeasedZ, member)
	pipe.ZAdd(ctx, redisPendingZ, redis.Z{Score: float64(created), Member: member})
	pipe.HSet(ctx, recKey(id), "status", string(Pending), "lastError", lastError)
	pipe.HIncrBy(ctx, recKey(id), "attempts", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("outbox requeue: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id uint64) (Record, bool, error) {
	var vals, err = s.client.HGetAll(ctx, recKey(id)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("outbox get: %w", err)
	}
	if len(vals) == 0 {
		return Record{}, false, nil
	}
	var rec = Record{ID: id}
	rec.MessageID, _ = strconv.ParseUint(vals["messageId"], 10, 64)
	rec.CorrelationID = vals["correlationId"]
	rec.MessageType = vals["messageType"]
	rec.Payload = []byte(vals["payload"])
	rec.Status = Status(vals["status"])
	rec.Attempts, _ = strconv.Atoi(vals["attempts"])
	rec.LastError = vals["lastError"]
	if ms, perr := strconv.ParseInt(vals["createdAt"], 10, 64); perr == nil {
		rec.CreatedAt = time.UnixMilli(ms)
	}
	if ms, perr := strconv.ParseInt(vals["lastAttemptAt"], 10, 64); perr == nil {
		rec.LastAttemptAt = time.UnixMilli(ms)
	}
	return rec, true, nil
}
