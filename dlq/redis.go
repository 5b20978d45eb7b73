package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisHashKey = "catga:dlq"
	redisIndexZ  = "catga:dlq:by_last_seen"
)

// RedisQueue is the Redis-backed Queue: a hash of message id → JSON record
// plus a zset index by last-seen time for range queries and purges.
type RedisQueue struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisQueue returns a RedisQueue over client.
func NewRedisQueue(client redis.UniversalClient) *RedisQueue {
	return &RedisQueue{client: client, now: time.Now}
}

func (q *RedisQueue) Enqueue(ctx context.Context, rec Record) error {
	var field = strconv.FormatUint(rec.MessageID, 10)
	var now = q.now()

	if raw, err := q.client.HGet(ctx, redisHashKey, field).Bytes(); err == nil {
		var existing Record
		if json.Unmarshal(raw, &existing) == nil {
			rec.FirstSeen = existing.FirstSeen
		}
	}
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = now
	}
	rec.LastSeen = now

	var raw, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}
	var pipe = q.client.TxPipeline()
	pipe.HSet(ctx, redisHashKey, field, raw)
	pipe.ZAdd(ctx, redisIndexZ, redis.Z{Score: float64(rec.LastSeen.UnixMilli()), Member: field})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) List(ctx context.Context, filter Filter, page Page) ([]Record, error) {
	var min = "-inf"
	if !filter.Since.IsZero() {
		min = strconv.FormatInt(filter.Since.UnixMilli(), 10)
	}
	var fields, err = q.client.ZRangeByScore(ctx, redisIndexZ, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq list: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	var raws, merr = q.client.HMGet(ctx, redisHashKey, fields...).Result()
	if merr != nil {
		return nil, fmt.Errorf("dlq list: %w", merr)
	}
	var out []Record
	for _, raw := range raws {
		var s, ok = raw.(string)
		if !ok {
			continue
		}
		var rec Record
		if json.Unmarshal([]byte(s), &rec) != nil {
			continue
		}
		if filter.Type != "" && rec.Type != filter.Type {
			continue
		}
		out = append(out, rec)
	}

	if page.Offset > len(out) {
		return nil, nil
	}
	out = out[page.Offset:]
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (q *RedisQueue) Get(ctx context.Context, messageID uint64) (Record, bool, error) {
	var raw, err = q.client.HGet(ctx, redisHashKey, strconv.FormatUint(messageID, 10)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	} else if err != nil {
		return Record{}, false, fmt.Errorf("dlq get: %w", err)
	}
	var rec Record
	if uerr := json.Unmarshal(raw, &rec); uerr != nil {
		return Record{}, false, fmt.Errorf("dlq decode: %w", uerr)
	}
	return rec, true, nil
}

func (q *RedisQueue) Remove(ctx context.Context, messageID uint64) error {
	var field = strconv.FormatUint(messageID, 10)
	var pipe = q.client.TxPipeline()
	pipe.HDel(ctx, redisHashKey, field)
	pipe.ZRem(ctx, redisIndexZ, field)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq remove: %w", err)
	}
	return nil
}

func (q *RedisQueue) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var max = strconv.FormatInt(cutoff.UnixMilli()-1, 10)
	var fields, err = q.client.ZRangeByScore(ctx, redisIndexZ, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq purge: %w", err)
	}
	if len(fields) == 0 {
		return 0, nil
	}
	var pipe = q.client.TxPipeline()
	pipe.HDel(ctx, redisHashKey, fields...)
	pipe.ZRemRangeByScore(ctx, redisIndexZ, "-inf", max)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("dlq purge: %w", err)
	}
	return len(fields), nil
}
