package flowdsl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	flowKeyPrefix    = "catga:flow:"
	waitKeyPrefix    = "catga:flow:wait:"
	foreachKeyPrefix = "catga:flow:foreach:"
	activeSetKey     = "catga:flow:active"
	deadlineZSetKey  = "catga:flow:wait:deadlines"
)

// createScript installs version 1 only when the flow does not exist yet.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', 1)
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// updateScript is the CAS point: the write happens only when the stored
// version equals the expected one. ARGV[3] flags a terminal status, which
// drops the flow from the active set.
var updateScript = redis.NewScript(`
local version = redis.call('HGET', KEYS[1], 'version')
if not version then
  return -1
end
if version ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', version + 1)
if ARGV[3] == '1' then
  redis.call('SREM', KEYS[2], ARGV[4])
else
  redis.call('SADD', KEYS[2], ARGV[4])
end
return 1
`)

// addReceivedScript merges one received signal into the stored wait
// condition server-side, so concurrent signals for distinct keys cannot
// overwrite each other.
var addReceivedScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return false
end
local wc = cjson.decode(data)
local received = wc['received']
if type(received) ~= 'table' then
  received = {}
end
received[ARGV[1]] = cjson.decode(ARGV[2])
wc['received'] = received
local out = cjson.encode(wc)
redis.call('SET', KEYS[1], out)
return out
`)

// RedisStore is the Redis-backed Store: snapshots in hashes (payload plus a
// version field the CAS script checks), wait deadlines indexed in a zset
// for the timeout sweep.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisStore returns a RedisStore over client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Create(ctx context.Context, snap Snapshot) error {
	snap.Version = 1
	snap.CreatedAt = s.now()
	snap.UpdatedAt = snap.CreatedAt
	var data, err = json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode flow %s: %w", snap.FlowID, err)
	}
	var created, serr = createScript.Run(ctx, s.client,
		[]string{flowKeyPrefix + snap.FlowID, activeSetKey}, data, snap.FlowID).Int()
	if serr != nil {
		return fmt.Errorf("create flow %s: %w", snap.FlowID, serr)
	}
	if created == 0 {
		return ErrFlowExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, flowID string) (Snapshot, bool, error) {
	var data, err = s.client.HGet(ctx, flowKeyPrefix+flowID, "data").Result()
	if err == redis.Nil {
		return Snapshot{}, false, nil
	} else if err != nil {
		return Snapshot{}, false, fmt.Errorf("get flow %s: %w", flowID, err)
	}
	var snap Snapshot
	if uerr := json.Unmarshal([]byte(data), &snap); uerr != nil {
		return Snapshot{}, false, fmt.Errorf("decode flow %s: %w", flowID, uerr)
	}
	return snap, true, nil
}

func (s *RedisStore) Update(ctx context.Context, snap Snapshot, expectedVersion int64) error {
	snap.Version = expectedVersion + 1
	snap.UpdatedAt = s.now()
	var data, err = json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode flow %s: %w", snap.FlowID, err)
	}
	var terminal = "0"
	if snap.Status.Terminal() {
		terminal = "1"
	}
	var n, serr = updateScript.Run(ctx, s.client,
		[]string{flowKeyPrefix + snap.FlowID, activeSetKey},
		data, expectedVersion, terminal, snap.FlowID).Int()
	if serr != nil {
		return fmt.Errorf("update flow %s: %w", snap.FlowID, serr)
	}
	switch n {
	case -1:
		return ErrNotFound
	case 0:
		return ErrVersionConflict
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, flowID string) error {
	var pipe = s.client.TxPipeline()
	pipe.Del(ctx, flowKeyPrefix+flowID, waitKeyPrefix+flowID)
	pipe.SRem(ctx, activeSetKey, flowID)
	pipe.ZRem(ctx, deadlineZSetKey, flowID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete flow %s: %w", flowID, err)
	}

	var iter = s.client.Scan(ctx, 0, foreachKeyPrefix+flowID+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("delete flow %s progress: %w", flowID, err)
		}
	}
	return iter.Err()
}

func (s *RedisStore) SetWaitCondition(ctx context.Context, wc WaitCondition) error {
	var data, err = json.Marshal(wc)
	if err != nil {
		return fmt.Errorf("encode wait %s: %w", wc.FlowID, err)
	}
	var pipe = s.client.TxPipeline()
	pipe.Set(ctx, waitKeyPrefix+wc.FlowID, data, 0)
	if wc.Deadline.IsZero() {
		pipe.ZRem(ctx, deadlineZSetKey, wc.FlowID)
	} else {
		pipe.ZAdd(ctx, deadlineZSetKey, redis.Z{Score: float64(wc.Deadline.UnixMilli()), Member: wc.FlowID})
	}
	if _, perr := pipe.Exec(ctx); perr != nil {
		return fmt.Errorf("set wait %s: %w", wc.FlowID, perr)
	}
	return nil
}

func (s *RedisStore) GetWaitCondition(ctx context.Context, flowID string) (WaitCondition, bool, error) {
	var data, err = s.client.Get(ctx, waitKeyPrefix+flowID).Result()
	if err == redis.Nil {
		return WaitCondition{}, false, nil
	} else if err != nil {
		return WaitCondition{}, false, fmt.Errorf("get wait %s: %w", flowID, err)
	}
	var wc WaitCondition
	if uerr := json.Unmarshal([]byte(data), &wc); uerr != nil {
		return WaitCondition{}, false, fmt.Errorf("decode wait %s: %w", flowID, uerr)
	}
	return wc, true, nil
}

func (s *RedisStore) UpdateWaitCondition(ctx context.Context, wc WaitCondition) error {
	var exists, err = s.client.Exists(ctx, waitKeyPrefix+wc.FlowID).Result()
	if err != nil {
		return fmt.Errorf("update wait %s: %w", wc.FlowID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.SetWaitCondition(ctx, wc)
}

func (s *RedisStore) AddReceived(ctx context.Context, flowID, key string, payload []byte) (WaitCondition, bool, error) {
	var data, err = addReceivedScript.Run(ctx, s.client,
		[]string{waitKeyPrefix + flowID}, key, string(payload)).Text()
	if err == redis.Nil {
		return WaitCondition{}, false, nil
	} else if err != nil {
		return WaitCondition{}, false, fmt.Errorf("add received %s/%s: %w", flowID, key, err)
	}
	var wc WaitCondition
	if uerr := json.Unmarshal([]byte(data), &wc); uerr != nil {
		return WaitCondition{}, false, fmt.Errorf("decode wait %s: %w", flowID, uerr)
	}
	return wc, true, nil
}

func (s *RedisStore) ClearWaitCondition(ctx context.Context, flowID string) error {
	var pipe = s.client.TxPipeline()
	pipe.Del(ctx, waitKeyPrefix+flowID)
	pipe.ZRem(ctx, deadlineZSetKey, flowID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear wait %s: %w", flowID, err)
	}
	return nil
}

func (s *RedisStore) GetTimedOutWaitConditions(ctx context.Context, now time.Time) ([]WaitCondition, error) {
	var ids, err = s.client.ZRangeByScore(ctx, deadlineZSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan wait deadlines: %w", err)
	}
	var out []WaitCondition
	for _, id := range ids {
		var wc, ok, gerr = s.GetWaitCondition(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if ok {
			out = append(out, wc)
		}
	}
	return out, nil
}

func (s *RedisStore) SaveForEachProgress(ctx context.Context, p ForEachProgress) error {
	var data, err = json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress %s/%s: %w", p.FlowID, p.StepPath, err)
	}
	if serr := s.client.Set(ctx, foreachKeyPrefix+p.FlowID+":"+p.StepPath, data, 0).Err(); serr != nil {
		return fmt.Errorf("save progress %s/%s: %w", p.FlowID, p.StepPath, serr)
	}
	return nil
}

func (s *RedisStore) GetForEachProgress(ctx context.Context, flowID, stepPath string) (ForEachProgress, bool, error) {
	var data, err = s.client.Get(ctx, foreachKeyPrefix+flowID+":"+stepPath).Result()
	if err == redis.Nil {
		return ForEachProgress{}, false, nil
	} else if err != nil {
		return ForEachProgress{}, false, fmt.Errorf("get progress %s/%s: %w", flowID, stepPath, err)
	}
	var p ForEachProgress
	if uerr := json.Unmarshal([]byte(data), &p); uerr != nil {
		return ForEachProgress{}, false, fmt.Errorf("decode progress %s/%s: %w", flowID, stepPath, uerr)
	}
	return p, true, nil
}

func (s *RedisStore) ClearForEachProgress(ctx context.Context, flowID, stepPath string) error {
	if err := s.client.Del(ctx, foreachKeyPrefix+flowID+":"+stepPath).Err(); err != nil {
		return fmt.Errorf("clear progress %s/%s: %w", flowID, stepPath, err)
	}
	return nil
}

func (s *RedisStore) ListNonTerminal(ctx context.Context) ([]string, error) {
	var ids, err = s.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active flows: %w", err)
	}
	return ids, nil
}
