package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the registry keys. The braces are a hash
// tag: every key lands in one cluster slot.
const DefaultRedisPrefix = "{qrewrite}:"

// Keys used by the Redis registry, relative to the prefix:
//
//	workers  hash  worker id -> registration time (unix ms)
//	reload   set   worker ids with a pending reload
//	alive    zset  worker id scored by liveness deadline (unix ms)
//
// Every multi-key transition runs as one Lua script, so it is atomic with
// respect to other registry clients. Scripts touch only the keys they are
// given in KEYS.

// reapLua removes workers whose deadline is at or before now, or that have
// no deadline at all.
const reapLua = `
local function reap(workers, reload, alive, now)
  local removed = 0
  for _, wid in ipairs(redis.call("HKEYS", workers)) do
    local deadline = redis.call("ZSCORE", alive, wid)
    if not deadline or tonumber(deadline) <= now then
      redis.call("HDEL", workers, wid)
      redis.call("SREM", reload, wid)
      redis.call("ZREM", alive, wid)
      removed = removed + 1
    end
  end
  return removed
end
`

var registerScript = redis.NewScript(reapLua + `
local workers, reload, alive = KEYS[1], KEYS[2], KEYS[3]
local id, now, capacity, deadline = ARGV[1], tonumber(ARGV[2]), tonumber(ARGV[3]), ARGV[4]
if redis.call("HEXISTS", workers, id) == 1 then
  redis.call("ZADD", alive, deadline, id)
  return 1
end
if redis.call("HLEN", workers) >= capacity then
  reap(workers, reload, alive, now)
  if redis.call("HLEN", workers) >= capacity then
    return 0
  end
end
redis.call("HSET", workers, id, ARGV[2])
redis.call("SREM", reload, id)
redis.call("ZADD", alive, deadline, id)
return 1
`)

var heartbeatScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
return 1
`)

var consumeScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
  return -1
end
return redis.call("SREM", KEYS[2], ARGV[1])
`)

var requestScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
  return -1
end
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

var requestAllScript = redis.NewScript(`
local ids = redis.call("HKEYS", KEYS[1])
for _, id in ipairs(ids) do
  redis.call("SADD", KEYS[2], id)
end
return #ids
`)

var reclaimScript = redis.NewScript(reapLua + `
return reap(KEYS[1], KEYS[2], KEYS[3], tonumber(ARGV[1]))
`)

// Redis is a Registry shared by every process connected to the same Redis.
// A worker is live until its deadline, the last heartbeat plus the TTL, as
// measured by the registry clock. Processes sharing a registry need
// reasonably synchronized clocks.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

var _ Registry = (*Redis)(nil)

// RedisOption configures a Redis registry.
type RedisOption func(*Redis)

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithRedisTTL sets the heartbeat TTL. Non-positive values keep the default.
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRedisClock replaces time.Now for timestamps and deadlines.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *Redis) { r.now = now }
}

// NewRedis creates a registry on client with room for capacity workers.
// client may be a cluster client as long as the prefix carries a hash tag.
func NewRedis(client redis.UniversalClient, capacity int, opts ...RedisOption) *Redis {
	r := &Redis{
		client:   client,
		prefix:   DefaultRedisPrefix,
		capacity: capacity,
		ttl:      DefaultHeartbeatTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) workersKey() string { return r.prefix + "workers" }
func (r *Redis) reloadKey() string  { return r.prefix + "reload" }
func (r *Redis) aliveKey() string   { return r.prefix + "alive" }

func (r *Redis) keys() []string {
	return []string{r.workersKey(), r.reloadKey(), r.aliveKey()}
}

func (r *Redis) nowMillis() int64 {
	return r.now().UnixMilli()
}

func (r *Redis) deadline() int64 {
	return r.nowMillis() + r.ttl.Milliseconds()
}

// Capacity implements Registry.
func (r *Redis) Capacity() int {
	return r.capacity
}

// Register implements Registry.
func (r *Redis) Register(ctx context.Context, workerID string) error {
	now := r.nowMillis()
	res, err := registerScript.Run(ctx, r.client, r.keys(),
		workerID, now, r.capacity, now+r.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	if res == 0 {
		return ErrRegistryFull
	}
	return nil
}

// Deregister implements Registry.
func (r *Redis) Deregister(ctx context.Context, workerID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HDel(ctx, r.workersKey(), workerID)
		p.SRem(ctx, r.reloadKey(), workerID)
		p.ZRem(ctx, r.aliveKey(), workerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deregister worker: %w", err)
	}
	return nil
}

// Heartbeat implements Registry.
func (r *Redis) Heartbeat(ctx context.Context, workerID string) error {
	res, err := heartbeatScript.Run(ctx, r.client,
		[]string{r.workersKey(), r.aliveKey()},
		workerID, r.deadline(),
	).Int64()
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if res < 0 {
		return ErrUnknownWorker
	}
	return nil
}

// ConsumeReload implements Registry.
func (r *Redis) ConsumeReload(ctx context.Context, workerID string) (bool, error) {
	res, err := consumeScript.Run(ctx, r.client,
		[]string{r.workersKey(), r.reloadKey()}, workerID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("consume reload: %w", err)
	}
	if res < 0 {
		return false, ErrUnknownWorker
	}
	return res == 1, nil
}

// RequestReload implements Registry.
func (r *Redis) RequestReload(ctx context.Context, workerID string) error {
	res, err := requestScript.Run(ctx, r.client,
		[]string{r.workersKey(), r.reloadKey()}, workerID,
	).Int64()
	if err != nil {
		return fmt.Errorf("request reload: %w", err)
	}
	if res < 0 {
		return ErrUnknownWorker
	}
	return nil
}

// RequestReloadAll implements Registry.
func (r *Redis) RequestReloadAll(ctx context.Context) (int, error) {
	n, err := requestAllScript.Run(ctx, r.client,
		[]string{r.workersKey(), r.reloadKey()},
	).Int()
	if err != nil {
		return 0, fmt.Errorf("request reload all: %w", err)
	}
	return n, nil
}

// Entries implements Registry. The snapshot is read in one pipeline but is
// not a transaction; concurrent changes may be partially visible.
func (r *Redis) Entries(ctx context.Context) ([]Entry, error) {
	workers, err := r.client.HGetAll(ctx, r.workersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	if len(workers) == 0 {
		return []Entry{}, nil
	}

	ids := make([]string, 0, len(workers))
	for id := range workers {
		ids = append(ids, id)
	}

	var (
		pendingCmd *redis.StringSliceCmd
		aliveCmd   *redis.ZSliceCmd
	)
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		pendingCmd = p.SMembers(ctx, r.reloadKey())
		aliveCmd = p.ZRangeWithScores(ctx, r.aliveKey(), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	pending := make(map[string]bool)
	for _, id := range pendingCmd.Val() {
		pending[id] = true
	}
	deadlines := make(map[string]int64)
	for _, z := range aliveCmd.Val() {
		if id, ok := z.Member.(string); ok {
			deadlines[id] = int64(z.Score)
		}
	}

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e := Entry{
			WorkerID:      id,
			ReloadPending: pending[id],
			RegisteredAt:  parseMillis(workers[id]),
		}
		if d, ok := deadlines[id]; ok {
			e.LastSeen = time.UnixMilli(d - r.ttl.Milliseconds()).UTC()
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

// Reclaim implements Registry.
func (r *Redis) Reclaim(ctx context.Context) (int, error) {
	n, err := reclaimScript.Run(ctx, r.client, r.keys(), r.nowMillis()).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaim workers: %w", err)
	}
	return n, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
