package counter

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// One round trip: the hash holds the count plus audit fields, and the key
// expires on its own at slot end + grace.
const incrementLua = `
local key = KEYS[1]
local count = redis.call("HINCRBY", key, "count", 1)
redis.call("HSET", key, "limit", ARGV[1], "plan", ARGV[2], "action", ARGV[3], "expires_at", ARGV[4])
redis.call("PEXPIREAT", key, ARGV[4])
return count
`

var incrementScript = redis.NewScript(incrementLua)

type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: keyPrefix}
}

func (r *RedisStore) IncrementAndCheck(ctx context.Context, req Request) (int64, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	key := r.prefix + req.Key.String()
	res, err := incrementScript.Run(ctx, r.rdb, []string{key},
		req.Limit,
		req.Plan,
		req.Key.Action,
		req.ExpiresAt().UnixMilli(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("redis increment %s: %w", key, err)
	}
	n, ok := toInt(res)
	if !ok {
		return 0, fmt.Errorf("redis increment %s: unexpected reply %T", key, res)
	}
	return n, nil
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) Close() error { return r.rdb.Close() }

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}
