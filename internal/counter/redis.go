package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// incrScript increments every key and sets its expiry when it has none.
// KEYS[i]       = counter key
// ARGV[2i-1]    = amount
// ARGV[2i]      = ttl seconds (0 = leave expiry alone)
//
// Returns the post-increment values in key order.
var incrScript = redis.NewScript(`
local out = {}
for i, key in ipairs(KEYS) do
    local amount = tonumber(ARGV[(i - 1) * 2 + 1])
    local ttl = tonumber(ARGV[(i - 1) * 2 + 2])
    local v = redis.call("INCRBY", key, amount)
    if ttl > 0 and redis.call("TTL", key) < 0 then
        redis.call("EXPIRE", key, ttl)
    end
    out[i] = v
end
return out
`)

type RedisStore struct {
	client redis.Scripter
	reader redis.Cmdable
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps a connected *redis.Client or *redis.ClusterClient.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, reader: client}
}

func (s *RedisStore) IncrBy(ctx context.Context, incs []Increment) ([]int64, error) {
	if len(incs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(incs))
	args := make([]interface{}, 0, len(incs)*2)
	for i, inc := range incs {
		keys[i] = inc.Key
		args = append(args, inc.Amount, ttlSeconds(inc.TTL))
	}

	values, err := incrScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to increment counters: %w", err)
	}
	if len(values) != len(incs) {
		return nil, fmt.Errorf("counter script returned %d values for %d keys", len(values), len(incs))
	}
	return values, nil
}

func (s *RedisStore) Values(ctx context.Context, keys []string) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := s.reader.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}

	values := make([]int64, len(keys))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s holds non-integer %q: %w", keys[i], str, err)
		}
		values[i] = n
	}
	return values, nil
}
