package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript performs refill-and-consume as one atomic server-side step so
// concurrent checks for the same subject never lose updates.
//
// KEYS[1] bucket key
// ARGV[1] capacity, ARGV[2] refill rate (tokens/sec), ARGV[3] cost,
// ARGV[4] now in unix milliseconds, ARGV[5] key TTL in milliseconds
var takeScript = redis.NewScript(`
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local tokens = tonumber(bucket[1])
local ts = tonumber(bucket[2])
if tokens == nil then
  tokens = capacity
  ts = now
end

local elapsed = (now - ts) / 1000
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return {allowed, tostring(tokens)}
`)

// RedisStore is the shared bucket store used when the service runs with
// multiple instances.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps a connected client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Take implements BucketStore via the Lua script.
func (s *RedisStore) Take(ctx context.Context, key string, capacity int, refillRate, cost float64, now time.Time) (bool, float64, error) {
	// Keep idle buckets around twice as long as a full refill takes.
	ttl := 2 * time.Duration(float64(capacity)/refillRate*float64(time.Second))

	res, err := takeScript.Run(ctx, s.rdb, []string{key},
		capacity,
		refillRate,
		cost,
		now.UnixMilli(),
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate-limit script failed: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return false, 0, fmt.Errorf("unexpected rate-limit script reply: %v", res)
	}

	allowed, _ := reply[0].(int64)
	tokensStr, _ := reply[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("unexpected token count in script reply: %w", err)
	}

	return allowed == 1, tokens, nil
}
