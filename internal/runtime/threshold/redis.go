package threshold

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the bucket keys.
const DefaultRedisPrefix = "hutch:threshold:"

// tokenBucketScript keeps one timestamp per key: the moment the bucket is
// next able to hand out a token.
//
// KEYS[1] bucket key
// ARGV[1] rate (tokens per second)
// ARGV[2] burst
// ARGV[3] now (seconds, fractional)
// ARGV[4] tokens requested
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local interval = 1 / rate
local fill_time = burst * interval

local next_free = tonumber(redis.call("GET", KEYS[1]))
if next_free == nil then
  next_free = now
end
next_free = math.max(next_free, now)

local updated = next_free + requested * interval
local ceiling = now + fill_time

if updated <= ceiling then
  redis.call("SET", KEYS[1], tostring(updated), "EX", math.ceil(fill_time * 2))
  return {1, math.floor((ceiling - updated) / interval)}
end
return {0, math.floor((ceiling - next_free) / interval)}
`

// Redis limits each queue across every process sharing the Redis instance.
type Redis struct {
	client redis.Scripter
	prefix string
	limit  Limit
	script *redis.Script
	now    func() time.Time
}

// NewRedis builds a cluster-wide threshold. An empty prefix uses DefaultRedisPrefix.
func NewRedis(client redis.Scripter, prefix string, limit Limit) (*Redis, error) {
	if client == nil {
		return nil, ErrRedisClientRequired
	}
	if err := limit.validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
		limit:  limit,
		script: redis.NewScript(tokenBucketScript),
		now:    time.Now,
	}, nil
}

func (r *Redis) Allow(ctx context.Context, queue string) (bool, error) {
	now := float64(r.now().UnixNano()) / 1e9
	res, err := r.script.Run(ctx, r.client, []string{r.prefix + queue}, r.limit.Rate, r.limit.Burst, now, 1).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("threshold: redis token bucket for %s: %w", queue, err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("threshold: unexpected redis reply %v", res)
	}
	return res[0] == 1, nil
}
