package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript implements a token bucket in a single atomic round trip. State
// per key is a hash {tokens, ts, penalty_until}; times are microseconds. The
// script returns {allowed, wait_micros}.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts', 'penalty_until')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
local penalty = tonumber(state[3]) or 0

if tokens == nil then
  tokens = capacity
  ts = now
end

if now < penalty then
  return {0, penalty - now}
end

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + elapsed * rate / 1000000)

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate * 1000000)
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now, 'penalty_until', penalty)
redis.call('PEXPIRE', key, ttl)
return {allowed, wait}
`)

var penalizeScript = redis.NewScript(`
local key = KEYS[1]
local until_us = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
redis.call('HSET', key, 'tokens', 0, 'ts', until_us, 'penalty_until', until_us)
redis.call('PEXPIRE', key, ttl)
return 1
`)

// RedisBucket is the cross-node SharedBucket implementation. All dispatcher
// nodes converge on one bucket per sender number.
type RedisBucket struct {
	client *redis.Client
	rate   float64
	cap    float64
	ttl    time.Duration
}

// NewRedisBucket builds a shared bucket with the same rate/capacity as the
// local per-number buckets.
func NewRedisBucket(client *redis.Client, ratePerSec, capacity float64) *RedisBucket {
	return &RedisBucket{
		client: client,
		rate:   ratePerSec,
		cap:    capacity,
		// Idle keys expire after the bucket would have fully refilled twice
		// over; a re-created key starts full, which is the same state.
		ttl: 10 * time.Minute,
	}
}

func (r *RedisBucket) key(id string) string {
	return "wasend:limiter:" + id
}

// Take consumes one token for key, atomically.
func (r *RedisBucket) Take(ctx context.Context, key string) (bool, time.Duration, error) {
	nowMicros := time.Now().UnixMicro()
	res, err := takeScript.Run(ctx, r.client, []string{r.key(key)},
		r.rate, r.cap, nowMicros, r.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("shared limiter take: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("shared limiter take: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	waitMicros, _ := res[1].(int64)
	return allowed == 1, time.Duration(waitMicros) * time.Microsecond, nil
}

// Penalize empties the shared bucket until now+d.
func (r *RedisBucket) Penalize(ctx context.Context, key string, d time.Duration) error {
	untilMicros := time.Now().Add(d).UnixMicro()
	if err := penalizeScript.Run(ctx, r.client, []string{r.key(key)},
		untilMicros, r.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("shared limiter penalize: %w", err)
	}
	return nil
}
