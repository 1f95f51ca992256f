package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript trims entries at or before now-window, counts the rest,
// and records cost entries only when they fit. Scores are milliseconds.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local cost = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])

local allowed = 0
if count + cost <= limit then
  for i = 1, cost do
    redis.call("ZADD", KEYS[1], now, member .. ":" .. i)
  end
  allowed = 1
end
redis.call("PEXPIRE", KEYS[1], ttl)

local reset_at = now + window
if allowed == 0 then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  if oldest[2] ~= nil then
    reset_at = tonumber(oldest[2]) + window
  end
end
return {allowed, count, reset_at}
`)

func runSlidingWindow(ctx context.Context, client redis.UniversalClient, key, member string, policy Policy, cost int, now time.Time) (Result, error) {
	nowMs := now.UnixMilli()
	windowMs := policy.Window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	res, errEval := slidingWindowScript.Run(ctx, client, []string{key},
		nowMs,
		windowMs,
		policy.Limit,
		member,
		cost,
		2*windowMs,
	).Result()
	if errEval != nil {
		return Result{}, errEval
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, errors.New("rate limit redis: unexpected sliding window response")
	}
	allowed, errAllowed := toInt64(values[0])
	if errAllowed != nil {
		return Result{}, errAllowed
	}
	count, errCount := toInt64(values[1])
	if errCount != nil {
		return Result{}, errCount
	}
	resetMs, errReset := toInt64(values[2])
	if errReset != nil {
		return Result{}, errReset
	}

	result := Result{
		Allowed:   allowed == 1,
		Limit:     policy.Limit,
		ResetAt:   time.UnixMilli(resetMs).UTC(),
		Algorithm: AlgorithmSlidingWindow,
	}
	if result.Allowed {
		result.Remaining = policy.Limit - int(count) - cost
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	result.ResetIn = result.ResetAt.Sub(now)
	if result.ResetIn < 0 {
		result.ResetIn = 0
	}
	return result, nil
}

// windowCount trims and counts a sliding window without recording an entry.
func windowCount(ctx context.Context, client redis.UniversalClient, key string, window time.Duration, now time.Time) (int64, error) {
	var card *redis.IntCmd
	_, errPipe := client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", formatScore(now.UnixMilli()-window.Milliseconds()))
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if errPipe != nil {
		return 0, errPipe
	}
	return card.Val(), nil
}

func formatScore(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
