package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills lazily from the caller's clock and consumes cost
// tokens when available. last_update never moves backwards.
var tokenBucketScript = redis.NewScript(`
local max_tokens = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "last_update")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = max_tokens
  last = now
end

local elapsed = now - last
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(max_tokens, tokens + elapsed * refill_rate)
if tokens < 0 then
  tokens = 0
end
if now > last then
  last = now
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "last_update", tostring(last))
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

type tokenBucketOutcome struct {
	allowed bool
	tokens  float64
}

func runTokenBucket(ctx context.Context, client redis.UniversalClient, key string, policy Policy, cost int, now time.Time) (tokenBucketOutcome, error) {
	capacity := policy.Capacity()
	rate := policy.RefillRate()
	ttl := bucketTTL(capacity, rate)
	res, errEval := tokenBucketScript.Run(ctx, client, []string{key},
		strconv.FormatFloat(capacity, 'f', -1, 64),
		strconv.FormatFloat(rate, 'f', -1, 64),
		strconv.FormatFloat(float64(now.UnixMicro())/1e6, 'f', 6, 64),
		cost,
		ttl.Milliseconds(),
	).Result()
	if errEval != nil {
		return tokenBucketOutcome{}, errEval
	}
	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return tokenBucketOutcome{}, errors.New("rate limit redis: unexpected token bucket response")
	}
	allowed, errAllowed := toInt64(values[0])
	if errAllowed != nil {
		return tokenBucketOutcome{}, errAllowed
	}
	tokens, errTokens := toFloat64(values[1])
	if errTokens != nil {
		return tokenBucketOutcome{}, errTokens
	}
	return tokenBucketOutcome{allowed: allowed == 1, tokens: tokens}, nil
}

// bucketTTL keeps idle buckets for twice the time an empty bucket needs to refill.
func bucketTTL(capacity, rate float64) time.Duration {
	if rate <= 0 {
		return time.Hour
	}
	ttl := time.Duration(2 * capacity / rate * float64(time.Second))
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func tokenBucketResult(policy Policy, cost int, out tokenBucketOutcome) Result {
	rate := policy.RefillRate()
	result := Result{
		Allowed:   out.allowed,
		Limit:     policy.Limit,
		Remaining: int(math.Floor(out.tokens)),
		Algorithm: AlgorithmTokenBucket,
	}
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	if out.allowed {
		result.ResetIn = secondsToDuration((policy.Capacity() - out.tokens) / rate)
	} else {
		result.ResetIn = secondsToDuration((float64(cost) - out.tokens) / rate)
		if result.ResetIn <= 0 {
			result.ResetIn = time.Millisecond
		}
	}
	return result
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 || math.IsNaN(seconds) {
		return 0
	}
	if math.IsInf(seconds, 1) {
		return math.MaxInt64
	}
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("rate limit redis: unexpected integer type %T", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case string:
		return strconv.ParseFloat(n, 64)
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("rate limit redis: unexpected float type %T", v)
	}
}
