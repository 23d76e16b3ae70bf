package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript refills the bucket, checks it, checks the daily quota and only
// then consumes a token and counts the request, all in one atomic step.
// Keys: [bucket_key, quota_key]
// Args: [capacity, refill_per_second, now_seconds, daily_quota, bucket_ttl, quota_ttl]
// Returns: {code, tokens, used} where code 0 = allowed, 1 = rate limited,
// 2 = quota exceeded. tokens is a string because Lua numbers are truncated
// on the way out.
var admitScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local quota = tonumber(ARGV[4])
local bucket_ttl = tonumber(ARGV[5])
local quota_ttl = tonumber(ARGV[6])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'updated_at')
local tokens = tonumber(state[1])
local updated = tonumber(state[2])
if tokens == nil or updated == nil then
    tokens = capacity
    updated = now
end

local elapsed = now - updated
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    updated = now
end

local used = tonumber(redis.call('GET', KEYS[2]) or '0')

local function save()
    redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'updated_at', tostring(updated))
    redis.call('EXPIRE', KEYS[1], bucket_ttl)
end

if tokens < 1 then
    save()
    return {1, tostring(tokens), used}
end

if used >= quota then
    save()
    return {2, tostring(tokens), used}
end

tokens = tokens - 1
used = redis.call('INCR', KEYS[2])
if used == 1 then
    redis.call('EXPIRE', KEYS[2], quota_ttl)
end
save()
return {0, tostring(tokens), used}
`)

const quotaTTL = 24 * time.Hour

// RedisLimiter implements the limiter with a Lua script so that every
// instance sharing the Redis sees the same buckets and counters.
type RedisLimiter struct {
	client redis.UniversalClient
	cfg    Config
	now    func() time.Time
	prefix string
}

func NewRedisLimiter(redisURL string, cfg Config, opts ...Option) (*RedisLimiter, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisLimiterWithClient(client, cfg, opts...), nil
}

// NewRedisLimiterWithClient shares an existing connection pool.
func NewRedisLimiterWithClient(client redis.UniversalClient, cfg Config, opts ...Option) *RedisLimiter {
	o := buildOptions(opts)
	return &RedisLimiter{
		client: client,
		cfg:    cfg,
		now:    o.now,
		prefix: o.prefix,
	}
}

// Keys share the {product:identity} hash tag so both land in one cluster slot.
func (l *RedisLimiter) bucketKey(product, identity string) string {
	return fmt.Sprintf("%s:bucket:{%s}", l.prefix, Key(product, identity))
}

func (l *RedisLimiter) quotaKey(product, identity string, now time.Time) string {
	return fmt.Sprintf("%s:quota:{%s}:%s", l.prefix, Key(product, identity), day(now))
}

func (l *RedisLimiter) bucketTTL() int {
	rate := math.Max(l.cfg.RefillPerSecond, 0.001)
	return max(int(2*l.cfg.Capacity/rate), 60)
}

func (l *RedisLimiter) Allow(ctx context.Context, product, identity string) (Decision, error) {
	now := l.now()
	keys := []string{
		l.bucketKey(product, identity),
		l.quotaKey(product, identity, now),
	}
	args := []interface{}{
		strconv.FormatFloat(l.cfg.Capacity, 'f', -1, 64),
		strconv.FormatFloat(l.cfg.RefillPerSecond, 'f', -1, 64),
		strconv.FormatFloat(float64(now.UnixMicro())/1e6, 'f', 6, 64),
		l.cfg.DailyQuota,
		l.bucketTTL(),
		int(quotaTTL.Seconds()),
	}

	res, err := admitScript.Run(ctx, l.client, keys, args...).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run admit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("admit script: unexpected reply %v", res)
	}

	code, _ := res[0].(int64)
	tokensStr, _ := res[1].(string)
	used, _ := res[2].(int64)

	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("admit script: parse tokens %q: %w", tokensStr, err)
	}

	switch code {
	case 0:
		return Decision{
			Allowed:    true,
			Tokens:     tokens,
			DailyUsed:  int(used),
			DailyQuota: l.cfg.DailyQuota,
		}, nil
	case 1:
		return rateLimited(l.cfg, tokens, int(used)), nil
	case 2:
		return quotaExceeded(l.cfg, now, tokens, int(used)), nil
	default:
		return Decision{}, fmt.Errorf("admit script: unknown code %d", code)
	}
}

// Ping reports whether Redis is reachable.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// Client exposes the connection pool for other Redis-backed components.
func (l *RedisLimiter) Client() redis.UniversalClient {
	return l.client
}
