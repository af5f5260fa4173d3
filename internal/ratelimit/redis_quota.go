package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript increments the window counter and arms its expiry in one
// round trip so concurrent callers see a serialized count. The retry hint is
// the remaining window in milliseconds rounded up to whole seconds, never
// below 1 on a denial.
var consumeScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
local window = tonumber(ARGV[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], window * 1000)
end
local pttl = redis.call('PTTL', KEYS[1])
if pttl < 0 then
	redis.call('PEXPIRE', KEYS[1], window * 1000)
	pttl = window * 1000
end
if current > tonumber(ARGV[2]) then
	local retry = math.ceil(pttl / 1000)
	if retry < 1 then
		retry = 1
	end
	return {0, retry}
end
return {1, 0}
`)

// RedisQuota implements Quota using Redis
type RedisQuota struct {
	client *redis.Client
}

// NewRedisQuota connects to redisURL and verifies the connection
func NewRedisQuota(redisURL string) (*RedisQuota, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisQuota{client: client}, nil
}

// NewRedisQuotaWithClient creates a quota from an existing Redis client
func NewRedisQuotaWithClient(client *redis.Client) *RedisQuota {
	return &RedisQuota{client: client}
}

func (q *RedisQuota) Consume(ctx context.Context, key string, windowSeconds, maxRequests int) (Result, error) {
	values, err := consumeScript.Run(ctx, q.client, []string{key}, windowSeconds, maxRequests).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("consume quota: %w", err)
	}
	if len(values) != 2 {
		return Result{}, fmt.Errorf("consume quota: unexpected reply of %d values", len(values))
	}
	return Result{
		Allowed:           values[0] == 1,
		RetryAfterSeconds: int(values[1]),
	}, nil
}

func (q *RedisQuota) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQuota) Close() error {
	return q.client.Close()
}
