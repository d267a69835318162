// Package ratelimit throttles upload endpoints with a token bucket kept in
// Redis, shared by every API replica.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "skinsight:ratelimit"

// Config sizes a bucket: Capacity requests refill evenly over Window.
type Config struct {
	Capacity  int
	Window    time.Duration
	KeyPrefix string
}

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// bucketScript refills the bucket for the time elapsed since its last use,
// then tries to take one token. It replies {allowed, remaining, wait_ms}.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "at")
local tokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now
tokens = math.min(capacity, tokens + math.max(0, now - at) * rate)

local allowed, wait = 0, 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = math.ceil((1 - tokens) / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "at", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return {allowed, math.floor(tokens), wait}
`)

type RedisTokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	perMS     float64
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, cfg Config) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case cfg.Capacity <= 0:
		return nil, errors.New("capacity must be positive")
	case cfg.Window <= 0:
		return nil, errors.New("window must be positive")
	}

	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisTokenBucket{
		client:    client,
		capacity:  int64(cfg.Capacity),
		perMS:     float64(cfg.Capacity) / float64(max(cfg.Window.Milliseconds(), 1)),
		ttl:       2 * cfg.Window,
		keyPrefix: prefix,
		now:       time.Now,
	}, nil
}

// Allow takes one token from subject's bucket.
func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	reply, err := bucketScript.Run(ctx, l.client,
		[]string{l.key(subject)},
		l.capacity, l.perMS, l.now().UnixMilli(), l.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	return decide(reply)
}

func (l *RedisTokenBucket) key(subject string) string {
	return l.keyPrefix + ":" + subject
}

// Subject names the bucket for one client on one route. Requests without a
// known client share the "anonymous" bucket of that route.
func Subject(client, route string) string {
	client = strings.TrimSpace(client)
	if client == "" {
		client = "anonymous"
	}
	return client + ":" + route
}

func decide(reply []int64) (Decision, error) {
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket replied with %d values, want 3", len(reply))
	}
	d := Decision{Allowed: reply[0] == 1, Remaining: max(reply[1], 0)}
	if !d.Allowed {
		d.RetryAfter = time.Duration(max(reply[2], 1)) * time.Millisecond
	}
	return d, nil
}
