// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 200

// # Lua Scripts

// compareAndSwapScript returns -1 when the key is absent, 0 on mismatch and 1 on swap.
var compareAndSwapScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return -1
end
if current ~= ARGV[1] then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
end
return 1
`)

// slidingWindowScript stores request timestamps (milliseconds) as sorted-set scores.
// Millisecond scores stay below Lua's 14 significant digits of number formatting.
// Returns {allowed, count, oldest}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, ARGV[1], ARGV[4])
	redis.call('PEXPIRE', key, window)
	count = count + 1
	allowed = 1
end

local oldest = '0'
local head = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if head[2] then
	oldest = head[2]
end
return {allowed, count, oldest}
`)

// # Redis Implementation

// RedisStore is the shared [Store] backed by Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Get implements [Store].
func (store *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := store.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis_get_failed: %w", err)
	}
	return value, nil
}

// Set implements [Store].
func (store *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := store.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis_set_failed: %w", err)
	}
	return nil
}

// CompareAndSwap implements [Store].
func (store *RedisStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	result, err := compareAndSwapScript.Run(ctx, store.client, []string{key}, old, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis_cas_failed: %w", err)
	}
	switch result {
	case -1:
		return false, ErrNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// Delete implements [Store].
func (store *RedisStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	removed, err := store.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis_delete_failed: %w", err)
	}
	return int(removed), nil
}

// Expire implements [Store].
func (store *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var (
		ok  bool
		err error
	)
	if ttl <= 0 {
		ok, err = store.client.Persist(ctx, key).Result()
	} else {
		ok, err = store.client.Expire(ctx, key, ttl).Result()
	}
	if err != nil {
		return false, fmt.Errorf("redis_expire_failed: %w", err)
	}
	return ok, nil
}

// Exists implements [Store].
func (store *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	count, err := store.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis_exists_failed: %w", err)
	}
	return count > 0, nil
}

// SetAdd implements [Store].
func (store *RedisStore) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := store.client.SAdd(ctx, key, toAny(members)...).Err(); err != nil {
		return fmt.Errorf("redis_sadd_failed: %w", err)
	}
	return nil
}

// SetRemove implements [Store].
func (store *RedisStore) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := store.client.SRem(ctx, key, toAny(members)...).Err(); err != nil {
		return fmt.Errorf("redis_srem_failed: %w", err)
	}
	return nil
}

// SetMembers implements [Store].
func (store *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := store.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis_smembers_failed: %w", err)
	}
	return members, nil
}

// Scan implements [Store] with cursor-based SCAN so Redis is never blocked.
func (store *RedisStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iterator := store.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	for iterator.Next(ctx) {
		keys = append(keys, iterator.Val())
	}
	if err := iterator.Err(); err != nil {
		return nil, fmt.Errorf("redis_scan_failed: %w", err)
	}
	return keys, nil
}

// SlidingWindow implements [Store] as a single atomic Lua call.
func (store *RedisStore) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowResult, error) {

	// A unique member keeps concurrent requests in the same millisecond distinct.
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()

	raw, err := slidingWindowScript.Run(ctx, store.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member,
	).Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("redis_sliding_window_failed: %w", err)
	}
	if len(raw) != 3 {
		return WindowResult{}, fmt.Errorf("redis_sliding_window_failed: unexpected reply %v", raw)
	}

	allowed, _ := raw[0].(int64)
	count, _ := raw[1].(int64)
	oldestText, _ := raw[2].(string)
	oldestMillis, err := strconv.ParseFloat(oldestText, 64)
	if err != nil {
		return WindowResult{}, fmt.Errorf("redis_sliding_window_failed: %w", err)
	}

	result := WindowResult{Allowed: allowed == 1, Count: int(count)}
	if oldestMillis > 0 {
		result.Oldest = time.UnixMilli(int64(oldestMillis))
	}
	return result, nil
}

// Ping implements [Store].
func (store *RedisStore) Ping(ctx context.Context) error {
	if err := store.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis_ping_failed: %w", err)
	}
	return nil
}

func toAny(values []string) []any {
	converted := make([]any, len(values))
	for index, value := range values {
		converted[index] = value
	}
	return converted
}
