package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KV on go-redis.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV wraps an existing client.
func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

// DialRedisKV connects to a redis:// URL and pings it.
func DialRedisKV(ctx context.Context, url string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &RedisKV{rdb: rdb}, nil
}

func (k *RedisKV) Close() error { return k.rdb.Close() }

func (k *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := k.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %s: %w", key, err)
	}
	return v, true, nil
}

func (k *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := k.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

func (k *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := k.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: del: %w", err)
	}
	return nil
}

// Scan pages through keys with the given prefix. Never uses KEYS.
func (k *RedisKV) Scan(ctx context.Context, prefix string, cursor uint64, count int64) ([]string, uint64, error) {
	if count <= 0 {
		count = 100
	}
	keys, next, err := k.rdb.Scan(ctx, cursor, prefix+"*", count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("store: scan %s: %w", prefix, err)
	}
	return keys, next, nil
}

func (k *RedisKV) Incr(ctx context.Context, key string) (int64, error) {
	n, err := k.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("store: incr %s: %w", key, err)
	}
	return n, nil
}

func (k *RedisKV) HSet(ctx context.Context, key, field, value string) error {
	if err := k.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("store: hset %s.%s: %w", key, field, err)
	}
	return nil
}

func (k *RedisKV) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := k.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: hget %s.%s: %w", key, field, err)
	}
	return v, true, nil
}

func (k *RedisKV) HDel(ctx context.Context, key string, fields ...string) error {
	if err := k.rdb.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("store: hdel %s: %w", key, err)
	}
	return nil
}

func (k *RedisKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := k.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: hgetall %s: %w", key, err)
	}
	return m, nil
}

func (k *RedisKV) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := k.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store: sadd %s: %w", key, err)
	}
	return nil
}

func (k *RedisKV) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := k.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store: srem %s: %w", key, err)
	}
	return nil
}

func (k *RedisKV) SMembers(ctx context.Context, key string) ([]string, error) {
	ms, err := k.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("store: smembers %s: %w", key, err)
	}
	return ms, nil
}

func (k *RedisKV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := k.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("store: zadd %s: %w", key, err)
	}
	return nil
}

func (k *RedisKV) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := k.rdb.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("store: zrem %s: %w", key, err)
	}
	return nil
}

func (k *RedisKV) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	minArg, maxArg := formatScore(min, "-inf"), formatScore(max, "+inf")
	ms, err := k.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: minArg, Max: maxArg}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: zrangebyscore %s: %w", key, err)
	}
	return ms, nil
}

func formatScore(v float64, inf string) string {
	if math.IsInf(v, -1) || math.IsInf(v, 1) {
		return inf
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (k *RedisKV) Publish(ctx context.Context, channel, payload string) error {
	if err := k.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("store: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe fans out messages matching the pattern until ctx is done.
func (k *RedisKV) Subscribe(ctx context.Context, pattern string) (<-chan Message, error) {
	sub := k.rdb.PSubscribe(ctx, pattern)
	// Force the subscription to establish before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("store: subscribe %s: %w", pattern, err)
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
