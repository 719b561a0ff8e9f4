// Package store implements the tenant store adapter: a thin KV interface
// over Redis plus entity repositories for nests, services, incidents,
// rollups, and worker state, and the durable-archive reconciler.
package store

import (
	"context"
	"time"
)

// Message is one pub/sub payload.
type Message struct {
	Channel string
	Payload string
}

// KV is the abstract store the rest of the system assumes. Scans are
// cursor-based; there is deliberately no full-keyspace listing operation.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// Scan returns keys matching prefix starting at cursor; next==0 means done.
	Scan(ctx context.Context, prefix string, cursor uint64, count int64) (keys []string, next uint64, err error)

	Incr(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	// ZRangeByScore returns members ordered by score ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	Publish(ctx context.Context, channel, payload string) error
	// Subscribe delivers messages for a channel pattern until ctx is done.
	Subscribe(ctx context.Context, pattern string) (<-chan Message, error)

	Close() error
}
