package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers which deliveries a consumer group already handled.
type Deduper interface {
	// Claim reports true the first time key is seen.
	Claim(ctx context.Context, key string) (bool, error)
	// Forget releases key so a redelivery is processed again.
	Forget(ctx context.Context, key string) error
}

// RedisDeduper keeps claim markers in Redis with a TTL.
type RedisDeduper struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(rdb *redis.Client, prefix string, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Forget(ctx context.Context, key string) error {
	if err := d.rdb.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("dedup forget: %w", err)
	}
	return nil
}

// Dedupe wraps h so that each (kind, subject) pair is handled at most once
// per consumer group. A nil deduper returns h unchanged. When Redis is
// unreachable the event is handled anyway.
func Dedupe(d Deduper, group string, h Handler) Handler {
	if d == nil {
		return h
	}
	return func(ctx context.Context, ev Event) error {
		key := group + ":" + string(ev.Kind) + ":" + ev.SubjectID()
		first, err := d.Claim(ctx, key)
		if err == nil && !first {
			return nil
		}
		if herr := h(ctx, ev); herr != nil {
			if err == nil {
				_ = d.Forget(ctx, key)
			}
			return herr
		}
		return nil
	}
}
