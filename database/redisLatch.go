package database

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReadyLatch remembers which battles already announced roomReady, so the
// announcement stays at-most-once even after the in-memory room is collected
// or the server restarts.
type RedisReadyLatch struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisReadyLatch(rdb *redis.Client, ttl time.Duration) *RedisReadyLatch {
	return &RedisReadyLatch{rdb: rdb, ttl: ttl}
}

func readyKey(battleID string) string {
	return "battle:ready:" + battleID
}

// Acquire returns true only for the first caller per battle id.
func (l *RedisReadyLatch) Acquire(ctx context.Context, battleID string) (bool, error) {
	return l.rdb.SetNX(ctx, readyKey(battleID), 1, l.ttl).Result()
}
