package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReplayGuard shares accepted requests across every engine instance
// behind the same Redis, using SETNX with a TTL.
type RedisReplayGuard struct {
	rdb *redis.Client
}

func NewRedisReplayGuard(rdb *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{rdb: rdb}
}

func (g *RedisReplayGuard) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.rdb.SetNX(ctx, "auth:replay:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: remember request: %w", err)
	}
	return ok, nil
}

var _ ReplayGuard = (*RedisReplayGuard)(nil)
