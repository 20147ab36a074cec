package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockLua deletes a lock key only if its value matches the caller's
// token, so one holder can never release another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Redis is a distributed Locker built on SETNX with a TTL and a Lua-based
// conditional unlock. Lock polls until the key is free or ctx ends.
type Redis struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	ttl      time.Duration
	poll     time.Duration
}

// NewRedis creates a Redis locker. ttl bounds how long a crashed holder
// can block a House.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
		ttl:      ttl,
		poll:     25 * time.Millisecond,
	}
}

func redisKey(key string) string {
	return "lock:" + key
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lk := redisKey(key)

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, lk, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Use a background context so unlock succeeds even if the
			// caller's context is already cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.unlockSc.Run(unlockCtx, r.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// Compile-time interface checks.
var (
	_ Locker = (*Local)(nil)
	_ Locker = (*Redis)(nil)
)
