package redislock

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed lua/release.lua
var luaRelease string

// Locker is a lease-based keyed lock shared by every instance talking to the
// same Redis. A holder that dies loses the lock when the lease expires.
type Locker struct {
	rdb        redis.UniversalClient
	ttl        time.Duration
	retry      time.Duration
	scrRelease *redis.Script
}

func NewLocker(rdb redis.UniversalClient, ttl, retry time.Duration) *Locker {
	if ttl == 0 {
		ttl = 10 * time.Second
	}
	if retry == 0 {
		retry = 25 * time.Millisecond
	}
	l := &Locker{
		rdb:        rdb,
		ttl:        ttl,
		retry:      retry,
		scrRelease: redis.NewScript(luaRelease),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = l.scrRelease.Load(ctx, rdb).Err()
	}()
	return l
}

func lockKey(key string) string { return fmt.Sprintf("lock:{%s}", key) }

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	k := lockKey(key)
	token := uuid.New().String()

	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := l.scrRelease.Run(ctx, l.rdb, []string{k}, token).Err(); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Lock release failed, lease will expire")
			}
		})
	}, nil
}
