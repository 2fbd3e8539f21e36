package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisWrapper guards a Redis client used as a cache. Misses (redis.Nil)
// never count as failures.
type RedisWrapper struct {
	client *redis.Client
	g      guard
}

func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	if service == "" {
		service = "redis-cache"
	}
	return &RedisWrapper{client: client, g: newGuard("redis", service, KindRedis, logger)}
}

type redisCmd interface {
	Err() error
	SetErr(error)
}

func cacheMiss(err error) bool { return err == redis.Nil }

// guarded issues a command through the breaker. When the breaker refuses,
// fallback carries the rejection.
func guarded[C redisCmd](ctx context.Context, rw *RedisWrapper, fallback C, issue func() C) C {
	cmd, ran := fallback, false
	err := rw.g.call(ctx, func() error {
		cmd, ran = issue(), true
		return cmd.Err()
	}, cacheMiss)
	if !ran {
		cmd.SetErr(err)
	}
	return cmd
}

func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	return guarded(ctx, rw, redis.NewStatusCmd(ctx), func() *redis.StatusCmd {
		return rw.client.Ping(ctx)
	})
}

func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	return guarded(ctx, rw, redis.NewStringCmd(ctx), func() *redis.StringCmd {
		return rw.client.Get(ctx, key)
	})
}

func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	return guarded(ctx, rw, redis.NewStatusCmd(ctx), func() *redis.StatusCmd {
		return rw.client.Set(ctx, key, value, ttl)
	})
}

func (rw *RedisWrapper) Close() error { return rw.client.Close() }

// Tripped reports whether the breaker is open.
func (rw *RedisWrapper) Tripped() bool { return rw.g.tripped() }
