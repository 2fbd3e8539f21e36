package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttler decides whether an alert key may fire now. Allow returns true at
// most once per window for the same key.
type Throttler interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
}

// MemoryThrottler throttles within one process.
type MemoryThrottler struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewMemoryThrottler() *MemoryThrottler {
	return &MemoryThrottler{last: make(map[string]time.Time), now: time.Now}
}

func (t *MemoryThrottler) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < window {
		return false, nil
	}
	t.last[key] = now
	// Drop expired keys so the map does not grow with finished executions.
	for k, at := range t.last {
		if now.Sub(at) >= window {
			delete(t.last, k)
		}
	}
	return true, nil
}

// RedisThrottler shares throttling state across replicas with SET NX EX.
type RedisThrottler struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisThrottler(rdb *redis.Client) *RedisThrottler {
	return &RedisThrottler{rdb: rdb, prefix: "diligence:alert-throttle:"}
}

func (t *RedisThrottler) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return true, nil
	}
	return t.rdb.SetNX(ctx, t.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), window).Result()
}
