package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

// Locker guarantees one active execution per target.
type Locker interface {
	// Acquire fails with a conflict error while another execution holds the target.
	Acquire(ctx context.Context, targetID, executionID string) error
	// Release frees the target if executionID still holds it.
	Release(ctx context.Context, targetID, executionID string) error
}

// Renewer is a Locker whose locks expire unless the holder renews them.
type Renewer interface {
	Locker
	// Renew extends the lock; false means executionID no longer holds it.
	Renew(ctx context.Context, targetID, executionID string) (bool, error)
	// RenewEvery is how often a live holder must renew.
	RenewEvery() time.Duration
}

// holdTarget renews the lock on targetID until ctx is done or the lock is lost.
func holdTarget(ctx context.Context, l Renewer, targetID, executionID string, logger *zap.Logger) {
	every := l.RenewEvery()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		rctx, cancel := context.WithTimeout(ctx, every)
		held, err := l.Renew(rctx, targetID, executionID)
		cancel()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Warn("Failed to renew target lock", zap.String("target_id", targetID), zap.Error(err))
		case !held:
			logger.Error("Target lock lost to another holder",
				zap.String("target_id", targetID), zap.String("execution_id", executionID))
			return
		}
	}
}

func targetBusy(targetID, holder string) error {
	if holder == "" {
		return errs.Conflict("target %s already has an active execution", targetID)
	}
	return errs.Conflict("target %s already has an active execution (%s)", targetID, holder)
}

// MemoryLocker holds target locks within one process.
type MemoryLocker struct {
	mu      sync.Mutex
	holders map[string]string
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{holders: make(map[string]string)}
}

func (l *MemoryLocker) Acquire(_ context.Context, targetID, executionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.holders[targetID]; ok {
		return targetBusy(targetID, holder)
	}
	l.holders[targetID] = executionID
	return nil
}

func (l *MemoryLocker) Release(_ context.Context, targetID, executionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[targetID] == executionID {
		delete(l.holders, targetID)
	}
	return nil
}

// releaseScript deletes the lock only when it still names the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only when it still names the caller.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker shares target locks across replicas with SET NX PX. Live
// executions renew the lock; the TTL bounds how long a crashed replica can
// block a target.
type RedisLocker struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, prefix: "diligence:target-lock:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, targetID, executionID string) error {
	key := l.prefix + targetID
	ok, err := l.rdb.SetNX(ctx, key, executionID, l.ttl).Result()
	if err != nil {
		return errs.WrapKind(err, errs.KindTransient, "acquire lock for target %s", targetID)
	}
	if ok {
		return nil
	}
	holder, err := l.rdb.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		holder = ""
	}
	return targetBusy(targetID, holder)
}

func (l *RedisLocker) Release(ctx context.Context, targetID, executionID string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.prefix + targetID}, executionID).Err(); err != nil && err != redis.Nil {
		return errs.WrapKind(err, errs.KindTransient, "release lock for target %s", targetID)
	}
	return nil
}

func (l *RedisLocker) Renew(ctx context.Context, targetID, executionID string) (bool, error) {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.prefix + targetID}, executionID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errs.WrapKind(err, errs.KindTransient, "renew lock for target %s", targetID)
	}
	return n == 1, nil
}

func (l *RedisLocker) RenewEvery() time.Duration { return l.ttl / 3 }
