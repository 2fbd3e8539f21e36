package embeddings

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
)

// EmbeddingCache is a best-effort vector cache. Misses and backend errors
// look the same to callers.
type EmbeddingCache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, v []float32, ttl time.Duration)
}

// LocalLRU is the in-process first level, bounded by entry count with a
// per-entry TTL.
type LocalLRU struct {
	c *lru.Cache
}

type lruEntry struct {
	vec []float32
	exp time.Time
}

func NewLocalLRU(capacity int) *LocalLRU {
	if capacity <= 0 {
		capacity = 1024
	}
	c, _ := lru.New(capacity) // errors only for non-positive sizes
	return &LocalLRU{c: c}
}

func (l *LocalLRU) Get(_ context.Context, key string) ([]float32, bool) {
	v, ok := l.c.Get(key)
	if !ok {
		return nil, false
	}
	ent := v.(lruEntry)
	if time.Now().After(ent.exp) {
		l.c.Remove(key)
		return nil, false
	}
	return ent.vec, true
}

func (l *LocalLRU) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	l.c.Add(key, lruEntry{vec: v, exp: time.Now().Add(ttl)})
}

func (l *LocalLRU) Len() int { return l.c.Len() }

// RedisCache is the shared second level. Vectors are stored as little-endian
// float32 bytes.
type RedisCache struct {
	rw *circuitbreaker.RedisWrapper
}

// NewRedisCache connects to addr and pings once.
func NewRedisCache(addr string, logger *zap.Logger) (*RedisCache, error) {
	rw := circuitbreaker.NewRedisWrapper(redis.NewClient(&redis.Options{Addr: addr}), "embedding-cache", logger)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rw.Ping(ctx).Err(); err != nil {
		_ = rw.Close()
		return nil, err
	}
	return &RedisCache{rw: rw}, nil
}

func NewRedisCacheFromWrapper(w *circuitbreaker.RedisWrapper) *RedisCache {
	return &RedisCache{rw: w}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	b, err := r.rw.Get(ctx, key).Bytes()
	if err != nil || len(b) == 0 || len(b)%4 != 0 {
		return nil, false
	}
	return decodeVector(b), true
}

func (r *RedisCache) Set(ctx context.Context, key string, v []float32, ttl time.Duration) {
	_ = r.rw.Set(ctx, key, encodeVector(v), ttl).Err()
}

func (r *RedisCache) Close() error { return r.rw.Close() }

func encodeVector(v []float32) []byte {
	b := make([]byte, 0, len(v)*4)
	for _, f := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// MakeKey derives the cache key for a model and text.
func MakeKey(model, text string) string {
	h := blake2b.Sum256([]byte(model + "|" + text))
	return "emb:" + hex.EncodeToString(h[:16])
}
