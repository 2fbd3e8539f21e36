package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
)

func TestUninitializedService(t *testing.T) {
	var s *Service
	if _, err := s.GenerateEmbedding(context.Background(), "hello", ""); err == nil {
		t.Fatalf("expected error when service is nil")
	}
}

func embeddingServer(t *testing.T, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		var req embedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := embedResponse{ModelUsed: req.Model, Dimensions: 2}
		for _, text := range req.Texts {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(len(text)), 1})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateBatchEmbeddingsUsesCache(t *testing.T) {
	var calls int32
	srv := embeddingServer(t, &calls)
	s := NewService(Config{BaseURL: srv.URL, MaxBatch: 2}, nil, srv.Client(), zaptest.NewLogger(t))

	out, err := s.GenerateBatchEmbeddings(context.Background(), []string{"a", "bb", "ccc"}, "")
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1}, {2, 1}, {3, 1}}, out)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "three texts with MaxBatch 2 need two requests")

	out, err = s.GenerateBatchEmbeddings(context.Background(), []string{"bb", "dddd"}, "")
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {4, 1}}, out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGenerateEmbeddingErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusBadRequest)
	}))
	defer srv.Close()
	s := NewService(Config{BaseURL: srv.URL}, nil, srv.Client(), nil)
	_, err := s.GenerateEmbedding(context.Background(), "x", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.False(t, errs.IsTransient(err))
}

func TestGenerateEmbeddingOverloadIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	s := NewService(Config{BaseURL: srv.URL}, nil, srv.Client(), nil)
	_, err := s.GenerateEmbedding(context.Background(), "x", "")
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))
}

func TestGenerateBatchEmbeddingsEmpty(t *testing.T) {
	s := NewService(Config{BaseURL: "http://127.0.0.1:1"}, nil, nil, nil)
	out, err := s.GenerateBatchEmbeddings(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLocalLRUEvictsOldest(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLRU(2)
	l.Set(ctx, "a", []float32{1}, time.Minute)
	l.Set(ctx, "b", []float32{2}, time.Minute)
	_, _ = l.Get(ctx, "a")
	l.Set(ctx, "c", []float32{3}, time.Minute)

	_, ok := l.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = l.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, 2, l.Len())

	l.Set(ctx, "expired", []float32{4}, -time.Second)
	_, ok = l.Get(ctx, "expired")
	assert.False(t, ok)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedisCacheFromWrapper(circuitbreaker.NewRedisWrapper(client, "embedding-cache", zaptest.NewLogger(t)))

	ctx := context.Background()
	key := MakeKey("m", "hello")
	cache.Set(ctx, key, []float32{0.5, -1.25}, time.Minute)
	got, ok := cache.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, -1.25}, got)

	_, ok = cache.Get(ctx, MakeKey("m", "other"))
	assert.False(t, ok)
	assert.NotEqual(t, MakeKey("m1", "x"), MakeKey("m2", "x"))
}
