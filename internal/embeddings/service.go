// Package embeddings turns evidence text into vectors through the LLM
// service, with an in-process LRU in front of an optional Redis cache.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	ometrics "github.com/Kocoro-lab/Shannon/go/diligence/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tracing"
)

const lruTTL = 30 * time.Minute

type Service struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	shared EmbeddingCache
	local  *LocalLRU
	logger *zap.Logger
}

// NewService builds the service. shared may be nil.
func NewService(cfg Config, shared EmbeddingCache, client *http.Client, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(client, "embeddings", "llm-service", logger),
		shared: shared,
		local:  NewLocalLRU(cfg.MaxLRU),
		logger: logger,
	}
}

func (s *Service) GenerateEmbedding(ctx context.Context, text, model string) ([]float32, error) {
	out, err := s.GenerateBatchEmbeddings(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// GenerateBatchEmbeddings returns one vector per text, in order. Cached texts
// are served from the LRU or Redis; the rest go out in batches of MaxBatch.
func (s *Service) GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if s == nil {
		return nil, errs.Config("embedding service not initialized")
	}
	if model == "" {
		model = s.cfg.DefaultModel
	}
	out := make([][]float32, len(texts))
	missing := s.fromCache(ctx, model, texts, out)

	for _, batch := range lo.Chunk(missing, s.cfg.MaxBatch) {
		vecs, err := s.request(ctx, lo.Map(batch, func(i int, _ int) string { return texts[i] }), model)
		if err != nil {
			return nil, err
		}
		for j, i := range batch {
			out[i] = vecs[j]
			key := MakeKey(model, texts[i])
			s.local.Set(ctx, key, vecs[j], lruTTL)
			if s.shared != nil {
				s.shared.Set(ctx, key, vecs[j], s.cfg.CacheTTL)
			}
		}
	}
	return out, nil
}

// fromCache fills out from the two cache levels and returns the indexes of
// texts that still need a request.
func (s *Service) fromCache(ctx context.Context, model string, texts []string, out [][]float32) []int {
	var missing []int
	for i, text := range texts {
		key := MakeKey(model, text)
		if v, ok := s.local.Get(ctx, key); ok {
			out[i] = v
			ometrics.RecordEmbeddingMetrics(model, "lru_hit", 0)
			continue
		}
		if s.shared != nil {
			if v, ok := s.shared.Get(ctx, key); ok {
				out[i] = v
				s.local.Set(ctx, key, v, lruTTL)
				ometrics.RecordEmbeddingMetrics(model, "cache_hit", 0)
				continue
			}
		}
		missing = append(missing, i)
	}
	return missing
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

func (s *Service) request(ctx context.Context, texts []string, model string) (vecs [][]float32, err error) {
	start := time.Now()
	outcome := "error"
	defer func() { ometrics.RecordEmbeddingMetrics(model, outcome, time.Since(start).Seconds()) }()

	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/embeddings/"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, err := json.Marshal(embedRequest{Texts: texts, Model: model})
	if err != nil {
		return nil, errs.Wrap(err, "encode embedding request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(err, "embedding request")
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errs.WrapKind(err, errs.KindTransient, "embedding request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		kind := errs.KindPermanent
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = errs.KindTransient
		}
		return nil, errs.Newk(kind, "embedding service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, errs.WrapKind(err, errs.KindPermanent, "decode embedding response")
	}
	if len(er.Embeddings) != len(texts) {
		outcome = "empty"
		return nil, errs.Newk(errs.KindPermanent, "embedding service returned %d embeddings for %d texts", len(er.Embeddings), len(texts))
	}
	outcome = "batch_ok"
	s.logger.Debug("Generated embeddings", zap.Int("texts", len(texts)), zap.String("model", er.ModelUsed))
	return er.Embeddings, nil
}
