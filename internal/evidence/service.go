package evidence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

// Embedder produces embedding vectors for texts.
type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// ScoredID is a vector index match.
type ScoredID struct {
	ID    string
	Score float64
}

// VectorIndex is an external similarity index kept alongside the store.
type VectorIndex interface {
	UpsertEvidence(ctx context.Context, items []*models.EvidenceItem) error
	SearchEvidence(ctx context.Context, collectionID string, vec []float32, limit int, minScore float64) ([]ScoredID, error)
}

// Origin identifies the tool call that produced a batch of drafts.
type Origin struct {
	CollectionID string
	ExecutionID  string
	StageName    string
	CallID       string
	Tool         string
	ToolVersion  string
	Attempt      int
	// Category is applied to drafts the adapter left uncategorized.
	Category string
}

// CommitResult reports what a Commit stored.
type CommitResult struct {
	Committed  []*models.EvidenceItem
	Duplicates int
}

// Service is the write path for evidence: it finalizes adapter drafts,
// drops duplicates and schedules embedding backfill.
type Service struct {
	store    Store
	cred     *Credibility
	embedder Embedder
	index    VectorIndex
	logger   *zap.Logger

	// commitMu serializes fingerprint lookup and append.
	commitMu sync.Mutex
	wg       sync.WaitGroup
	timeout  time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithEmbedder enables asynchronous embedding backfill after each commit.
func WithEmbedder(e Embedder) Option { return func(s *Service) { s.embedder = e } }

// WithVectorIndex mirrors embedded items into an external index used for similarity search.
func WithVectorIndex(ix VectorIndex) Option { return func(s *Service) { s.index = ix } }

// WithCredibility sets the source credibility rules.
func WithCredibility(c *Credibility) Option { return func(s *Service) { s.cred = c } }

// NewService creates a Service over store.
func NewService(store Store, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{store: store, logger: logger, timeout: 30 * time.Second}
	for _, o := range opts {
		o(s)
	}
	if s.cred == nil {
		s.cred = NewCredibility(nil)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Finalize turns adapter drafts into committable items: ids, ownership,
// provenance breadcrumb, credibility-adjusted confidence and fingerprint.
func (s *Service) Finalize(o Origin, drafts []*models.EvidenceItem) []*models.EvidenceItem {
	now := time.Now().UTC()
	out := make([]*models.EvidenceItem, 0, len(drafts))
	for _, d := range drafts {
		if d == nil {
			continue
		}
		it := d.Clone()
		it.ID = uuid.New().String()
		it.CollectionID = o.CollectionID
		it.ExecutionID = o.ExecutionID
		it.StageName = o.StageName
		it.CreatedAt = now
		it.UsageCount = 0
		it.Embedding = nil
		if it.Source.Tool == "" {
			it.Source.Tool = o.Tool
		}
		if it.Category == "" {
			it.Category = o.Category
		}
		if it.Source.RetrievedAt.IsZero() {
			it.Source.RetrievedAt = now
		}
		it.Metadata.Confidence = util.Clamp(it.Metadata.Confidence, 0, 1)
		it.Metadata.Relevance = util.Clamp(it.Metadata.Relevance, 0, 1)
		s.cred.Apply(it)
		it.Breadcrumbs = append(it.Breadcrumbs, models.Breadcrumb{
			Step:             fmt.Sprintf("%s/%s", o.StageName, o.CallID),
			ExtractionMethod: fmt.Sprintf("%s@%s attempt %d", o.Tool, o.ToolVersion, o.Attempt),
			At:               now,
		})
		it.Fingerprint = Fingerprint(it)
		out = append(out, it)
	}
	return out
}

// Commit appends items whose fingerprint is new to their collection. All
// items must share one collection. The batch is stored atomically.
func (s *Service) Commit(ctx context.Context, items []*models.EvidenceItem) (*CommitResult, error) {
	res := &CommitResult{}
	if len(items) == 0 {
		return res, nil
	}
	collectionID := items[0].CollectionID

	s.commitMu.Lock()
	seen, err := s.store.Fingerprints(ctx, collectionID)
	if err != nil {
		s.commitMu.Unlock()
		return nil, err
	}
	fresh := make([]*models.EvidenceItem, 0, len(items))
	for _, it := range items {
		if it.CollectionID != collectionID {
			s.commitMu.Unlock()
			return nil, invalidItem(fmt.Errorf("batch spans collections %s and %s", collectionID, it.CollectionID))
		}
		if _, dup := seen[it.Fingerprint]; dup && it.Fingerprint != "" {
			res.Duplicates++
			continue
		}
		seen[it.Fingerprint] = struct{}{}
		fresh = append(fresh, it)
	}
	if len(fresh) > 0 {
		if err := s.store.AppendItems(ctx, fresh); err != nil {
			s.commitMu.Unlock()
			return nil, err
		}
	}
	s.commitMu.Unlock()

	res.Committed = fresh
	for _, it := range fresh {
		metrics.EvidenceCommitted.WithLabelValues(string(it.Type)).Inc()
	}
	metrics.EvidenceDuplicates.Add(float64(res.Duplicates))
	if res.Duplicates > 0 {
		s.logger.Debug("Dropped duplicate evidence",
			zap.String("collection_id", collectionID),
			zap.Int("duplicates", res.Duplicates))
	}

	if s.embedder != nil && len(fresh) > 0 {
		s.scheduleBackfill(context.WithoutCancel(ctx), fresh)
	}
	return res, nil
}

func (s *Service) scheduleBackfill(ctx context.Context, items []*models.EvidenceItem) {
	ids := make([]string, len(items))
	texts := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
		texts[i] = util.TruncateString(it.Content.Summary+"\n"+it.Content.Text(), 8000, true)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.Backfill(ctx, ids, texts); err != nil {
			s.logger.Warn("Embedding backfill failed", zap.Int("items", len(ids)), zap.Error(err))
		}
	}()
}

// Backfill embeds texts and stores each vector on the matching item if it
// has none yet. Items written are mirrored to the vector index.
func (s *Service) Backfill(ctx context.Context, ids, texts []string) error {
	vecs, err := s.embedder.GenerateBatchEmbeddings(ctx, texts, "")
	if err != nil {
		return err
	}
	if len(vecs) != len(ids) {
		return fmt.Errorf("embedder returned %d vectors for %d items", len(vecs), len(ids))
	}
	var written []*models.EvidenceItem
	for i, id := range ids {
		if len(vecs[i]) == 0 {
			continue
		}
		ok, err := s.store.SetEmbedding(ctx, id, vecs[i])
		if err != nil {
			return err
		}
		if ok && s.index != nil {
			it, err := s.store.GetItem(ctx, id)
			if err != nil {
				return err
			}
			written = append(written, it)
		}
	}
	if len(written) > 0 {
		if err := s.index.UpsertEvidence(ctx, written); err != nil {
			s.logger.Warn("Vector index upsert failed", zap.Int("items", len(written)), zap.Error(err))
		}
	}
	return nil
}

// Wait blocks until scheduled backfills have finished.
func (s *Service) Wait() { s.wg.Wait() }

// SearchSimilar uses the vector index when configured and falls back to the store.
func (s *Service) SearchSimilar(ctx context.Context, collectionID string, vec []float32, limit int, minScore float64) ([]Hit, error) {
	if s.index == nil {
		return s.store.SearchSimilar(ctx, collectionID, vec, limit, minScore)
	}
	matches, err := s.index.SearchEvidence(ctx, collectionID, vec, limit, minScore)
	if err != nil {
		s.logger.Warn("Vector index search failed, falling back to store", zap.Error(err))
		return s.store.SearchSimilar(ctx, collectionID, vec, limit, minScore)
	}
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		it, err := s.store.GetItem(ctx, m.ID)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{Item: it, Score: m.Score})
	}
	return hits, nil
}

// Embed returns the embedding of one text, or nil when no embedder is configured.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, nil
	}
	vecs, err := s.embedder.GenerateBatchEmbeddings(ctx, []string{text}, "")
	if err != nil || len(vecs) == 0 {
		return nil, err
	}
	return vecs[0], nil
}
