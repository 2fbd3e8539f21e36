package citation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/evidence"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

type fixedEmbedder map[string][]float32

func (f fixedEmbedder) GenerateBatchEmbeddings(_ context.Context, texts []string, _ string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f[t]
	}
	return out, nil
}

func item(id, text string, conf float64, vec []float32) *models.EvidenceItem {
	return &models.EvidenceItem{
		ID:           id,
		CollectionID: "col-1",
		ExecutionID:  "exec-1",
		Type:         models.EvidenceWebPage,
		Source:       models.EvidenceSource{URL: "https://acme.example/" + id, Tool: "html_collector"},
		Content:      models.EvidenceContent{Processed: text},
		Metadata:     models.EvidenceMetadata{Confidence: conf},
		Embedding:    vec,
		Breadcrumbs:  []models.Breadcrumb{{Step: "crawl", At: time.Now()}},
	}
}

func newService(t *testing.T, opts []evidence.Option, items ...*models.EvidenceItem) *evidence.Service {
	t.Helper()
	ctx := context.Background()
	store := evidence.NewMemoryStore()
	require.NoError(t, store.CreateCollection(ctx, &models.EvidenceCollection{ID: "col-1", ExecutionID: "exec-1"}))
	require.NoError(t, store.AppendItems(ctx, items))
	return evidence.NewService(store, zaptest.NewLogger(t), opts...)
}

var target = Target{ReportID: "rep-1", ExecutionID: "exec-1", CollectionID: "col-1"}

func TestLinkCitesMostRelevantAndCapsConfidence(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil,
		item("e1", "Acme revenue growth accelerated sharply", 0.6, nil),
		item("e2", "Acme revenue figures", 0.95, nil),
		item("e3", "Office furniture catalogue", 0.9, nil),
	)
	l := NewLinker(svc, Config{MaxPerClaim: 2, MinRelevance: 0.3}, zaptest.NewLogger(t))

	res, err := l.Link(ctx, target, []Claim{
		{ID: "c1", Text: "Acme revenue growth accelerated", Confidence: 0.8},
	})
	require.NoError(t, err)
	require.Len(t, res.Citations, 2)
	assert.Equal(t, []string{"e1", "e2"}, res.ByClaim["c1"])
	assert.Empty(t, res.Unverified)

	for _, c := range res.Citations {
		it, err := svc.Store().GetItem(ctx, c.EvidenceID)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Confidence, 0.8)
		assert.LessOrEqual(t, c.Confidence, it.Metadata.Confidence)
		assert.Equal(t, 1, it.UsageCount)
		assert.Equal(t, models.VerificationPending, c.VerificationStatus)
	}
	assert.Equal(t, 0.6, res.Citations[0].Confidence)
	assert.Equal(t, 0.8, res.Citations[1].Confidence)

	saved, err := svc.Store().ListCitations(ctx, "rep-1")
	require.NoError(t, err)
	assert.Len(t, saved, 2)

	unused, _ := svc.Store().GetItem(ctx, "e3")
	assert.Zero(t, unused.UsageCount)
}

func TestLinkMarksUnverifiedClaims(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil, item("e1", "Acme sells industrial pumps", 0.9, nil))
	l := NewLinker(svc, Config{MinRelevance: 0.5}, zaptest.NewLogger(t))

	res, err := l.Link(ctx, target, []Claim{
		{ID: "c1", Text: "Quantum computing patents portfolio", Confidence: 0.9},
		{ID: "c2", Text: "Acme sells industrial pumps", Confidence: 0.7},
	})
	require.NoError(t, err)
	require.Len(t, res.Unverified, 1)
	assert.Equal(t, "c1", res.Unverified[0].ID)
	assert.False(t, res.Verified("c1"))
	assert.True(t, res.Verified("c2"))
}

func TestLinkMissingExplicitEvidenceIsIntegrityError(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil, item("e1", "Acme revenue growth", 0.9, nil))
	l := NewLinker(svc, Config{}, zaptest.NewLogger(t))

	_, err := l.Link(ctx, target, []Claim{
		{ID: "c1", Text: "Acme revenue growth", Confidence: 0.9},
		{ID: "c2", Text: "Acme revenue growth", Confidence: 0.9, EvidenceIDs: []string{"ghost"}},
	})
	require.Error(t, err)
	assert.True(t, errs.IsIntegrity(err))

	saved, _ := svc.Store().ListCitations(ctx, "rep-1")
	assert.Empty(t, saved, "nothing is written when the batch fails")
	it, _ := svc.Store().GetItem(ctx, "e1")
	assert.Zero(t, it.UsageCount)
}

func TestLinkExplicitEvidenceRestrictsCandidates(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, nil,
		item("e1", "Acme revenue growth", 0.9, nil),
		item("e2", "Acme revenue growth and margins", 0.9, nil),
	)
	l := NewLinker(svc, Config{}, zaptest.NewLogger(t))

	res, err := l.Link(ctx, target, []Claim{
		{ID: "c1", Text: "Acme revenue growth", Confidence: 0.9, EvidenceIDs: []string{"e2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, res.ByClaim["c1"])
}

func TestLinkUsesEmbeddingSimilarity(t *testing.T) {
	ctx := context.Background()
	claim := "Customers renew at high rates"
	emb := fixedEmbedder{claim: {1, 0, 0}}
	svc := newService(t, []evidence.Option{evidence.WithEmbedder(emb)},
		item("e1", "Net retention was 120 percent", 0.8, []float32{0.9, 0.1, 0}),
		item("e2", "Unrelated hiring news", 0.8, []float32{0, 1, 0}),
	)
	l := NewLinker(svc, Config{MinRelevance: 0.5}, zaptest.NewLogger(t))

	res, err := l.Link(ctx, target, []Claim{{ID: "c1", Text: claim, Confidence: 0.7}})
	require.NoError(t, err)
	require.Len(t, res.Citations, 1)
	assert.Equal(t, "e1", res.Citations[0].EvidenceID)
	assert.Greater(t, res.Citations[0].Relevance, 0.9)
}

func TestLinkRejectsBadClaims(t *testing.T) {
	svc := newService(t, nil)
	l := NewLinker(svc, Config{}, zaptest.NewLogger(t))
	_, err := l.Link(context.Background(), target, []Claim{{ID: "a", Confidence: 0.5}, {ID: "a", Confidence: 0.5}})
	assert.True(t, errs.IsInvalid(err))
	_, err = l.Link(context.Background(), target, []Claim{{ID: "a", Confidence: 1.5}})
	assert.True(t, errs.IsInvalid(err))
}

func TestRelevanceIsMaxOfSignals(t *testing.T) {
	it := item("e1", "pump manufacturer", 1, []float32{0, 1})
	assert.InDelta(t, 1.0, Relevance([]float32{0, 1}, []string{"unrelated"}, it), 1e-9)
	assert.InDelta(t, 1.0, Relevance([]float32{1, 0}, []string{"pump"}, it), 1e-9)
	assert.InDelta(t, 0.5, Relevance(nil, []string{"pump", "valve"}, it), 1e-9)
}
