package report

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/citation"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/quality"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/thesis"
)

func twoCategoryThesis() *thesis.Thesis {
	return &thesis.Thesis{
		ID:        "growth",
		Name:      "Growth",
		Threshold: 65,
		Categories: []thesis.Category{
			{Name: "A", Weight: 60, Critical: true, Penalty: 0.2},
			{Name: "B", Weight: 40},
		},
		PenaltyPolicy: quality.PolicySpec{Name: "fixed"},
	}
}

func execution() *models.PipelineExecution {
	return &models.PipelineExecution{ID: "exec-1", TargetID: "acme", TargetName: "Acme Corp"}
}

func TestWeightedScoreScenario(t *testing.T) {
	s := NewSynthesizer(zaptest.NewLogger(t))
	r, err := s.Synthesize(Input{
		Execution:  execution(),
		Thesis:     twoCategoryThesis(),
		Quality:    quality.Result{ItemCount: 4, CategoryCounts: map[string]int{"A": 2, "B": 2}},
		Assessment: &Assessment{Scores: map[string]float64{"A": 80, "B": 50}},
	})
	require.NoError(t, err)

	want := []models.CategoryScore{
		{Category: "A", Weight: 60, RawScore: 80, AdjustedScore: 80, WeightedScore: 48, EvidenceCount: 2},
		{Category: "B", Weight: 40, RawScore: 50, AdjustedScore: 50, WeightedScore: 20, EvidenceCount: 2},
	}
	if diff := cmp.Diff(want, r.WeightedScores.Breakdown); diff != "" {
		t.Errorf("breakdown mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 68.0, r.WeightedScores.Total)
	assert.Equal(t, 65.0, r.WeightedScores.Threshold)
	assert.True(t, r.WeightedScores.Passed)
	assert.Equal(t, DecisionProceed, r.ExecutiveMemo.Decision)
	assert.Equal(t, "Acme Corp", r.CompanyName)
}

func TestBreakdownSumsToTotal(t *testing.T) {
	th := &thesis.Thesis{ID: "odd", Threshold: 50, Categories: []thesis.Category{
		{Name: "x", Weight: 33.3}, {Name: "y", Weight: 33.3}, {Name: "z", Weight: 33.4},
	}}
	scores := WeightedScores(th, map[string]float64{"x": 71.37, "y": 12.01, "z": 99.99}, quality.Result{Penalty: 0.137})
	var sum float64
	for _, b := range scores.Breakdown {
		sum += b.WeightedScore
		assert.LessOrEqual(t, b.AdjustedScore, b.RawScore)
	}
	assert.InDelta(t, scores.Total, sum, 0.005)
}

func TestWeightsMustSumTo100(t *testing.T) {
	th := twoCategoryThesis()
	th.Categories[1].Weight = 30
	_, err := NewSynthesizer(zaptest.NewLogger(t)).Synthesize(Input{
		Execution:  execution(),
		Thesis:     th,
		Assessment: &Assessment{Scores: map[string]float64{"A": 80, "B": 50}},
	})
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))
}

func TestMissingCriticalEvidenceSurfaces(t *testing.T) {
	th := twoCategoryThesis()
	scorer, err := quality.NewScorer(th.Checklist())
	require.NoError(t, err)
	q := scorer.Evaluate([]*models.EvidenceItem{
		{ID: "e1", Category: "B", Metadata: models.EvidenceMetadata{Confidence: 0.9}},
	})
	require.Greater(t, q.Penalty, 0.0)

	r, err := NewSynthesizer(zaptest.NewLogger(t)).Synthesize(Input{
		Execution:  execution(),
		Thesis:     th,
		Quality:    q,
		Assessment: &Assessment{Scores: map[string]float64{"A": 80, "B": 50}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, r.Quality.MissingCritical)
	assert.Contains(t, r.Quality.Signals, SignalMissingCritical)
	assert.Equal(t, 64.0, r.WeightedScores.Breakdown[0].AdjustedScore)
	assert.Less(t, r.WeightedScores.Total, 68.0)
}

func TestSectionsCitationsAndSignals(t *testing.T) {
	a := &Assessment{
		Scores: map[string]float64{"A": 70, "B": 60},
		Findings: []citation.Claim{
			{ID: "f1", Category: "A", Text: "Strong growth", Confidence: 0.8},
			{ID: "f2", Category: "B", Text: "Thin margins", Confidence: 0.6},
			{ID: "f3", Category: "legal", Text: "Pending lawsuit", Confidence: 0.5},
		},
		Upsides: []citation.Claim{
			{ID: "u1", Text: "Unproven upside", Confidence: 0.9},
			{ID: "u2", Text: "Cited upside", Confidence: 0.4},
		},
	}
	links := &citation.Result{
		ByClaim:    map[string][]string{"f1": {"e1", "e2"}, "u2": {"e3"}},
		Unverified: []citation.Claim{a.Findings[1], a.Findings[2], a.Upsides[0]},
	}
	r, err := NewSynthesizer(zaptest.NewLogger(t)).Synthesize(Input{
		ReportID:    "rep-1",
		Execution:   execution(),
		Thesis:      twoCategoryThesis(),
		Quality:     quality.Result{ItemCount: 3},
		Assessment:  a,
		Links:       links,
		GeneratedAt: time.Unix(0, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, "rep-1", r.ID)

	require.Len(t, r.DeepDiveSections, 3)
	assert.Equal(t, []string{"e1", "e2"}, r.DeepDiveSections[0].Findings[0].EvidenceRefs)
	assert.True(t, r.DeepDiveSections[1].Findings[0].Unverified)
	assert.Equal(t, models.SectionUnknown, r.DeepDiveSections[2].Kind)
	assert.Equal(t, "f3", r.DeepDiveSections[2].Findings[0].ClaimID)

	assert.Equal(t, []string{"f2", "f3", "u1"}, r.UnverifiedClaims)
	assert.Equal(t, []string{"e3"}, r.CitationMap["u2"])
	require.Len(t, r.ExecutiveMemo.TopUpsides, 2)
	assert.Equal(t, "Cited upside", r.ExecutiveMemo.TopUpsides[0].Text)
	assert.True(t, r.ExecutiveMemo.TopUpsides[1].Unverified)

	assert.ElementsMatch(t, []string{SignalRiskRegisterEmpty, SignalRoadmapEmpty, SignalUnverifiedClaims}, r.Quality.Signals)
}

func TestRiskOrderingInMemo(t *testing.T) {
	a := &Assessment{
		Scores: map[string]float64{"A": 10, "B": 10},
		Risks: []models.Risk{
			{Title: "low", Severity: models.SeverityLow},
			{Title: "critical", Severity: models.SeverityCritical, EvidenceRefs: []string{"e9"}},
			{Title: "medium", Severity: models.SeverityMedium},
			{Title: "high", Severity: models.SeverityHigh},
		},
		Roadmap: []models.Initiative{{Title: "Expand channel"}},
	}
	r, err := NewSynthesizer(zaptest.NewLogger(t)).Synthesize(Input{
		Execution: execution(), Thesis: twoCategoryThesis(), Quality: quality.Result{ItemCount: 1}, Assessment: a,
	})
	require.NoError(t, err)
	assert.False(t, r.WeightedScores.Passed)
	assert.Equal(t, DecisionDecline, r.ExecutiveMemo.Decision)
	require.Len(t, r.ExecutiveMemo.TopRisks, 3)
	assert.Equal(t, "critical", r.ExecutiveMemo.TopRisks[0].Text)
	assert.Equal(t, []string{"e9"}, r.ExecutiveMemo.TopRisks[0].CitationRefs)
	assert.Equal(t, "high", r.ExecutiveMemo.TopRisks[1].Text)
	assert.Empty(t, r.Quality.Signals)
}

func TestLinksForUnknownClaimsAreRejected(t *testing.T) {
	_, err := NewSynthesizer(zaptest.NewLogger(t)).Synthesize(Input{
		Execution:  execution(),
		Thesis:     twoCategoryThesis(),
		Assessment: &Assessment{Scores: map[string]float64{}},
		Links:      &citation.Result{ByClaim: map[string][]string{"ghost": {"e1"}}},
	})
	assert.True(t, errs.IsIntegrity(err))
}

func TestMemoryStoreInsertOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := &models.Report{ID: "r1", ExecutionID: "exec-1", CompanyName: "Acme", CitationMap: map[string][]string{"c": {"e"}}}
	require.NoError(t, s.Save(ctx, r))

	assert.True(t, errs.IsConflict(s.Save(ctx, r)))
	assert.True(t, errs.IsConflict(s.Save(ctx, &models.Report{ID: "r2", ExecutionID: "exec-1"})))

	r.CompanyName = "mutated"
	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.CompanyName)

	byExec, err := s.GetByExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", byExec.ID)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))
}
