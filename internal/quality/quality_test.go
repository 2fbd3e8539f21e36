package quality

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

func ev(id, category string, conf float64) *models.EvidenceItem {
	return &models.EvidenceItem{ID: id, Category: category, Metadata: models.EvidenceMetadata{Confidence: conf}}
}

func checklist(policy PolicySpec) Checklist {
	return Checklist{
		Categories: []CriticalCategory{
			{Name: "financial", Penalty: 0.15},
			{Name: "market", Penalty: 0.10},
			{Name: "technical", Penalty: 0.05},
		},
		ConfidenceFloor: 0.4,
		Policy:          policy,
	}
}

func TestEvaluateMissingCategoryPenalized(t *testing.T) {
	s, err := NewScorer(checklist(PolicySpec{Name: "fixed"}))
	require.NoError(t, err)

	res := s.Evaluate([]*models.EvidenceItem{
		ev("1", "market", 0.8),
		ev("2", "market", 0.6),
		ev("3", "technical", 0.3),
	})
	assert.Equal(t, []string{"financial"}, res.MissingCritical)
	assert.Equal(t, []string{"technical"}, res.WeakCategories)
	assert.InDelta(t, 0.15, res.Penalty, 1e-9)
	assert.Greater(t, res.Penalty, 0.0)
	assert.InDelta(t, 1.0/3.0, res.EvidenceCoverage, 1e-4)
	assert.InDelta(t, (0.8+0.6+0.3)/3, res.EvidenceQuality, 1e-4)
	assert.Equal(t, 1, res.HighQuality)
	assert.True(t, res.IsMissing("financial"))
	assert.False(t, res.IsMissing("market"))
}

func TestEvaluateIsDeterministic(t *testing.T) {
	s, err := NewScorer(checklist(PolicySpec{Name: "proportional", Max: 0.3}))
	require.NoError(t, err)

	var items []*models.EvidenceItem
	for i := 0; i < 50; i++ {
		items = append(items, ev(fmt.Sprintf("item-%02d", i), []string{"market", "team", ""}[i%3], float64(i%10)/10+0.01))
	}
	first := s.Evaluate(items)
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]*models.EvidenceItem(nil), items...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		if diff := cmp.Diff(first, s.Evaluate(shuffled)); diff != "" {
			t.Fatalf("evaluation depends on order (-first +shuffled):\n%s", diff)
		}
	}
	assert.InDelta(t, 0.3*2/3, first.Penalty, 1e-4)
}

func TestAdjustNeverExceedsRaw(t *testing.T) {
	for _, penalty := range []float64{0, 0.1, 0.5, 1, 1.7, -0.2} {
		r := Result{Penalty: penalty}
		for _, raw := range []float64{-10, 0, 35.5, 80, 100, 140} {
			adj := r.Adjust(raw)
			clamped := raw
			if clamped < 0 {
				clamped = 0
			}
			if clamped > 100 {
				clamped = 100
			}
			assert.LessOrEqual(t, adj, clamped, "penalty=%v raw=%v", penalty, raw)
			assert.GreaterOrEqual(t, adj, 0.0)
		}
	}
	assert.InDelta(t, 68.0, Result{Penalty: 0.15}.Adjust(80), 1e-9)
}

func TestPenaltyClampedToOne(t *testing.T) {
	s, err := NewScorer(Checklist{Categories: []CriticalCategory{
		{Name: "a", Penalty: 0.7}, {Name: "b", Penalty: 0.7},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Evaluate(nil).Penalty)
}

func TestFixedDefaultsUnsetCategoryPenalty(t *testing.T) {
	s, err := NewScorer(Checklist{Categories: []CriticalCategory{
		{Name: "financial"},
		{Name: "market", Penalty: 0.2},
	}})
	require.NoError(t, err)

	res := s.Evaluate([]*models.EvidenceItem{ev("1", "market", 0.9)})
	assert.Equal(t, []string{"financial"}, res.MissingCritical)
	assert.InDelta(t, DefaultCategoryPenalty, res.Penalty, 1e-9)

	res = s.Evaluate(nil)
	assert.InDelta(t, DefaultCategoryPenalty+0.2, res.Penalty, 1e-9)
}

func TestNonePolicyAndEmptyChecklist(t *testing.T) {
	s, err := NewScorer(checklist(PolicySpec{Name: "none"}))
	require.NoError(t, err)
	res := s.Evaluate(nil)
	assert.Zero(t, res.Penalty)
	assert.Len(t, res.MissingCritical, 3)

	s, err = NewScorer(Checklist{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Evaluate(nil).EvidenceCoverage)
}

func TestNewScorerRejectsBadConfig(t *testing.T) {
	_, err := NewScorer(checklist(PolicySpec{Name: "quadratic"}))
	assert.True(t, errs.IsConfig(err))
	_, err = NewScorer(checklist(PolicySpec{Name: "proportional"}))
	assert.True(t, errs.IsConfig(err))
	_, err = NewScorer(Checklist{Categories: []CriticalCategory{{Name: "x", Penalty: 2}}})
	assert.True(t, errs.IsConfig(err))
	_, err = NewScorer(Checklist{ConfidenceFloor: 1})
	assert.True(t, errs.IsConfig(err))
}

type halfPolicy struct{}

func (halfPolicy) Name() string                           { return "half" }
func (halfPolicy) Penalty([]CriticalCategory, int) float64 { return 0.5 }

func TestRegisterCustomPolicy(t *testing.T) {
	Register("half", func(PolicySpec) (PenaltyPolicy, error) { return halfPolicy{}, nil })
	assert.Contains(t, Policies(), "half")
	s, err := NewScorer(checklist(PolicySpec{Name: "half"}))
	require.NoError(t, err)
	assert.Equal(t, 0.5, s.Evaluate(nil).Penalty)
}
