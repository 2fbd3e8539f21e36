package thesis

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/config"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/quality"
)

const customThesis = `id: saas-scaleup
name: SaaS Scale-up
threshold: 65
penalty_policy:
  name: proportional
  max: 0.3
required_stages: [search_discovery]
categories:
  - name: A
    weight: 60
    critical: true
    penalty: 0.2
    queries: ["{company} growth", "site:{domain} pricing"]
  - name: B
    weight: 40
`

func TestPresetsAreValid(t *testing.T) {
	reg, err := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, err)

	ids := make([]string, 0)
	for _, s := range reg.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"accelerate-organic-growth", "buy-and-build", "digital-transformation", "general"}, ids)

	for _, id := range ids {
		th, err := reg.Get(id)
		require.NoError(t, err)
		require.NoError(t, Validate(th), id)
		assert.NotEmpty(t, th.CriticalCategories(), id)
	}

	def, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, DefaultID, def.ID)
}

func TestParseCustomThesis(t *testing.T) {
	th, err := Parse([]byte(customThesis), "fallback")
	require.NoError(t, err)

	assert.Equal(t, "saas-scaleup", th.ID)
	assert.Equal(t, map[string]float64{"A": 60, "B": 40}, th.Weights())
	assert.Equal(t, []string{"A"}, th.CriticalCategories())

	cl := th.Checklist()
	require.Len(t, cl.Categories, 1)
	assert.Equal(t, 0.2, cl.Categories[0].Penalty)
	assert.Equal(t, "proportional", cl.Policy.Name)

	q := th.Queries("Acme", "acme.io")
	assert.Equal(t, []string{"Acme growth", "site:acme.io pricing"}, q["A"])
	assert.Empty(t, q["B"])
}

func TestValidateWeightsMustSumTo100(t *testing.T) {
	bad := []byte(`id: off
threshold: 50
categories:
  - name: A
    weight: 60
  - name: B
    weight: 30
`)
	_, err := Parse(bad, "off")
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Issues, 1)
	assert.Equal(t, "weight_sum", verr.Issues[0].Code)

	assert.NoError(t, ValidateWeights(map[string]float64{"a": 33.3, "b": 33.3, "c": 33.4}))
	assert.True(t, errs.IsConfig(ValidateWeights(nil)))
}

func TestValidateCollectsIssues(t *testing.T) {
	th := &Thesis{
		Threshold: 120,
		Categories: []Category{
			{Name: "A", Weight: 50, Penalty: 0.2},
			{Name: "A", Weight: 50},
		},
		RequiredStages: []string{"site_crawl", "site_crawl"},
	}
	err := Validate(th)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	codes := make([]string, 0, len(verr.Issues))
	for _, i := range verr.Issues {
		codes = append(codes, i.Code)
	}
	assert.ElementsMatch(t, []string{"missing_id", "threshold_range", "duplicate_category", "penalty_not_critical", "weight_sum", "duplicate_stage"}, codes)
}

func TestCriticalCategoryWithoutPenaltyIsStillPenalized(t *testing.T) {
	th := &Thesis{
		ID:        "lean",
		Threshold: 60,
		Categories: []Category{
			{Name: "financials", Weight: 60, Critical: true},
			{Name: "team", Weight: 40},
		},
	}
	require.NoError(t, Validate(th))

	s, err := quality.NewScorer(th.Checklist())
	require.NoError(t, err)
	res := s.Evaluate(nil)
	assert.Equal(t, []string{"financials"}, res.MissingCritical)
	assert.Greater(t, res.Penalty, 0.0)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("id: x\nthreshold: 10\nweigths: {}\n"), "x")
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))
}

func TestUnknownPenaltyPolicy(t *testing.T) {
	th, err := Parse([]byte(customThesis), "x")
	require.NoError(t, err)
	th.PenaltyPolicy.Name = "exotic"
	assert.True(t, errs.IsConfig(Validate(th)))
}

func TestGetUnknownThesis(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	_, err = reg.Get("nope")
	assert.True(t, errs.IsNotFound(err))
}

func TestGetReturnsCopy(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	th, err := reg.Get("general")
	require.NoError(t, err)
	th.Categories[0].Weight = 99

	again, err := reg.Get("general")
	require.NoError(t, err)
	assert.Equal(t, 20.0, again.Categories[0].Weight)
}

func TestLoadDirectoryPartialFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "saas.yaml"), []byte(customThesis), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: broken\ncategories: []\n"), 0o644))

	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	err = reg.LoadDirectory(dir)
	require.Error(t, err)
	var lerr *LoadError
	require.True(t, errors.As(err, &lerr))
	assert.Len(t, lerr.Failures, 1)

	_, err = reg.Get("saas-scaleup")
	assert.NoError(t, err)
}

func TestWatchHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "general.yaml")
	override := []byte(`id: general
threshold: 75
categories:
  - name: only
    weight: 100
    critical: true
    penalty: 0.5
`)
	require.NoError(t, os.WriteFile(path, override, 0o644))

	reg, err := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, err)
	m, err := config.NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	reg.Watch(m)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	th, err := reg.Get("general")
	require.NoError(t, err)
	assert.Equal(t, 75.0, th.Threshold)

	// An invalid edit is rejected and the last good version stays.
	require.NoError(t, os.WriteFile(path, []byte("id: general\nthreshold: 75\ncategories:\n  - name: only\n    weight: 90\n"), 0o644))
	require.Error(t, m.ReloadConfig("general.yaml"))
	th, err = reg.Get("general")
	require.NoError(t, err)
	assert.Equal(t, 100.0, th.Categories[0].Weight)

	// Removing the file restores the preset.
	require.NoError(t, os.Remove(path))
	assert.Eventually(t, func() bool {
		th, err := reg.Get("general")
		return err == nil && th.Threshold == 60
	}, 5*time.Second, 20*time.Millisecond)
}
