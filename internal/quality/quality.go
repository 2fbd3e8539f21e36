// Package quality scores an evidence collection against a thesis checklist of
// critical categories and derives the penalty applied to raw category scores.
package quality

import (
	"sort"

	"github.com/samber/lo"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

// CriticalCategory is an evidence category the thesis expects to be covered.
// Penalty is the share deducted when the category has no evidence at all;
// how it is used depends on the policy.
type CriticalCategory struct {
	Name    string  `yaml:"name" json:"name"`
	Penalty float64 `yaml:"penalty" json:"penalty"`
}

// Checklist is the expected-evidence definition for one thesis.
type Checklist struct {
	Categories []CriticalCategory `yaml:"categories" json:"categories"`

	// ConfidenceFloor is the confidence an item must exceed to count toward coverage.
	ConfidenceFloor float64 `yaml:"confidence_floor" json:"confidence_floor"`

	Policy PolicySpec `yaml:"penalty_policy" json:"penalty_policy"`
}

// Result is the quality assessment of one evidence snapshot.
type Result struct {
	EvidenceQuality  float64        `json:"evidence_quality"`
	EvidenceCoverage float64        `json:"evidence_coverage"`
	Penalty          float64        `json:"penalty"`
	MissingCritical  []string       `json:"missing_critical"`
	WeakCategories   []string       `json:"weak_categories"`
	CategoryCounts   map[string]int `json:"category_counts"`
	ItemCount        int            `json:"item_count"`
	HighQuality      int            `json:"high_quality"`
}

// Scorer evaluates evidence with a fixed checklist and policy.
type Scorer struct {
	checklist Checklist
	policy    PenaltyPolicy
}

// NewScorer resolves the checklist's policy. An unknown policy is a configuration error.
func NewScorer(c Checklist) (*Scorer, error) {
	for _, cat := range c.Categories {
		if cat.Name == "" {
			return nil, errs.Config("checklist category without a name")
		}
		if cat.Penalty < 0 || cat.Penalty > 1 {
			return nil, errs.Config("checklist category %s: penalty %.3f outside [0,1]", cat.Name, cat.Penalty)
		}
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor >= 1 {
		return nil, errs.Config("confidence floor %.3f outside [0,1)", c.ConfidenceFloor)
	}
	p, err := Resolve(c.Policy)
	if err != nil {
		return nil, err
	}
	return &Scorer{checklist: c, policy: p}, nil
}

// Evaluate computes quality, coverage and penalty. Items are ordered by id
// before any summation so that the same snapshot always yields the same result
// regardless of retrieval order.
func (s *Scorer) Evaluate(items []*models.EvidenceItem) Result {
	sorted := make([]*models.EvidenceItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	res := Result{CategoryCounts: make(map[string]int), ItemCount: len(sorted)}
	aboveFloor := make(map[string]bool)
	var sum float64
	for _, it := range sorted {
		sum += it.Metadata.Confidence
		if it.Metadata.Confidence >= models.HighQualityConfidence {
			res.HighQuality++
		}
		if it.Category == "" {
			continue
		}
		res.CategoryCounts[it.Category]++
		if it.Metadata.Confidence > s.checklist.ConfidenceFloor {
			aboveFloor[it.Category] = true
		}
	}
	if len(sorted) > 0 {
		res.EvidenceQuality = util.Round(sum/float64(len(sorted)), 4)
	}

	var missing []CriticalCategory
	covered := 0
	for _, cat := range s.checklist.Categories {
		switch {
		case res.CategoryCounts[cat.Name] == 0:
			missing = append(missing, cat)
			res.MissingCritical = append(res.MissingCritical, cat.Name)
		case !aboveFloor[cat.Name]:
			res.WeakCategories = append(res.WeakCategories, cat.Name)
		default:
			covered++
		}
	}
	if n := len(s.checklist.Categories); n > 0 {
		res.EvidenceCoverage = util.Round(float64(covered)/float64(n), 4)
	} else {
		res.EvidenceCoverage = 1
	}
	res.Penalty = util.Round(util.Clamp(s.policy.Penalty(missing, len(s.checklist.Categories)), 0, 1), 4)
	return res
}

// Adjust applies the penalty to a raw score: clamp(raw, 0, 100) × (1 − penalty).
// The result never exceeds the clamped raw score.
func (r Result) Adjust(raw float64) float64 {
	return util.Clamp(raw, 0, 100) * (1 - util.Clamp(r.Penalty, 0, 1))
}

// IsMissing reports whether category is in the missing-critical list.
func (r Result) IsMissing(category string) bool {
	return lo.Contains(r.MissingCritical, category)
}
