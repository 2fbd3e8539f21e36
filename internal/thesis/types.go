// Package thesis defines the weighted investment theses a target is scored
// against and keeps a hot-reloadable catalogue of them.
package thesis

import (
	"sort"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/quality"
)

// Category is one weighted evaluation dimension of a thesis.
type Category struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Weight      float64 `yaml:"weight" json:"weight"`

	// Critical categories must be evidenced; Penalty is deducted when they are not.
	Critical bool    `yaml:"critical,omitempty" json:"critical,omitempty"`
	Penalty  float64 `yaml:"penalty,omitempty" json:"penalty,omitempty"`

	// Queries are search templates; {company} and {domain} are substituted.
	Queries []string `yaml:"queries,omitempty" json:"queries,omitempty"`
	// Pages are site paths crawled for this category, relative to the target domain.
	Pages []string `yaml:"pages,omitempty" json:"pages,omitempty"`
}

// Thesis is a weighted set of evaluation categories with a pass threshold.
type Thesis struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Threshold is the weighted total (0-100) a target must reach to pass.
	Threshold  float64    `yaml:"threshold" json:"threshold"`
	Categories []Category `yaml:"categories" json:"categories"`

	ConfidenceFloor float64            `yaml:"confidence_floor,omitempty" json:"confidence_floor,omitempty"`
	PenaltyPolicy   quality.PolicySpec `yaml:"penalty_policy,omitempty" json:"penalty_policy,omitempty"`

	// RequiredStages must be present in the execution plan.
	RequiredStages []string `yaml:"required_stages,omitempty" json:"required_stages,omitempty"`
	FocusAreas     []string `yaml:"focus_areas,omitempty" json:"focus_areas,omitempty"`
}

// Weights returns category weights keyed by name.
func (t *Thesis) Weights() map[string]float64 {
	out := make(map[string]float64, len(t.Categories))
	for _, c := range t.Categories {
		out[c.Name] = c.Weight
	}
	return out
}

// CategoryNames returns category names in declaration order.
func (t *Thesis) CategoryNames() []string {
	out := make([]string, len(t.Categories))
	for i, c := range t.Categories {
		out[i] = c.Name
	}
	return out
}

// CriticalCategories returns the names of critical categories, sorted.
func (t *Thesis) CriticalCategories() []string {
	var out []string
	for _, c := range t.Categories {
		if c.Critical {
			out = append(out, c.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Category looks up a category by name.
func (t *Thesis) Category(name string) (Category, bool) {
	for _, c := range t.Categories {
		if c.Name == name {
			return c, true
		}
	}
	return Category{}, false
}

// Checklist is the quality checklist derived from the critical categories.
func (t *Thesis) Checklist() quality.Checklist {
	cl := quality.Checklist{
		ConfidenceFloor: t.ConfidenceFloor,
		Policy:          t.PenaltyPolicy,
	}
	for _, c := range t.Categories {
		if c.Critical {
			cl.Categories = append(cl.Categories, quality.CriticalCategory{Name: c.Name, Penalty: c.Penalty})
		}
	}
	return cl
}

// Queries expands the search templates of every category for a target.
// The result maps category name to concrete queries.
func (t *Thesis) Queries(company, domain string) map[string][]string {
	r := strings.NewReplacer("{company}", company, "{domain}", domain)
	out := make(map[string][]string, len(t.Categories))
	for _, c := range t.Categories {
		for _, q := range c.Queries {
			out[c.Name] = append(out[c.Name], strings.TrimSpace(r.Replace(q)))
		}
	}
	return out
}

// Clone returns a deep copy.
func (t *Thesis) Clone() *Thesis {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Categories = make([]Category, len(t.Categories))
	for i, c := range t.Categories {
		c.Queries = append([]string(nil), c.Queries...)
		c.Pages = append([]string(nil), c.Pages...)
		cp.Categories[i] = c
	}
	cp.RequiredStages = append([]string(nil), t.RequiredStages...)
	cp.FocusAreas = append([]string(nil), t.FocusAreas...)
	return &cp
}
