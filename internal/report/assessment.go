// Package report synthesizes the final due-diligence report from thesis
// scoring, assessed findings and linked citations, and stores it insert-only.
package report

import (
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/citation"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// Assessment is what an assessor derived from the evidence of one execution.
// Findings are claims; their ids are the keys of the report's citation map.
type Assessment struct {
	// Scores holds raw category scores in [0,100] keyed by thesis category.
	Scores   map[string]float64  `json:"scores"`
	Findings []citation.Claim    `json:"findings"`
	Upsides  []citation.Claim    `json:"upsides,omitempty"`
	Risks    []models.Risk       `json:"risks,omitempty"`
	Roadmap  []models.Initiative `json:"roadmap,omitempty"`
	Summary  string              `json:"summary,omitempty"`
	// Model names the assessor that produced the scores.
	Model string `json:"model,omitempty"`
}

// Claims returns findings followed by upsides, the batch handed to the citation linker.
func (a *Assessment) Claims() []citation.Claim {
	out := make([]citation.Claim, 0, len(a.Findings)+len(a.Upsides))
	out = append(out, a.Findings...)
	return append(out, a.Upsides...)
}
