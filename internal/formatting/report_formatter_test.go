package formatting

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

func sampleReport() *models.Report {
	return &models.Report{
		ID:          "rep-1",
		CompanyName: "Acme",
		ThesisID:    "general",
		WeightedScores: models.WeightedScores{
			Total: 71.25, Threshold: 60, Passed: true,
			Breakdown: []models.CategoryScore{{Category: "market", Weight: 60, RawScore: 80, AdjustedScore: 80, WeightedScore: 48, EvidenceCount: 3}},
		},
		ExecutiveMemo: models.ExecutiveMemo{
			Summary:    "Acme is a growing logistics platform.",
			Decision:   "proceed",
			TopUpsides: []models.MemoPoint{{Text: "Revenue doubled", CitationRefs: []string{"ev-2", "ev-1"}}},
			TopRisks:   []models.MemoPoint{{Text: "Customer concentration", Unverified: true}},
		},
		DeepDiveSections: []models.DeepDiveSection{
			{Title: "Market", Score: 80, Findings: []models.Finding{{Text: "Leads its region", EvidenceRefs: []string{"ev-1"}}}},
			{Title: "Team", Score: 0},
		},
		RiskRegister: []models.Risk{
			{Title: "Key person", Severity: models.SeverityLow},
			{Title: "Churn", Severity: models.SeverityHigh, Mitigation: "price locks", EvidenceRefs: []string{"ev-3"}},
		},
		Quality: models.ReportQuality{EvidenceQuality: 0.8, EvidenceCoverage: 0.5, MissingCritical: []string{"team"}},
	}
}

func TestMarkdownNumbersSourcesByFirstCitation(t *testing.T) {
	r := sampleReport()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	md := Markdown(r, map[string]*models.EvidenceItem{
		"ev-1": {ID: "ev-1", Source: models.EvidenceSource{URL: "https://acme.example/about", Tool: "html_collector", RetrievedAt: at}},
		"ev-2": {ID: "ev-2", Source: models.EvidenceSource{Query: "acme revenue", Tool: "web_search"}},
	})

	assert.True(t, strings.HasPrefix(md, "# Due diligence: Acme\n"))
	assert.Contains(t, md, "Score **71.2** against a threshold of 60 (passed). Decision: **proceed**.")
	assert.Contains(t, md, "- Revenue doubled [1][2]\n")
	assert.Contains(t, md, "- Customer concentration _(unverified)_\n")
	assert.Contains(t, md, "| market | 60 | 80.0 | 80.0 | 48.00 | 3 |")
	assert.Contains(t, md, "- Leads its region [2]\n")
	assert.Contains(t, md, "## Team (0.0)\n\nNo findings.")
	assert.Contains(t, md, "Missing critical categories: team.")

	// High severity risks come first.
	assert.Less(t, strings.Index(md, "**high** Churn"), strings.Index(md, "**low** Key person"))
	assert.Contains(t, md, "- **high** Churn. Mitigation: price locks [3]\n")

	assert.True(t, strings.HasSuffix(md, "## Sources\n\n"+
		"[1] acme revenue (web_search)\n"+
		"[2] https://acme.example/about (html_collector, 2026-03-02)\n"+
		"[3] evidence ev-3\n"))
}

func TestCitedEvidence(t *testing.T) {
	assert.Equal(t, []string{"ev-2", "ev-1", "ev-3"}, CitedEvidence(sampleReport()))
	assert.Empty(t, CitedEvidence(&models.Report{}))
}

func TestMarkdownWithoutCitations(t *testing.T) {
	md := Markdown(&models.Report{CompanyName: "Acme"}, nil)
	assert.NotContains(t, md, "## Sources")
	assert.True(t, strings.HasSuffix(md, "\n"))
	assert.False(t, strings.HasSuffix(md, "\n\n"))
	assert.Empty(t, Markdown(nil, nil))
}
