// Package formatting renders reports for people: Markdown with numbered inline
// citations and a Sources section built from the cited evidence.
package formatting

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// Sources numbers evidence ids in the order they are first cited.
type Sources struct {
	order []string
	index map[string]int
}

func newSources() *Sources { return &Sources{index: make(map[string]int)} }

// refs returns inline markers like "[1][3]" for evidence ids, numbering new ids.
func (s *Sources) refs(ids []string) string {
	var b strings.Builder
	for _, id := range ids {
		n, ok := s.index[id]
		if !ok {
			s.order = append(s.order, id)
			n = len(s.order)
			s.index[id] = n
		}
		fmt.Fprintf(&b, "[%d]", n)
	}
	return b.String()
}

// IDs returns the cited evidence ids in citation order.
func (s *Sources) IDs() []string { return append([]string(nil), s.order...) }

// CitedEvidence returns every evidence id referenced anywhere in the report,
// in the order Markdown numbers them. Callers use it to fetch the items
// passed to Markdown.
func CitedEvidence(r *models.Report) []string {
	s := newSources()
	walk(r, s, &strings.Builder{})
	return s.IDs()
}

// Markdown renders r. evidence maps evidence ids to items; ids missing from it
// are listed by id only.
func Markdown(r *models.Report, evidence map[string]*models.EvidenceItem) string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	s := newSources()
	walk(r, s, &b)

	if len(s.order) == 0 {
		return strings.TrimRight(b.String(), "\n") + "\n"
	}
	b.WriteString("## Sources\n\n")
	for i, id := range s.order {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, sourceLine(id, evidence[id]))
	}
	return b.String()
}

func walk(r *models.Report, s *Sources, b *strings.Builder) {
	ws := r.WeightedScores
	outcome := "below threshold"
	if ws.Passed {
		outcome = "passed"
	}
	fmt.Fprintf(b, "# Due diligence: %s\n\n", r.CompanyName)
	fmt.Fprintf(b, "Thesis `%s`. Score **%.1f** against a threshold of %.0f (%s). Decision: **%s**.\n\n",
		r.ThesisID, ws.Total, ws.Threshold, outcome, r.ExecutiveMemo.Decision)

	b.WriteString("## Executive memo\n\n")
	if r.ExecutiveMemo.Summary != "" {
		b.WriteString(r.ExecutiveMemo.Summary + "\n\n")
	}
	memoPoints(b, s, "Upsides", r.ExecutiveMemo.TopUpsides)
	memoPoints(b, s, "Risks", r.ExecutiveMemo.TopRisks)

	if len(ws.Breakdown) > 0 {
		b.WriteString("## Score breakdown\n\n")
		b.WriteString("| Category | Weight | Raw | Adjusted | Weighted | Evidence |\n")
		b.WriteString("|---|---:|---:|---:|---:|---:|\n")
		for _, c := range ws.Breakdown {
			fmt.Fprintf(b, "| %s | %.0f | %.1f | %.1f | %.2f | %d |\n",
				c.Category, c.Weight, c.RawScore, c.AdjustedScore, c.WeightedScore, c.EvidenceCount)
		}
		b.WriteString("\n")
	}

	for _, sec := range r.DeepDiveSections {
		fmt.Fprintf(b, "## %s (%.1f)\n\n", sec.Title, sec.Score)
		if len(sec.Findings) == 0 {
			b.WriteString("No findings.\n\n")
			continue
		}
		for _, f := range sec.Findings {
			fmt.Fprintf(b, "- %s%s\n", f.Text, suffix(s, f.EvidenceRefs, f.Unverified))
		}
		b.WriteString("\n")
	}

	if len(r.RiskRegister) > 0 {
		b.WriteString("## Risk register\n\n")
		risks := append([]models.Risk(nil), r.RiskRegister...)
		sort.SliceStable(risks, func(i, j int) bool { return risks[i].Severity.Rank() > risks[j].Severity.Rank() })
		for _, rk := range risks {
			line := fmt.Sprintf("- **%s** %s", rk.Severity, rk.Title)
			if rk.Mitigation != "" {
				line += ". Mitigation: " + rk.Mitigation
			}
			fmt.Fprintf(b, "%s%s\n", line, suffix(s, rk.EvidenceRefs, false))
		}
		b.WriteString("\n")
	}

	if len(r.ValueCreationRoadmap) > 0 {
		b.WriteString("## Value creation roadmap\n\n")
		for _, in := range r.ValueCreationRoadmap {
			var meta []string
			if in.Timeline != "" {
				meta = append(meta, in.Timeline)
			}
			if in.Impact != "" {
				meta = append(meta, in.Impact+" impact")
			}
			line := "- " + in.Title
			if len(meta) > 0 {
				line += " (" + strings.Join(meta, ", ") + ")"
			}
			fmt.Fprintf(b, "%s%s\n", line, suffix(s, in.EvidenceRefs, false))
		}
		b.WriteString("\n")
	}

	q := r.Quality
	b.WriteString("## Evidence quality\n\n")
	fmt.Fprintf(b, "Quality %.2f, coverage %.0f%%, penalty %.2f.", q.EvidenceQuality, q.EvidenceCoverage*100, q.Penalty)
	if len(q.MissingCritical) > 0 {
		fmt.Fprintf(b, " Missing critical categories: %s.", strings.Join(q.MissingCritical, ", "))
	}
	b.WriteString("\n\n")
	if len(r.UnverifiedClaims) > 0 {
		fmt.Fprintf(b, "%d claim(s) could not be linked to evidence.\n\n", len(r.UnverifiedClaims))
	}
}

func memoPoints(b *strings.Builder, s *Sources, title string, points []models.MemoPoint) {
	if len(points) == 0 {
		return
	}
	fmt.Fprintf(b, "### %s\n\n", title)
	for _, p := range points {
		fmt.Fprintf(b, "- %s%s\n", p.Text, suffix(s, p.CitationRefs, p.Unverified))
	}
	b.WriteString("\n")
}

func suffix(s *Sources, refs []string, unverified bool) string {
	if len(refs) > 0 {
		return " " + s.refs(refs)
	}
	if unverified {
		return " _(unverified)_"
	}
	return ""
}

func sourceLine(id string, it *models.EvidenceItem) string {
	if it == nil {
		return "evidence " + id
	}
	where := it.Source.URL
	if where == "" {
		where = it.Source.Query
	}
	if where == "" {
		where = "evidence " + id
	}
	meta := it.Source.Tool
	if !it.Source.RetrievedAt.IsZero() {
		meta += ", " + it.Source.RetrievedAt.UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("%s (%s)", where, meta)
}
