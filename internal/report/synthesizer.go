package report

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/citation"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/quality"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/thesis"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

// Quality signals attached to a report.
const (
	SignalRiskRegisterEmpty = "risk_register_empty"
	SignalRoadmapEmpty      = "value_creation_roadmap_empty"
	SignalMissingCritical   = "missing_critical_evidence"
	SignalUnverifiedClaims  = "unverified_claims"
	SignalNoEvidence        = "no_evidence"
)

// Memo decisions.
const (
	DecisionProceed = "proceed"
	DecisionDecline = "decline"
)

const memoPoints = 3

// Input is everything synthesis needs. Links may be nil when no claims were made.
type Input struct {
	ReportID    string
	Execution   *models.PipelineExecution
	Thesis      *thesis.Thesis
	Quality     quality.Result
	Assessment  *Assessment
	Links       *citation.Result
	GeneratedAt time.Time
}

// Synthesizer builds reports. It holds no state between calls.
type Synthesizer struct {
	logger *zap.Logger
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{logger: logger}
}

// Synthesize assembles the report. Thesis weights that do not sum to 100 fail
// with a configuration error; they are never renormalized.
func (s *Synthesizer) Synthesize(in Input) (*models.Report, error) {
	if in.Execution == nil || in.Thesis == nil || in.Assessment == nil {
		return nil, errs.Invalid("synthesis needs an execution, a thesis and an assessment")
	}
	if err := thesis.ValidateWeights(in.Thesis.Weights()); err != nil {
		return nil, errs.WithHintf(err, "fix the weights of thesis %s", in.Thesis.ID)
	}
	links := in.Links
	if links == nil {
		links = &citation.Result{ByClaim: map[string][]string{}}
	}
	if err := checkLinks(in.Assessment, links); err != nil {
		return nil, err
	}

	id := in.ReportID
	if id == "" {
		id = uuid.New().String()
	}
	created := in.GeneratedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	scores := WeightedScores(in.Thesis, in.Assessment.Scores, in.Quality)
	r := &models.Report{
		ID:                   id,
		ExecutionID:          in.Execution.ID,
		TargetID:             in.Execution.TargetID,
		CompanyName:          in.Execution.TargetName,
		ThesisID:             in.Thesis.ID,
		WeightedScores:       scores,
		DeepDiveSections:     sections(in.Thesis, scores, in.Assessment.Findings, links),
		RiskRegister:         append([]models.Risk{}, in.Assessment.Risks...),
		ValueCreationRoadmap: append([]models.Initiative{}, in.Assessment.Roadmap...),
		CitationMap:          citationMap(links),
		UnverifiedClaims:     lo.Map(links.Unverified, func(c citation.Claim, _ int) string { return c.ID }),
		CreatedAt:            created,
	}
	r.ExecutiveMemo = memo(in, scores, links)
	r.Quality = qualityBlock(in.Quality, r)

	metrics.ReportsSynthesized.WithLabelValues(in.Thesis.ID, strconv.FormatBool(scores.Passed)).Inc()
	s.logger.Info("Report synthesized",
		zap.String("execution_id", in.Execution.ID),
		zap.String("report_id", id),
		zap.Float64("total", scores.Total),
		zap.Bool("passed", scores.Passed),
		zap.Strings("signals", r.Quality.Signals),
	)
	return r, nil
}

// WeightedScores computes the per-category breakdown. Each weighted entry is
// adjusted × weight / 100 rounded to two places and the total is the sum of
// the rounded entries, so the breakdown always adds up to the total.
func WeightedScores(t *thesis.Thesis, raw map[string]float64, q quality.Result) models.WeightedScores {
	out := models.WeightedScores{Threshold: t.Threshold}
	var total float64
	for _, c := range t.Categories {
		r := util.Clamp(raw[c.Name], 0, 100)
		adjusted := util.Round(q.Adjust(r), 2)
		weighted := util.Round(adjusted*c.Weight/100, 2)
		total += weighted
		out.Breakdown = append(out.Breakdown, models.CategoryScore{
			Category:      c.Name,
			Weight:        c.Weight,
			RawScore:      r,
			AdjustedScore: adjusted,
			WeightedScore: weighted,
			EvidenceCount: q.CategoryCounts[c.Name],
		})
	}
	out.Total = util.Round(total, 2)
	out.Passed = out.Total >= t.Threshold
	return out
}

// checkLinks rejects citation results that reference claims the assessment never made.
func checkLinks(a *Assessment, links *citation.Result) error {
	known := lo.SliceToMap(a.Claims(), func(c citation.Claim) (string, struct{}) { return c.ID, struct{}{} })
	for claimID := range links.ByClaim {
		if _, ok := known[claimID]; !ok {
			return errs.Integrity("citation references unknown claim %s", claimID)
		}
	}
	return nil
}

func sections(t *thesis.Thesis, scores models.WeightedScores, findings []citation.Claim, links *citation.Result) []models.DeepDiveSection {
	byCategory := lo.GroupBy(findings, func(c citation.Claim) string { return c.Category })
	adjusted := lo.SliceToMap(scores.Breakdown, func(cs models.CategoryScore) (string, float64) {
		return cs.Category, cs.AdjustedScore
	})

	out := make([]models.DeepDiveSection, 0, len(t.Categories)+1)
	for _, c := range t.Categories {
		title := c.Description
		if title == "" {
			title = humanize(c.Name)
		}
		out = append(out, models.DeepDiveSection{
			Kind:     models.SectionKindFor(c.Name),
			Category: c.Name,
			Title:    title,
			Score:    adjusted[c.Name],
			Findings: toFindings(byCategory[c.Name], links),
		})
		delete(byCategory, c.Name)
	}

	// Findings outside the thesis categories are kept in one unknown section.
	if len(byCategory) > 0 {
		keys := lo.Keys(byCategory)
		sort.Strings(keys)
		var rest []citation.Claim
		for _, k := range keys {
			rest = append(rest, byCategory[k]...)
		}
		out = append(out, models.DeepDiveSection{
			Kind:     models.SectionUnknown,
			Category: "other",
			Title:    "Other findings",
			Findings: toFindings(rest, links),
		})
	}
	return out
}

func toFindings(claims []citation.Claim, links *citation.Result) []models.Finding {
	out := make([]models.Finding, 0, len(claims))
	for _, c := range claims {
		refs := links.ByClaim[c.ID]
		out = append(out, models.Finding{
			ClaimID:      c.ID,
			Text:         c.Text,
			Confidence:   c.Confidence,
			EvidenceRefs: append([]string(nil), refs...),
			Unverified:   len(refs) == 0,
		})
	}
	return out
}

func citationMap(links *citation.Result) map[string][]string {
	out := make(map[string][]string, len(links.ByClaim))
	for claimID, ids := range links.ByClaim {
		out[claimID] = append([]string(nil), ids...)
	}
	return out
}

func memo(in Input, scores models.WeightedScores, links *citation.Result) models.ExecutiveMemo {
	m := models.ExecutiveMemo{Decision: DecisionDecline}
	if scores.Passed {
		m.Decision = DecisionProceed
	}
	m.Summary = in.Assessment.Summary
	if m.Summary == "" {
		m.Summary = fmt.Sprintf("%s scored %.2f against a threshold of %.2f on the %s thesis.",
			in.Execution.TargetName, scores.Total, scores.Threshold, in.Thesis.Name)
	}

	// Verified upsides first, then by confidence.
	ups := append([]citation.Claim(nil), in.Assessment.Upsides...)
	sort.SliceStable(ups, func(i, j int) bool {
		vi, vj := links.Verified(ups[i].ID), links.Verified(ups[j].ID)
		if vi != vj {
			return vi
		}
		return ups[i].Confidence > ups[j].Confidence
	})
	for _, u := range lo.Subset(ups, 0, memoPoints) {
		refs := links.ByClaim[u.ID]
		m.TopUpsides = append(m.TopUpsides, models.MemoPoint{
			Text:         u.Text,
			Category:     u.Category,
			CitationRefs: append([]string(nil), refs...),
			Unverified:   len(refs) == 0,
		})
	}

	risks := append([]models.Risk(nil), in.Assessment.Risks...)
	sort.SliceStable(risks, func(i, j int) bool { return risks[i].Severity.Rank() > risks[j].Severity.Rank() })
	for _, r := range lo.Subset(risks, 0, memoPoints) {
		m.TopRisks = append(m.TopRisks, models.MemoPoint{
			Text:         r.Title,
			Category:     r.Category,
			CitationRefs: append([]string(nil), r.EvidenceRefs...),
			Unverified:   len(r.EvidenceRefs) == 0,
		})
	}
	return m
}

func qualityBlock(q quality.Result, r *models.Report) models.ReportQuality {
	out := models.ReportQuality{
		EvidenceQuality:  q.EvidenceQuality,
		EvidenceCoverage: q.EvidenceCoverage,
		Penalty:          q.Penalty,
		MissingCritical:  append([]string{}, q.MissingCritical...),
	}
	if q.ItemCount == 0 {
		out.Signals = append(out.Signals, SignalNoEvidence)
	}
	if len(q.MissingCritical) > 0 {
		out.Signals = append(out.Signals, SignalMissingCritical)
	}
	if len(r.RiskRegister) == 0 {
		out.Signals = append(out.Signals, SignalRiskRegisterEmpty)
	}
	if len(r.ValueCreationRoadmap) == 0 {
		out.Signals = append(out.Signals, SignalRoadmapEmpty)
	}
	if len(r.UnverifiedClaims) > 0 {
		out.Signals = append(out.Signals, SignalUnverifiedClaims)
	}
	return out
}

func humanize(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
