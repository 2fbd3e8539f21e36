package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/citation"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/quality"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/report"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/thesis"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

// AssessInput is the evidence snapshot an assessor works from.
type AssessInput struct {
	Execution *models.PipelineExecution
	Thesis    *thesis.Thesis
	Items     []*models.EvidenceItem
	Quality   quality.Result
}

// Assessor turns evidence into raw category scores, findings, upsides, risks
// and a value-creation roadmap.
type Assessor interface {
	Name() string
	Assess(ctx context.Context, in AssessInput) (*report.Assessment, error)
}

const (
	// fullDepth is the number of items a category needs for full depth credit.
	fullDepth           = 3
	findingsPerCategory = 2
	upsideScore         = 70
	weakScore           = 40
	claimTextLen        = 240
)

// HeuristicAssessor scores categories from evidence confidence and depth. It
// is deterministic: the same items always produce the same assessment.
type HeuristicAssessor struct{}

func (HeuristicAssessor) Name() string { return "heuristic" }

func (HeuristicAssessor) Assess(_ context.Context, in AssessInput) (*report.Assessment, error) {
	byCat := groupByCategory(in.Items)
	a := &report.Assessment{Scores: make(map[string]float64, len(in.Thesis.Categories)), Model: "heuristic"}
	for _, c := range in.Thesis.Categories {
		items := byCat[c.Name]
		score := categoryScore(items)
		a.Scores[c.Name] = score

		for i, it := range lo.Subset(rankByConfidence(items), 0, findingsPerCategory) {
			a.Findings = append(a.Findings, citation.Claim{
				ID:          fmt.Sprintf("%s-finding-%d", c.Name, i+1),
				Text:        claimText(it),
				Category:    c.Name,
				Confidence:  it.Metadata.Confidence,
				EvidenceIDs: []string{it.ID},
			})
		}

		label := strings.ReplaceAll(c.Name, "_", " ")
		switch {
		case len(items) == 0 && c.Critical:
			a.Risks = append(a.Risks, models.Risk{
				Title:      fmt.Sprintf("No evidence collected for critical category %s", label),
				Category:   c.Name,
				Severity:   models.SeverityHigh,
				Likelihood: "unknown",
				Mitigation: "Request management disclosure or commission an expert call",
			})
		case len(items) == 0:
			a.Risks = append(a.Risks, models.Risk{
				Title:    fmt.Sprintf("No evidence collected for %s", label),
				Category: c.Name,
				Severity: models.SeverityLow,
			})
		case score >= upsideScore:
			top := rankByConfidence(items)[0]
			a.Upsides = append(a.Upsides, citation.Claim{
				ID:          "upside-" + c.Name,
				Text:        fmt.Sprintf("Strong %s position: %s", label, claimText(top)),
				Category:    c.Name,
				Confidence:  util.Round(score/100, 4),
				EvidenceIDs: []string{top.ID},
			})
		case score < weakScore:
			a.Risks = append(a.Risks, models.Risk{
				Title:        fmt.Sprintf("Weak %s signals (score %.0f)", label, score),
				Category:     c.Name,
				Severity:     models.SeverityMedium,
				Likelihood:   "possible",
				EvidenceRefs: ids(items),
			})
		default:
			a.Roadmap = append(a.Roadmap, models.Initiative{
				Title:        fmt.Sprintf("Strengthen %s", label),
				Category:     c.Name,
				Timeline:     "0-12 months",
				Impact:       "medium",
				EvidenceRefs: ids(lo.Subset(rankByConfidence(items), 0, findingsPerCategory)),
			})
		}
	}
	return a, nil
}

// groupByCategory buckets items by category, each bucket sorted by id so
// floating-point sums do not depend on collection order.
func groupByCategory(items []*models.EvidenceItem) map[string][]*models.EvidenceItem {
	out := make(map[string][]*models.EvidenceItem)
	for _, it := range items {
		out[it.Category] = append(out[it.Category], it)
	}
	for _, bucket := range out {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].ID < bucket[j].ID })
	}
	return out
}

// categoryScore is mean confidence scaled by depth: half credit for a single
// item growing to full credit at fullDepth items.
func categoryScore(items []*models.EvidenceItem) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, it := range items {
		sum += it.Metadata.Confidence
	}
	mean := sum / float64(len(items))
	depth := util.Clamp(float64(len(items))/fullDepth, 0, 1)
	return util.Round(100*mean*(0.5+0.5*depth), 2)
}

func rankByConfidence(items []*models.EvidenceItem) []*models.EvidenceItem {
	out := append([]*models.EvidenceItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Metadata.Confidence != out[j].Metadata.Confidence {
			return out[i].Metadata.Confidence > out[j].Metadata.Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func claimText(it *models.EvidenceItem) string {
	text := it.Content.Summary
	if text == "" {
		text = it.Content.Text()
	}
	text = util.TruncateString(util.CollapseWhitespace(text), claimTextLen, true)
	if text == "" {
		text = it.Source.URL
	}
	return text
}

func ids(items []*models.EvidenceItem) []string {
	return lo.Map(items, func(it *models.EvidenceItem, _ int) string { return it.ID })
}

// ModelQuerier is the LLM service call used by ModelAssessor; *tools.ModelClient satisfies it.
type ModelQuerier interface {
	Query(ctx context.Context, agentID, prompt string, extra map[string]interface{}) (*tools.ModelReply, error)
}

// ModelAssessor asks the LLM service for a structured assessment. Categories
// the model leaves unscored keep their heuristic score; an unusable reply
// falls back to the heuristic assessment entirely.
type ModelAssessor struct {
	client    ModelQuerier
	heuristic HeuristicAssessor
	maxItems  int
	logger    *zap.Logger
}

func NewModelAssessor(client ModelQuerier, logger *zap.Logger) *ModelAssessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelAssessor{client: client, maxItems: 40, logger: logger}
}

func (m *ModelAssessor) Name() string { return "model" }

func (m *ModelAssessor) Assess(ctx context.Context, in AssessInput) (*report.Assessment, error) {
	base, err := m.heuristic.Assess(ctx, in)
	if err != nil {
		return nil, err
	}
	reply, err := m.client.Query(ctx, "diligence-assessor", m.prompt(in), map[string]interface{}{
		"thesis_id":    in.Thesis.ID,
		"execution_id": in.Execution.ID,
	})
	if err != nil {
		m.logger.Warn("Model assessment failed, using heuristic scores",
			zap.String("execution_id", in.Execution.ID), zap.Error(err))
		base.Model = "heuristic (model unavailable)"
		return base, nil
	}
	a, err := parseAssessment(reply.Text, in)
	if err != nil {
		m.logger.Warn("Model assessment unusable, using heuristic scores",
			zap.String("execution_id", in.Execution.ID), zap.Error(err))
		base.Model = "heuristic (model reply unusable)"
		return base, nil
	}
	for cat, s := range base.Scores {
		if _, ok := a.Scores[cat]; !ok {
			a.Scores[cat] = s
		}
	}
	if len(a.Findings) == 0 {
		a.Findings = base.Findings
	}
	a.Model = reply.Model
	if a.Model == "" {
		a.Model = "model"
	}
	return a, nil
}

func (m *ModelAssessor) prompt(in AssessInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are scoring %s against the %q investment thesis.\n\n", in.Execution.TargetName, in.Thesis.Name)
	b.WriteString("Categories (score each from 0 to 100):\n")
	for _, c := range in.Thesis.Categories {
		fmt.Fprintf(&b, "- %s (weight %.0f)", c.Name, c.Weight)
		if c.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nEvidence (cite ids exactly as given):\n")
	for _, it := range lo.Subset(rankByConfidence(in.Items), 0, uint(m.maxItems)) {
		fmt.Fprintf(&b, "[%s] (%s, confidence %.2f) %s\n", it.ID, it.Category, it.Metadata.Confidence, claimText(it))
	}
	if len(in.Quality.MissingCritical) > 0 {
		fmt.Fprintf(&b, "\nNo evidence was found for: %s.\n", strings.Join(in.Quality.MissingCritical, ", "))
	}
	b.WriteString(`
Respond with one JSON object and nothing else:
{"scores":{"<category>":0-100},"summary":"...",
 "findings":[{"id":"...","text":"...","category":"...","confidence":0-1,"evidence_ids":["..."]}],
 "upsides":[{"id":"...","text":"...","category":"...","confidence":0-1,"evidence_ids":["..."]}],
 "risks":[{"title":"...","category":"...","severity":"low|medium|high|critical","likelihood":"...","mitigation":"...","evidence_refs":["..."]}],
 "roadmap":[{"title":"...","category":"...","timeline":"...","impact":"...","evidence_refs":["..."]}]}`)
	return b.String()
}

// parseAssessment decodes a model reply. Unknown categories are dropped from
// the scores and missing or duplicate claim ids are replaced. A reply citing
// evidence that is not in the snapshot is rejected as a whole.
func parseAssessment(text string, in AssessInput) (*report.Assessment, error) {
	body := text
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		body = text[start : end+1]
	}
	if !gjson.Valid(body) {
		return nil, tools.NewError(tools.ErrInvalidResponse, "assessment reply is not a JSON object")
	}
	res := gjson.Parse(body)

	known := make(map[string]bool, len(in.Items))
	for _, it := range in.Items {
		known[it.ID] = true
	}
	cats := make(map[string]bool, len(in.Thesis.Categories))
	for _, c := range in.Thesis.Categories {
		cats[c.Name] = true
	}
	var unknown []string
	refs := func(v gjson.Result) []string {
		var out []string
		for _, id := range v.Array() {
			if !known[id.String()] {
				unknown = append(unknown, id.String())
				continue
			}
			out = append(out, id.String())
		}
		return out
	}

	a := &report.Assessment{Scores: make(map[string]float64), Summary: strings.TrimSpace(res.Get("summary").String())}
	res.Get("scores").ForEach(func(k, v gjson.Result) bool {
		if cats[k.String()] && v.Type == gjson.Number {
			a.Scores[k.String()] = util.Round(util.Clamp(v.Float(), 0, 100), 2)
		}
		return true
	})
	if len(a.Scores) == 0 {
		return nil, tools.NewError(tools.ErrInvalidResponse, "assessment reply scored no thesis category")
	}

	used := make(map[string]bool)
	claims := func(v gjson.Result, prefix string) []citation.Claim {
		var out []citation.Claim
		for i, c := range v.Array() {
			text := strings.TrimSpace(c.Get("text").String())
			if text == "" {
				continue
			}
			id := strings.TrimSpace(c.Get("id").String())
			for n := i + 1; id == "" || used[id]; n++ {
				id = fmt.Sprintf("%s-%d", prefix, n)
			}
			used[id] = true
			conf := 0.5
			if c.Get("confidence").Exists() {
				conf = util.Clamp(c.Get("confidence").Float(), 0, 1)
			}
			cat := c.Get("category").String()
			if !cats[cat] {
				cat = ""
			}
			out = append(out, citation.Claim{
				ID:          id,
				Text:        text,
				Category:    cat,
				Confidence:  conf,
				EvidenceIDs: refs(c.Get("evidence_ids")),
			})
		}
		return out
	}
	a.Findings = claims(res.Get("findings"), "finding")
	a.Upsides = claims(res.Get("upsides"), "upside")

	for _, r := range res.Get("risks").Array() {
		title := strings.TrimSpace(r.Get("title").String())
		if title == "" {
			continue
		}
		sev := models.Severity(strings.ToLower(r.Get("severity").String()))
		if sev.Rank() == 0 {
			sev = models.SeverityMedium
		}
		a.Risks = append(a.Risks, models.Risk{
			Title:        title,
			Category:     r.Get("category").String(),
			Severity:     sev,
			Likelihood:   r.Get("likelihood").String(),
			Mitigation:   r.Get("mitigation").String(),
			EvidenceRefs: refs(r.Get("evidence_refs")),
		})
	}
	for _, r := range res.Get("roadmap").Array() {
		title := strings.TrimSpace(r.Get("title").String())
		if title == "" {
			continue
		}
		a.Roadmap = append(a.Roadmap, models.Initiative{
			Title:        title,
			Category:     r.Get("category").String(),
			Timeline:     r.Get("timeline").String(),
			Impact:       r.Get("impact").String(),
			EvidenceRefs: refs(r.Get("evidence_refs")),
		})
	}
	if len(unknown) > 0 {
		return nil, tools.NewError(tools.ErrInvalidResponse,
			"assessment reply cites evidence not in the snapshot: %s", strings.Join(lo.Uniq(unknown), ", "))
	}
	return a, nil
}
