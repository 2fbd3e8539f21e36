package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/alerting"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/citation"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/evidence"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/quality"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/report"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tracing"
)

// synthesize scores the collected evidence, assesses it, links citations and
// stores the report. Any error leaves no report behind.
func (r *run) synthesize(ctx context.Context) (rep *models.Report, err error) {
	ctx, span := tracing.StartSpan(ctx, "diligence.synthesize")
	defer func() { tracing.EndSpan(span, err) }()
	d := r.o.deps

	items, err := d.Evidence.Store().ListItems(ctx, evidence.Filter{CollectionID: r.exec.CollectionID})
	if err != nil {
		return nil, errs.Wrap(err, "load evidence")
	}
	scorer, err := quality.NewScorer(r.thesis.Checklist())
	if err != nil {
		return nil, errs.WithHintf(err, "fix the quality checklist of thesis %s", r.thesis.ID)
	}
	q := scorer.Evaluate(items)
	metrics.QualityPenalty.Observe(q.Penalty)
	r.signal(alerting.Signal{
		Kind:      alerting.SignalQuality,
		Execution: r.exec.Clone(),
		Quality: &alerting.QualitySnapshot{
			Coverage:        q.EvidenceCoverage,
			Quality:         q.EvidenceQuality,
			MissingCritical: q.MissingCritical,
		},
	})

	a, err := d.Assessor.Assess(ctx, AssessInput{Execution: r.exec.Clone(), Thesis: r.thesis, Items: items, Quality: q})
	if err != nil {
		return nil, errs.Wrapf(err, "%s assessment", d.Assessor.Name())
	}

	reportID := uuid.New().String()
	links, err := d.Linker.Link(ctx, citation.Target{
		ReportID:     reportID,
		ExecutionID:  r.exec.ID,
		CollectionID: r.exec.CollectionID,
	}, a.Claims())
	if err != nil {
		return nil, errs.Wrap(err, "link citations")
	}

	rep, err = d.Synthesizer.Synthesize(report.Input{
		ReportID:    reportID,
		Execution:   r.exec.Clone(),
		Thesis:      r.thesis,
		Quality:     q,
		Assessment:  a,
		Links:       links,
		GeneratedAt: r.o.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := d.Reports.Save(ctx, rep); err != nil {
		return nil, errs.Wrap(err, "save report")
	}
	r.logger.Info("Report stored",
		zap.String("report_id", rep.ID),
		zap.Int("evidence", len(items)),
		zap.Float64("coverage", q.EvidenceCoverage),
		zap.Int("citations", len(links.Citations)),
		zap.Int("unverified", len(links.Unverified)),
		zap.String("assessor", a.Model),
	)
	return rep, nil
}
