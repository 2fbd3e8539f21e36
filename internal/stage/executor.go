package stage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/evidence"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tools"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/util"
)

const summaryMaxLen = 500

// Executor runs stages against a tool registry and commits their evidence.
type Executor struct {
	tools    *tools.Registry
	evidence *evidence.Service
	audit    AuditSink
	backoff  BackoffConfig
	logger   *zap.Logger

	// auditMu serializes audit writes so rows land in completion order.
	auditMu sync.Mutex
}

// NewExecutor creates an executor. audit may be nil in tests that do not inspect rows.
func NewExecutor(reg *tools.Registry, ev *evidence.Service, audit AuditSink, bo BackoffConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bo.Initial <= 0 {
		bo.Initial = DefaultBackoff.Initial
	}
	if bo.Max <= 0 {
		bo.Max = DefaultBackoff.Max
	}
	if bo.Multiplier < 1 {
		bo.Multiplier = DefaultBackoff.Multiplier
	}
	return &Executor{tools: reg, evidence: ev, audit: audit, backoff: bo, logger: logger}
}

// Validate checks that every call names a registered tool with JSON-compatible
// params and that call ids are unique.
func (e *Executor) Validate(spec Spec) error {
	if spec.Name == "" {
		return errs.Config("stage without a name")
	}
	if spec.MaxRetries < 0 {
		return errs.Config("stage %s: negative max_retries", spec.Name)
	}
	seen := make(map[string]struct{}, len(spec.Calls))
	for _, c := range spec.Calls {
		if c.ID == "" {
			return errs.Config("stage %s: call without id", spec.Name)
		}
		if _, dup := seen[c.ID]; dup {
			return errs.Config("stage %s: duplicate call id %s", spec.Name, c.ID)
		}
		seen[c.ID] = struct{}{}
		if _, err := e.tools.Get(c.Tool); err != nil {
			return errs.WrapKind(err, errs.KindConfig, "stage %s call %s", spec.Name, c.ID)
		}
		if err := tools.ValidateParams(c.Params); err != nil {
			return errs.WrapKind(err, errs.KindConfig, "stage %s call %s", spec.Name, c.ID)
		}
	}
	return nil
}

type callResult struct {
	committed  []*models.EvidenceItem
	duplicates int
	attempts   int
	failure    *CallFailure
	cancelled  bool
}

// Execute runs every call of spec and returns once all of them resolved.
// Cancelling ctx cancels in-flight attempts; their results are discarded.
func (e *Executor) Execute(ctx context.Context, run Run, spec Spec) Outcome {
	start := time.Now()
	ctx, span := tracing.StartStageSpan(ctx, run.ExecutionID, spec.Name)
	logger := e.logger.With(
		zap.String("execution_id", run.ExecutionID),
		zap.String("stage", spec.Name),
		zap.Int("stage_attempt", run.StageAttempt),
	)

	if err := e.Validate(spec); err != nil {
		tracing.EndSpan(span, err)
		return Outcome{Status: models.StageFailed, ByType: map[models.EvidenceType]int{}, Err: err, Duration: time.Since(start)}
	}

	limit := spec.Concurrency
	if limit < 1 {
		limit = 1
	}
	results := make([]callResult, len(spec.Calls))
	// Calls report failures through results; the group never cancels siblings.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, call := range spec.Calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = e.runCall(ctx, run, spec, call, logger)
			return nil
		})
	}
	_ = g.Wait()

	out := e.resolve(ctx, spec, results)
	out.Duration = time.Since(start)
	metrics.RecordStageMetrics(spec.Name, string(out.Status), out.Duration.Seconds())
	tracing.EndSpan(span, out.Err)
	logger.Info("Stage resolved",
		zap.String("status", string(out.Status)),
		zap.Int("evidence", out.EvidenceCount),
		zap.Int("tool_calls", out.ToolCalls),
		zap.Int("failures", len(out.Failures)),
		zap.Duration("duration", out.Duration),
	)
	return out
}

func (e *Executor) resolve(ctx context.Context, spec Spec, results []callResult) Outcome {
	out := Outcome{ByType: make(map[models.EvidenceType]int)}
	succeeded, cancelled := 0, false
	var criticalErr error
	for _, r := range results {
		out.ToolCalls += r.attempts
		out.Duplicates += r.duplicates
		for _, it := range r.committed {
			out.EvidenceCount++
			out.ByType[it.Type]++
			if it.Metadata.Confidence >= models.HighQualityConfidence {
				out.HighQuality++
			}
		}
		switch {
		case r.cancelled:
			cancelled = true
		case r.failure != nil:
			out.Failures = append(out.Failures, *r.failure)
			if r.failure.Critical && criticalErr == nil {
				criticalErr = failureError(spec.Name, r.failure)
			}
		default:
			succeeded++
		}
	}

	switch {
	case cancelled || ctx.Err() != nil:
		out.Status = models.StageCancelled
		out.Err = errs.WrapKind(context.Canceled, errs.KindPermanent, "stage %s cancelled", spec.Name)
	case criticalErr != nil:
		out.Status = models.StageFailed
		out.Err = criticalErr
	case len(out.Failures) > 0 && succeeded == 0:
		// Nothing succeeded: there is no partial result to keep.
		out.Status = models.StageFailed
		out.Err = failureError(spec.Name, &out.Failures[0])
	case len(out.Failures) > 0:
		out.Status = models.StagePartial
		out.Err = failureError(spec.Name, &out.Failures[0])
	default:
		out.Status = models.StageSuccess
	}
	return out
}

func failureError(stageName string, f *CallFailure) error {
	kind := errs.KindPermanent
	te := &tools.ToolError{Type: f.ErrorType}
	if te.Transient() {
		kind = errs.KindTransient
	}
	return errs.Newk(kind, "stage %s: call %s (%s) failed after %d attempt(s): %s: %s",
		stageName, f.CallID, f.Tool, f.Attempt, f.ErrorType, f.Message)
}

func (e *Executor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.backoff.Initial
	b.MaxInterval = e.backoff.Max
	b.Multiplier = e.backoff.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// runCall drives one call through its attempts.
func (e *Executor) runCall(ctx context.Context, run Run, spec Spec, call Call, logger *zap.Logger) callResult {
	adapter, _ := e.tools.Get(call.Tool) // validated
	critical := call.Critical || (spec.Critical && len(spec.Calls) == 1)
	bo := e.newBackoff()
	logger = logger.With(zap.String("call_id", call.ID), zap.String("tool", call.Tool))

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return callResult{attempts: attempt - 1, cancelled: true}
		}
		res, terr := e.attempt(ctx, run, spec, call, adapter, attempt)
		switch {
		case res.cancelled:
			res.attempts = attempt
			return res
		case terr == nil:
			res.attempts = attempt
			return res
		}

		retryable := adapter.Idempotency() == tools.SafeToRetry && terr.Transient()
		if !retryable || attempt > spec.MaxRetries {
			logger.Warn("Tool call failed",
				zap.Int("attempt", attempt),
				zap.String("error_type", string(terr.Type)),
				zap.Bool("retryable", retryable),
				zap.Error(terr),
			)
			return callResult{
				attempts: attempt,
				failure: &CallFailure{
					CallID:    call.ID,
					Tool:      call.Tool,
					Attempt:   attempt,
					ErrorType: terr.Type,
					Message:   terr.Message,
					Critical:  critical,
				},
			}
		}

		wait := e.retryWait(bo.NextBackOff(), terr.RetryAfter)
		metrics.ToolRetries.WithLabelValues(call.Tool).Inc()
		logger.Info("Retrying tool call",
			zap.Int("attempt", attempt),
			zap.String("error_type", string(terr.Type)),
			zap.Duration("backoff", wait),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return callResult{attempts: attempt, cancelled: true}
		case <-timer.C:
		}
	}
}

// retryWait honours a tool's Retry-After hint when it exceeds the backoff,
// but never waits longer than the configured maximum.
func (e *Executor) retryWait(next, retryAfter time.Duration) time.Duration {
	wait := next
	if retryAfter > wait {
		wait = retryAfter
	}
	if wait > e.backoff.Max {
		wait = e.backoff.Max
	}
	return wait
}

// attempt runs the adapter once, commits evidence on success and writes the
// audit row. A nil *ToolError with cancelled=false means success.
func (e *Executor) attempt(ctx context.Context, run Run, spec Spec, call Call, adapter tools.Adapter, attempt int) (callResult, *tools.ToolError) {
	started := time.Now().UTC()
	callCtx, cancel := context.WithTimeout(ctx, callTimeout(adapter.MaxExecutionTime(), spec.Timeout))
	defer cancel()
	callCtx, span := tracing.StartToolSpan(callCtx, call.Tool, attempt)

	res, err := adapter.Execute(callCtx, call.Params)

	row := &models.ToolExecution{
		ID:          uuid.New().String(),
		ExecutionID: run.ExecutionID,
		StageName:   spec.Name,
		CallID:      call.ID,
		Attempt:     attempt,
		ToolName:    adapter.Name(),
		ToolVersion: adapter.Version(),
		InputParams: map[string]interface{}(call.Params),
		StartedAt:   started,
	}
	if res != nil {
		row.APICallsMade = res.APICallsMade
		row.BytesProcessed = res.BytesProcessed
		row.OutputSummary = util.TruncateString(res.Summary, summaryMaxLen, true)
	}

	// Parent cancellation wins over whatever the adapter returned.
	if ctx.Err() != nil {
		row.Status = models.ToolCancelled
		row.ErrorType = "cancelled"
		row.ErrorMessage = "stage cancelled"
		e.record(ctx, row, span, errors.New("cancelled"))
		return callResult{cancelled: true}, nil
	}

	if err != nil {
		terr := tools.Classify(err)
		row.Status = models.ToolFailed
		row.ErrorType = string(terr.Type)
		row.ErrorMessage = util.TruncateString(terr.Error(), summaryMaxLen, false)
		e.record(ctx, row, span, terr)
		return callResult{}, terr
	}

	var out callResult
	if res != nil && len(res.Evidence) > 0 {
		items := e.evidence.Finalize(evidence.Origin{
			CollectionID: run.CollectionID,
			ExecutionID:  run.ExecutionID,
			StageName:    spec.Name,
			CallID:       call.ID,
			Tool:         adapter.Name(),
			ToolVersion:  adapter.Version(),
			Attempt:      attempt,
			Category:     call.Category,
		}, res.Evidence)
		cr, cerr := e.evidence.Commit(ctx, items)
		if cerr != nil {
			terr := &tools.ToolError{Type: tools.ErrInvalidResponse, Message: "evidence rejected", Permanent: true, Err: cerr}
			row.Status = models.ToolFailed
			row.ErrorType = string(terr.Type)
			row.ErrorMessage = util.TruncateString(cerr.Error(), summaryMaxLen, false)
			e.record(ctx, row, span, terr)
			return callResult{}, terr
		}
		out.committed = cr.Committed
		out.duplicates = cr.Duplicates
	}
	row.Status = models.ToolSuccess
	row.EvidenceCount = len(out.committed)
	e.record(ctx, row, span, nil)
	return out, nil
}

func (e *Executor) record(ctx context.Context, row *models.ToolExecution, span oteltrace.Span, err error) {
	row.CompletedAt = time.Now().UTC()
	row.DurationMs = row.CompletedAt.Sub(row.StartedAt).Milliseconds()
	metrics.RecordToolMetrics(row.ToolName, string(row.Status), row.ErrorType, row.CompletedAt.Sub(row.StartedAt).Seconds())

	if e.audit != nil {
		e.auditMu.Lock()
		aerr := e.audit.RecordToolExecution(context.WithoutCancel(ctx), row)
		e.auditMu.Unlock()
		if aerr != nil {
			e.logger.Error("Failed to record tool execution",
				zap.String("execution_id", row.ExecutionID),
				zap.String("stage", row.StageName),
				zap.String("call_id", row.CallID),
				zap.Int("attempt", row.Attempt),
				zap.Error(aerr),
			)
		}
	}
	tracing.EndSpan(span, err)
}

func callTimeout(adapterMax, stageMax time.Duration) time.Duration {
	switch {
	case adapterMax <= 0 && stageMax <= 0:
		return 5 * time.Minute
	case adapterMax <= 0:
		return stageMax
	case stageMax <= 0:
		return adapterMax
	case adapterMax < stageMax:
		return adapterMax
	default:
		return stageMax
	}
}
