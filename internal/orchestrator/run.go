package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/alerting"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/stage"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/thesis"
)

type request struct {
	in    InterventionRequest
	reply chan reply
}

type reply struct {
	iv  *models.Intervention
	err error
}

type stageResult struct {
	name    string
	outcome stage.Outcome
}

// overrides are modify_config values applied to stages launched afterwards.
type overrides struct {
	maxRetries *int
	timeout    *time.Duration
}

// run is the actor owning one execution. Every field is touched only by the
// actor goroutine, except the channels.
type run struct {
	o      *Orchestrator
	exec   *models.PipelineExecution
	thesis *thesis.Thesis
	specs  map[string]stage.Spec
	order  []string
	stages map[string]*models.PipelineStage

	maxParallel int
	overrides   overrides
	running     map[string]context.CancelFunc

	// final is set once the execution is stopping; the actor drains running
	// stages and then records it.
	final       models.ExecutionStatus
	finalReason string

	ctx    context.Context
	cancel context.CancelFunc
	// bg carries ctx values without its cancellation, for ledger writes that
	// must land during shutdown.
	bg context.Context

	mailbox chan request
	results chan stageResult
	done    chan struct{}
	logger  *zap.Logger

	stopHold func()
}

func newRun(o *Orchestrator, exec *models.PipelineExecution, t *thesis.Thesis, specs []stage.Spec, order []string) *run {
	ctx, cancel := context.WithCancel(o.base)
	r := &run{
		o:           o,
		exec:        exec.Clone(),
		thesis:      t,
		specs:       make(map[string]stage.Spec, len(specs)),
		order:       order,
		stages:      make(map[string]*models.PipelineStage, len(specs)),
		maxParallel: o.cfg.MaxParallelStages,
		running:     make(map[string]context.CancelFunc),
		ctx:         ctx,
		cancel:      cancel,
		bg:          context.WithoutCancel(ctx),
		mailbox:     make(chan request),
		results:     make(chan stageResult, len(specs)),
		done:        make(chan struct{}),
		logger:      o.logger.With(zap.String("execution_id", exec.ID), zap.String("target_id", exec.TargetID)),
	}
	for _, s := range specs {
		r.specs[s.Name] = s
	}
	now := exec.CreatedAt
	for i, name := range order {
		s := r.specs[name]
		r.stages[name] = &models.PipelineStage{
			ID:          uuid.New().String(),
			ExecutionID: exec.ID,
			Name:        name,
			OrderIndex:  i,
			DependsOn:   append([]string(nil), s.DependsOn...),
			Critical:    s.Critical,
			Status:      models.StagePending,
			MaxRetries:  s.MaxRetries,
			Version:     1,
			UpdatedAt:   now,
		}
	}
	return r
}

func (r *run) loop() {
	defer r.cleanup()
	r.stopHold = r.holdLock()
	shutdown := r.ctx.Done()

	r.initialize()
	for {
		// A stage cancelled by shutdown may report before shutdown is seen.
		if r.final == "" && r.ctx.Err() != nil {
			r.stop(models.ExecutionCancelled, "orchestrator shutting down")
		}
		if r.final == "" && r.exec.Status == models.ExecutionRunning {
			r.launchReady()
		}
		if len(r.running) == 0 {
			if r.final != "" {
				r.finish(r.final, r.finalReason)
				return
			}
			// A paused execution waits here until resumed or cancelled.
			if r.exec.Status == models.ExecutionRunning && !r.hasLaunchable() {
				r.complete()
				return
			}
		}

		select {
		case req := <-r.mailbox:
			r.handle(req)
		case res := <-r.results:
			r.resolve(res)
		case <-shutdown:
			shutdown = nil
		}
	}
}

func (r *run) initialize() {
	r.drainMailbox()
	if r.final != "" {
		return
	}
	coll := &models.EvidenceCollection{
		ID:          r.exec.CollectionID,
		TargetID:    r.exec.TargetID,
		ExecutionID: r.exec.ID,
		Status:      models.CollectionCollecting,
		Type:        "due_diligence",
		Metadata:    map[string]interface{}{"thesis_id": r.thesis.ID, "target_name": r.exec.TargetName},
		CreatedAt:   r.exec.CreatedAt,
	}
	if err := r.o.deps.Evidence.Store().CreateCollection(r.bg, coll); err != nil {
		r.logger.Error("Failed to create evidence collection", zap.Error(err))
		r.exec.ErrorCount++
		r.stop(models.ExecutionFailed, errs.Summary(errs.Wrap(err, "create evidence collection"), r.exec.ID))
		return
	}
	r.drainMailbox()
	if r.final != "" {
		return
	}
	r.transition(models.ExecutionRunning, "")
	r.publish(streaming.Event{
		Type:    streaming.EventExecutionStarted,
		Status:  string(models.ExecutionRunning),
		Message: fmt.Sprintf("Started %d stage(s) for %s", len(r.order), r.exec.TargetName),
		Data:    map[string]interface{}{"stages": r.order, "thesis_id": r.thesis.ID},
	})
}

// drainMailbox handles interventions already waiting without blocking.
func (r *run) drainMailbox() {
	for {
		select {
		case req := <-r.mailbox:
			r.handle(req)
		default:
			return
		}
	}
}

func (r *run) cleanup() {
	r.cancel()
	if r.stopHold != nil {
		r.stopHold()
	}
	if err := r.o.deps.Locker.Release(r.bg, r.exec.TargetID, r.exec.ID); err != nil {
		r.logger.Warn("Failed to release target lock", zap.Error(err))
	}
	r.o.forget(r.exec.ID)
	close(r.done)
}

// holdLock keeps an expiring target lock alive for the life of the actor.
// The returned func stops renewal and waits for it to finish.
func (r *run) holdLock() func() {
	rl, ok := r.o.deps.Locker.(Renewer)
	if !ok {
		return func() {}
	}
	ctx, cancel := context.WithCancel(r.bg)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		holdTarget(ctx, rl, r.exec.TargetID, r.exec.ID, r.logger)
	}()
	return func() {
		cancel()
		<-exited
	}
}

func (r *run) depsSatisfied(st *models.PipelineStage) bool {
	for _, dep := range st.DependsOn {
		if !r.stages[dep].Status.Satisfied() {
			return false
		}
	}
	return true
}

func (r *run) hasLaunchable() bool {
	for _, name := range r.order {
		if st := r.stages[name]; st.Status == models.StagePending && r.depsSatisfied(st) {
			return true
		}
	}
	return false
}

func (r *run) launchReady() {
	for _, name := range r.order {
		if len(r.running) >= r.maxParallel {
			return
		}
		st := r.stages[name]
		if st.Status != models.StagePending || !r.depsSatisfied(st) {
			continue
		}
		r.launch(st)
	}
}

func (r *run) launch(st *models.PipelineStage) {
	spec := r.specs[st.Name]
	if r.overrides.maxRetries != nil {
		spec.MaxRetries = *r.overrides.maxRetries
	}
	if r.overrides.timeout != nil {
		spec.Timeout = *r.overrides.timeout
	}

	now := r.o.now().UTC()
	st.Status = models.StageRunning
	st.Attempt++
	st.MaxRetries = spec.MaxRetries
	st.StartedAt = &now
	st.CompletedAt = nil
	st.ErrorDetail = ""
	r.persistStage(st)

	ctx, cancel := context.WithCancel(r.ctx)
	r.running[st.Name] = cancel
	r.publish(streaming.Event{
		Type:   streaming.EventStageStarted,
		Stage:  st.Name,
		Status: string(models.StageRunning),
		Data:   map[string]interface{}{"attempt": st.Attempt, "calls": len(spec.Calls)},
	})
	r.logger.Debug("Stage launched", zap.String("stage", st.Name), zap.Int("attempt", st.Attempt))

	sr := stage.Run{ExecutionID: r.exec.ID, CollectionID: r.exec.CollectionID, StageAttempt: st.Attempt}
	go func(name string) {
		r.results <- stageResult{name: name, outcome: r.o.execute(ctx, sr, spec)}
	}(st.Name)
}

// resolve applies a stage outcome. Counters change only here and when
// retry_stage rewinds a stage.
func (r *run) resolve(res stageResult) {
	if cancel, ok := r.running[res.name]; ok {
		cancel()
		delete(r.running, res.name)
	}
	st := r.stages[res.name]
	out := res.outcome

	now := r.o.now().UTC()
	st.Status = out.Status
	st.EvidenceCount = out.EvidenceCount
	st.ToolCallCount = out.ToolCalls
	st.CompletedAt = &now
	if out.Err != nil {
		st.ErrorDetail = errs.Summary(out.Err, "")
	}
	r.persistStage(st)

	r.count(st.Status, 1)
	r.exec.TotalEvidence += out.EvidenceCount
	r.exec.HighQualityEvidence += out.HighQuality
	for typ, n := range out.ByType {
		r.exec.EvidenceByType[typ] += n
	}
	if st.Status == models.StageFailed || st.Status == models.StagePartial {
		r.exec.ErrorCount += max(1, len(out.Failures))
		r.exec.LastError = st.ErrorDetail
	}
	r.persistExecution()

	r.publish(streaming.Event{
		Type:    streaming.EventStageCompleted,
		Stage:   st.Name,
		Status:  string(st.Status),
		Message: st.ErrorDetail,
		Data: map[string]interface{}{
			"attempt":     st.Attempt,
			"evidence":    out.EvidenceCount,
			"tool_calls":  out.ToolCalls,
			"duplicates":  out.Duplicates,
			"duration_ms": out.Duration.Milliseconds(),
		},
	})
	r.signal(alerting.Signal{Kind: alerting.SignalStage, Execution: r.exec.Clone(), Stage: st.Clone()})

	if st.Critical && (st.Status == models.StageFailed || st.Status == models.StagePartial) {
		r.logger.Warn("Critical stage did not succeed, aborting execution",
			zap.String("stage", st.Name), zap.String("status", string(st.Status)))
		r.stop(models.ExecutionFailed, fmt.Sprintf("critical stage %s ended %s: %s", st.Name, st.Status, st.ErrorDetail))
	}
}

// count moves the stage counters for a stage reaching (delta 1) or leaving
// (delta -1) a terminal status. Cancelled stages count toward none of them.
func (r *run) count(status models.StageStatus, delta int) {
	switch status {
	case models.StageSuccess, models.StagePartial:
		r.exec.CompletedStages += delta
	case models.StageFailed:
		r.exec.FailedStages += delta
	case models.StageSkipped:
		r.exec.SkippedStages += delta
	}
}

func (r *run) skip(st *models.PipelineStage, reason string) {
	now := r.o.now().UTC()
	st.Status = models.StageSkipped
	st.ErrorDetail = reason
	st.CompletedAt = &now
	r.persistStage(st)
	r.count(models.StageSkipped, 1)
	r.publish(streaming.Event{Type: streaming.EventStageCompleted, Stage: st.Name, Status: string(models.StageSkipped), Message: reason})
}

// stop begins ending the execution: running stages are cancelled and pending
// stages skipped. The loop records status once running stages have reported.
func (r *run) stop(status models.ExecutionStatus, reason string) {
	if r.final != "" {
		return
	}
	r.final, r.finalReason = status, reason
	for _, cancel := range r.running {
		cancel()
	}
	skipped := 0
	for _, name := range r.order {
		if st := r.stages[name]; st.Status == models.StagePending {
			r.skip(st, reason)
			skipped++
		}
	}
	if skipped > 0 {
		r.persistExecution()
	}
}

// complete ends an execution that has nothing left to run.
func (r *run) complete() {
	for _, name := range r.order {
		st := r.stages[name]
		if st.Status == models.StagePending {
			r.skip(st, "dependency did not succeed")
		}
	}
	status := models.ExecutionCompleted
	for _, st := range r.stages {
		if st.Status != models.StageSuccess {
			status = models.ExecutionCompletedWithErrors
			break
		}
	}
	r.finish(status, "")
}

func (r *run) finish(status models.ExecutionStatus, reason string) {
	var rep *models.Report
	if status == models.ExecutionCompleted || status == models.ExecutionCompletedWithErrors {
		var err error
		rep, err = r.synthesize(r.bg)
		if err != nil {
			r.logger.Error("Report synthesis failed", zap.Error(err))
			status = models.ExecutionFailed
			reason = errs.Summary(err, r.exec.ID)
			r.exec.ErrorCount++
		} else {
			r.exec.ReportID = rep.ID
		}
	}
	if status == models.ExecutionFailed && reason != "" {
		r.exec.LastError = reason
	}
	r.transition(status, reason)

	collStatus := models.CollectionArchived
	if rep != nil {
		collStatus = models.CollectionComplete
	}
	if err := r.o.deps.Evidence.Store().SetCollectionStatus(r.bg, r.exec.CollectionID, collStatus); err != nil && !errs.IsNotFound(err) {
		r.logger.Warn("Failed to update collection status", zap.Error(err))
	}

	var elapsed time.Duration
	if r.exec.StartedAt != nil {
		elapsed = r.o.now().Sub(*r.exec.StartedAt)
	}
	metrics.RecordExecutionMetrics(r.thesis.ID, string(r.exec.Status), elapsed.Seconds())
	r.logger.Info("Execution finished",
		zap.String("status", string(r.exec.Status)),
		zap.Int("completed_stages", r.exec.CompletedStages),
		zap.Int("failed_stages", r.exec.FailedStages),
		zap.Int("skipped_stages", r.exec.SkippedStages),
		zap.Int("evidence", r.exec.TotalEvidence),
		zap.String("report_id", r.exec.ReportID),
		zap.String("reason", reason),
	)
	if rep != nil {
		r.publish(streaming.Event{
			Type:    streaming.EventReportReady,
			Status:  string(r.exec.Status),
			Message: fmt.Sprintf("Report %s ready: %.2f against %.2f", rep.ID, rep.WeightedScores.Total, rep.WeightedScores.Threshold),
			Data:    map[string]interface{}{"report_id": rep.ID, "passed": rep.WeightedScores.Passed},
		})
	}
}

// transition moves the execution along the state machine and records it.
func (r *run) transition(next models.ExecutionStatus, reason string) bool {
	if !r.exec.Status.CanTransitionTo(next) {
		r.logger.Warn("Ignoring invalid status transition",
			zap.String("from", string(r.exec.Status)), zap.String("to", string(next)))
		return false
	}
	now := r.o.now().UTC()
	r.exec.Status = next
	if next == models.ExecutionRunning && r.exec.StartedAt == nil {
		r.exec.StartedAt = &now
	}
	if next.IsTerminal() {
		r.exec.CompletedAt = &now
	}
	r.persistExecution()
	r.publish(streaming.Event{Type: streaming.EventExecutionStatus, Status: string(next), Message: reason})
	r.signal(alerting.Signal{Kind: alerting.SignalExecution, Execution: r.exec.Clone()})
	return true
}

// persistExecution appends the next execution version. A rejected write
// keeps the version so the next snapshot can retry it.
func (r *run) persistExecution() {
	r.exec.Version++
	r.exec.UpdatedAt = r.o.now().UTC()
	if err := r.o.deps.Ledger.RecordExecution(r.bg, r.exec.Clone()); err != nil {
		r.exec.Version--
		r.logger.Error("Failed to record execution snapshot", zap.Int("version", r.exec.Version+1), zap.Error(err))
	}
}

func (r *run) persistStage(st *models.PipelineStage) {
	st.Version++
	st.UpdatedAt = r.o.now().UTC()
	if err := r.o.deps.Ledger.RecordStage(r.bg, st.Clone()); err != nil {
		st.Version--
		r.logger.Error("Failed to record stage snapshot", zap.String("stage", st.Name), zap.Error(err))
	}
}

func (r *run) publish(evt streaming.Event) {
	if r.o.deps.Events != nil {
		r.o.deps.Events.Publish(r.exec.ID, evt)
	}
}

func (r *run) signal(s alerting.Signal) {
	if r.o.deps.Alerts != nil {
		r.o.deps.Alerts.Process(r.bg, s)
	}
}
