// Package orchestrator drives pipeline executions. Each execution is owned by
// one actor goroutine: stage outcomes and administrator interventions reach it
// through channels, so execution state is never shared between goroutines.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/alerting"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/citation"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/evidence"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/ledger"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/report"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/stage"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/thesis"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tools"
)

// ThesisSource resolves thesis ids; *thesis.Registry satisfies it.
type ThesisSource interface {
	Get(id string) (*thesis.Thesis, error)
}

// Deps are the collaborators of an Orchestrator. Theses, Tools, Executor,
// Evidence and Ledger are required; the rest have in-memory or no-op defaults.
type Deps struct {
	Theses      ThesisSource
	Tools       *tools.Registry
	Executor    *stage.Executor
	Evidence    *evidence.Service
	Ledger      ledger.Ledger
	Reports     report.Store
	Linker      *citation.Linker
	Synthesizer *report.Synthesizer
	Assessor    Assessor
	Locker      Locker
	Alerts      *alerting.Engine
	Events      streaming.Publisher
}

// RunRequest starts an execution. Stages overrides the default plan.
type RunRequest struct {
	Target
	ThesisID    string       `json:"thesis_id"`
	Stages      []stage.Spec `json:"stages,omitempty"`
	RequestedBy string       `json:"requested_by,omitempty"`
}

// Orchestrator starts executions and routes interventions to their actors.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	slots  *semaphore.Weighted
	logger *zap.Logger
	now    func() time.Time

	// base outlives requests; cancelling it stops every actor.
	base     context.Context
	shutdown context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case deps.Theses == nil:
		return nil, errs.Config("orchestrator needs a thesis source")
	case deps.Tools == nil:
		return nil, errs.Config("orchestrator needs a tool registry")
	case deps.Executor == nil:
		return nil, errs.Config("orchestrator needs a stage executor")
	case deps.Evidence == nil:
		return nil, errs.Config("orchestrator needs an evidence service")
	case deps.Ledger == nil:
		return nil, errs.Config("orchestrator needs a ledger")
	}
	if deps.Reports == nil {
		deps.Reports = report.NewMemoryStore()
	}
	if deps.Linker == nil {
		deps.Linker = citation.NewLinker(deps.Evidence, citation.DefaultConfig, logger)
	}
	if deps.Synthesizer == nil {
		deps.Synthesizer = report.NewSynthesizer(logger)
	}
	if deps.Assessor == nil {
		deps.Assessor = HeuristicAssessor{}
	}
	if deps.Locker == nil {
		deps.Locker = NewMemoryLocker()
	}

	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		slots:    semaphore.NewWeighted(cfg.GlobalStageLimit),
		logger:   logger,
		now:      time.Now,
		base:     base,
		shutdown: cancel,
		runs:     make(map[string]*run),
	}, nil
}

// Start validates the request, takes the target lock, records the execution
// in status initializing and hands it to a new actor. Configuration errors are
// returned before anything is recorded; a target with an active execution is
// rejected with a conflict error.
func (o *Orchestrator) Start(ctx context.Context, req RunRequest) (*models.PipelineExecution, error) {
	req.ID, req.Name = strings.TrimSpace(req.ID), strings.TrimSpace(req.Name)
	if req.ID == "" || req.Name == "" {
		return nil, errs.Invalid("target_id and target_name are required")
	}
	t, err := o.deps.Theses.Get(req.ThesisID)
	if err != nil {
		return nil, err
	}
	if err := thesis.Validate(t); err != nil {
		return nil, errs.WrapKind(err, errs.KindConfig, "thesis %s", t.ID)
	}

	specs := req.Stages
	if len(specs) == 0 {
		if specs, err = BuildPlan(t, req.Target, o.deps.Tools, o.cfg); err != nil {
			return nil, err
		}
	}
	order, err := ValidatePlan(specs, o.deps.Executor, t)
	if err != nil {
		return nil, err
	}

	execID := uuid.New().String()
	if err := o.deps.Locker.Acquire(ctx, req.ID, execID); err != nil {
		if errs.IsConflict(err) {
			metrics.RunsRejected.Inc()
		}
		return nil, err
	}
	started := false
	defer func() {
		if !started {
			_ = o.deps.Locker.Release(context.WithoutCancel(ctx), req.ID, execID)
		}
	}()

	now := o.now().UTC()
	exec := &models.PipelineExecution{
		ID:                  execID,
		TargetID:            req.ID,
		TargetName:          req.Name,
		TargetDomain:        req.Domain,
		ThesisID:            t.ID,
		OrchestratorVersion: o.cfg.Version,
		Status:              models.ExecutionInitializing,
		TotalStages:         len(specs),
		EvidenceByType:      make(map[models.EvidenceType]int),
		CollectionID:        uuid.New().String(),
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := o.deps.Ledger.RecordExecution(ctx, exec); err != nil {
		return nil, errs.Wrap(err, "record execution")
	}

	r := newRun(o, exec, t, specs, order)
	for _, name := range order {
		if err := o.deps.Ledger.RecordStage(ctx, r.stages[name].Clone()); err != nil {
			err = errs.Wrapf(err, "record stage %s", name)
			o.abandon(ctx, exec, err)
			return nil, err
		}
	}

	o.mu.Lock()
	o.runs[execID] = r
	o.mu.Unlock()
	started = true

	metrics.ExecutionsStarted.WithLabelValues(t.ID).Inc()
	metrics.ExecutionsActive.Inc()
	o.logger.Info("Execution started",
		zap.String("execution_id", execID),
		zap.String("target_id", req.ID),
		zap.String("thesis_id", t.ID),
		zap.Strings("stages", order),
		zap.String("requested_by", req.RequestedBy),
	)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		r.loop()
	}()
	return exec.Clone(), nil
}

// Intervene applies an administrative action. Active executions handle it in
// their actor; for any other known execution the request is recorded as
// failed with a conflict error.
func (o *Orchestrator) Intervene(ctx context.Context, req InterventionRequest) (*models.Intervention, error) {
	if req.ExecutionID == "" {
		return nil, errs.Invalid("execution_id is required")
	}
	if r := o.active(req.ExecutionID); r != nil {
		replyCh := make(chan reply, 1)
		select {
		case r.mailbox <- request{in: req, reply: replyCh}:
			rep := <-replyCh
			return rep.iv, rep.err
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	exec, err := o.deps.Ledger.LatestExecution(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	iv := newIntervention(req, o.now())
	err = req.validate()
	if err == nil {
		err = errs.Conflict("execution %s is %s and accepts no interventions", exec.ID, exec.Status)
	}
	iv.Status, iv.Result = models.InterventionFailed, err.Error()
	o.recordIntervention(ctx, iv)
	return iv, err
}

// Wait blocks until the execution's actor has finished, then returns the
// latest recorded snapshot.
func (o *Orchestrator) Wait(ctx context.Context, executionID string) (*models.PipelineExecution, error) {
	if r := o.active(executionID); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.deps.Ledger.LatestExecution(ctx, executionID)
}

// Get returns the latest recorded snapshot of an execution.
func (o *Orchestrator) Get(ctx context.Context, executionID string) (*models.PipelineExecution, error) {
	return o.deps.Ledger.LatestExecution(ctx, executionID)
}

// Stages returns the latest snapshot of every stage of an execution.
func (o *Orchestrator) Stages(ctx context.Context, executionID string) ([]*models.PipelineStage, error) {
	return o.deps.Ledger.LatestStages(ctx, executionID)
}

// Report returns the report of a finished execution.
func (o *Orchestrator) Report(ctx context.Context, executionID string) (*models.Report, error) {
	return o.deps.Reports.GetByExecution(ctx, executionID)
}

// Active lists the ids of executions owned by an actor.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.runs))
	for id := range o.runs {
		out = append(out, id)
	}
	return out
}

// Shutdown cancels every active execution and waits for the actors to record
// their final state, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdown()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abandon records a failed snapshot for an execution that never got an actor,
// so it does not linger as initializing.
func (o *Orchestrator) abandon(ctx context.Context, exec *models.PipelineExecution, cause error) {
	failed := exec.Clone()
	now := o.now().UTC()
	failed.Status = models.ExecutionFailed
	failed.LastError = errs.Summary(cause, exec.ID)
	failed.ErrorCount++
	failed.Version++
	failed.UpdatedAt = now
	failed.CompletedAt = &now
	if err := o.deps.Ledger.RecordExecution(context.WithoutCancel(ctx), failed); err != nil {
		o.logger.Error("Failed to record abandoned execution",
			zap.String("execution_id", exec.ID), zap.NamedError("cause", cause), zap.Error(err))
	}
}

func (o *Orchestrator) active(id string) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.runs, id)
	o.mu.Unlock()
	metrics.ExecutionsActive.Dec()
}

// execute runs one stage under the orchestrator-wide stage ceiling.
func (o *Orchestrator) execute(ctx context.Context, run stage.Run, spec stage.Spec) stage.Outcome {
	if err := o.slots.Acquire(ctx, 1); err != nil {
		return stage.Outcome{
			Status: models.StageCancelled,
			ByType: map[models.EvidenceType]int{},
			Err:    errs.WrapKind(err, errs.KindPermanent, "stage %s cancelled while waiting for a slot", spec.Name),
		}
	}
	defer o.slots.Release(1)
	return o.deps.Executor.Execute(ctx, run, spec)
}

func (o *Orchestrator) recordIntervention(ctx context.Context, iv *models.Intervention) {
	metrics.Interventions.WithLabelValues(string(iv.Type), string(iv.Status)).Inc()
	if err := o.deps.Ledger.RecordIntervention(context.WithoutCancel(ctx), iv); err != nil {
		o.logger.Error("Failed to record intervention",
			zap.String("execution_id", iv.ExecutionID),
			zap.String("type", string(iv.Type)),
			zap.Error(err),
		)
		return
	}
	o.logger.Info("Intervention handled",
		zap.String("execution_id", iv.ExecutionID),
		zap.String("type", string(iv.Type)),
		zap.String("target_stage", iv.TargetStage),
		zap.String("status", string(iv.Status)),
		zap.String("result", iv.Result),
	)
}
