package orchestrator

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/alerting"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/streaming"
)

// Keys accepted by modify_config.
const (
	ConfigMaxParallelStages = "max_parallel_stages"
	ConfigStageMaxRetries   = "stage_max_retries"
	ConfigStageTimeout      = "stage_timeout"
)

// InterventionRequest is an administrative action against one execution.
type InterventionRequest struct {
	ExecutionID string                  `json:"execution_id"`
	Type        models.InterventionType `json:"type"`
	TargetStage string                  `json:"target_stage,omitempty"`
	Reason      string                  `json:"reason,omitempty"`
	RequestedBy string                  `json:"requested_by,omitempty"`
	Config      map[string]interface{}  `json:"config,omitempty"`
}

// validate checks the payload only; whether the action fits the execution's
// state is decided by the actor.
func (req InterventionRequest) validate() error {
	if !req.Type.Valid() {
		return errs.Invalid("unknown intervention type %q", req.Type)
	}
	switch req.Type {
	case models.InterventionRetryStage, models.InterventionSkipStage:
		if req.TargetStage == "" {
			return errs.Invalid("%s requires target_stage", req.Type)
		}
	case models.InterventionModifyConfig:
		if _, err := parseConfigPatch(req.Config); err != nil {
			return err
		}
	}
	return nil
}

func newIntervention(req InterventionRequest, now time.Time) *models.Intervention {
	return &models.Intervention{
		ID:          uuid.New().String(),
		ExecutionID: req.ExecutionID,
		Type:        req.Type,
		TargetStage: req.TargetStage,
		Reason:      req.Reason,
		RequestedBy: req.RequestedBy,
		Config:      req.Config,
		CreatedAt:   now.UTC(),
	}
}

type configPatch struct {
	maxParallel *int
	maxRetries  *int
	timeout     *time.Duration
}

func (p configPatch) String() string {
	var parts []string
	if p.maxParallel != nil {
		parts = append(parts, fmt.Sprintf("%s=%d", ConfigMaxParallelStages, *p.maxParallel))
	}
	if p.maxRetries != nil {
		parts = append(parts, fmt.Sprintf("%s=%d", ConfigStageMaxRetries, *p.maxRetries))
	}
	if p.timeout != nil {
		parts = append(parts, fmt.Sprintf("%s=%s", ConfigStageTimeout, *p.timeout))
	}
	return strings.Join(parts, ", ")
}

// parseConfigPatch validates every key before anything is applied.
// stage_timeout accepts a Go duration string or a number of seconds.
func parseConfigPatch(cfg map[string]interface{}) (configPatch, error) {
	var p configPatch
	if len(cfg) == 0 {
		return p, errs.Invalid("modify_config requires at least one key")
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := cfg[k]
		switch k {
		case ConfigMaxParallelStages:
			n, ok := wholeNumber(v)
			if !ok || n < 1 {
				return p, errs.Invalid("%s must be an integer >= 1, got %v", k, v)
			}
			p.maxParallel = &n
		case ConfigStageMaxRetries:
			n, ok := wholeNumber(v)
			if !ok || n < 0 {
				return p, errs.Invalid("%s must be an integer >= 0, got %v", k, v)
			}
			p.maxRetries = &n
		case ConfigStageTimeout:
			d, ok := duration(v)
			if !ok || d <= 0 {
				return p, errs.Invalid("%s must be a positive duration, got %v", k, v)
			}
			p.timeout = &d
		default:
			return p, errs.Invalid("unsupported config key %q", k)
		}
	}
	return p, nil
}

func wholeNumber(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func duration(v interface{}) (time.Duration, bool) {
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil
	case time.Duration:
		return d, true
	case int:
		return time.Duration(d) * time.Second, true
	case float64:
		return time.Duration(d * float64(time.Second)), true
	}
	return 0, false
}

// handle applies one intervention, records it as applied or failed, and replies.
func (r *run) handle(req request) {
	iv := newIntervention(req.in, r.o.now())
	result, err := r.apply(req.in)
	if err != nil {
		iv.Status, iv.Result = models.InterventionFailed, err.Error()
	} else {
		iv.Status, iv.Result = models.InterventionApplied, result
	}
	r.o.recordIntervention(r.bg, iv)
	r.publish(streaming.Event{
		Type:    streaming.EventIntervention,
		Stage:   iv.TargetStage,
		Status:  string(iv.Status),
		Message: iv.Result,
		Data:    map[string]interface{}{"intervention_id": iv.ID, "type": string(iv.Type), "requested_by": iv.RequestedBy},
	})
	r.signal(alerting.Signal{Kind: alerting.SignalIntervention, Execution: r.exec.Clone(), Intervention: iv})
	req.reply <- reply{iv: iv, err: err}
}

// apply changes execution state only when it returns nil.
func (r *run) apply(in InterventionRequest) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}
	status := r.exec.Status
	if status.IsTerminal() {
		return "", errs.Conflict("execution %s is %s", r.exec.ID, status)
	}
	if r.final != "" {
		return "", errs.Conflict("execution %s is stopping (%s)", r.exec.ID, r.final)
	}

	switch in.Type {
	case models.InterventionPause:
		if status != models.ExecutionRunning {
			return "", errs.Conflict("cannot pause execution in status %s", status)
		}
		r.transition(models.ExecutionPaused, in.Reason)
		return fmt.Sprintf("execution paused; %d running stage(s) will finish", len(r.running)), nil

	case models.InterventionResume:
		if status != models.ExecutionPaused {
			return "", errs.Conflict("cannot resume execution in status %s", status)
		}
		r.transition(models.ExecutionRunning, in.Reason)
		return "execution resumed", nil

	case models.InterventionCancel:
		running := len(r.running)
		reason := "cancelled by intervention"
		if in.Reason != "" {
			reason += ": " + in.Reason
		}
		r.stop(models.ExecutionCancelled, reason)
		return fmt.Sprintf("execution cancelling; %d running stage(s) cancelled", running), nil

	case models.InterventionRetryStage:
		st, ok := r.stages[in.TargetStage]
		if !ok {
			return "", errs.Invalid("unknown stage %s", in.TargetStage)
		}
		switch st.Status {
		case models.StageFailed, models.StagePartial, models.StageCancelled:
		default:
			return "", errs.Conflict("stage %s is %s; only failed, partial or cancelled stages can be retried", st.Name, st.Status)
		}
		if st.Attempt > st.MaxRetries {
			return "", errs.Conflict("stage %s has no retries left (%d attempt(s), max retries %d)", st.Name, st.Attempt, st.MaxRetries)
		}
		r.count(st.Status, -1)
		st.Status = models.StagePending
		st.ErrorDetail = ""
		st.CompletedAt = nil
		r.persistStage(st)
		r.persistExecution()
		return fmt.Sprintf("stage %s queued for attempt %d", st.Name, st.Attempt+1), nil

	case models.InterventionSkipStage:
		st, ok := r.stages[in.TargetStage]
		if !ok {
			return "", errs.Invalid("unknown stage %s", in.TargetStage)
		}
		if st.Status != models.StagePending {
			return "", errs.Conflict("stage %s is %s; only pending stages can be skipped", st.Name, st.Status)
		}
		reason := "skipped by intervention"
		if in.Reason != "" {
			reason += ": " + in.Reason
		}
		r.skip(st, reason)
		r.persistExecution()
		return fmt.Sprintf("stage %s skipped", st.Name), nil

	case models.InterventionModifyConfig:
		p, _ := parseConfigPatch(in.Config)
		if p.maxParallel != nil {
			r.maxParallel = *p.maxParallel
		}
		if p.maxRetries != nil {
			r.overrides.maxRetries = p.maxRetries
			for _, st := range r.stages {
				if st.Status == models.StagePending {
					st.MaxRetries = *p.maxRetries
				}
			}
		}
		if p.timeout != nil {
			r.overrides.timeout = p.timeout
		}
		return "applied " + p.String(), nil
	}
	return "", errs.Invalid("unknown intervention type %q", in.Type)
}
