// Package alerting detects anomalies in executions, records them as alerts and
// notifies external channels.
package alerting

import (
	"fmt"
	"time"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// Config controls the alert engine.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// ErrorThreshold raises an alert once an execution has this many errors.
	ErrorThreshold int `mapstructure:"error_threshold"`
	// MinCoverage raises an alert when critical evidence coverage ends below it.
	MinCoverage float64 `mapstructure:"min_coverage"`
	// ThrottleWindow suppresses repeats of a rule for the same execution.
	ThrottleWindow time.Duration `mapstructure:"throttle_window"`

	WebhookURL        string          `mapstructure:"webhook_url"`
	SlackWebhookURL   string          `mapstructure:"slack_webhook_url"`
	PolicyDir         string          `mapstructure:"policy_dir"`
	NotifyTimeout     time.Duration   `mapstructure:"notify_timeout"`
	MinNotifySeverity models.Severity `mapstructure:"min_notify_severity"`
}

// SignalKind says what happened to produce a signal.
type SignalKind string

const (
	SignalExecution    SignalKind = "execution"
	SignalStage        SignalKind = "stage"
	SignalQuality      SignalKind = "quality"
	SignalIntervention SignalKind = "intervention"
)

// QualitySnapshot is the evidence quality known when a signal is raised.
type QualitySnapshot struct {
	Coverage        float64  `json:"coverage"`
	Quality         float64  `json:"quality"`
	MissingCritical []string `json:"missing_critical,omitempty"`
}

// Signal is one observation handed to the engine. Execution is always set;
// the other fields depend on Kind.
type Signal struct {
	Kind         SignalKind                `json:"kind"`
	Execution    *models.PipelineExecution `json:"execution"`
	Stage        *models.PipelineStage     `json:"stage,omitempty"`
	Quality      *QualitySnapshot          `json:"quality,omitempty"`
	Intervention *models.Intervention      `json:"intervention,omitempty"`
}

// Candidate is an alert a rule wants to raise, before throttling.
type Candidate struct {
	Rule     string                 `json:"rule"`
	Type     models.AlertType       `json:"type"`
	Severity models.Severity        `json:"severity"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// Rule inspects a signal and returns an alert candidate when it matches.
type Rule interface {
	Name() string
	Check(cfg Config, s Signal) (Candidate, bool)
}

// RuleFunc adapts a function to Rule.
type RuleFunc struct {
	RuleName string
	Fn       func(cfg Config, s Signal) (Candidate, bool)
}

func (r RuleFunc) Name() string { return r.RuleName }

func (r RuleFunc) Check(cfg Config, s Signal) (Candidate, bool) {
	c, ok := r.Fn(cfg, s)
	if ok && c.Rule == "" {
		c.Rule = r.RuleName
	}
	return c, ok
}

// Built-in rule names.
const (
	RuleExecutionFailed     = "execution_failed"
	RuleCriticalStageFailed = "critical_stage_failed"
	RuleErrorThreshold      = "error_threshold"
	RuleLowCoverage         = "low_evidence_coverage"
	RuleStagePartial        = "stage_partial"
	RulePausedExecution     = "paused_execution"
)

// BuiltinRules returns the rules every engine starts with.
func BuiltinRules() []Rule {
	return []Rule{
		RuleFunc{RuleExecutionFailed, func(_ Config, s Signal) (Candidate, bool) {
			if s.Kind != SignalExecution || s.Execution.Status != models.ExecutionFailed {
				return Candidate{}, false
			}
			return Candidate{
				Type:     models.AlertError,
				Severity: models.SeverityCritical,
				Title:    fmt.Sprintf("Execution failed for %s", targetLabel(s.Execution)),
				Message:  orDefault(s.Execution.LastError, "execution ended in failed state"),
			}, true
		}},
		RuleFunc{RuleCriticalStageFailed, func(_ Config, s Signal) (Candidate, bool) {
			if s.Kind != SignalStage || s.Stage == nil || !s.Stage.Critical || s.Stage.Status != models.StageFailed {
				return Candidate{}, false
			}
			return Candidate{
				Type:     models.AlertError,
				Severity: models.SeverityHigh,
				Title:    fmt.Sprintf("Critical stage %s failed", s.Stage.Name),
				Message:  orDefault(s.Stage.ErrorDetail, "critical stage failed after retries"),
				Context:  map[string]interface{}{"stage": s.Stage.Name, "attempt": s.Stage.Attempt},
			}, true
		}},
		RuleFunc{RuleErrorThreshold, func(cfg Config, s Signal) (Candidate, bool) {
			if cfg.ErrorThreshold <= 0 || s.Execution.ErrorCount < cfg.ErrorThreshold {
				return Candidate{}, false
			}
			return Candidate{
				Type:     models.AlertThresholdBreach,
				Severity: models.SeverityMedium,
				Title:    "Error count threshold reached",
				Message: fmt.Sprintf("%d errors recorded (threshold %d)",
					s.Execution.ErrorCount, cfg.ErrorThreshold),
				Context: map[string]interface{}{"error_count": s.Execution.ErrorCount},
			}, true
		}},
		RuleFunc{RuleLowCoverage, func(cfg Config, s Signal) (Candidate, bool) {
			if s.Kind != SignalQuality || s.Quality == nil || s.Quality.Coverage >= cfg.MinCoverage {
				return Candidate{}, false
			}
			return Candidate{
				Type:     models.AlertThresholdBreach,
				Severity: models.SeverityMedium,
				Title:    "Low critical evidence coverage",
				Message: fmt.Sprintf("coverage %.2f below %.2f; missing %v",
					s.Quality.Coverage, cfg.MinCoverage, s.Quality.MissingCritical),
				Context: map[string]interface{}{"coverage": s.Quality.Coverage},
			}, true
		}},
		RuleFunc{RuleStagePartial, func(_ Config, s Signal) (Candidate, bool) {
			if s.Kind != SignalStage || s.Stage == nil || s.Stage.Status != models.StagePartial {
				return Candidate{}, false
			}
			return Candidate{
				Type:     models.AlertError,
				Severity: models.SeverityLow,
				Title:    fmt.Sprintf("Stage %s completed partially", s.Stage.Name),
				Message:  orDefault(s.Stage.ErrorDetail, "some tool calls failed"),
				Context:  map[string]interface{}{"stage": s.Stage.Name},
			}, true
		}},
		RuleFunc{RulePausedExecution, func(_ Config, s Signal) (Candidate, bool) {
			if s.Kind != SignalExecution || s.Execution.Status != models.ExecutionPaused {
				return Candidate{}, false
			}
			return Candidate{
				Type:     models.AlertInterventionRequired,
				Severity: models.SeverityMedium,
				Title:    fmt.Sprintf("Execution for %s is paused", targetLabel(s.Execution)),
				Message:  "resume or cancel the execution to continue",
			}, true
		}},
	}
}

func targetLabel(e *models.PipelineExecution) string {
	if e.TargetName != "" {
		return e.TargetName
	}
	return e.TargetID
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
