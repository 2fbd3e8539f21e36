package models

import "time"

// InterventionType is an administrator action against an execution.
type InterventionType string

const (
	InterventionPause        InterventionType = "pause"
	InterventionResume       InterventionType = "resume"
	InterventionCancel       InterventionType = "cancel"
	InterventionRetryStage   InterventionType = "retry_stage"
	InterventionSkipStage    InterventionType = "skip_stage"
	InterventionModifyConfig InterventionType = "modify_config"
)

// Valid reports whether t is a known intervention type.
func (t InterventionType) Valid() bool {
	switch t {
	case InterventionPause, InterventionResume, InterventionCancel,
		InterventionRetryStage, InterventionSkipStage, InterventionModifyConfig:
		return true
	}
	return false
}

// InterventionStatus is the outcome of an intervention.
type InterventionStatus string

const (
	InterventionApplied InterventionStatus = "applied"
	InterventionFailed  InterventionStatus = "failed"
)

// Intervention records one administrative action and its outcome.
type Intervention struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id"`
	Type        InterventionType       `json:"type"`
	TargetStage string                 `json:"target_stage,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	RequestedBy string                 `json:"requested_by,omitempty"`
	Config      map[string]interface{} `json:"config,omitempty"`
	Status      InterventionStatus     `json:"status"`
	Result      string                 `json:"result"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Severity ranks alerts and risks.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4); unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AlertType classifies a detected anomaly.
type AlertType string

const (
	AlertError                AlertType = "error"
	AlertThresholdBreach      AlertType = "threshold_breach"
	AlertInterventionRequired AlertType = "intervention_required"
)

// AlertStatus is the resolution state of an alert.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Alert is an automatically detected anomaly.
type Alert struct {
	ID          string                 `json:"id"`
	ExecutionID string                 `json:"execution_id"`
	Rule        string                 `json:"rule"`
	Type        AlertType              `json:"type"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Status      AlertStatus            `json:"status"`
	Context     map[string]interface{} `json:"context,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}
