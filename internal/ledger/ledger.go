// Package ledger is the append-only record of everything an execution did:
// versioned execution and stage snapshots, tool attempts, interventions and
// alerts. The latest view of an execution is derived from its highest version.
package ledger

import (
	"context"
	"time"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/errs"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
)

// ExecutionFilter selects latest execution views. Zero fields match everything.
type ExecutionFilter struct {
	TargetID string
	Status   models.ExecutionStatus
	Limit    int
}

// AlertFilter selects alerts. MinSeverity filters by models.Severity.Rank.
type AlertFilter struct {
	ExecutionID string
	Status      models.AlertStatus
	MinSeverity models.Severity
	Limit       int
}

// AlertStatusChange is one appended status transition of an alert.
type AlertStatusChange struct {
	AlertID   string             `json:"alert_id" db:"alert_id"`
	Status    models.AlertStatus `json:"status" db:"status"`
	ChangedBy string             `json:"changed_by,omitempty" db:"changed_by"`
	ChangedAt time.Time          `json:"changed_at" db:"changed_at"`
}

// Ledger is implemented by the in-memory ledger and the SQL ledger.
//
// Snapshot writes are optimistic: a snapshot's Version must be exactly one more
// than the latest stored version of the same execution (or stage), otherwise
// the write is rejected with a conflict error. Version 1 creates the record.
type Ledger interface {
	RecordExecution(ctx context.Context, e *models.PipelineExecution) error
	RecordStage(ctx context.Context, s *models.PipelineStage) error
	RecordToolExecution(ctx context.Context, te *models.ToolExecution) error
	RecordIntervention(ctx context.Context, iv *models.Intervention) error
	RecordAlert(ctx context.Context, a *models.Alert) error
	// SetAlertStatus appends a status change; the alert row itself is never rewritten.
	SetAlertStatus(ctx context.Context, change AlertStatusChange) error

	LatestExecution(ctx context.Context, executionID string) (*models.PipelineExecution, error)
	ExecutionHistory(ctx context.Context, executionID string) ([]*models.PipelineExecution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*models.PipelineExecution, error)
	// LatestStages returns the latest version of every stage ordered by OrderIndex.
	LatestStages(ctx context.Context, executionID string) ([]*models.PipelineStage, error)
	// ToolExecutions returns rows in the order they were recorded.
	ToolExecutions(ctx context.Context, executionID string) ([]*models.ToolExecution, error)
	Interventions(ctx context.Context, executionID string) ([]*models.Intervention, error)
	// Alerts returns alerts with their latest status, newest first.
	Alerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error)
}

// ExecutionNotFound is returned when no snapshot exists for an execution.
func ExecutionNotFound(id string) error {
	return errs.NotFound("execution %s not found", id)
}

// AlertNotFound is returned when a status change names an unknown alert.
func AlertNotFound(id string) error {
	return errs.NotFound("alert %s not found", id)
}

func versionConflict(kind, id string, got, latest int) error {
	return errs.Conflict("%s %s: version %d does not follow latest version %d", kind, id, got, latest)
}

// CheckVersion enforces the append rule shared by every implementation.
func CheckVersion(kind, id string, got, latest int) error {
	if got != latest+1 {
		return versionConflict(kind, id, got, latest)
	}
	return nil
}

func validAlertStatus(s models.AlertStatus) bool {
	switch s {
	case models.AlertOpen, models.AlertAcknowledged, models.AlertResolved:
		return true
	}
	return false
}

// ValidateAlertStatus rejects unknown alert statuses.
func ValidateAlertStatus(s models.AlertStatus) error {
	if !validAlertStatus(s) {
		return errs.Invalid("unknown alert status %q", s)
	}
	return nil
}

// MatchAlert reports whether a matches f, given its current status.
func MatchAlert(a *models.Alert, f AlertFilter) bool {
	if f.ExecutionID != "" && a.ExecutionID != f.ExecutionID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.MinSeverity != "" && a.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	return true
}
