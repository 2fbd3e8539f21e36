package models

import "time"

// ExecutionStatus is the lifecycle state of a pipeline execution.
type ExecutionStatus string

const (
	ExecutionInitializing        ExecutionStatus = "initializing"
	ExecutionRunning             ExecutionStatus = "running"
	ExecutionPaused              ExecutionStatus = "paused"
	ExecutionCompleted           ExecutionStatus = "completed"
	ExecutionCompletedWithErrors ExecutionStatus = "completed_with_errors"
	ExecutionFailed              ExecutionStatus = "failed"
	ExecutionCancelled           ExecutionStatus = "cancelled"
)

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionInitializing: {ExecutionRunning, ExecutionFailed, ExecutionCancelled},
	ExecutionRunning: {
		ExecutionPaused, ExecutionCompleted, ExecutionCompletedWithErrors,
		ExecutionFailed, ExecutionCancelled,
	},
	ExecutionPaused: {ExecutionRunning, ExecutionFailed, ExecutionCancelled},
}

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionCompletedWithErrors, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether s may move to next. The only backward edge is paused→running.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StageStatus is the lifecycle state of one pipeline stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSuccess   StageStatus = "success"
	StagePartial   StageStatus = "partial"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageCancelled StageStatus = "cancelled"
)

// IsTerminal reports whether the stage has finished, one way or another.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageSuccess, StagePartial, StageFailed, StageSkipped, StageCancelled:
		return true
	}
	return false
}

// Satisfied reports whether dependents of a stage in this status may run.
func (s StageStatus) Satisfied() bool {
	return s == StageSuccess || s == StagePartial
}

// PipelineExecution is one run of the pipeline for one target.
type PipelineExecution struct {
	ID                  string                `json:"id" db:"id"`
	TargetID            string                `json:"target_id" db:"target_id"`
	TargetName          string                `json:"target_name" db:"target_name"`
	TargetDomain        string                `json:"target_domain,omitempty" db:"target_domain"`
	ThesisID            string                `json:"thesis_id" db:"thesis_id"`
	OrchestratorVersion string                `json:"orchestrator_version" db:"orchestrator_version"`
	Status              ExecutionStatus       `json:"status" db:"status"`
	TotalStages         int                   `json:"total_stages" db:"total_stages"`
	CompletedStages     int                   `json:"completed_stages" db:"completed_stages"`
	FailedStages        int                   `json:"failed_stages" db:"failed_stages"`
	SkippedStages       int                   `json:"skipped_stages" db:"skipped_stages"`
	TotalEvidence       int                   `json:"total_evidence" db:"total_evidence"`
	HighQualityEvidence int                   `json:"high_quality_evidence" db:"high_quality_evidence"`
	EvidenceByType      map[EvidenceType]int  `json:"evidence_by_type" db:"-"`
	ErrorCount          int                   `json:"error_count" db:"error_count"`
	LastError           string                `json:"last_error,omitempty" db:"last_error"`
	CollectionID        string                `json:"collection_id" db:"collection_id"`
	ReportID            string                `json:"report_id,omitempty" db:"report_id"`
	Version             int                   `json:"version" db:"version"`
	CreatedAt           time.Time             `json:"created_at" db:"created_at"`
	StartedAt           *time.Time            `json:"started_at,omitempty" db:"started_at"`
	CompletedAt         *time.Time            `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt           time.Time             `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (e *PipelineExecution) Clone() *PipelineExecution {
	if e == nil {
		return nil
	}
	c := *e
	c.EvidenceByType = make(map[EvidenceType]int, len(e.EvidenceByType))
	for k, v := range e.EvidenceByType {
		c.EvidenceByType[k] = v
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// PipelineStage is one named step of an execution.
type PipelineStage struct {
	ID            string      `json:"id" db:"id"`
	ExecutionID   string      `json:"execution_id" db:"execution_id"`
	Name          string      `json:"name" db:"name"`
	OrderIndex    int         `json:"order_index" db:"order_index"`
	DependsOn     []string    `json:"depends_on,omitempty" db:"-"`
	Critical      bool        `json:"critical" db:"critical"`
	Status        StageStatus `json:"status" db:"status"`
	Attempt       int         `json:"attempt" db:"attempt"`
	MaxRetries    int         `json:"max_retries" db:"max_retries"`
	EvidenceCount int         `json:"evidence_count" db:"evidence_count"`
	ToolCallCount int         `json:"tool_call_count" db:"tool_call_count"`
	ErrorDetail   string      `json:"error_detail,omitempty" db:"error_detail"`
	Version       int         `json:"version" db:"version"`
	StartedAt     *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy of the stage.
func (s *PipelineStage) Clone() *PipelineStage {
	if s == nil {
		return nil
	}
	c := *s
	c.DependsOn = append([]string(nil), s.DependsOn...)
	return &c
}

// ToolStatus is the terminal state of one tool call attempt.
type ToolStatus string

const (
	ToolSuccess   ToolStatus = "success"
	ToolFailed    ToolStatus = "failed"
	ToolCancelled ToolStatus = "cancelled"
)

// ToolExecution records one attempt of one tool call within a stage.
type ToolExecution struct {
	ID             string                 `json:"id" db:"id"`
	ExecutionID    string                 `json:"execution_id" db:"execution_id"`
	StageName      string                 `json:"stage_name" db:"stage_name"`
	CallID         string                 `json:"call_id" db:"call_id"`
	Attempt        int                    `json:"attempt" db:"attempt"`
	ToolName       string                 `json:"tool_name" db:"tool_name"`
	ToolVersion    string                 `json:"tool_version" db:"tool_version"`
	Status         ToolStatus             `json:"status" db:"status"`
	InputParams    map[string]interface{} `json:"input_params" db:"-"`
	OutputSummary  string                 `json:"output_summary,omitempty" db:"output_summary"`
	EvidenceCount  int                    `json:"evidence_count" db:"evidence_count"`
	APICallsMade   int                    `json:"api_calls_made" db:"api_calls_made"`
	BytesProcessed int64                  `json:"bytes_processed" db:"bytes_processed"`
	ErrorType      string                 `json:"error_type,omitempty" db:"error_type"`
	ErrorMessage   string                 `json:"error_message,omitempty" db:"error_message"`
	StartedAt      time.Time              `json:"started_at" db:"started_at"`
	CompletedAt    time.Time              `json:"completed_at" db:"completed_at"`
	DurationMs     int64                  `json:"duration_ms" db:"duration_ms"`
}
