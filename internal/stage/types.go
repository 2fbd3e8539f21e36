// Package stage runs the tool calls of one pipeline stage with bounded
// concurrency, retry with backoff, and one audit row per attempt.
package stage

import (
	"context"
	"time"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/tools"
)

// Call is one tool invocation within a stage.
type Call struct {
	ID     string       `json:"id"`
	Tool   string       `json:"tool"`
	Params tools.Params `json:"params,omitempty"`
	// Critical calls fail the stage when they fail; others only make it partial.
	Critical bool `json:"critical,omitempty"`
	// Category tags the evidence produced by this call.
	Category string `json:"category,omitempty"`
}

// Spec is a stage definition.
type Spec struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on,omitempty"`
	Critical  bool     `json:"critical,omitempty"`
	Calls     []Call   `json:"calls"`

	// Concurrency bounds simultaneous calls; 0 means one.
	Concurrency int `json:"concurrency,omitempty"`
	// MaxRetries is the number of retries after the first attempt of each call.
	MaxRetries int `json:"max_retries"`
	// Timeout caps every attempt in addition to the adapter's own limit.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Run identifies where a stage's output belongs.
type Run struct {
	ExecutionID  string
	CollectionID string
	// StageAttempt is 1 for the first run of the stage and grows with retry_stage.
	StageAttempt int
}

// CallFailure describes a call that did not succeed after its last attempt.
type CallFailure struct {
	CallID    string          `json:"call_id"`
	Tool      string          `json:"tool"`
	Attempt   int             `json:"attempt"`
	ErrorType tools.ErrorType `json:"error_type"`
	Message   string          `json:"message"`
	Critical  bool            `json:"critical"`
}

// Outcome is the resolved result of a stage, returned once every call finished.
type Outcome struct {
	Status        models.StageStatus
	EvidenceCount int
	HighQuality   int
	ByType        map[models.EvidenceType]int
	ToolCalls     int
	Failures      []CallFailure
	Duplicates    int
	Duration      time.Duration
	Err           error
}

// AuditSink receives one row per tool attempt. Calls are serialized by the
// executor so rows arrive in completion order.
type AuditSink interface {
	RecordToolExecution(ctx context.Context, te *models.ToolExecution) error
}

// BackoffConfig shapes the delay between attempts: initial × multiplier^(n-1),
// capped at Max. A tool's Retry-After hint wins when it is longer, within Max.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff is used for zero fields of a BackoffConfig.
var DefaultBackoff = BackoffConfig{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2}
